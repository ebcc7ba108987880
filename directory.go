package cqlite

import (
	"container/heap"
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// memtableGeneration is the synthetic "generation" assigned to memtable
// candidates in the (timestamp, generation) tie-break rule (spec.md §4.I):
// higher than any real on-disk generation so a true timestamp tie still
// favors the most recent in-memory write.
const memtableGeneration = math.MaxInt32

// generationFilePattern recognizes one component of a "nb-<gen>-big-<name>"
// generation (spec.md §4.I: "the numeric token in nb-<gen>-big-*.db").
var generationFilePattern = regexp.MustCompile(`^([a-z]{2})-(\d+)-big-(.+)$`)

// compactionThresholdDefault is the SSTable-count trigger for a
// CompactionRequested event (spec.md §4.I: "when SSTable count for a table
// exceeds a threshold"). Actual compaction is out of core scope; the
// directory only raises the event.
const compactionThresholdDefault = 8

// CompactionRequest is emitted when a table's SSTable directory has
// accumulated enough generations to warrant compaction. Handling it is the
// caller's job (spec.md §4.I).
type CompactionRequest struct {
	Table          TableId
	SSTableCount   int
}

// SSTableDirectory holds, per table, every open SSTableReader for that
// table's generations ordered newest-first, and answers the merged
// point-get/range-scan algorithms of spec.md §4.I.
type SSTableDirectory struct {
	mu                  sync.RWMutex
	path                string
	readers             []*SSTableReader // newest generation first
	compactionThreshold int

	corruptOpens atomic.Int64
	logger       *zap.Logger
}

// OpenSSTableDirectory scans dir for "<prefix>-<gen>-big-<component>"
// files, groups them by generation, and opens each group as an
// SSTableReader ordered newest-first. A generation whose Data.db is present
// but fails to open is logged and skipped rather than failing the whole
// scan (spec.md §7: "An SSTable that fails to open during directory scan is
// logged and skipped... its corruption is reported via stats()").
func OpenSSTableDirectory(fs Filesystem, dir string, logger *zap.Logger) (*SSTableDirectory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	groups := map[int]map[string]string{}
	var generations []int
	for _, name := range names {
		m := generationFilePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		gen, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if _, ok := groups[gen]; !ok {
			groups[gen] = map[string]string{}
			generations = append(generations, gen)
		}
		groups[gen][m[3]] = name
	}
	sort.Sort(sort.Reverse(sort.IntSlice(generations)))

	d := &SSTableDirectory{path: dir, compactionThreshold: compactionThresholdDefault, logger: logger}
	for _, gen := range generations {
		components := groups[gen]
		files := componentsToFiles(dir, gen, components)
		if files.Data == "" {
			continue
		}
		reader, err := OpenSSTableReader(files)
		if err != nil {
			d.corruptOpens.Add(1)
			logger.Warn("skipping sstable generation that failed to open",
				zap.Int("generation", gen), zap.Error(err))
			continue
		}
		d.readers = append(d.readers, reader)
	}
	return d, nil
}

func componentsToFiles(dir string, gen int, components map[string]string) SSTableFiles {
	get := func(name string) string {
		if f, ok := components[name]; ok {
			return joinDirPath(dir, f)
		}
		return ""
	}
	return SSTableFiles{
		Generation:      gen,
		Data:            get("Data.db"),
		Statistics:      get("Statistics.db"),
		CompressionInfo: get("CompressionInfo.db"),
		Filter:          get("Filter.db"),
		Partitions:      get("Partitions.db"),
		Rows:            get("Rows.db"),
		Index:           get("Index.db"),
		Summary:         get("Summary.db"),
	}
}

func joinDirPath(dir, name string) string {
	if dir == "" {
		return name
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

// AddGeneration inserts a freshly flushed SSTable at the head of the
// directory's reader list (spec.md §4.K: "add that SSTable to the
// directory's head"). It is the only mutating operation, and takes the
// write lock spec.md §5 calls for ("write lock only when adding/removing a
// reader after flush/compaction").
func (d *SSTableDirectory) AddGeneration(reader *SSTableReader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers = append([]*SSTableReader{reader}, d.readers...)
}

// Readers returns a snapshot of the current newest-first reader list.
func (d *SSTableDirectory) Readers() []*SSTableReader {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*SSTableReader, len(d.readers))
	copy(out, d.readers)
	return out
}

// Len reports the number of open SSTable generations.
func (d *SSTableDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.readers)
}

// CorruptOpens reports how many generations were skipped during the
// directory scan because they failed to open. AddGeneration does not count.
func (d *SSTableDirectory) CorruptOpens() int64 { return d.corruptOpens.Load() }

// CompactionRequested reports whether this table's SSTable count exceeds
// the compaction threshold (spec.md §4.I).
func (d *SSTableDirectory) CompactionRequested(table TableId) *CompactionRequest {
	d.mu.RLock()
	count := len(d.readers)
	d.mu.RUnlock()
	if count <= d.compactionThreshold {
		return nil
	}
	return &CompactionRequest{Table: table, SSTableCount: count}
}

// Close releases every open reader.
func (d *SSTableDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, r := range d.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.readers = nil
	return firstErr
}

// directoryCandidate is one SSTable's match for a key during merge.
type directoryCandidate struct {
	generation  int
	timestampUs int64
	row         *Row // nil means a tombstone
}

// dominates implements the "max (timestamp_us, generation)" tie-break rule
// of spec.md §4.I step 3.
func (c directoryCandidate) dominates(other directoryCandidate) bool {
	if c.timestampUs != other.timestampUs {
		return c.timestampUs > other.timestampUs
	}
	return c.generation > other.generation
}

// Get performs the merged point-lookup algorithm of spec.md §4.I: consult
// the memtable first, then every SSTable generation, resolving duplicates
// by (timestamp_us, generation) and suppressing a winning tombstone.
func (d *SSTableDirectory) Get(mt *MemTable, table TableId, schema TableSchema, key RowKey) (*Row, error) {
	var best *directoryCandidate
	if entry, ok := mt.GetEntry(table, key); ok {
		var row *Row
		if !entry.IsTombstone() {
			r := Row{Key: key.Clone(), Columns: RowToValues(valueAsSingleColumnRow(*entry.Value), schema)}
			row = &r
		}
		best = &directoryCandidate{generation: memtableGeneration, timestampUs: int64(entry.TimestampUs), row: row}
	}

	readers := d.Readers()
	for _, r := range readers {
		row, ts, ok, err := r.GetEncodedEntry(schema, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if row != nil {
			row, err = decodeInternalRow(row)
			if err != nil {
				return nil, err
			}
		}
		candidate := directoryCandidate{generation: r.Generation(), timestampUs: ts, row: row}
		if best == nil || candidate.dominates(*best) {
			best = &candidate
		}
	}
	if best == nil || best.row == nil {
		return nil, nil
	}
	return best.row, nil
}

// valueAsSingleColumnRow adapts a memtable's opaque Value into the
// one-row/one-cell DecodedRow shape RowToValues expects, so memtable hits
// go through the same schema projection as SSTable hits under
// InternalSchema.
func valueAsSingleColumnRow(v Value) DecodedRow {
	return DecodedRow{Cells: []Cell{{ColumnIndex: 0, Value: v}}}
}

// decodeInternalRow un-wraps the self-describing stored-value blob
// WriteSSTable puts in InternalSchema's "value" column back into the
// original Value, so a directory hit sourced from an SSTable presents the
// same shape as one sourced from the memtable (which never double-encodes).
func decodeInternalRow(row *Row) (*Row, error) {
	blob, ok := row.Columns[internalValueColumn]
	if !ok {
		return row, nil
	}
	decoded, _, err := decodeStoredValue(blob.Bytes)
	if err != nil {
		return nil, err
	}
	return &Row{Key: row.Key, Columns: map[string]Value{internalValueColumn: decoded}}, nil
}

// scanHeapItem is one source's current head during a k-way merge scan.
type scanHeapItem struct {
	key         RowKey
	timestampUs int64
	generation  int // memtableGeneration for the memtable's own entries
	row         *Row
	next        func() (RowKey, int64, *Row, bool, error)
}

type scanHeap []*scanHeapItem

func (h scanHeap) Len() int { return len(h) }
func (h scanHeap) Less(i, j int) bool {
	c := h[i].key.Compare(h[j].key)
	if c != 0 {
		return c < 0
	}
	if h[i].timestampUs != h[j].timestampUs {
		return h[i].timestampUs > h[j].timestampUs
	}
	return h[i].generation > h[j].generation
}
func (h scanHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scanHeap) Push(x any)        { *h = append(*h, x.(*scanHeapItem)) }
func (h *scanHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scan performs the k-way merged range scan of spec.md §4.I: a min-heap
// keyed by encoded partition key across the memtable's sorted view and
// every SSTable's partition iterator, resolving duplicate keys by
// (timestamp, generation) and suppressing tombstones from the output.
//
// A non-zero deadline is checked at every partition boundary (spec.md §5);
// once it has passed, Scan stops and returns a KindCancelled error without
// visiting any further keys. A zero deadline means "no deadline".
func (d *SSTableDirectory) Scan(mt *MemTable, table TableId, schema TableSchema, start, end RowKey, limit int, deadline time.Time, visit func(RowKey, Row) error) error {
	h := &scanHeap{}
	heap.Init(h)

	memEntries := mt.ScanEntriesWithTombstones(table, start, end, 0)
	memIdx := 0
	var nextMem func() (RowKey, int64, *Row, bool, error)
	nextMem = func() (RowKey, int64, *Row, bool, error) {
		if memIdx >= len(memEntries) {
			return nil, 0, nil, false, nil
		}
		e := memEntries[memIdx]
		memIdx++
		if e.Value == nil {
			return e.Key, int64(e.TimestampUs), nil, true, nil
		}
		row := Row{Key: e.Key.Clone(), Columns: RowToValues(valueAsSingleColumnRow(*e.Value), schema)}
		return e.Key, int64(e.TimestampUs), &row, true, nil
	}
	if key, ts, row, ok, _ := nextMem(); ok {
		heap.Push(h, &scanHeapItem{key: key, timestampUs: ts, generation: memtableGeneration, row: row, next: nextMem})
	}

	readers := d.Readers()
	for _, r := range readers {
		if err := pushReaderIterator(h, r, schema, start, end); err != nil {
			return err
		}
	}

	var lastKey RowKey
	haveLast := false
	count := 0
	for h.Len() > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return newErr(KindCancelled, "scan deadline exceeded")
		}

		top := heap.Pop(h).(*scanHeapItem)

		if haveLast && top.key.Compare(lastKey) == 0 {
			advance(h, top)
			continue
		}
		lastKey = top.key.Clone()
		haveLast = true

		// Gather every other source currently matching this key so the
		// (timestamp, generation) tie-break considers all of them, not
		// just the heap-order winner.
		winner := directoryCandidate{generation: top.generation, timestampUs: top.timestampUs, row: top.row}
		var dup []*scanHeapItem
		for h.Len() > 0 && (*h)[0].key.Compare(lastKey) == 0 {
			other := heap.Pop(h).(*scanHeapItem)
			cand := directoryCandidate{generation: other.generation, timestampUs: other.timestampUs, row: other.row}
			if cand.dominates(winner) {
				winner = cand
			}
			dup = append(dup, other)
		}

		if winner.row != nil {
			if limit > 0 && count >= limit {
				break
			}
			if err := visit(lastKey, *winner.row); err != nil {
				return err
			}
			count++
		}

		advance(h, top)
		for _, other := range dup {
			advance(h, other)
		}
	}
	return nil
}

func advance(h *scanHeap, item *scanHeapItem) {
	if item.next == nil {
		return
	}
	key, ts, row, ok, err := item.next()
	if err != nil || !ok {
		return
	}
	heap.Push(h, &scanHeapItem{key: key, timestampUs: ts, generation: item.generation, row: row, next: item.next})
}

// pushReaderIterator eagerly collects one SSTable generation's matching
// partitions into a slice and seeds the merge heap from it. Scan's visit
// callback only ever sees a partition's first row (§4.G), so a generation's
// contribution to a scan is bounded by its partition count, not its byte
// size; eager collection keeps the k-way merge itself allocation-free and
// avoids holding a live iterator (and its goroutine) across the whole scan.
func pushReaderIterator(h *scanHeap, r *SSTableReader, schema TableSchema, start, end RowKey) error {
	type entry struct {
		key RowKey
		ts  int64
		row Row
	}
	var entries []entry
	err := r.ScanEntries(schema, start, end, 0, func(k RowKey, ts int64, row Row) error {
		decoded, err := decodeInternalRow(&row)
		if err != nil {
			return err
		}
		entries = append(entries, entry{key: k.Clone(), ts: ts, row: *decoded})
		return nil
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	idx := 0
	gen := r.Generation()
	var next func() (RowKey, int64, *Row, bool, error)
	next = func() (RowKey, int64, *Row, bool, error) {
		if idx >= len(entries) {
			return nil, 0, nil, false, nil
		}
		e := entries[idx]
		idx++
		return e.key, e.ts, &e.row, true, nil
	}
	key, ts, row, ok, _ := next()
	if !ok {
		return nil
	}
	heap.Push(h, &scanHeapItem{key: key, timestampUs: ts, generation: gen, row: row, next: next})
	return nil
}
