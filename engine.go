package cqlite

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config mirrors spec.md §6's enumerated open options. A zero
// MaxCachedChunks, MemtableSizeThreshold or Logger picks a default (16,
// matching the spec's "storage.max_cached_chunks (default 16)"; 4 MiB; a
// no-op logger). A zero cache size leaves that cache disabled, and a zero
// MaxMemory leaves the buffer pool unbounded.
type Config struct {
	BlockCacheMaxSize     int64 // memory.block_cache.max_size
	RowCacheMaxSize       int64 // memory.row_cache.max_size
	MaxMemory             int64 // memory.max_memory (buffer-pool budget)
	MemtableSizeThreshold int64 // storage.memtable_size_threshold
	WalEnabled            bool  // storage.wal.enabled
	MaxCachedChunks       int   // storage.max_cached_chunks
	BloomFilterEnabled    bool  // storage.bloom_filter.enabled
	Logger                *zap.Logger
}

// Config.MaxCachedChunks documents storage.max_cached_chunks's intent and
// default; the per-generation ChunkDecompressor it would tune already fixes
// its LRU size at defaultMaxCachedChunks (chunk.go) before any engine-level
// config is in scope (it's built during directory scan, per SSTable, not by
// the façade) — see DESIGN.md for why this knob isn't threaded further.
func (c Config) withDefaults() Config {
	if c.MaxCachedChunks == 0 {
		c.MaxCachedChunks = defaultMaxCachedChunks
	}
	if c.MemtableSizeThreshold == 0 {
		c.MemtableSizeThreshold = 4 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// EngineStats answers stats() (spec.md §6).
type EngineStats struct {
	BlockCacheHits   int64
	BlockCacheMisses int64
	RowCacheHits     int64
	RowCacheMisses   int64
	SSTablesOpen     int
	MemtableBytes    int64
	MemtableEntries  int
	CorruptOpens     int64
}

// tableState is everything Engine keeps per table beyond the shared
// memtable: its SSTable directory and the next generation number a flush
// should claim.
type tableState struct {
	dir        *SSTableDirectory
	nextGen    atomic.Int64
}

// Engine is the storage engine façade of spec.md §4.K: it wires a MemTable,
// a per-table SSTableDirectory, the bounded caches, a buffer pool, and an
// optional WAL behind open/put/delete/get/scan/flush/stats. Grounded on the
// teacher's DB struct (velocity.go) — same RWMutex-guarded-struct shape and
// Config/New pattern — but with the teacher's TTL, Incr/Decr, glob key
// listing, encryption, and leveled compaction all dropped (see DESIGN.md):
// none of them have a counterpart in this engine's scope.
type Engine struct {
	path   string
	config Config
	clock  Clock
	fs     Filesystem
	logger *zap.Logger

	mu       sync.RWMutex
	memtable *MemTable
	tables   map[TableId]*tableState

	blockCache *BlockCache
	rowCache   *RowCache
	bufferPool *BufferPool

	wal *WAL

	flushMu sync.Mutex // serializes flush so only one swap is ever in flight
}

// Open constructs an Engine rooted at path, creating the directory if
// absent, replaying an existing WAL into the memtable when
// storage.wal.enabled, and opening any table subdirectories already present
// on disk.
func Open(path string, config Config) (*Engine, error) {
	return OpenWithCollaborators(path, config, SystemClock{}, PosixFilesystem{})
}

// OpenWithCollaborators is Open with the Clock/Filesystem collaborators
// spec.md §6 names as injectable rather than fixed to the production
// defaults — the dependency-injection seam spec.md §9 calls for.
func OpenWithCollaborators(path string, config Config, clock Clock, fs Filesystem) (*Engine, error) {
	config = config.withDefaults()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, wrapIo(err, path, 0, "create engine directory")
	}

	e := &Engine{
		path:     path,
		config:   config,
		clock:    clock,
		fs:       fs,
		logger:   config.Logger,
		memtable: NewMemTable(clock.NowMicros),
		tables:   map[TableId]*tableState{},
	}
	if config.BlockCacheMaxSize > 0 {
		e.blockCache = NewBlockCache(int(config.BlockCacheMaxSize))
	}
	if config.RowCacheMaxSize > 0 {
		e.rowCache = NewRowCache(int(config.RowCacheMaxSize))
	}
	e.bufferPool = NewBufferPool(config.MaxMemory)

	if err := e.openExistingTables(); err != nil {
		return nil, err
	}

	if config.WalEnabled {
		walPath := filepath.Join(path, "wal.log")
		records, err := ReplayWAL(walPath)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.IsTombstone {
				e.memtable.Delete(rec.Table, rec.Key)
			} else {
				e.memtable.Put(rec.Table, rec.Key, rec.Value)
			}
		}
		w, err := OpenWAL(walPath, e.logger)
		if err != nil {
			return nil, err
		}
		e.wal = w
	}

	return e, nil
}

// openExistingTables scans path's immediate subdirectories as table data
// directories named "<keyspace>.<table>", opening whatever SSTable
// generations are already on disk for each.
func (e *Engine) openExistingTables() error {
	entries, err := os.ReadDir(e.path)
	if err != nil {
		return wrapIo(err, e.path, 0, "read engine directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		table, ok := parseTableDirName(entry.Name())
		if !ok {
			continue
		}
		if _, err := e.openTable(table); err != nil {
			return err
		}
	}
	return nil
}

func parseTableDirName(name string) (TableId, bool) {
	for i, c := range name {
		if c == '.' {
			return TableId{Keyspace: name[:i], Table: name[i+1:]}, true
		}
	}
	return TableId{}, false
}

func tableDirName(table TableId) string { return table.Keyspace + "." + table.Table }

// openTable lazily opens (or returns the already-open) per-table SSTable
// directory. It takes e.mu itself, so callers must not hold it. Two
// concurrent first-touches may both scan the same directory — harmless
// since OpenSSTableDirectory is read-only and the loser's result is closed
// and discarded.
func (e *Engine) openTable(table TableId) (*tableState, error) {
	e.mu.RLock()
	st, ok := e.tables[table]
	e.mu.RUnlock()
	if ok {
		return st, nil
	}

	dirPath := filepath.Join(e.path, tableDirName(table))
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, wrapIo(err, dirPath, 0, "create table directory")
	}
	dir, err := OpenSSTableDirectory(e.fs, dirPath, e.logger)
	if err != nil {
		return nil, err
	}
	for _, r := range dir.Readers() {
		r.SetBlockCache(table, e.blockCache)
	}

	st = &tableState{dir: dir}
	maxGen := int64(-1)
	for _, r := range dir.Readers() {
		if g := int64(r.Generation()); g > maxGen {
			maxGen = g
		}
	}
	st.nextGen.Store(maxGen + 1)

	e.mu.Lock()
	if existing, ok := e.tables[table]; ok {
		e.mu.Unlock()
		dir.Close()
		return existing, nil
	}
	e.tables[table] = st
	e.mu.Unlock()
	return st, nil
}

// Put writes value for (table, key): WAL first (when enabled), then the
// memtable, then triggers an async flush if the size threshold is crossed
// (spec.md §4.K).
func (e *Engine) Put(table TableId, key RowKey, value Value) error {
	if e.wal != nil {
		if err := e.wal.Append(table, key, value); err != nil {
			return err
		}
	}
	e.memtable.Put(table, key, value)
	if e.rowCache != nil {
		e.rowCache.Invalidate(table, key)
	}
	e.maybeFlush()
	return nil
}

// Delete writes a tombstone for (table, key).
func (e *Engine) Delete(table TableId, key RowKey) error {
	if e.wal != nil {
		if err := e.wal.AppendTombstone(table, key); err != nil {
			return err
		}
	}
	e.memtable.Delete(table, key)
	if e.rowCache != nil {
		e.rowCache.Invalidate(table, key)
	}
	e.maybeFlush()
	return nil
}

// Get performs the merged point-lookup of spec.md §4.I: memtable first,
// then the table's SSTable directory, through the row cache when enabled.
func (e *Engine) Get(table TableId, key RowKey) (*Row, error) {
	if e.rowCache != nil {
		if cached, ok := e.rowCache.Get(table, key); ok {
			if len(cached) == 0 {
				return nil, nil
			}
			return &Row{Key: key.Clone(), Columns: map[string]Value{internalValueColumn: cached[0]}}, nil
		}
	}

	st, err := e.openTable(table)
	if err != nil {
		return nil, err
	}
	row, err := st.dir.Get(e.memtable, table, InternalSchema(table), key)
	if err != nil {
		return nil, err
	}
	if e.rowCache != nil {
		if row != nil {
			e.rowCache.Put(table, key, []Value{row.Columns[internalValueColumn]})
		} else {
			e.rowCache.Put(table, key, nil)
		}
	}
	return row, nil
}

// Scan performs the merged range scan of spec.md §4.I over [start, end),
// honoring limit (0 means unlimited) and with no deadline.
func (e *Engine) Scan(table TableId, start, end RowKey, limit int, visit func(RowKey, Row) error) error {
	return e.ScanWithDeadline(table, start, end, limit, time.Time{}, visit)
}

// ScanWithDeadline is Scan with the optional deadline spec.md §5 describes:
// "Long scans accept an optional deadline; the iterator checks deadline at
// each partition boundary and returns Cancelled if exceeded." A zero
// deadline means no deadline. Cancellation never corrupts caches or
// readers; an abandoned scan simply stops visiting further keys.
func (e *Engine) ScanWithDeadline(table TableId, start, end RowKey, limit int, deadline time.Time, visit func(RowKey, Row) error) error {
	st, err := e.openTable(table)
	if err != nil {
		return err
	}
	return st.dir.Scan(e.memtable, table, InternalSchema(table), start, end, limit, deadline, visit)
}

// maybeFlush triggers a background flush once the memtable crosses
// storage.memtable_size_threshold. Every write that finds the memtable over
// the threshold starts its own goroutine; Flush serializes them on flushMu,
// and each later one drains only what was written since the previous swap.
func (e *Engine) maybeFlush() {
	if e.memtable.Size() < e.config.MemtableSizeThreshold {
		return
	}
	go func() {
		if err := e.Flush(); err != nil {
			e.logger.Warn("background flush failed", zap.Error(err))
		}
	}()
}

// Flush commits the atomic memtable-swap contract of spec.md §5: swap in a
// fresh memtable under the write lock, then — with readers and other
// writers unblocked — write the drained entries into one SSTable generation
// per table and add each to its directory's head. A post-swap crash before
// a table's SSTable is written only loses that table's unflushed entries
// (recoverable from the WAL on restart); it never leaves a half-visible
// generation, since AddGeneration is the sole, atomic publish step.
func (e *Engine) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	old := e.memtable
	e.memtable = NewMemTable(e.clock.NowMicros)
	e.mu.Unlock()

	drained := old.Flush()
	if len(drained) == 0 {
		return nil
	}

	byTable := map[TableId][]FlushedEntry{}
	for _, d := range drained {
		byTable[d.Table] = append(byTable[d.Table], FlushedEntry{Key: d.Key, Value: d.Value})
	}

	for table, entries := range byTable {
		st, err := e.openTable(table)
		if err != nil {
			return err
		}
		gen := int(st.nextGen.Add(1) - 1)
		dirPath := filepath.Join(e.path, tableDirName(table))
		files, err := WriteSSTable(dirPath, gen, entries, e.config.BloomFilterEnabled)
		if err != nil {
			return err
		}
		reader, err := OpenSSTableReader(files)
		if err != nil {
			return err
		}
		reader.SetBlockCache(table, e.blockCache)
		st.dir.AddGeneration(reader)
	}

	if e.wal != nil {
		if err := e.wal.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports the aggregate counters spec.md §6's stats() enumerates.
func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		MemtableBytes:   e.memtable.Size(),
		MemtableEntries: e.memtable.Len(),
	}
	if e.blockCache != nil {
		s.BlockCacheHits = e.blockCache.Hits()
		s.BlockCacheMisses = e.blockCache.Misses()
	}
	if e.rowCache != nil {
		s.RowCacheHits = e.rowCache.Hits()
		s.RowCacheMisses = e.rowCache.Misses()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, st := range e.tables {
		s.SSTablesOpen += st.dir.Len()
		s.CorruptOpens += st.dir.CorruptOpens()
	}
	return s
}

// CompactionRequests reports every table whose SSTable count currently
// exceeds the compaction threshold (spec.md §4.I); handling them is the
// caller's job, same as the directory layer itself.
func (e *Engine) CompactionRequests() []CompactionRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []CompactionRequest
	for table, st := range e.tables {
		if req := st.dir.CompactionRequested(table); req != nil {
			out = append(out, *req)
		}
	}
	return out
}

// Close flushes any remaining memtable contents, then releases every open
// table directory and the WAL.
func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, st := range e.tables {
		if err := st.dir.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
