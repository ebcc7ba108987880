package cqlite

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
)

// MemTableEntry is a single versioned write (spec.md §3): a nil Value
// (distinct from a present KindNull) means a tombstone.
type MemTableEntry struct {
	Value     *Value
	TimestampUs uint64
	Sequence  uint64
}

func (e MemTableEntry) IsTombstone() bool { return e.Value == nil }

// memtableEntryOverhead is the fixed per-entry metadata overhead spec.md
// §4.H's size-accounting rule adds on top of key/value bytes.
const memtableEntryOverhead = 24

// memKey is the ordered-map key: (TableId, RowKey). google/btree's BTreeG
// needs a Less method, so this composes TableId.Less with RowKey's byte
// comparison (spec.md §4.H: "any map with logarithmic ordered lookup").
type memKey struct {
	Table TableId
	Key   RowKey
}

func (a memKey) Less(b memKey) bool {
	if a.Table != b.Table {
		return a.Table.Less(b.Table)
	}
	return a.Key.Compare(b.Key) < 0
}

type memItem struct {
	key   memKey
	entry MemTableEntry
}

func memItemLess(a, b memItem) bool { return a.key.Less(b.key) }

// MemTable is the sorted in-memory write buffer absorbing writes before a
// flush produces a new SSTable (spec.md §4.H). It is backed by
// google/btree's generic BTreeG, which satisfies the O(log n) ordered
// point/range-op contract the spec leaves open to any suitable structure.
type MemTable struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[memItem]
	size     int64
	sequence uint64
	nowFunc  func() uint64
}

// NewMemTable constructs an empty memtable. nowFunc lets tests substitute a
// deterministic clock; production callers pass nil to use the wall clock.
func NewMemTable(nowFunc func() uint64) *MemTable {
	if nowFunc == nil {
		nowFunc = func() uint64 { return uint64(time.Now().UnixMicro()) }
	}
	return &MemTable{
		tree:    btree.NewG[memItem](32, memItemLess),
		nowFunc: nowFunc,
	}
}

// Put assigns a fresh sequence number and timestamp and unconditionally
// replaces any prior entry for (table, key); the memtable itself is not
// versioned (the WAL holds history).
func (mt *MemTable) Put(table TableId, key RowKey, value Value) {
	mt.store(table, key, &value)
}

// Delete writes a tombstone for (table, key).
func (mt *MemTable) Delete(table TableId, key RowKey) {
	mt.store(table, key, nil)
}

func (mt *MemTable) store(table TableId, key RowKey, value *Value) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	k := memKey{Table: table, Key: key.Clone()}
	newEntry := MemTableEntry{
		Value:       value,
		TimestampUs: mt.nowFunc(),
		Sequence:    atomic.AddUint64(&mt.sequence, 1),
	}
	newSize := int64(entrySize(table, key, value))

	oldSize := int64(0)
	if old, ok := mt.tree.Get(memItem{key: k}); ok {
		oldSize = int64(entrySize(old.key.Table, old.key.Key, old.entry.Value))
	}

	mt.tree.ReplaceOrInsert(memItem{key: k, entry: newEntry})
	addSaturating(&mt.size, newSize-oldSize)
}

// Get returns the live value for (table, key), or ok=false for both an
// absent key and a tombstone — callers that need to see the tombstone
// itself (merge logic, §4.I) use GetEntry instead.
func (mt *MemTable) Get(table TableId, key RowKey) (Value, bool) {
	entry, ok := mt.GetEntry(table, key)
	if !ok || entry.IsTombstone() {
		return Value{}, false
	}
	return *entry.Value, true
}

// GetEntry returns the raw MemTableEntry (tombstone included) for merge
// logic that must distinguish "absent" from "deleted".
func (mt *MemTable) GetEntry(table TableId, key RowKey) (MemTableEntry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	item, ok := mt.tree.Get(memItem{key: memKey{Table: table, Key: key}})
	if !ok {
		return MemTableEntry{}, false
	}
	return item.entry, true
}

// Scan returns every non-tombstone (key, value) pair for table within
// [start, end) in RowKey order, honoring limit (0 means unlimited).
func (mt *MemTable) Scan(table TableId, start, end RowKey, limit int) []struct {
	Key   RowKey
	Value Value
} {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []struct {
		Key   RowKey
		Value Value
	}
	lower := memItem{key: memKey{Table: table, Key: start}}
	mt.tree.AscendGreaterOrEqual(lower, func(item memItem) bool {
		if item.key.Table != table {
			return false
		}
		if end != nil && item.key.Key.Compare(end) >= 0 {
			return false
		}
		if !item.entry.IsTombstone() {
			out = append(out, struct {
				Key   RowKey
				Value Value
			}{Key: item.key.Key, Value: *item.entry.Value})
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	})
	return out
}

// ScanEntries is Scan's counterpart exposing each entry's timestamp, for
// merge logic (spec.md §4.I) that must compare a memtable hit's timestamp
// against SSTable candidates rather than assume the memtable always wins.
func (mt *MemTable) ScanEntries(table TableId, start, end RowKey, limit int) []struct {
	Key         RowKey
	Value       Value
	TimestampUs uint64
} {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []struct {
		Key         RowKey
		Value       Value
		TimestampUs uint64
	}
	lower := memItem{key: memKey{Table: table, Key: start}}
	mt.tree.AscendGreaterOrEqual(lower, func(item memItem) bool {
		if item.key.Table != table {
			return false
		}
		if end != nil && item.key.Key.Compare(end) >= 0 {
			return false
		}
		if !item.entry.IsTombstone() {
			out = append(out, struct {
				Key         RowKey
				Value       Value
				TimestampUs uint64
			}{Key: item.key.Key, Value: *item.entry.Value, TimestampUs: item.entry.TimestampUs})
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	})
	return out
}

// ScanEntriesWithTombstones is ScanEntries' tombstone-exposing counterpart:
// every entry in range is returned, including tombstones (Value == nil),
// for merge logic (spec.md §4.I) that must let a memtable tombstone
// suppress an older on-disk row rather than silently skip past it.
func (mt *MemTable) ScanEntriesWithTombstones(table TableId, start, end RowKey, limit int) []struct {
	Key         RowKey
	Value       *Value
	TimestampUs uint64
} {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []struct {
		Key         RowKey
		Value       *Value
		TimestampUs uint64
	}
	lower := memItem{key: memKey{Table: table, Key: start}}
	mt.tree.AscendGreaterOrEqual(lower, func(item memItem) bool {
		if item.key.Table != table {
			return false
		}
		if end != nil && item.key.Key.Compare(end) >= 0 {
			return false
		}
		out = append(out, struct {
			Key         RowKey
			Value       *Value
			TimestampUs uint64
		}{Key: item.key.Key, Value: item.entry.Value, TimestampUs: item.entry.TimestampUs})
		if limit > 0 && len(out) >= limit {
			return false
		}
		return true
	})
	return out
}

// Flush consumes every non-tombstone entry across all tables in sorted
// order and clears the memtable, returning what a writer should persist
// into a new SSTable.
func (mt *MemTable) Flush() []struct {
	Table TableId
	Key   RowKey
	Value Value
} {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	var out []struct {
		Table TableId
		Key   RowKey
		Value Value
	}
	mt.tree.Ascend(func(item memItem) bool {
		if !item.entry.IsTombstone() {
			out = append(out, struct {
				Table TableId
				Key   RowKey
				Value Value
			}{Table: item.key.Table, Key: item.key.Key, Value: *item.entry.Value})
		}
		return true
	})

	mt.tree.Clear(false)
	atomic.StoreInt64(&mt.size, 0)
	return out
}

// Size reports the current size-accounting total in bytes.
func (mt *MemTable) Size() int64 { return atomic.LoadInt64(&mt.size) }

// Len reports the live entry count, tombstones included.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.tree.Len()
}

// entrySize computes a key+value's size-accounting contribution: key bytes,
// the table name length, fixed overhead, and a recursive value-size
// estimate (spec.md §4.H).
func entrySize(table TableId, key RowKey, value *Value) int {
	size := len(key) + len(table.Keyspace) + len(table.Table) + memtableEntryOverhead
	if value != nil {
		size += valueSizeEstimate(*value)
	}
	return size
}

func valueSizeEstimate(v Value) int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBoolean, KindTinyInt:
		return 1
	case KindSmallInt:
		return 2
	case KindInt, KindFloat, KindDate:
		return 4
	case KindBigInt, KindDouble, KindTimestamp, KindTime:
		return 8
	case KindUuid, KindTimeUuid:
		return 16
	case KindText, KindBlob, KindInet, KindVarInt:
		return len(v.Bytes) + len(v.VarInt)
	case KindDecimal:
		return 4 + len(v.Decimal.Unscaled)
	case KindDuration:
		return 24
	case KindList, KindSet, KindTuple:
		total := 0
		for _, e := range v.List {
			total += valueSizeEstimate(e)
		}
		for _, e := range v.Tuple {
			total += valueSizeEstimate(e)
		}
		return total
	case KindMap:
		total := 0
		for _, e := range v.Map {
			total += valueSizeEstimate(e.Key) + valueSizeEstimate(e.Value)
		}
		return total
	case KindUdt:
		total := 0
		if v.Udt != nil {
			for _, f := range v.Udt.Fields {
				total += len(f.Name) + valueSizeEstimate(f.Value)
			}
		}
		return total
	case KindFrozen:
		if v.Frozen != nil {
			return valueSizeEstimate(*v.Frozen)
		}
		return 0
	default:
		return 0
	}
}

// addSaturating adds delta to *counter, clamping at 0 rather than going
// negative (spec.md §4.H's size counter is saturating).
func addSaturating(counter *int64, delta int64) {
	for {
		old := atomic.LoadInt64(counter)
		next := old + delta
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(counter, old, next) {
			return
		}
	}
}
