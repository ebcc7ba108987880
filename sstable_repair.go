package cqlite

import (
	"os"
	"sort"
)

// RepairSSTable rebuilds a legacy Index.db against a possibly truncated or
// corrupted original, keeping only entries whose offset still decodes a
// well-formed partition body out of Data.db. It stops at the first entry
// that fails to parse — sorted index order corresponds to Data.db's own
// partition order for a generation written by WriteSSTable, so one bad
// offset means everything after it is equally suspect — and writes whatever
// it recovered to repairedIndexPath, never touching the original files.
//
// Grounded on the teacher's own SSTable repair tool (stream valid entries
// until the first parse error, write a fresh file, let the caller decide
// whether to replace the original) with its encryption, checksum-tagged
// entry format, and bloom-filter rebuild dropped: this format has no
// per-entry checksum or crypto layer of its own (partition bodies are
// framed structurally, by the end-of-partition marker, and Filter.db is
// rebuilt wholesale by WriteSSTable rather than incrementally).
func RepairSSTable(dataPath, indexPath, repairedIndexPath string, schema TableSchema) (int, error) {
	dataBytes, err := os.ReadFile(dataPath)
	if err != nil {
		return 0, wrapIo(err, dataPath, 0, "read Data.db for repair")
	}
	_, headerLen, err := ParseSSTableHeader(dataBytes)
	if err != nil {
		return 0, err
	}

	entries, err := readLegacyIndexEntriesBestEffort(indexPath)
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return bytesCompare(entries[i].Key, entries[j].Key) < 0 })

	var recovered []legacyIndexEntry
	for _, e := range entries {
		if int(e.Offset) < headerLen || int(e.Offset) >= len(dataBytes) {
			break
		}
		if _, _, err := DecodePartitionBody(dataBytes[e.Offset:], schema); err != nil {
			break
		}
		recovered = append(recovered, e)
	}

	var out []byte
	for _, e := range recovered {
		out = append(out, EncodeVUInt(uint64(len(e.Key)))...)
		out = append(out, e.Key...)
		out = append(out, EncodeVUInt(e.Offset)...)
	}
	if err := os.WriteFile(repairedIndexPath, out, 0o644); err != nil {
		return len(recovered), wrapIo(err, repairedIndexPath, 0, "write repaired Index.db")
	}
	return len(recovered), nil
}

// readLegacyIndexEntriesBestEffort parses as many {key, offset} entries as
// it can from a legacy Index.db, stopping at the first malformed entry
// instead of failing outright — Index.db corruption up to some point is
// exactly the scenario RepairSSTable exists to recover from.
func readLegacyIndexEntriesBestEffort(path string) ([]legacyIndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIo(err, path, 0, "read Index.db for repair")
	}
	var entries []legacyIndexEntry
	pos := 0
	for pos < len(data) {
		keyLen, n, err := DecodeVUInt(data[pos:])
		if err != nil {
			break
		}
		pos += n
		if pos+int(keyLen) > len(data) {
			break
		}
		key := append([]byte(nil), data[pos:pos+int(keyLen)]...)
		pos += int(keyLen)
		offset, n, err := DecodeVUInt(data[pos:])
		if err != nil {
			break
		}
		pos += n
		entries = append(entries, legacyIndexEntry{Key: key, Offset: offset})
	}
	return entries, nil
}
