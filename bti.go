package cqlite

import "encoding/binary"

// MaxTrieDepth caps BTI lookups against pathological inputs (spec.md §4.F,
// named identically to the original source's MAX_TRIE_DEPTH).
const MaxTrieDepth = 1024

// btiMagic is the fixed BTI file-header magic number.
const btiMagic = 0x64610000

// BtiHeader is the fixed 16-byte prefix of a Partitions.db/Rows.db file.
type BtiHeader struct {
	Version    uint16
	Flags      uint16
	RootOffset uint64
}

// ParseBtiHeader reads and validates the 16-byte BTI file header.
func ParseBtiHeader(input []byte) (BtiHeader, error) {
	if len(input) < 16 {
		return BtiHeader{}, newErr(KindUnexpectedEof, "bti header needs 16 bytes, have %d", len(input))
	}
	magic := binary.BigEndian.Uint32(input[0:4])
	if magic != btiMagic {
		return BtiHeader{}, newErr(KindInvalidMagic, "bti magic 0x%08x does not match expected 0x%08x", magic, btiMagic)
	}
	return BtiHeader{
		Version:    binary.BigEndian.Uint16(input[4:6]),
		Flags:      binary.BigEndian.Uint16(input[6:8]),
		RootOffset: binary.BigEndian.Uint64(input[8:16]),
	}, nil
}

// BtiNodeType is the 2-bit node-type tag in a node's header byte.
type BtiNodeType byte

const (
	BtiNodePayloadOnly BtiNodeType = 0
	BtiNodeSingle      BtiNodeType = 1
	BtiNodeSparse      BtiNodeType = 2
	BtiNodeDense       BtiNodeType = 3
)

// SizedPointer is a child pointer whose on-disk width (1, 2, 4, or 8 bytes)
// is the smallest that can represent the target-minus-current file-offset
// delta (spec.md §4.F). A zero value means "null" inside a Dense node.
type SizedPointer struct {
	Distance uint64
	Size     uint8
}

// NewSizedPointer picks the narrowest width that can hold distance.
func NewSizedPointer(distance uint64) SizedPointer {
	switch {
	case distance <= 0xFF:
		return SizedPointer{Distance: distance, Size: 1}
	case distance <= 0xFFFF:
		return SizedPointer{Distance: distance, Size: 2}
	case distance <= 0xFFFFFFFF:
		return SizedPointer{Distance: distance, Size: 4}
	default:
		return SizedPointer{Distance: distance, Size: 8}
	}
}

func (p SizedPointer) IsNull() bool { return p.Distance == 0 }

func (p SizedPointer) AppendTo(buf []byte) []byte {
	switch p.Size {
	case 1:
		return append(buf, byte(p.Distance))
	case 2:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(p.Distance))
		return append(buf, b[:]...)
	case 4:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(p.Distance))
		return append(buf, b[:]...)
	default:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], p.Distance)
		return append(buf, b[:]...)
	}
}

func decodeSizedPointer(input []byte, size uint8) (SizedPointer, int, error) {
	switch size {
	case 1:
		if len(input) < 1 {
			return SizedPointer{}, 0, newErr(KindUnexpectedEof, "sized pointer needs 1 byte")
		}
		return SizedPointer{Distance: uint64(input[0]), Size: 1}, 1, nil
	case 2:
		if len(input) < 2 {
			return SizedPointer{}, 0, newErr(KindUnexpectedEof, "sized pointer needs 2 bytes")
		}
		return SizedPointer{Distance: uint64(binary.BigEndian.Uint16(input)), Size: 2}, 2, nil
	case 4:
		if len(input) < 4 {
			return SizedPointer{}, 0, newErr(KindUnexpectedEof, "sized pointer needs 4 bytes")
		}
		return SizedPointer{Distance: uint64(binary.BigEndian.Uint32(input)), Size: 4}, 4, nil
	case 8:
		if len(input) < 8 {
			return SizedPointer{}, 0, newErr(KindUnexpectedEof, "sized pointer needs 8 bytes")
		}
		return SizedPointer{Distance: binary.BigEndian.Uint64(input), Size: 8}, 8, nil
	default:
		return SizedPointer{}, 0, newErr(KindInvalidLength, "invalid sized pointer width %d", size)
	}
}

// Transition pairs a transition byte with the pointer to its child.
type Transition struct {
	Byte  byte
	Child SizedPointer
}

// BtiPayload is a decoded leaf payload (spec.md §4.F): a mandatory data
// offset into Data.db, an optional size, and (for Partitions.db nodes only)
// an optional offset into the sibling Rows.db BTI.
type BtiPayload struct {
	DataOffset     uint64
	DataSize       uint32
	HasDataSize    bool
	RowIndexOffset uint64
	HasRowIndex    bool
}

// BtiNode is one decoded trie node plus the file offset it was read from, so
// callers can compute child file offsets. The node's total encoded length is
// not stored here; ParseBtiNode returns it alongside the node.
type BtiNode struct {
	Type   BtiNodeType
	Offset int64

	// Single
	single Transition
	// Sparse
	sparse []Transition
	// Dense
	denseFirst byte
	denseLast  byte
	dense      []SizedPointer

	HasPayload bool
	Payload    BtiPayload
}

// pointerSizeFromReservedBits recovers the per-node pointer width from the
// reserved bits of the header byte. Bits 2..1 of payload_flags (i.e. bits
// 2,1 of the low nibble) encode one of {1,2,4,8} via a 2-bit code; bit 0
// remains has_payload as spec.md §4.F defines. Writers choosing the
// narrowest SizedPointer for every child record that choice here so a
// reader never has to guess.
func pointerSizeFromReservedBits(headerByte byte) uint8 {
	code := (headerByte >> 1) & 0x03
	switch code {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// ParseBtiNode decodes one node starting at input[0], which must be the
// node's header byte. offset is the node's absolute file offset, used to
// resolve its children's SizedPointer distances into absolute file offsets
// by the caller.
func ParseBtiNode(input []byte, offset int64) (BtiNode, int, error) {
	if len(input) < 1 {
		return BtiNode{}, 0, newErr(KindUnexpectedEof, "bti node needs at least 1 header byte")
	}
	header := input[0]
	nodeType := BtiNodeType((header >> 4) & 0x0F)
	hasPayload := header&0x01 != 0
	ptrSize := pointerSizeFromReservedBits(header)
	pos := 1

	node := BtiNode{Type: nodeType, Offset: offset}

	switch nodeType {
	case BtiNodePayloadOnly:
		// nothing structural to read

	case BtiNodeSingle:
		if len(input)-pos < 1 {
			return BtiNode{}, 0, newErr(KindUnexpectedEof, "single node needs a transition byte")
		}
		b := input[pos]
		pos++
		ptr, n, err := decodeSizedPointer(input[pos:], ptrSize)
		if err != nil {
			return BtiNode{}, 0, err
		}
		pos += n
		node.single = Transition{Byte: b, Child: ptr}

	case BtiNodeSparse:
		if len(input)-pos < 1 {
			return BtiNode{}, 0, newErr(KindUnexpectedEof, "sparse node needs a count byte")
		}
		count := int(input[pos])
		pos++
		if len(input)-pos < count {
			return BtiNode{}, 0, newErr(KindUnexpectedEof, "sparse node needs %d transition bytes", count)
		}
		bytesList := append([]byte(nil), input[pos:pos+count]...)
		pos += count
		transitions := make([]Transition, count)
		for i := 0; i < count; i++ {
			ptr, n, err := decodeSizedPointer(input[pos:], ptrSize)
			if err != nil {
				return BtiNode{}, 0, err
			}
			pos += n
			transitions[i] = Transition{Byte: bytesList[i], Child: ptr}
		}
		for i := 1; i < count; i++ {
			if transitions[i-1].Byte >= transitions[i].Byte {
				return BtiNode{}, 0, newErr(KindCorruptedTrie, "sparse node transition bytes not strictly ascending")
			}
		}
		node.sparse = transitions

	case BtiNodeDense:
		if len(input)-pos < 2 {
			return BtiNode{}, 0, newErr(KindUnexpectedEof, "dense node needs first/last byte")
		}
		first := input[pos]
		last := input[pos+1]
		pos += 2
		if last < first {
			return BtiNode{}, 0, newErr(KindCorruptedTrie, "dense node last_byte %d < first_byte %d", last, first)
		}
		count := int(last) - int(first) + 1
		children := make([]SizedPointer, count)
		for i := 0; i < count; i++ {
			ptr, n, err := decodeSizedPointer(input[pos:], ptrSize)
			if err != nil {
				return BtiNode{}, 0, err
			}
			pos += n
			children[i] = ptr
		}
		node.denseFirst = first
		node.denseLast = last
		node.dense = children

	default:
		return BtiNode{}, 0, newErr(KindInvalidTypeId, "unrecognized bti node type %d", nodeType)
	}

	node.HasPayload = hasPayload
	if hasPayload {
		if nodeType == BtiNodePayloadOnly {
			if len(input)-pos < 2 {
				return BtiNode{}, 0, newErr(KindUnexpectedEof, "payload-only node needs a 2-byte payload size")
			}
			size := binary.BigEndian.Uint16(input[pos:])
			pos += 2
			if len(input)-pos < int(size) {
				return BtiNode{}, 0, newErr(KindUnexpectedEof, "node declares %d payload bytes, only %d available", size, len(input)-pos)
			}
			payload, err := decodeBtiPayload(input[pos : pos+int(size)])
			if err != nil {
				return BtiNode{}, 0, err
			}
			pos += int(size)
			node.Payload = payload
		} else {
			if len(input)-pos < 2 {
				return BtiNode{}, 0, newErr(KindUnexpectedEof, "node needs a 2-byte payload size")
			}
			size := binary.BigEndian.Uint16(input[pos:])
			pos += 2
			if len(input)-pos < int(size) {
				return BtiNode{}, 0, newErr(KindUnexpectedEof, "node declares %d payload bytes, only %d available", size, len(input)-pos)
			}
			payload, err := decodeBtiPayload(input[pos : pos+int(size)])
			if err != nil {
				return BtiNode{}, 0, err
			}
			pos += int(size)
			node.Payload = payload
		}
	}

	return node, pos, nil
}

func decodeBtiPayload(input []byte) (BtiPayload, error) {
	if len(input) < 8 {
		return BtiPayload{}, newErr(KindUnexpectedEof, "bti payload needs at least 8 bytes for data_offset")
	}
	p := BtiPayload{DataOffset: binary.BigEndian.Uint64(input[0:8])}
	rest := input[8:]
	if len(rest) >= 4 {
		p.DataSize = binary.BigEndian.Uint32(rest[0:4])
		p.HasDataSize = true
		rest = rest[4:]
	}
	if len(rest) >= 8 {
		p.RowIndexOffset = binary.BigEndian.Uint64(rest[0:8])
		p.HasRowIndex = true
	}
	return p, nil
}

// FindChild returns the child pointer for byte b, or ok=false if there is
// none (spec.md §4.F step 3): binary search for Sparse, direct index for
// Dense, equality for Single, never for PayloadOnly.
func (n BtiNode) FindChild(b byte) (SizedPointer, bool) {
	switch n.Type {
	case BtiNodeSingle:
		if n.single.Byte == b {
			return n.single.Child, true
		}
		return SizedPointer{}, false

	case BtiNodeSparse:
		lo, hi := 0, len(n.sparse)
		for lo < hi {
			mid := (lo + hi) / 2
			if n.sparse[mid].Byte < b {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < len(n.sparse) && n.sparse[lo].Byte == b {
			return n.sparse[lo].Child, true
		}
		return SizedPointer{}, false

	case BtiNodeDense:
		if b < n.denseFirst || b > n.denseLast {
			return SizedPointer{}, false
		}
		ptr := n.dense[int(b)-int(n.denseFirst)]
		if ptr.IsNull() {
			return SizedPointer{}, false
		}
		return ptr, true

	default:
		return SizedPointer{}, false
	}
}

// BtiNodeLoader fetches the raw bytes of the node located at a given
// absolute file offset. SSTableReader supplies a chunk-decompressor- or
// mmap-backed implementation; tests can use an in-memory one.
type BtiNodeLoader interface {
	LoadNode(offset int64) (BtiNode, error)
}

// BtiReader performs key lookups and ordered iteration over a parsed BTI
// trie (Partitions.db or Rows.db), per spec.md §4.F.
type BtiReader struct {
	Header BtiHeader
	Loader BtiNodeLoader
}

func NewBtiReader(header BtiHeader, loader BtiNodeLoader) *BtiReader {
	return &BtiReader{Header: header, Loader: loader}
}

// Lookup walks the trie for key, returning the payload at the terminal node
// or ok=false if key is absent.
func (r *BtiReader) Lookup(key []byte) (BtiPayload, bool, error) {
	offset := int64(r.Header.RootOffset)
	visited := make(map[int64]bool)
	depth := 0

	for {
		if depth > MaxTrieDepth {
			return BtiPayload{}, false, newErr(KindTrieDepthExceeded, "trie depth exceeded %d", MaxTrieDepth)
		}
		if visited[offset] {
			return BtiPayload{}, false, newErr(KindCorruptedTrie, "cycle detected at offset %d", offset)
		}
		visited[offset] = true

		node, err := r.Loader.LoadNode(offset)
		if err != nil {
			return BtiPayload{}, false, err
		}

		if depth == len(key) {
			if node.HasPayload {
				return node.Payload, true, nil
			}
			return BtiPayload{}, false, nil
		}

		child, ok := node.FindChild(key[depth])
		if !ok {
			return BtiPayload{}, false, nil
		}
		offset = node.Offset + int64(child.Distance)
		depth++
	}
}

// btiIterFrame is one stack entry of BtiReader.Iterate's explicit DFS stack.
type btiIterFrame struct {
	offset    int64
	keyPrefix []byte
	// childIdx tracks how many of this node's transitions have already been
	// descended into, so the DFS can resume a partially-visited node.
	childIdx int
}

// Iterate performs a depth-first walk yielding (key, payload) pairs in
// byte-comparable order, via visit for each leaf payload found. Returning a
// non-nil error from visit aborts the walk and is propagated.
func (r *BtiReader) Iterate(visit func(key []byte, payload BtiPayload) error) error {
	stack := []*btiIterFrame{{offset: int64(r.Header.RootOffset)}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]

		node, err := r.Loader.LoadNode(frame.offset)
		if err != nil {
			return err
		}

		if frame.childIdx == 0 && node.HasPayload {
			if err := visit(frame.keyPrefix, node.Payload); err != nil {
				return err
			}
		}

		transitions := node.transitions()
		if frame.childIdx >= len(transitions) {
			stack = stack[:len(stack)-1]
			continue
		}

		t := transitions[frame.childIdx]
		frame.childIdx++

		childKey := append(append([]byte(nil), frame.keyPrefix...), t.Byte)
		stack = append(stack, &btiIterFrame{
			offset:    node.Offset + int64(t.Child.Distance),
			keyPrefix: childKey,
		})
	}

	return nil
}

// transitions returns a node's children as an ordered slice of Transition,
// synthesizing one for Dense nodes (spec.md §4.F orders Dense children by
// ascending byte, same as Sparse/Single).
func (n BtiNode) transitions() []Transition {
	switch n.Type {
	case BtiNodeSingle:
		return []Transition{n.single}
	case BtiNodeSparse:
		return n.sparse
	case BtiNodeDense:
		out := make([]Transition, 0, len(n.dense))
		for i, ptr := range n.dense {
			if ptr.IsNull() {
				continue
			}
			out = append(out, Transition{Byte: n.denseFirst + byte(i), Child: ptr})
		}
		return out
	default:
		return nil
	}
}
