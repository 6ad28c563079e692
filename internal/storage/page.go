// Package storage implements the encrypted, paged, write-ahead-logged
// storage engine underneath MuroDB: the page cipher, the page layout, the
// free-page manager, the WAL, the B+-tree index, the transaction commit
// pipeline, and crash recovery. Everything above this package — SQL
// parsing, planning, the system catalog, row codecs — consumes storage
// only through the PageStore capability in pagestore.go.
package storage

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageSize is the fixed size of every page, in bytes. It is not
	// configurable: the encrypted-page and WAL-frame budgets are derived
	// from it throughout this package.
	PageSize = 4096

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0:8]   PageID      (uint64 LE)
	//   [8]     NodeType    (1 byte)
	//   [9]     Flags       (1 byte)
	//   [10:12] CellCount   (uint16 LE)
	//   [12:14] FreeStart   (uint16 LE) — first free byte after the slot array
	//   [14:16] FreeEnd     (uint16 LE) — first byte of the lowest-addressed cell
	//   [16:24] RightChild  (uint64 LE) — internal nodes only
	//   [24:32] Reserved
	PageHeaderSize = 32

	// SlotSize is the size of one slot-array entry: offset + length.
	SlotSize = 4

	// InvalidPageID is the null page pointer; page 0 is reserved for the
	// plaintext file header, so it can never be a legitimate page id.
	InvalidPageID PageID = 0

	// OverflowThreshold is the inline value-size ceiling before a cell's
	// value is spilled into an overflow page chain instead of living in
	// the leaf directly.
	OverflowThreshold = PageSize / 4
)

// PageID identifies a page within the file. Page ids are 64-bit to match
// the plaintext header's counters; page 0 is never allocated to the
// B-tree or freelist since it is the header's own slot.
type PageID uint64

// NodeType distinguishes the structural role of a page.
type NodeType uint8

const (
	NodeTypeBTreeInternal NodeType = 0x01
	NodeTypeBTreeLeaf     NodeType = 0x02
	NodeTypeOverflow      NodeType = 0x03
	NodeTypeFreeList      NodeType = 0x04
)

// String returns a human-readable label, used by the inspection CLI.
func (t NodeType) String() string {
	switch t {
	case NodeTypeBTreeInternal:
		return "BTree-Internal"
	case NodeTypeBTreeLeaf:
		return "BTree-Leaf"
	case NodeTypeOverflow:
		return "Overflow"
	case NodeTypeFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// PageHeader is the 32-byte header present at the start of every page.
// There is no on-disk CRC field here: the surrounding AEAD tag (see
// cipher.go) already authenticates the whole page, so a second checksum
// would be redundant.
type PageHeader struct {
	ID         PageID
	Type       NodeType
	Flags      uint8
	CellCount  uint16
	FreeStart  uint16
	FreeEnd    uint16
	RightChild PageID
}

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("storage: buffer too small for PageHeader")
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.ID))
	buf[8] = byte(h.Type)
	buf[9] = h.Flags
	binary.LittleEndian.PutUint16(buf[10:12], h.CellCount)
	binary.LittleEndian.PutUint16(buf[12:14], h.FreeStart)
	binary.LittleEndian.PutUint16(buf[14:16], h.FreeEnd)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.RightChild))
	for i := 24; i < 32; i++ {
		buf[i] = 0
	}
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes
// of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.ID = PageID(binary.LittleEndian.Uint64(buf[0:8]))
	h.Type = NodeType(buf[8])
	h.Flags = buf[9]
	h.CellCount = binary.LittleEndian.Uint16(buf[10:12])
	h.FreeStart = binary.LittleEndian.Uint16(buf[12:14])
	h.FreeEnd = binary.LittleEndian.Uint16(buf[14:16])
	h.RightChild = PageID(binary.LittleEndian.Uint64(buf[16:24]))
	return h
}

// Page is an in-memory, decrypted 4096-byte page with helpers for the
// slotted cell layout shared by B-tree internal/leaf pages, freelist
// pages, and overflow pages.
type Page struct {
	Data [PageSize]byte
}

// NewPage returns a zeroed page of the given type and id, with an empty
// slot array (FreeStart/FreeEnd both at the boundary between header and
// cell area).
func NewPage(id PageID, t NodeType) *Page {
	p := &Page{}
	h := PageHeader{
		ID:        id,
		Type:      t,
		FreeStart: PageHeaderSize,
		FreeEnd:   PageSize,
	}
	MarshalHeader(&h, p.Data[:])
	return p
}

// FromBytes builds a Page from a copy of an existing PageSize-length
// buffer.
func FromBytes(buf []byte) (*Page, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("storage: page buffer has length %d, want %d", len(buf), PageSize)
	}
	p := &Page{}
	copy(p.Data[:], buf)
	return p, nil
}

// Header returns the page's decoded header.
func (p *Page) Header() PageHeader {
	return UnmarshalHeader(p.Data[:])
}

// SetHeader rewrites the page's header in place.
func (p *Page) SetHeader(h PageHeader) {
	MarshalHeader(&h, p.Data[:])
}

// CellCount returns the number of occupied slots.
func (p *Page) CellCount() int {
	return int(p.Header().CellCount)
}

// slotOffset returns the byte offset of slot i's 4-byte entry.
func slotOffset(i int) int {
	return PageHeaderSize + i*SlotSize
}

// slot returns the (offset, length) of the i'th slot.
func (p *Page) slot(i int) (offset, length uint16) {
	so := slotOffset(i)
	offset = binary.LittleEndian.Uint16(p.Data[so : so+2])
	length = binary.LittleEndian.Uint16(p.Data[so+2 : so+4])
	return
}

func (p *Page) setSlot(i int, offset, length uint16) {
	so := slotOffset(i)
	binary.LittleEndian.PutUint16(p.Data[so:so+2], offset)
	binary.LittleEndian.PutUint16(p.Data[so+2:so+4], length)
}

// Cell returns the raw key and value bytes of the i'th cell, in slot
// (insertion-order-independent, but currently also key-sorted) order.
func (p *Page) Cell(i int) (key, value []byte, err error) {
	n := p.CellCount()
	if i < 0 || i >= n {
		return nil, nil, fmt.Errorf("storage: cell index %d out of range [0,%d)", i, n)
	}
	offset, length := p.slot(i)
	if int(offset)+int(length) > PageSize || length < 2 {
		return nil, nil, &Error{Kind: InvalidPage, msg: fmt.Sprintf("page %d: malformed slot %d", p.Header().ID, i)}
	}
	cell := p.Data[offset : offset+length]
	keyLen := binary.LittleEndian.Uint16(cell[0:2])
	if int(keyLen)+2 > len(cell) {
		return nil, nil, &Error{Kind: InvalidPage, msg: fmt.Sprintf("page %d: cell %d key_len overruns slot", p.Header().ID, i)}
	}
	key = cell[2 : 2+keyLen]
	value = cell[2+keyLen:]
	return key, value, nil
}

// freeSpace returns the number of bytes available between the slot
// array and the lowest cell.
func (p *Page) freeSpace() int {
	h := p.Header()
	return int(h.FreeEnd) - int(h.FreeStart)
}

// ErrPageFull is returned by InsertCellAt when there isn't enough
// contiguous free space for the new cell plus its slot entry.
var ErrPageFull = fmt.Errorf("storage: page full")

// InsertCellAt inserts a new cell at slot index `at` (0 <= at <=
// CellCount), shifting subsequent slots up by one. Cell data is appended
// at the current FreeEnd and grows the occupied region downward; the
// slot array grows upward from FreeStart. Fails with ErrPageFull if
// there isn't room.
func (p *Page) InsertCellAt(at int, key, value []byte) error {
	h := p.Header()
	n := int(h.CellCount)
	if at < 0 || at > n {
		return fmt.Errorf("storage: insert index %d out of range [0,%d]", at, n)
	}
	cellLen := 2 + len(key) + len(value)
	need := cellLen + SlotSize
	if need > p.freeSpace() {
		return ErrPageFull
	}

	newCellOffset := int(h.FreeEnd) - cellLen
	binary.LittleEndian.PutUint16(p.Data[newCellOffset:newCellOffset+2], uint16(len(key)))
	copy(p.Data[newCellOffset+2:], key)
	copy(p.Data[newCellOffset+2+len(key):], value)

	// Shift slots [at, n) up by one slot to make room.
	for i := n; i > at; i-- {
		off, ln := p.slot(i - 1)
		p.setSlot(i, off, ln)
	}
	p.setSlot(at, uint16(newCellOffset), uint16(cellLen))

	h.CellCount = uint16(n + 1)
	h.FreeStart = uint16(PageHeaderSize + (n+1)*SlotSize)
	h.FreeEnd = uint16(newCellOffset)
	p.SetHeader(h)
	return nil
}

// RemoveCellAt deletes the cell at slot index `at`, shifting subsequent
// slots down by one. It does not reclaim the dead space left behind in
// the cell area; callers that need that space back call Compact (the
// B-tree does so when an insert hits ErrPageFull).
func (p *Page) RemoveCellAt(at int) error {
	h := p.Header()
	n := int(h.CellCount)
	if at < 0 || at >= n {
		return fmt.Errorf("storage: remove index %d out of range [0,%d)", at, n)
	}
	for i := at; i < n-1; i++ {
		off, ln := p.slot(i + 1)
		p.setSlot(i, off, ln)
	}
	h.CellCount = uint16(n - 1)
	h.FreeStart = uint16(PageHeaderSize + (n-1)*SlotSize)
	p.SetHeader(h)
	return nil
}

// Bytes returns the page's raw backing buffer.
func (p *Page) Bytes() []byte {
	return p.Data[:]
}

// cellCopy is a defensive copy of one cell's key and value, safe to hold
// onto across a Compact (which overwrites the underlying buffer).
type cellCopy struct {
	key, value []byte
}

// AllCells returns a defensive copy of every cell in slot order.
func (p *Page) AllCells() ([]cellCopy, error) {
	n := p.CellCount()
	out := make([]cellCopy, n)
	for i := 0; i < n; i++ {
		k, v, err := p.Cell(i)
		if err != nil {
			return nil, err
		}
		out[i] = cellCopy{key: append([]byte(nil), k...), value: append([]byte(nil), v...)}
	}
	return out, nil
}

// Compact rewrites the page's cell area with no dead space between
// cells, preserving slot order and all header fields other than
// FreeEnd. RemoveCellAt/InsertCellAt never reclaim the byte-range of a
// removed cell on their own; Compact is the explicit reclamation step,
// run lazily only when an insert would otherwise fail for want of
// space.
func (p *Page) Compact() error {
	h := p.Header()
	cells, err := p.AllCells()
	if err != nil {
		return err
	}
	end := PageSize
	type slotEntry struct{ offset, length uint16 }
	slots := make([]slotEntry, len(cells))
	var scratch [PageSize]byte
	for i, c := range cells {
		cellLen := 2 + len(c.key) + len(c.value)
		end -= cellLen
		binary.LittleEndian.PutUint16(scratch[end:end+2], uint16(len(c.key)))
		copy(scratch[end+2:], c.key)
		copy(scratch[end+2+len(c.key):], c.value)
		slots[i] = slotEntry{offset: uint16(end), length: uint16(cellLen)}
	}
	copy(p.Data[end:], scratch[end:])
	for i, s := range slots {
		p.setSlot(i, s.offset, s.length)
	}
	h.FreeEnd = uint16(end)
	p.SetHeader(h)
	return nil
}

// ReplaceCellAt removes the cell at slot index `at` and reinserts a new
// key/value at the same slot index, compacting the page first if there
// isn't room otherwise. Used for in-place B-tree leaf/internal updates.
func (p *Page) ReplaceCellAt(at int, key, value []byte) error {
	if err := p.RemoveCellAt(at); err != nil {
		return err
	}
	if err := p.InsertCellAt(at, key, value); err != nil {
		if err == ErrPageFull {
			if cerr := p.Compact(); cerr != nil {
				return cerr
			}
			return p.InsertCellAt(at, key, value)
		}
		return err
	}
	return nil
}
