package storage

import (
	"encoding/binary"
	"fmt"
)

// Overflow pages store B-tree cell values that exceed OverflowThreshold
// and would not otherwise fit inline in a leaf. They form a singly
// linked chain of dedicated pages.
//
// Layout:
//
//	[0:32]   Common PageHeader (Type=NodeTypeOverflow)
//	[32:40]  NextOverflow  (uint64 LE) — next page in chain, 0 = end
//	[40:44]  DataLen       (uint32 LE) — bytes of payload in this page
//	[44:44+DataLen]  Payload data
const (
	overflowNextOff    = PageHeaderSize         // 32
	overflowDataLenOff = overflowNextOff + 8    // 40
	overflowDataOff    = overflowDataLenOff + 4 // 44
)

// OverflowCapacity returns the payload capacity of a single overflow page.
func OverflowCapacity() int {
	return PageSize - overflowDataOff
}

// OverflowPage wraps a page buffer as an overflow chain page.
type OverflowPage struct {
	buf []byte
}

// WrapOverflowPage wraps an existing overflow page buffer.
func WrapOverflowPage(buf []byte) *OverflowPage {
	return &OverflowPage{buf: buf}
}

// InitOverflowPage initializes a fresh overflow page buffer with the
// given id and an empty payload.
func InitOverflowPage(buf []byte, id PageID) *OverflowPage {
	h := PageHeader{Type: NodeTypeOverflow, ID: id}
	MarshalHeader(&h, buf)
	binary.LittleEndian.PutUint64(buf[overflowNextOff:], uint64(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[overflowDataLenOff:], 0)
	return &OverflowPage{buf: buf}
}

// NextOverflow returns the next overflow page in the chain.
func (op *OverflowPage) NextOverflow() PageID {
	return PageID(binary.LittleEndian.Uint64(op.buf[overflowNextOff:]))
}

// SetNextOverflow sets the next-page pointer.
func (op *OverflowPage) SetNextOverflow(pid PageID) {
	binary.LittleEndian.PutUint64(op.buf[overflowNextOff:], uint64(pid))
}

// DataLen returns the number of payload bytes stored in this page.
func (op *OverflowPage) DataLen() int {
	return int(binary.LittleEndian.Uint32(op.buf[overflowDataLenOff:]))
}

// SetData writes payload into the overflow page, failing if it exceeds
// the page's capacity.
func (op *OverflowPage) SetData(data []byte) error {
	capacity := OverflowCapacity()
	if len(data) > capacity {
		return fmt.Errorf("storage: overflow chunk %d bytes exceeds capacity %d", len(data), capacity)
	}
	binary.LittleEndian.PutUint32(op.buf[overflowDataLenOff:], uint32(len(data)))
	copy(op.buf[overflowDataOff:], data)
	return nil
}

// Data returns this page's payload bytes.
func (op *OverflowPage) Data() []byte {
	dl := op.DataLen()
	return op.buf[overflowDataOff : overflowDataOff+dl]
}

// Bytes returns the underlying page buffer.
func (op *OverflowPage) Bytes() []byte { return op.buf }

// writeOverflow splits data across a chain of overflow pages allocated
// from store, returning the head page id.
func writeOverflow(store PageStore, data []byte) (PageID, error) {
	capacity := OverflowCapacity()
	var pages []PageID
	for off := 0; off < len(data); off += capacity {
		end := off + capacity
		if end > len(data) {
			end = len(data)
		}
		id, err := store.AllocatePage()
		if err != nil {
			return InvalidPageID, err
		}
		buf := make([]byte, PageSize)
		op := InitOverflowPage(buf, id)
		if err := op.SetData(data[off:end]); err != nil {
			return InvalidPageID, err
		}
		if err := store.WritePage(id, buf); err != nil {
			return InvalidPageID, err
		}
		pages = append(pages, id)
	}
	for i := 0; i < len(pages)-1; i++ {
		buf, err := store.ReadPage(pages[i])
		if err != nil {
			return InvalidPageID, err
		}
		op := WrapOverflowPage(buf)
		op.SetNextOverflow(pages[i+1])
		if err := store.WritePage(pages[i], buf); err != nil {
			return InvalidPageID, err
		}
	}
	if len(pages) == 0 {
		return InvalidPageID, nil
	}
	return pages[0], nil
}

// readOverflow reassembles the full value stored in an overflow chain
// starting at head.
func readOverflow(store PageStore, head PageID) ([]byte, error) {
	var out []byte
	cur := head
	for cur != InvalidPageID {
		buf, err := store.ReadPage(cur)
		if err != nil {
			return nil, err
		}
		op := WrapOverflowPage(buf)
		out = append(out, op.Data()...)
		cur = op.NextOverflow()
	}
	return out, nil
}

// freeOverflowChain frees every page in an overflow chain, used when a
// B-tree cell holding an overflow value is deleted or replaced.
func freeOverflowChain(store PageStore, head PageID) error {
	cur := head
	for cur != InvalidPageID {
		buf, err := store.ReadPage(cur)
		if err != nil {
			return err
		}
		next := WrapOverflowPage(buf).NextOverflow()
		if err := store.FreePage(cur); err != nil {
			return err
		}
		cur = next
	}
	return nil
}
