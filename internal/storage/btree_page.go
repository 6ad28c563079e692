package storage

import (
	"bytes"
	"encoding/binary"
)

// This file holds the node-level encoding for B+-tree pages: separator
// search within a leaf or internal node, and the child-pointer / value
// encodings stored in each cell's value bytes. btree.go layers the
// tree-wide operations (search/insert/delete/scan/split/merge) on top.

// isLeaf reports whether a page is a B+-tree leaf.
func isLeaf(p *Page) bool {
	return p.Header().Type == NodeTypeBTreeLeaf
}

// findKey returns the index of the first cell whose key is >= key
// (lower bound), and whether that cell's key equals key exactly.
func findKey(p *Page, key []byte) (idx int, found bool) {
	n := p.CellCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k, _, err := p.Cell(mid)
		if err != nil {
			return n, false
		}
		if bytes.Compare(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n {
		k, _, err := p.Cell(lo)
		if err == nil && bytes.Equal(k, key) {
			return lo, true
		}
	}
	return lo, false
}

// childAt decodes the child page id stored as an internal cell's value.
func childAt(p *Page, i int) (PageID, error) {
	_, v, err := p.Cell(i)
	if err != nil {
		return InvalidPageID, err
	}
	if len(v) != 8 {
		return InvalidPageID, NewError(InvalidPage, "internal cell %d has malformed child pointer", i)
	}
	return PageID(binary.LittleEndian.Uint64(v)), nil
}

// encodeChild packs a page id as an internal cell's value bytes.
func encodeChild(id PageID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

// findChild returns the child page id an internal node descends into
// for the given search key: the left child of the first separator that
// is > key, or RightChild if key is >= every separator. Every key
// under c[i] is < s[i] and every key under c[i+1] is >= s[i], so an
// exact separator match descends right.
func findChild(p *Page, key []byte) (PageID, error) {
	idx := childIndex(p, key)
	if idx >= p.CellCount() {
		return p.Header().RightChild, nil
	}
	return childAt(p, idx)
}

// childIndex returns which child slot a search for key descends into:
// a value in [0, CellCount()) names the left child of that cell's
// separator; CellCount() itself names RightChild.
func childIndex(p *Page, key []byte) int {
	idx, found := findKey(p, key)
	if found {
		idx++
	}
	return idx
}

const (
	leafTagInline   = 0x00
	leafTagOverflow = 0x01
)

// encodeInlineValue tags a small value as stored directly in the leaf.
func encodeInlineValue(v []byte) []byte {
	out := make([]byte, 1+len(v))
	out[0] = leafTagInline
	copy(out[1:], v)
	return out
}

// encodeOverflowValue tags a value as stored in an overflow chain.
func encodeOverflowValue(head PageID, totalLen int) []byte {
	out := make([]byte, 1+8+4)
	out[0] = leafTagOverflow
	binary.LittleEndian.PutUint64(out[1:9], uint64(head))
	binary.LittleEndian.PutUint32(out[9:13], uint32(totalLen))
	return out
}

// decodedLeafValue is the parsed form of a leaf cell's value bytes.
type decodedLeafValue struct {
	inline       []byte
	isOverflow   bool
	overflowHead PageID
	totalLen     int
}

func decodeLeafValue(raw []byte) (decodedLeafValue, error) {
	if len(raw) == 0 {
		return decodedLeafValue{}, NewError(InvalidPage, "empty leaf value")
	}
	switch raw[0] {
	case leafTagInline:
		return decodedLeafValue{inline: raw[1:]}, nil
	case leafTagOverflow:
		if len(raw) != 1+8+4 {
			return decodedLeafValue{}, NewError(InvalidPage, "malformed overflow value pointer")
		}
		head := PageID(binary.LittleEndian.Uint64(raw[1:9]))
		total := int(binary.LittleEndian.Uint32(raw[9:13]))
		return decodedLeafValue{isOverflow: true, overflowHead: head, totalLen: total}, nil
	default:
		return decodedLeafValue{}, NewError(InvalidPage, "unknown leaf value tag 0x%02x", raw[0])
	}
}
