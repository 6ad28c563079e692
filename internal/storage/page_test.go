package storage

import (
	"bytes"
	"testing"
)

func TestPageHeader_MarshalRoundTrip(t *testing.T) {
	h := PageHeader{
		ID:         PageID(99),
		Type:       NodeTypeBTreeLeaf,
		Flags:      0x42,
		CellCount:  3,
		FreeStart:  PageHeaderSize + 12,
		FreeEnd:    4000,
		RightChild: PageID(17),
	}
	buf := make([]byte, PageHeaderSize)
	MarshalHeader(&h, buf)
	h2 := UnmarshalHeader(buf)
	if h2 != h {
		t.Fatalf("header roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestPage_InsertAndGet(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	if err := p.InsertCellAt(0, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	key, val, err := p.Cell(0)
	if err != nil {
		t.Fatalf("cell: %v", err)
	}
	if !bytes.Equal(key, []byte("k1")) || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("got key=%q val=%q", key, val)
	}
	if p.CellCount() != 1 {
		t.Fatalf("cell count = %d, want 1", p.CellCount())
	}
}

func TestPage_InsertMaintainsOrderAndShiftsSlots(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	_ = p.InsertCellAt(0, []byte("b"), []byte("2"))
	_ = p.InsertCellAt(0, []byte("a"), []byte("1"))
	_ = p.InsertCellAt(2, []byte("c"), []byte("3"))

	cells, err := p.AllCells()
	if err != nil {
		t.Fatalf("all cells: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, c := range cells {
		if string(c.key) != want[i] {
			t.Fatalf("cell %d key = %q, want %q", i, c.key, want[i])
		}
	}
}

func TestPage_RemoveCellAt(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	_ = p.InsertCellAt(0, []byte("a"), []byte("1"))
	_ = p.InsertCellAt(1, []byte("b"), []byte("2"))
	_ = p.InsertCellAt(2, []byte("c"), []byte("3"))

	if err := p.RemoveCellAt(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if p.CellCount() != 2 {
		t.Fatalf("cell count = %d, want 2", p.CellCount())
	}
	k0, _, _ := p.Cell(0)
	k1, _, _ := p.Cell(1)
	if string(k0) != "a" || string(k1) != "c" {
		t.Fatalf("remaining keys = %q, %q, want a, c", k0, k1)
	}
}

func TestPage_InsertFailsWhenFull(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	big := bytes.Repeat([]byte("x"), PageSize)
	if err := p.InsertCellAt(0, []byte("k"), big); err != ErrPageFull {
		t.Fatalf("expected ErrPageFull, got %v", err)
	}
}

func TestPage_CompactReclaimsDeadSpace(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	val := bytes.Repeat([]byte("v"), 1000)
	for i := 0; i < 3; i++ {
		if err := p.InsertCellAt(i, []byte{byte('a' + i)}, val); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Remove every cell to leave dead space behind, then verify Compact
	// hands that space back.
	_ = p.RemoveCellAt(0)
	_ = p.RemoveCellAt(0)
	_ = p.RemoveCellAt(0)

	before := p.freeSpace()
	if err := p.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
	after := p.freeSpace()
	if after <= before {
		t.Fatalf("compact did not reclaim dead space: before=%d after=%d", before, after)
	}
}

func TestPage_ReplaceCellAt(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	_ = p.InsertCellAt(0, []byte("k"), []byte("old"))
	if err := p.ReplaceCellAt(0, []byte("k"), []byte("new-value")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	_, v, err := p.Cell(0)
	if err != nil {
		t.Fatalf("cell: %v", err)
	}
	if !bytes.Equal(v, []byte("new-value")) {
		t.Fatalf("got %q, want new-value", v)
	}
}

func TestPage_FromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes(make([]byte, PageSize-1)); err == nil {
		t.Fatal("expected error for wrong-length buffer")
	}
}

func TestPage_CellOutOfRange(t *testing.T) {
	p := NewPage(1, NodeTypeBTreeLeaf)
	if _, _, err := p.Cell(0); err == nil {
		t.Fatal("expected error reading cell from empty page")
	}
}
