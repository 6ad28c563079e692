package storage

import "testing"

func TestFreeManager_LIFO(t *testing.T) {
	fm := NewFreeManager()
	fm.Free(PageID(1))
	fm.Free(PageID(2))
	fm.Free(PageID(3))

	if fm.Count() != 3 {
		t.Fatalf("count = %d, want 3", fm.Count())
	}
	for _, want := range []PageID{3, 2, 1} {
		got, ok := fm.Allocate()
		if !ok {
			t.Fatalf("expected an id, freelist empty")
		}
		if got != want {
			t.Fatalf("allocate = %d, want %d (LIFO order)", got, want)
		}
	}
	if _, ok := fm.Allocate(); ok {
		t.Fatal("expected empty freelist to report false")
	}
}

func TestFreeManager_SerializeAndLoadRoundTrip(t *testing.T) {
	fm := NewFreeManager()
	for i := 1; i <= 1200; i++ {
		fm.Free(PageID(i))
	}

	pages := fm.SerializePages()
	if len(pages) < 2 {
		t.Fatalf("expected serialization to span multiple chain pages for 1200 ids, got %d", len(pages))
	}

	// Assign fake page ids to the serialized buffers and link them
	// head-to-tail the way Pager.Checkpoint does.
	store := make(map[PageID][]byte)
	ids := make([]PageID, len(pages))
	for i := range pages {
		ids[i] = PageID(1000 + i)
	}
	for i := len(pages) - 1; i >= 0; i-- {
		next := InvalidPageID
		if i+1 < len(pages) {
			next = ids[i+1]
		}
		SetNext(pages[i], next)
		store[ids[i]] = pages[i]
	}

	loaded, err := LoadFromDisk(ids[0], func(id PageID) ([]byte, error) { return store[id], nil })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Count() != 1200 {
		t.Fatalf("loaded count = %d, want 1200", loaded.Count())
	}
}

func TestFreeManager_LoadFromDisk_EmptyHead(t *testing.T) {
	fm, err := LoadFromDisk(InvalidPageID, func(PageID) ([]byte, error) {
		t.Fatal("readPage should not be called for an empty freelist")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fm.Count() != 0 {
		t.Fatalf("count = %d, want 0", fm.Count())
	}
}

func TestFreeManager_LoadFromDisk_DetectsCycle(t *testing.T) {
	// Page 1 points back to itself.
	buf := encodeFreeListPage([]PageID{5}, PageID(1))
	store := map[PageID][]byte{PageID(1): buf}

	_, err := LoadFromDisk(PageID(1), func(id PageID) ([]byte, error) { return store[id], nil })
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
	if !Is(err, Corruption) {
		t.Fatalf("expected Corruption kind, got %v", err)
	}
}

func TestFreeManager_Sanitize_DropsOutOfRangeAndDuplicates(t *testing.T) {
	fm := NewFreeManager()
	fm.stack = []PageID{1, 2, 500, 2, 3}

	report := fm.Sanitize(PageID(10))
	if report.IsClean() {
		t.Fatal("expected a non-clean sanitize report")
	}
	if len(report.OutOfRange) != 1 || report.OutOfRange[0] != 500 {
		t.Fatalf("out of range = %v, want [500]", report.OutOfRange)
	}
	if len(report.Duplicates) != 1 || report.Duplicates[0] != 2 {
		t.Fatalf("duplicates = %v, want [2]", report.Duplicates)
	}
	if fm.Count() != 3 {
		t.Fatalf("kept count = %d, want 3", fm.Count())
	}
}

func TestFreeManager_Sanitize_KeepsHighestValidPageID(t *testing.T) {
	// A page id equal to the current max valid id must survive sanitize:
	// page ids run 1..maxPageID inclusive.
	fm := NewFreeManager()
	fm.stack = []PageID{10}

	report := fm.Sanitize(PageID(10))
	if !report.IsClean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
	if fm.Count() != 1 {
		t.Fatalf("count = %d, want 1 (highest valid page id kept)", fm.Count())
	}
}

func TestFreeManager_Sanitize_CleanReportWhenNothingDropped(t *testing.T) {
	fm := NewFreeManager()
	fm.stack = []PageID{1, 2, 3}
	report := fm.Sanitize(PageID(10))
	if !report.IsClean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
	if len(report.Dropped()) != 0 {
		t.Fatalf("expected no dropped ids, got %v", report.Dropped())
	}
}
