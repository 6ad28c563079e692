package storage

import (
	"fmt"
	"testing"
)

func TestBTree_InsertAndSearch(t *testing.T) {
	store := newMemStore()
	bt, err := CreateBTree(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := bt.Insert(store, []byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	val, found, err := bt.Search(store, []byte("foo"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !found || string(val) != "bar" {
		t.Fatalf("search = (%q, %v), want (bar, true)", val, found)
	}

	_, found, err = bt.Search(store, []byte("missing"))
	if err != nil {
		t.Fatalf("search missing: %v", err)
	}
	if found {
		t.Fatal("expected missing key to report not found")
	}
}

func TestBTree_InsertOverwritesExistingKey(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)

	_ = bt.Insert(store, []byte("k"), []byte("v1"))
	_ = bt.Insert(store, []byte("k"), []byte("v2"))

	val, found, err := bt.Search(store, []byte("k"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !found || string(val) != "v2" {
		t.Fatalf("search = (%q, %v), want (v2, true)", val, found)
	}
}

func TestBTree_ManyInsertsForceSplits(t *testing.T) {
	store := newMemStore()
	bt, err := CreateBTree(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		val := fmt.Sprintf("value-%05d", i)
		if err := bt.Insert(store, []byte(key), []byte(val)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := 0; i < n; i += 97 {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		got, found, err := bt.Search(store, []byte(key))
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		if !found || string(got) != want {
			t.Fatalf("search %q = (%q, %v), want (%q, true)", key, got, found, want)
		}
	}

	// Root must have grown into (at least) an internal node for this
	// many keys at the page size used here.
	buf, err := store.ReadPage(bt.Root())
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	root, err := FromBytes(buf)
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if isLeaf(root) {
		t.Fatal("expected root to have split into an internal node after 2000 inserts")
	}
}

func TestBTree_ScanInAscendingOrder(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)

	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		if err := bt.Insert(store, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	var seen []string
	err := bt.Scan(store, func(k, v []byte) (bool, error) {
		seen = append(seen, string(k))
		return true, nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"apple", "banana", "cherry", "date"}
	if len(seen) != len(want) {
		t.Fatalf("scan returned %d keys, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scan order[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestBTree_ScanFrom(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_ = bt.Insert(store, []byte(k), []byte(k))
	}

	var seen []string
	err := bt.ScanFrom(store, []byte("c"), func(k, v []byte) (bool, error) {
		seen = append(seen, string(k))
		return true, nil
	})
	if err != nil {
		t.Fatalf("scan from: %v", err)
	}
	want := []string{"c", "d", "e"}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scan[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestBTree_ScanCanStopEarly(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)
	for _, k := range []string{"a", "b", "c", "d"} {
		_ = bt.Insert(store, []byte(k), []byte(k))
	}

	var seen []string
	err := bt.Scan(store, func(k, v []byte) (bool, error) {
		seen = append(seen, string(k))
		return string(k) != "b", nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected scan to stop after 2 entries, got %v", seen)
	}
}

func TestBTree_DeleteRemovesKey(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)
	_ = bt.Insert(store, []byte("a"), []byte("1"))
	_ = bt.Insert(store, []byte("b"), []byte("2"))

	found, err := bt.Delete(store, []byte("a"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatal("expected delete to report found")
	}
	_, found, err = bt.Search(store, []byte("a"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if found {
		t.Fatal("deleted key still present")
	}

	found, err = bt.Delete(store, []byte("nonexistent"))
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if found {
		t.Fatal("expected delete of missing key to report not found")
	}
}

func TestBTree_DeleteAcrossManyKeysTriggersRebalance(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)

	const n = 1500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		if err := bt.Insert(store, []byte(key), []byte("v")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Delete all but every 500th key, emptying leaves and forcing
	// merges and borrows.
	for i := 0; i < n; i++ {
		if i%500 == 0 {
			continue
		}
		key := fmt.Sprintf("key-%05d", i)
		found, err := bt.Delete(store, []byte(key))
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !found {
			t.Fatalf("delete %q reported not found", key)
		}
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		_, found, err := bt.Search(store, []byte(key))
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		want := i%500 == 0
		if found != want {
			t.Fatalf("search %q found=%v, want %v", key, found, want)
		}
	}
}

func TestBTree_OverflowValueStoredAndRetrieved(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)

	big := make([]byte, OverflowThreshold*3)
	for i := range big {
		big[i] = byte(i)
	}
	if err := bt.Insert(store, []byte("bigkey"), big); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, found, err := bt.Search(store, []byte("bigkey"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !found {
		t.Fatal("expected to find overflow value")
	}
	if len(got) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("mismatch at byte %d", i)
		}
	}
}

func TestBTree_OverwriteOverflowValueFreesOldChain(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)

	big := make([]byte, OverflowThreshold*2)
	if err := bt.Insert(store, []byte("k"), big); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pagesAfterFirst := len(store.pages)

	if err := bt.Insert(store, []byte("k"), []byte("small")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	// Overwriting a large overflow value with a tiny inline one should
	// free the old chain rather than leak its pages.
	if len(store.pages) >= pagesAfterFirst {
		t.Fatalf("expected page count to drop after freeing old overflow chain: before-overwrite-pages=%d after=%d", pagesAfterFirst, len(store.pages))
	}

	val, found, err := bt.Search(store, []byte("k"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !found || string(val) != "small" {
		t.Fatalf("search = (%q, %v), want (small, true)", val, found)
	}
}

func TestBTree_CollectAllPages(t *testing.T) {
	store := newMemStore()
	bt, _ := CreateBTree(store)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k-%04d", i)
		_ = bt.Insert(store, []byte(key), []byte("v"))
	}
	ids, err := bt.CollectAllPages(store)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("expected at least one page")
	}
	seen := make(map[PageID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate page id %d in CollectAllPages", id)
		}
		seen[id] = true
	}
}
