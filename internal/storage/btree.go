package storage

import "bytes"

// BTree is a persistent ordered map from opaque byte-string keys to
// opaque byte-string values, layered over a PageStore. It is a B+-tree:
// values live only in leaves, internal nodes hold separator keys and
// child page ids plus a rightmost-child pointer. A BTree value is cheap
// to construct (it carries only a root page id) and borrows its
// PageStore for every operation; it never caches pages itself, that is
// the Pager's/Transaction's job.
//
// Nodes never reference their parent or siblings on disk. Traversal
// carries an in-memory stack of ancestor page ids and the child index
// used at each level, so split/merge propagation can patch the right
// parent cell without any on-disk back-pointers.
type BTree struct {
	root PageID
}

// maxDepth is the safety bound on tree depth. No operation in this
// package checks it.
const maxDepth = 64

// CreateBTree allocates a new, empty leaf page as the root and returns
// a handle to it.
func CreateBTree(store PageStore) (*BTree, error) {
	id, err := store.AllocatePage()
	if err != nil {
		return nil, err
	}
	leaf := NewPage(id, NodeTypeBTreeLeaf)
	if err := store.WritePage(id, leaf.Bytes()); err != nil {
		return nil, err
	}
	return &BTree{root: id}, nil
}

// OpenBTree returns a handle to an existing tree rooted at rootPageID.
func OpenBTree(rootPageID PageID) *BTree {
	return &BTree{root: rootPageID}
}

// Root returns the tree's current root page id. Callers that persist
// the root elsewhere (a catalog entry, the plaintext header's catalog
// root field) must re-read this after every Insert/Delete, since a
// split or a root-collapsing merge can change it.
func (bt *BTree) Root() PageID { return bt.root }

type pathStep struct {
	id       PageID
	childIdx int // index used to descend from this node
}

// descend walks from the root to the leaf that would contain key,
// returning the leaf id and the stack of internal ancestors visited
// (root first).
func (bt *BTree) descend(store PageStore, key []byte) (leafID PageID, path []pathStep, err error) {
	id := bt.root
	for {
		buf, err := store.ReadPage(id)
		if err != nil {
			return InvalidPageID, nil, err
		}
		p, err := FromBytes(buf)
		if err != nil {
			return InvalidPageID, nil, err
		}
		if isLeaf(p) {
			return id, path, nil
		}
		idx := childIndex(p, key)
		child, err := findChild(p, key)
		if err != nil {
			return InvalidPageID, nil, err
		}
		path = append(path, pathStep{id: id, childIdx: idx})
		id = child
	}
}

// Search descends to the leaf that would hold key and returns its value
// if present.
func (bt *BTree) Search(store PageStore, key []byte) (value []byte, found bool, err error) {
	leafID, _, err := bt.descend(store, key)
	if err != nil {
		return nil, false, err
	}
	buf, err := store.ReadPage(leafID)
	if err != nil {
		return nil, false, err
	}
	p, err := FromBytes(buf)
	if err != nil {
		return nil, false, err
	}
	idx, ok := findKey(p, key)
	if !ok {
		return nil, false, nil
	}
	_, raw, err := p.Cell(idx)
	if err != nil {
		return nil, false, err
	}
	dv, err := decodeLeafValue(raw)
	if err != nil {
		return nil, false, err
	}
	if dv.isOverflow {
		full, err := readOverflow(store, dv.overflowHead)
		if err != nil {
			return nil, false, err
		}
		return full, true, nil
	}
	return dv.inline, true, nil
}

// Insert upserts key/value. On a duplicate key the old value (freeing
// any overflow chain it held) is replaced. Splits propagate upward; a
// root split allocates a new internal root and updates bt.root.
func (bt *BTree) Insert(store PageStore, key, value []byte) error {
	leafID, path, err := bt.descend(store, key)
	if err != nil {
		return err
	}
	buf, err := store.ReadPage(leafID)
	if err != nil {
		return err
	}
	p, err := FromBytes(buf)
	if err != nil {
		return err
	}

	encoded, err := bt.encodeValue(store, value)
	if err != nil {
		return err
	}

	idx, found := findKey(p, key)
	if found {
		_, oldRaw, err := p.Cell(idx)
		if err != nil {
			return err
		}
		oldDV, err := decodeLeafValue(oldRaw)
		if err == nil && oldDV.isOverflow {
			if err := freeOverflowChain(store, oldDV.overflowHead); err != nil {
				return err
			}
		}
		if err := p.ReplaceCellAt(idx, key, encoded); err == nil {
			return store.WritePage(leafID, p.Bytes())
		} else if err != ErrPageFull {
			return err
		}
	} else if err := p.InsertCellAt(idx, key, encoded); err == nil {
		return store.WritePage(leafID, p.Bytes())
	} else if err != ErrPageFull {
		return err
	} else if err := p.Compact(); err == nil {
		if err := p.InsertCellAt(idx, key, encoded); err == nil {
			return store.WritePage(leafID, p.Bytes())
		}
	}

	// Leaf is full even after compaction: split it.
	return bt.splitLeafAndInsert(store, leafID, path, key, encoded)
}

// encodeValue tags a value as inline or, if it exceeds
// OverflowThreshold, spills it to an overflow chain and tags it as a
// pointer.
func (bt *BTree) encodeValue(store PageStore, value []byte) ([]byte, error) {
	if len(value) <= OverflowThreshold {
		return encodeInlineValue(value), nil
	}
	head, err := writeOverflow(store, value)
	if err != nil {
		return nil, err
	}
	return encodeOverflowValue(head, len(value)), nil
}

// splitLeafAndInsert splits a full leaf page, inserting newKey/newValue
// into whichever half it belongs to, then propagates the new separator
// upward through path.
func (bt *BTree) splitLeafAndInsert(store PageStore, leafID PageID, path []pathStep, newKey, newValue []byte) error {
	buf, err := store.ReadPage(leafID)
	if err != nil {
		return err
	}
	p, err := FromBytes(buf)
	if err != nil {
		return err
	}
	cells, err := p.AllCells()
	if err != nil {
		return err
	}

	merged := make([]cellCopy, 0, len(cells)+1)
	inserted := false
	for _, c := range cells {
		if !inserted && bytes.Compare(newKey, c.key) <= 0 {
			merged = append(merged, cellCopy{key: newKey, value: newValue})
			inserted = true
			if bytes.Equal(newKey, c.key) {
				continue // duplicate already handled by the caller's replace path; defensive
			}
		}
		merged = append(merged, c)
	}
	if !inserted {
		merged = append(merged, cellCopy{key: newKey, value: newValue})
	}

	mid := len(merged) / 2
	leftCells := merged[:mid]
	rightCells := merged[mid:]
	splitKey := rightCells[0].key

	leftPage := NewPage(leafID, NodeTypeBTreeLeaf)
	for i, c := range leftCells {
		if err := leftPage.InsertCellAt(i, c.key, c.value); err != nil {
			return WrapError(Corruption, err, "rebuild left leaf during split")
		}
	}

	rightID, err := store.AllocatePage()
	if err != nil {
		return err
	}
	rightPage := NewPage(rightID, NodeTypeBTreeLeaf)
	for i, c := range rightCells {
		if err := rightPage.InsertCellAt(i, c.key, c.value); err != nil {
			return WrapError(Corruption, err, "rebuild right leaf during split")
		}
	}

	if err := store.WritePage(leafID, leftPage.Bytes()); err != nil {
		return err
	}
	if err := store.WritePage(rightID, rightPage.Bytes()); err != nil {
		return err
	}

	return bt.propagateSplit(store, path, splitKey, leafID, rightID)
}

// propagateSplit inserts a new separator (splitKey pointing left to
// leftID, right to rightID) into the parent named by the top of path,
// recursively splitting parents as needed, and creates a new root if
// path is empty.
func (bt *BTree) propagateSplit(store PageStore, path []pathStep, splitKey []byte, leftID, rightID PageID) error {
	if len(path) == 0 {
		// leftID was the old root; build a new internal root above both halves.
		newRootID, err := store.AllocatePage()
		if err != nil {
			return err
		}
		root := NewPage(newRootID, NodeTypeBTreeInternal)
		if err := root.InsertCellAt(0, splitKey, encodeChild(leftID)); err != nil {
			return WrapError(Corruption, err, "build new root")
		}
		h := root.Header()
		h.RightChild = rightID
		root.SetHeader(h)
		if err := store.WritePage(newRootID, root.Bytes()); err != nil {
			return err
		}
		bt.root = newRootID
		return nil
	}

	top := path[len(path)-1]
	parentPath := path[:len(path)-1]

	buf, err := store.ReadPage(top.id)
	if err != nil {
		return err
	}
	parent, err := FromBytes(buf)
	if err != nil {
		return err
	}

	// The child at top.childIdx is leftID (it split in place); patch
	// that pointer to rightID and insert a new separator before it
	// pointing to leftID.
	if top.childIdx >= parent.CellCount() {
		// Split child was RightChild.
		if err := parent.InsertCellAt(parent.CellCount(), splitKey, encodeChild(leftID)); err == nil {
			h := parent.Header()
			h.RightChild = rightID
			parent.SetHeader(h)
			return store.WritePage(top.id, parent.Bytes())
		} else if err != ErrPageFull {
			return err
		}
		if cerr := parent.Compact(); cerr == nil {
			if err := parent.InsertCellAt(parent.CellCount(), splitKey, encodeChild(leftID)); err == nil {
				h := parent.Header()
				h.RightChild = rightID
				parent.SetHeader(h)
				return store.WritePage(top.id, parent.Bytes())
			}
		}
	} else {
		if err := parent.InsertCellAt(top.childIdx, splitKey, encodeChild(leftID)); err == nil {
			if err := patchChild(parent, top.childIdx+1, rightID); err != nil {
				return err
			}
			return store.WritePage(top.id, parent.Bytes())
		} else if err != ErrPageFull {
			return err
		}
		if cerr := parent.Compact(); cerr == nil {
			if err := parent.InsertCellAt(top.childIdx, splitKey, encodeChild(leftID)); err == nil {
				if err := patchChild(parent, top.childIdx+1, rightID); err != nil {
					return err
				}
				return store.WritePage(top.id, parent.Bytes())
			}
		}
	}

	// Parent is full even after compaction: split the internal node.
	return bt.splitInternalAndInsert(store, top.id, parentPath, splitKey, leftID, rightID, top.childIdx)
}

// patchChild rewrites the child pointer encoded in cell i's value.
func patchChild(p *Page, i int, child PageID) error {
	k, _, err := p.Cell(i)
	if err != nil {
		return err
	}
	return p.ReplaceCellAt(i, k, encodeChild(child))
}

// splitInternalAndInsert splits a full internal node, inserting the new
// separator/children into the merged entry list first, then propagates
// the median (promoted, not copied) key upward.
func (bt *BTree) splitInternalAndInsert(store PageStore, nodeID PageID, path []pathStep, newKey []byte, leftID, rightID PageID, insertAt int) error {
	buf, err := store.ReadPage(nodeID)
	if err != nil {
		return err
	}
	p, err := FromBytes(buf)
	if err != nil {
		return err
	}
	oldCells, err := p.AllCells()
	if err != nil {
		return err
	}
	oldRightChild := p.Header().RightChild

	// Build the full (child, key) entry list: children[0..n], keys[0..n-1].
	children := make([]PageID, 0, len(oldCells)+2)
	keys := make([][]byte, 0, len(oldCells)+1)
	for _, c := range oldCells {
		ch, err := decodeChildValue(c.value)
		if err != nil {
			return err
		}
		children = append(children, ch)
		keys = append(keys, c.key)
	}
	children = append(children, oldRightChild)

	// Apply the pending split: patch children[insertAt] to rightID and
	// insert (newKey, leftID) at position insertAt.
	children[insertAt] = rightID
	newChildren := make([]PageID, 0, len(children)+1)
	newChildren = append(newChildren, children[:insertAt]...)
	newChildren = append(newChildren, leftID)
	newChildren = append(newChildren, children[insertAt:]...)

	newKeys := make([][]byte, 0, len(keys)+1)
	newKeys = append(newKeys, keys[:insertAt]...)
	newKeys = append(newKeys, newKey)
	newKeys = append(newKeys, keys[insertAt:]...)

	mid := len(newKeys) / 2
	promoted := newKeys[mid]

	leftKeys := newKeys[:mid]
	leftChildren := newChildren[:mid+1]
	rightKeys := newKeys[mid+1:]
	rightChildren := newChildren[mid+1:]

	leftPage := NewPage(nodeID, NodeTypeBTreeInternal)
	for i, k := range leftKeys {
		if err := leftPage.InsertCellAt(i, k, encodeChild(leftChildren[i])); err != nil {
			return WrapError(Corruption, err, "rebuild left internal during split")
		}
	}
	lh := leftPage.Header()
	lh.RightChild = leftChildren[len(leftChildren)-1]
	leftPage.SetHeader(lh)

	newNodeID, err := store.AllocatePage()
	if err != nil {
		return err
	}
	rightPage := NewPage(newNodeID, NodeTypeBTreeInternal)
	for i, k := range rightKeys {
		if err := rightPage.InsertCellAt(i, k, encodeChild(rightChildren[i])); err != nil {
			return WrapError(Corruption, err, "rebuild right internal during split")
		}
	}
	rh := rightPage.Header()
	rh.RightChild = rightChildren[len(rightChildren)-1]
	rightPage.SetHeader(rh)

	if err := store.WritePage(nodeID, leftPage.Bytes()); err != nil {
		return err
	}
	if err := store.WritePage(newNodeID, rightPage.Bytes()); err != nil {
		return err
	}

	return bt.propagateSplit(store, path, promoted, nodeID, newNodeID)
}

func decodeChildValue(v []byte) (PageID, error) {
	if len(v) != 8 {
		return InvalidPageID, NewError(InvalidPage, "malformed internal child pointer")
	}
	var id PageID
	for i := 7; i >= 0; i-- {
		id = id<<8 | PageID(v[i])
	}
	return id, nil
}

// Visitor is called by Scan/ScanFrom for each (key, value) pair in
// ascending key order. Returning false stops the scan early.
type Visitor func(key, value []byte) (cont bool, err error)

// Scan traverses the whole tree in ascending key order.
func (bt *BTree) Scan(store PageStore, visit Visitor) error {
	return bt.ScanFrom(store, nil, visit)
}

// ScanFrom seeks to the first entry >= from (or the first entry overall
// if from is nil) and scans in ascending order from there. Leaves are
// never linked on disk, so each step re-descends from the root for the
// next key — O(depth) per step, which is acceptable for this engine's
// synchronous, single-writer model and avoids ever persisting a
// leaf-chain pointer.
func (bt *BTree) ScanFrom(store PageStore, from []byte, visit Visitor) error {
	key := from
	first := true
	for {
		var leafID PageID
		var err error
		if first && key == nil {
			leafID, err = bt.leftmostLeaf(store)
		} else {
			leafID, _, err = bt.descend(store, key)
		}
		if err != nil {
			return err
		}
		buf, err := store.ReadPage(leafID)
		if err != nil {
			return err
		}
		p, err := FromBytes(buf)
		if err != nil {
			return err
		}
		start := 0
		if !(first && key == nil) {
			start, _ = findKey(p, key)
		}
		n := p.CellCount()
		for i := start; i < n; i++ {
			k, raw, err := p.Cell(i)
			if err != nil {
				return err
			}
			dv, err := decodeLeafValue(raw)
			if err != nil {
				return err
			}
			val := dv.inline
			if dv.isOverflow {
				val, err = readOverflow(store, dv.overflowHead)
				if err != nil {
					return err
				}
			}
			cont, err := visit(append([]byte(nil), k...), val)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if n == 0 {
			return nil
		}
		lastKey, _, err := p.Cell(n - 1)
		if err != nil {
			return err
		}
		key = nextKey(lastKey)
		first = false
	}
}

// nextKey returns a byte string strictly greater than k and less than
// any other key sharing k as a prefix, used to resume a scan after the
// last key seen in a leaf (since leaves aren't chained on disk).
func nextKey(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

// leftmostLeaf descends the left spine of the tree.
func (bt *BTree) leftmostLeaf(store PageStore) (PageID, error) {
	id := bt.root
	for {
		buf, err := store.ReadPage(id)
		if err != nil {
			return InvalidPageID, err
		}
		p, err := FromBytes(buf)
		if err != nil {
			return InvalidPageID, err
		}
		if isLeaf(p) {
			return id, nil
		}
		var err2 error
		if p.CellCount() > 0 {
			id, err2 = childAt(p, 0)
		} else {
			id = p.Header().RightChild
		}
		if err2 != nil {
			return InvalidPageID, err2
		}
	}
}

// CollectAllPages returns every page id reachable from the tree's root,
// used when dropping an index or rewriting a table so the caller can
// free every page at once.
func (bt *BTree) CollectAllPages(store PageStore) ([]PageID, error) {
	var out []PageID
	var walk func(id PageID) error
	walk = func(id PageID) error {
		out = append(out, id)
		buf, err := store.ReadPage(id)
		if err != nil {
			return err
		}
		p, err := FromBytes(buf)
		if err != nil {
			return err
		}
		if isLeaf(p) {
			n := p.CellCount()
			for i := 0; i < n; i++ {
				_, raw, err := p.Cell(i)
				if err != nil {
					return err
				}
				dv, err := decodeLeafValue(raw)
				if err != nil {
					return err
				}
				if dv.isOverflow {
					cur := dv.overflowHead
					for cur != InvalidPageID {
						out = append(out, cur)
						ob, err := store.ReadPage(cur)
						if err != nil {
							return err
						}
						cur = WrapOverflowPage(ob).NextOverflow()
					}
				}
			}
			return nil
		}
		n := p.CellCount()
		for i := 0; i < n; i++ {
			ch, err := childAt(p, i)
			if err != nil {
				return err
			}
			if err := walk(ch); err != nil {
				return err
			}
		}
		return walk(p.Header().RightChild)
	}
	if err := walk(bt.root); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes key if present and returns whether it was found.
// Underflow triggers a borrow from a sibling with spare entries, else a
// merge, propagating upward; a root whose only child survives is
// collapsed.
func (bt *BTree) Delete(store PageStore, key []byte) (bool, error) {
	leafID, path, err := bt.descend(store, key)
	if err != nil {
		return false, err
	}
	buf, err := store.ReadPage(leafID)
	if err != nil {
		return false, err
	}
	p, err := FromBytes(buf)
	if err != nil {
		return false, err
	}
	idx, found := findKey(p, key)
	if !found {
		return false, nil
	}
	_, raw, err := p.Cell(idx)
	if err != nil {
		return false, err
	}
	if dv, derr := decodeLeafValue(raw); derr == nil && dv.isOverflow {
		if err := freeOverflowChain(store, dv.overflowHead); err != nil {
			return false, err
		}
	}
	if err := p.RemoveCellAt(idx); err != nil {
		return false, err
	}
	if err := store.WritePage(leafID, p.Bytes()); err != nil {
		return false, err
	}

	if p.CellCount() < 1 && len(path) > 0 {
		if err := bt.rebalance(store, leafID, path, true); err != nil {
			return false, err
		}
	}
	return true, nil
}

// rebalance fixes an underflowing node (leaf when isLeafNode, else
// internal) by borrowing from a sibling or merging with one,
// propagating upward as needed, and collapsing the root if it is left
// with a single child.
func (bt *BTree) rebalance(store PageStore, nodeID PageID, path []pathStep, isLeafNode bool) error {
	top := path[len(path)-1]
	parentPath := path[:len(path)-1]

	pbuf, err := store.ReadPage(top.id)
	if err != nil {
		return err
	}
	parent, err := FromBytes(pbuf)
	if err != nil {
		return err
	}

	numChildren := parent.CellCount() + 1
	leftSibIdx, rightSibIdx := top.childIdx-1, top.childIdx+1
	var leftSibID, rightSibID PageID
	haveLeft := leftSibIdx >= 0
	haveRight := rightSibIdx < numChildren
	if haveLeft {
		leftSibID, err = childAtIndexOrRight(parent, leftSibIdx)
		if err != nil {
			return err
		}
	}
	if haveRight {
		rightSibID, err = childAtIndexOrRight(parent, rightSibIdx)
		if err != nil {
			return err
		}
	}

	node, err := readPageT(store, nodeID)
	if err != nil {
		return err
	}

	if haveRight {
		ok, err := bt.tryBorrowRight(store, parent, top.childIdx, nodeID, node, rightSibID, isLeafNode)
		if err != nil {
			return err
		}
		if ok {
			return store.WritePage(top.id, parent.Bytes())
		}
	}
	if haveLeft {
		ok, err := bt.tryBorrowLeft(store, parent, top.childIdx, nodeID, node, leftSibID, isLeafNode)
		if err != nil {
			return err
		}
		if ok {
			return store.WritePage(top.id, parent.Bytes())
		}
	}

	// No spare entries on either side: merge.
	if haveRight {
		if err := bt.mergeInto(store, parent, top.childIdx, nodeID, node, rightSibID, isLeafNode); err != nil {
			return err
		}
	} else if haveLeft {
		leftNode, err := readPageT(store, leftSibID)
		if err != nil {
			return err
		}
		if err := bt.mergeInto(store, parent, leftSibIdx, leftSibID, leftNode, nodeID, isLeafNode); err != nil {
			return err
		}
	} else {
		return store.WritePage(top.id, parent.Bytes())
	}

	if len(parentPath) == 0 && parent.CellCount() == 0 {
		bt.root = parent.Header().RightChild
		return nil
	}
	if err := store.WritePage(top.id, parent.Bytes()); err != nil {
		return err
	}
	if parent.CellCount() < 1 && len(parentPath) > 0 {
		return bt.rebalance(store, top.id, parentPath, false)
	}
	return nil
}

func childAtIndexOrRight(p *Page, idx int) (PageID, error) {
	if idx >= p.CellCount() {
		return p.Header().RightChild, nil
	}
	return childAt(p, idx)
}

func readPageT(store PageStore, id PageID) (*Page, error) {
	buf, err := store.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return FromBytes(buf)
}

// tryBorrowRight moves one entry from sibID (the right sibling) into
// node, updating the separator in parent at index childIdx. Returns
// false without modifying anything if the sibling has no spare entry.
func (bt *BTree) tryBorrowRight(store PageStore, parent *Page, childIdx int, nodeID PageID, node *Page, sibID PageID, isLeafNode bool) (bool, error) {
	sib, err := readPageT(store, sibID)
	if err != nil {
		return false, err
	}
	if sib.CellCount() <= 1 {
		return false, nil
	}
	if isLeafNode {
		k, v, err := sib.Cell(0)
		if err != nil {
			return false, err
		}
		if err := appendOrCompact(node, k, v); err != nil {
			return false, err
		}
		if err := sib.RemoveCellAt(0); err != nil {
			return false, err
		}
		newSep, _, err := sib.Cell(0)
		if err != nil {
			return false, err
		}
		if err := replaceSeparator(parent, childIdx, newSep); err != nil {
			return false, err
		}
	} else {
		sepKey, _, err := parent.Cell(childIdx)
		if err != nil {
			return false, err
		}
		firstChild, err := childAt(sib, 0)
		if err != nil {
			return false, err
		}
		if err := appendOrCompact(node, sepKey, encodeChild(node.Header().RightChild)); err != nil {
			return false, err
		}
		nh := node.Header()
		nh.RightChild = firstChild
		node.SetHeader(nh)
		newSep, _, err := sib.Cell(0)
		if err != nil {
			return false, err
		}
		if err := sib.RemoveCellAt(0); err != nil {
			return false, err
		}
		if err := replaceSeparator(parent, childIdx, newSep); err != nil {
			return false, err
		}
	}
	if err := store.WritePage(nodeID, node.Bytes()); err != nil {
		return false, err
	}
	if err := store.WritePage(sibID, sib.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

// tryBorrowLeft moves one entry from sibID (the left sibling) into
// node, updating the separator in parent at index childIdx-1.
func (bt *BTree) tryBorrowLeft(store PageStore, parent *Page, childIdx int, nodeID PageID, node *Page, sibID PageID, isLeafNode bool) (bool, error) {
	sib, err := readPageT(store, sibID)
	if err != nil {
		return false, err
	}
	if sib.CellCount() <= 1 {
		return false, nil
	}
	sepIdx := childIdx - 1
	if isLeafNode {
		last := sib.CellCount() - 1
		k, v, err := sib.Cell(last)
		if err != nil {
			return false, err
		}
		if err := node.InsertCellAt(0, k, v); err != nil {
			return false, err
		}
		if err := sib.RemoveCellAt(last); err != nil {
			return false, err
		}
		if err := replaceSeparator(parent, sepIdx, k); err != nil {
			return false, err
		}
	} else {
		sepKey, _, err := parent.Cell(sepIdx)
		if err != nil {
			return false, err
		}
		sibRight := sib.Header().RightChild
		if err := node.InsertCellAt(0, sepKey, encodeChild(sibRight)); err != nil {
			return false, err
		}
		last := sib.CellCount() - 1
		newSep, _, err := sib.Cell(last)
		if err != nil {
			return false, err
		}
		newRight, err := childAt(sib, last)
		if err != nil {
			return false, err
		}
		if err := sib.RemoveCellAt(last); err != nil {
			return false, err
		}
		sh := sib.Header()
		sh.RightChild = newRight
		sib.SetHeader(sh)
		if err := replaceSeparator(parent, sepIdx, newSep); err != nil {
			return false, err
		}
	}
	if err := store.WritePage(nodeID, node.Bytes()); err != nil {
		return false, err
	}
	if err := store.WritePage(sibID, sib.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

func replaceSeparator(parent *Page, idx int, newKey []byte) error {
	_, v, err := parent.Cell(idx)
	if err != nil {
		return err
	}
	return parent.ReplaceCellAt(idx, newKey, v)
}

// mergeInto merges rightNode into leftNode (leftID, leftNode keep the
// surviving page id), removing the separator between them from parent
// at index sepIdx, and frees rightID.
func (bt *BTree) mergeInto(store PageStore, parent *Page, sepIdx int, leftID PageID, leftNode *Page, rightID PageID, isLeafNode bool) error {
	rightNode, err := readPageT(store, rightID)
	if err != nil {
		return err
	}
	if isLeafNode {
		rc, err := rightNode.AllCells()
		if err != nil {
			return err
		}
		for _, c := range rc {
			if err := appendOrCompact(leftNode, c.key, c.value); err != nil {
				return err
			}
		}
	} else {
		sepKey, _, err := parent.Cell(sepIdx)
		if err != nil {
			return err
		}
		if err := appendOrCompact(leftNode, sepKey, encodeChild(leftNode.Header().RightChild)); err != nil {
			return err
		}
		rc, err := rightNode.AllCells()
		if err != nil {
			return err
		}
		for _, c := range rc {
			if err := appendOrCompact(leftNode, c.key, c.value); err != nil {
				return err
			}
		}
		lh := leftNode.Header()
		lh.RightChild = rightNode.Header().RightChild
		leftNode.SetHeader(lh)
	}
	if err := parent.RemoveCellAt(sepIdx); err != nil {
		return err
	}
	// The slot after the removed separator pointed at rightID; it now
	// names the merged node.
	if sepIdx < parent.CellCount() {
		if err := patchChild(parent, sepIdx, leftID); err != nil {
			return err
		}
	} else {
		ph := parent.Header()
		ph.RightChild = leftID
		parent.SetHeader(ph)
	}
	if err := store.WritePage(leftID, leftNode.Bytes()); err != nil {
		return err
	}
	return store.FreePage(rightID)
}

func appendOrCompact(p *Page, key, value []byte) error {
	if err := p.InsertCellAt(p.CellCount(), key, value); err != nil {
		if err == ErrPageFull {
			if cerr := p.Compact(); cerr != nil {
				return cerr
			}
			return p.InsertCellAt(p.CellCount(), key, value)
		}
		return err
	}
	return nil
}
