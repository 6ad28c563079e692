package storage

import "sync"

// TxState is the lifecycle state of a Transaction handle, independent
// of the WAL-level txState used purely during recovery replay.
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxAborted
	// TxPoisoned marks a transaction whose WAL fsync failed after its
	// Commit record was appended: whether that record is durable is
	// indeterminate, and the session that owns it must not be
	// reused until the database is reopened (which replays the WAL and
	// resolves the ambiguity one way or the other).
	TxPoisoned
)

// Transaction buffers page writes on top of the pager's page store
// and replays them as a single atomic WAL sequence
// on Commit. It implements PageStore so the B-tree can operate inside
// a transaction exactly as it does against the Pager directly: reads
// fall through to the dirty buffer first, then to the underlying
// pager; writes land only in the buffer until Commit.
type Transaction struct {
	mu      sync.Mutex
	id      TxID
	pager   *Pager
	state   TxState
	dirty   map[PageID][]byte
	freed   []PageID
	alloced []PageID

	catalogRoot PageID
}

// Begin starts a new transaction against p, writing its Begin record
// to the WAL immediately (so recovery can distinguish "began and then
// crashed" from "never began" even if nothing is ever written).
func Begin(p *Pager) (*Transaction, error) {
	txid := p.allocateTxID()
	if _, err := p.wal.Append(WALRecord{Tag: TagBegin, TxID: txid}); err != nil {
		return nil, err
	}
	h := p.Header()
	return &Transaction{
		id:          txid,
		pager:       p,
		state:       TxActive,
		dirty:       make(map[PageID][]byte),
		catalogRoot: h.CatalogRoot,
	}, nil
}

// ID returns the transaction's TxID.
func (t *Transaction) ID() TxID { return t.id }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CatalogRoot returns the root page id this transaction should treat
// as the current system catalog (or primary index) root, reflecting
// any SetCatalogRoot call made within the transaction.
func (t *Transaction) CatalogRoot() PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.catalogRoot
}

// SetCatalogRoot records a new catalog root to be written by this
// transaction's MetaUpdate record at commit time (e.g. after a B-tree
// root split or merge changes it).
func (t *Transaction) SetCatalogRoot(id PageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.catalogRoot = id
}

// ReadPage implements PageStore: dirty pages in this transaction are
// visible to itself immediately (read-your-writes), everything else
// falls through to the pager's committed state.
func (t *Transaction) ReadPage(id PageID) ([]byte, error) {
	t.mu.Lock()
	if buf, ok := t.dirty[id]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		t.mu.Unlock()
		return out, nil
	}
	t.mu.Unlock()
	return t.pager.ReadPage(id)
}

// WritePage implements PageStore, buffering the write in memory. It is
// not visible outside the transaction, and not logged to the WAL,
// until Commit.
func (t *Transaction) WritePage(id PageID, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.dirty[id] = cp
	return nil
}

// AllocatePage implements PageStore. Allocation is deferred to the
// pager's free-list/page-count immediately (not buffered) since the
// free-list itself must stay consistent for any other reader; the
// allocated id is tracked so Abort can return it to the free-list.
func (t *Transaction) AllocatePage() (PageID, error) {
	id, err := t.pager.AllocatePage()
	if err != nil {
		return InvalidPageID, err
	}
	t.mu.Lock()
	t.alloced = append(t.alloced, id)
	t.mu.Unlock()
	return id, nil
}

// FreePage implements PageStore, deferring the actual free-list push
// until Commit: a page freed by a transaction that later aborts must
// never be handed out to anyone else.
func (t *Transaction) FreePage(id PageID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freed = append(t.freed, id)
	delete(t.dirty, id)
	return nil
}

// Abort discards every buffered write and writes an Abort record to
// the WAL. Pages allocated during the transaction are returned to the
// free-list immediately; they were never referenced by anything
// durable.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxActive {
		return NewError(TransactionMisuse, "abort called on non-active transaction %d (state %v)", t.id, t.state)
	}
	if _, err := t.pager.wal.Append(WALRecord{Tag: TagAbort, TxID: t.id}); err != nil {
		return err
	}
	for _, id := range t.alloced {
		_ = t.pager.FreePage(id)
	}
	t.dirty = nil
	t.state = TxAborted
	return nil
}

// Commit runs the durability pipeline: the freed pages are folded into
// the pager's in-memory free-list, every dirty page is logged as a
// PagePut record, one MetaUpdate records the new catalog root, the
// page count and the header's current free-list head, then a Commit
// record is appended and the WAL is fsynced — the durability point.
// Free-list chain pages are not logged. After that sync returns the
// dirty pages are installed in the pager's cache as dirty pages; Commit
// does not write them to the main file and does not flush the header.
// Both reach the main file at the next Checkpoint, and a crash before
// then is resolved by replaying the WAL on next open.
//
// A failure of the WAL fsync leaves the transaction's outcome
// indeterminate from this process's point of view (the Commit record
// may or may not be durable), so the
// transaction is marked TxPoisoned instead of TxAborted: the caller
// must not retry or reuse it, and the owning session should be torn
// down and the database reopened to let recovery resolve it.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxActive {
		return NewError(TransactionMisuse, "commit called on non-active transaction %d (state %v)", t.id, t.state)
	}

	for _, id := range t.freed {
		t.pager.free.Free(id)
	}

	for id, buf := range t.dirty {
		if _, err := t.pager.wal.Append(WALRecord{Tag: TagPagePut, TxID: t.id, PageID: id, Data: buf}); err != nil {
			return WrapError(TransactionMisuse, err, "log page put for tx %d", t.id)
		}
	}

	h := t.pager.Header()
	meta := WALRecord{
		Tag:          TagMetaUpdate,
		TxID:         t.id,
		CatalogRoot:  t.catalogRoot,
		PageCount:    h.PageCount,
		FreelistHead: h.FreelistHead,
		Epoch:        h.Epoch,
	}
	if _, err := t.pager.wal.Append(meta); err != nil {
		return WrapError(TransactionMisuse, err, "log meta update for tx %d", t.id)
	}

	if _, err := t.pager.wal.AppendCommit(t.id); err != nil {
		return WrapError(TransactionMisuse, err, "log commit for tx %d", t.id)
	}

	if err := t.pager.wal.Sync(); err != nil {
		t.state = TxPoisoned
		return WrapError(CommitInDoubt, err, "fsync wal for tx %d", t.id)
	}

	t.pager.mu.Lock()
	t.pager.header.CatalogRoot = t.catalogRoot
	t.pager.header.Epoch = h.Epoch
	for id, buf := range t.dirty {
		if f, ok := t.pager.cache.get(id); ok {
			copy(f.buf, buf)
			f.dirty = true
		} else {
			t.pager.cache.put(&pageFrame{id: id, buf: buf, dirty: true})
		}
	}
	t.pager.mu.Unlock()

	t.dirty = nil
	t.state = TxCommitted
	return nil
}
