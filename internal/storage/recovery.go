package storage

import (
	"os"

	"github.com/google/uuid"
)

// Recovery replays the WAL written since the last checkpoint and
// applies every transaction that reached a durable Commit record,
// discarding anything left Active or explicitly Aborted. It validates
// the per-transaction record sequence as it goes: a healthy writer
// only ever produces Begin, then zero or more PagePut, then either
// exactly one MetaUpdate and exactly one Commit, or an Abort. Anything else
// (a Commit with no prior Begin, a second Begin for the same TxID, a
// record after a transaction's terminal record) is logged as a
// SkipCode instead of applied.
//
// Strict mode treats any such event as fatal corruption, because nothing
// but disk/memory corruption should produce it from a process that
// only ever calls the transaction API. Permissive mode collects the
// events instead of failing, for the inspection CLI and for opening a
// database the operator has decided to recover best-effort.

// SkipCode names a reason a WAL record was not applied during
// recovery.
type SkipCode int

const (
	SkipNone SkipCode = iota
	SkipDuplicateBegin
	SkipBeginAfterTerminal
	SkipPagePutBeforeBegin
	SkipPagePutAfterTerminal
	SkipMetaUpdateBeforeBegin
	SkipMetaUpdateAfterTerminal
	SkipCommitBeforeBegin
	SkipDuplicateTerminal
	SkipCommitWithoutMetaUpdate
	SkipCommitLsnMismatch
	SkipAbortBeforeBegin
)

func (c SkipCode) String() string {
	switch c {
	case SkipDuplicateBegin:
		return "DuplicateBegin"
	case SkipBeginAfterTerminal:
		return "BeginAfterTerminal"
	case SkipPagePutBeforeBegin:
		return "PagePutBeforeBegin"
	case SkipPagePutAfterTerminal:
		return "PagePutAfterTerminal"
	case SkipMetaUpdateBeforeBegin:
		return "MetaUpdateBeforeBegin"
	case SkipMetaUpdateAfterTerminal:
		return "MetaUpdateAfterTerminal"
	case SkipCommitBeforeBegin:
		return "CommitBeforeBegin"
	case SkipDuplicateTerminal:
		return "DuplicateTerminal"
	case SkipCommitWithoutMetaUpdate:
		return "CommitWithoutMetaUpdate"
	case SkipCommitLsnMismatch:
		return "CommitLsnMismatch"
	case SkipAbortBeforeBegin:
		return "AbortBeforeBegin"
	default:
		return "None"
	}
}

// Code returns the skip code's stable wire string, as reported by the
// inspection CLI's JSON and text output. These strings are a public
// contract independent of the Go constant names.
func (c SkipCode) Code() string {
	switch c {
	case SkipDuplicateBegin:
		return "DUPLICATE_BEGIN"
	case SkipBeginAfterTerminal:
		return "BEGIN_AFTER_TERMINAL"
	case SkipPagePutBeforeBegin:
		return "PAGEPUT_BEFORE_BEGIN"
	case SkipPagePutAfterTerminal:
		return "PAGEPUT_AFTER_TERMINAL"
	case SkipMetaUpdateBeforeBegin:
		return "METAUPDATE_BEFORE_BEGIN"
	case SkipMetaUpdateAfterTerminal:
		return "METAUPDATE_AFTER_TERMINAL"
	case SkipCommitBeforeBegin:
		return "COMMIT_BEFORE_BEGIN"
	case SkipDuplicateTerminal:
		return "DUPLICATE_TERMINAL"
	case SkipCommitWithoutMetaUpdate:
		return "COMMIT_WITHOUT_META"
	case SkipCommitLsnMismatch:
		return "COMMIT_LSN_MISMATCH"
	case SkipAbortBeforeBegin:
		return "ABORT_BEFORE_BEGIN"
	default:
		return "NONE"
	}
}

// SkipEvent records one rejected record during recovery.
type SkipEvent struct {
	LSN  uint64
	TxID TxID
	Tag  WALTag
	Code SkipCode
}

// txState is the lifecycle state of one transaction as recovery scans
// the log forward.
type txState int

const (
	txUnknown txState = iota
	txActive
	txCommitted
	txAborted
)

type txScratch struct {
	state       txState
	pages       []WALRecord // PagePut records, in log order
	hasMeta     bool
	meta        WALRecord
	commitLSN   uint64
	sawCommitAt uint64
}

// RecoveryReport is the outcome of a recovery pass: which transactions
// were applied, and every record that was skipped and why.
type RecoveryReport struct {
	Applied []TxID
	Skipped []SkipEvent
	MaxLSN  uint64
}

// RecoverStrict replays p's WAL, failing with a Kind-Wal *Error at the
// first invalid record sequence or mid-log corruption (a frame that
// fails to decrypt or fails its CRC after a clean frame has already
// been read). A cleanly truncated tail — the expected shape of a crash
// mid-append — is not an error.
func RecoverStrict(p *Pager) error {
	report, err := runRecovery(p, false)
	if err != nil {
		return err
	}
	if len(report.Skipped) > 0 {
		ev := report.Skipped[0]
		return NewError(Wal, "recovery found invalid record sequence at lsn %d, tx %d: %s", ev.LSN, ev.TxID, ev.Code)
	}
	return applyRecovery(p, report)
}

// RecoverPermissive replays p's WAL and applies every transaction that
// validly committed, collecting (rather than failing on) invalid
// record sequences. It is used by the inspection CLI and by explicit
// best-effort recovery.
func RecoverPermissive(p *Pager) (RecoveryReport, error) {
	report, err := runRecovery(p, true)
	if err != nil {
		return report, err
	}
	if len(report.Skipped) > 0 {
		walPath := p.walPath
		if err := p.wal.Close(); err != nil {
			return report, err
		}
		if qerr := quarantineWAL(walPath); qerr != nil {
			return report, qerr
		}
		if err := p.openWAL(walPath); err != nil {
			return report, err
		}
	}
	return report, applyRecovery(p, report)
}

// quarantineWAL renames a WAL file that Permissive recovery found
// invalid records in, so the operator can inspect it later without it
// being mistaken for a clean log on the next open. A plain
// ".quarantine" suffix could collide with a file left behind by an
// earlier crash, so a UUID disambiguates.
func quarantineWAL(walPath string) error {
	target := walPath + ".quarantine." + uuid.NewString()
	if err := os.Rename(walPath, target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return WrapError(Io, err, "quarantine wal %s", walPath)
	}
	return nil
}

// InspectWAL scans the WAL file at walPath without touching a database
// file at all, for the inspection CLI: it always runs in permissive
// mode (collecting skip events instead of failing) and never applies
// anything, so it is safe to run against a live or corrupted database.
func InspectWAL(walPath string, cipher PageCipher) (RecoveryReport, error) {
	report, _, err := scanWAL(walPath, cipher, true)
	return report, err
}

func runRecovery(p *Pager, permissive bool) (RecoveryReport, error) {
	report, txns, err := scanWAL(p.walPath, p.cipher, permissive)
	if err != nil {
		return report, err
	}
	p.recoveredTxns = txns
	return report, nil
}

func scanWAL(walPath string, cipher PageCipher, permissive bool) (RecoveryReport, map[TxID]*txScratch, error) {
	reader, err := OpenWALReader(walPath, cipher)
	if err != nil {
		return RecoveryReport{}, nil, err
	}

	txns := make(map[TxID]*txScratch)
	var report RecoveryReport

	for {
		frame, ok := reader.Next()
		if !ok {
			break
		}
		report.MaxLSN = frame.LSN
		rec := frame.Record
		tx, exists := txns[rec.TxID]

		switch rec.Tag {
		case TagBegin:
			if exists {
				code := SkipDuplicateBegin
				if tx.state == txCommitted || tx.state == txAborted {
					code = SkipBeginAfterTerminal
				}
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: code})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			txns[rec.TxID] = &txScratch{state: txActive}

		case TagPagePut:
			if !exists || tx.state == txUnknown {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipPagePutBeforeBegin})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			if tx.state != txActive {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipPagePutAfterTerminal})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			tx.pages = append(tx.pages, rec)

		case TagMetaUpdate:
			if !exists || tx.state == txUnknown {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipMetaUpdateBeforeBegin})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			if tx.state != txActive {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipMetaUpdateAfterTerminal})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			tx.hasMeta = true
			tx.meta = rec

		case TagCommit:
			if !exists || tx.state == txUnknown {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipCommitBeforeBegin})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			if tx.state != txActive {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipDuplicateTerminal})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			if !tx.hasMeta {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipCommitWithoutMetaUpdate})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			if rec.LSN != frame.LSN {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipCommitLsnMismatch})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			tx.state = txCommitted
			tx.commitLSN = frame.LSN

		case TagAbort:
			if !exists || tx.state == txUnknown {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipAbortBeforeBegin})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			if tx.state != txActive {
				report.Skipped = append(report.Skipped, SkipEvent{LSN: frame.LSN, TxID: rec.TxID, Tag: rec.Tag, Code: SkipDuplicateTerminal})
				if !permissive {
					return report, txns, nil
				}
				continue
			}
			tx.state = txAborted
		}
	}

	if reader.Outcome() == TailOutcomeCorrupt {
		return report, txns, reader.Err()
	}

	// Apply in commit order so the last committed MetaUpdate wins.
	var ordered []TxID
	for id, tx := range txns {
		if tx.state == txCommitted {
			ordered = append(ordered, id)
		}
	}
	// Simple insertion sort by commitLSN; recovery logs are small
	// relative to checkpoint frequency so O(n^2) is not a concern.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && txns[ordered[j-1]].commitLSN > txns[ordered[j]].commitLSN; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	report.Applied = ordered
	return report, txns, nil
}

func applyRecovery(p *Pager, report RecoveryReport) error {
	// Every txid the WAL mentions at all — committed, aborted, or left
	// active by the crash — was handed out once and must never be
	// reissued, so NextTxID advances past the highest one seen here
	// regardless of whether anything ends up applied below.
	nextTxID := p.header.NextTxID
	for txid := range p.recoveredTxns {
		if uint64(txid)+1 > nextTxID {
			nextTxID = uint64(txid) + 1
		}
	}

	if len(report.Applied) == 0 {
		if nextTxID == p.header.NextTxID {
			p.recoveredTxns = nil
			return nil
		}
		p.header.NextTxID = nextTxID
		if err := p.flushHeader(); err != nil {
			return err
		}
		if err := p.file.Sync(); err != nil {
			return WrapError(Io, err, "fsync header after recovery")
		}
		p.recoveredTxns = nil
		return nil
	}

	var lastMeta WALRecord
	haveMeta := false
	for _, txid := range report.Applied {
		tx := p.recoveredTxns[txid]
		for _, rec := range tx.pages {
			if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
				return WrapError(Corruption, err, "apply recovered page %d for tx %d", rec.PageID, txid)
			}
		}
		if tx.hasMeta {
			lastMeta = tx.meta
			haveMeta = true
		}
	}
	if err := p.file.Sync(); err != nil {
		return WrapError(Io, err, "fsync after recovery replay")
	}
	if haveMeta {
		p.header.CatalogRoot = lastMeta.CatalogRoot
		p.header.PageCount = lastMeta.PageCount
		p.header.FreelistHead = lastMeta.FreelistHead
		p.header.Epoch = lastMeta.Epoch
	}
	p.header.NextTxID = nextTxID
	if err := p.flushHeader(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return WrapError(Io, err, "fsync header after recovery")
	}
	p.recoveredTxns = nil
	return nil
}
