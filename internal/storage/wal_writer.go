package storage

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// WALWriter appends encrypted, CRC-protected frames to a single WAL
// file and fsyncs on demand. One WALWriter is owned by one Pager; the
// transaction commit pipeline calls Append for every record in a
// transaction's sequence and Sync once at the durability point.
type WALWriter struct {
	file    *os.File
	cipher  PageCipher
	nextLSN uint64
}

// OpenWALWriter opens (creating if necessary) the WAL file at path,
// writing a fresh MUROWAL1 header if the file is empty. nextLSN starts
// at startLSN: the writer does not scan frames already in the file, so
// a caller appending to a non-empty log supplies the LSN that follows
// them (the Pager passes 0 and truncates the log once recovery has
// replayed it).
func OpenWALWriter(path string, cipher PageCipher, startLSN uint64) (*WALWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, WrapError(Io, err, "open wal %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, WrapError(Io, err, "stat wal %s", path)
	}
	if info.Size() == 0 {
		if err := writeWALHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	// WriteAt (used for the header, above and in Truncate) never moves the
	// file's current offset, so every subsequent Append must explicitly
	// seek past whatever is already on disk: without this, the first
	// Append would write at offset 0 and clobber the header.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, WrapError(Io, err, "seek wal %s to end", path)
	}
	return &WALWriter{file: f, cipher: cipher, nextLSN: startLSN}, nil
}

func writeWALHeader(f *os.File) error {
	buf := make([]byte, WALHeaderSize)
	copy(buf[0:8], []byte(WALMagic))
	binary.LittleEndian.PutUint32(buf[8:12], WALVersion)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return WrapError(Io, err, "write wal header")
	}
	return nil
}

// Append encrypts and writes rec as the next frame, returning the LSN
// it was assigned. The caller is responsible for calling Sync at the
// appropriate point in the commit pipeline; Append alone does not
// guarantee durability.
func (w *WALWriter) Append(rec WALRecord) (LSN, error) {
	return w.append(rec)
}

// AppendCommit is like Append but for TagCommit records specifically:
// it fills in rec.LSN with the frame's own LSN before serializing, so
// recovery can check a Commit record's self-reported LSN against the
// position it actually occupies in the log (SkipCommitLsnMismatch
// catches a WAL that was spliced or replayed out of order).
func (w *WALWriter) AppendCommit(txid TxID) (LSN, error) {
	rec := WALRecord{Tag: TagCommit, TxID: txid, LSN: w.nextLSN}
	return w.append(rec)
}

func (w *WALWriter) append(rec WALRecord) (LSN, error) {
	lsn := w.nextLSN
	payload := rec.Serialize()
	crc := walCRC32(payload)
	plaintext := make([]byte, len(payload)+4)
	copy(plaintext, payload)
	binary.LittleEndian.PutUint32(plaintext[len(payload):], crc)

	encrypted, err := w.cipher.Encrypt(PageID(lsn), 0, plaintext)
	if err != nil {
		return 0, WrapError(Encryption, err, "encrypt wal frame at lsn %d", lsn)
	}
	if len(encrypted) > MaxWALFrameLen {
		return 0, NewError(Wal, "wal frame at lsn %d exceeds max frame length (%d > %d)", lsn, len(encrypted), MaxWALFrameLen)
	}

	frame := make([]byte, 4+len(encrypted))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(encrypted)))
	copy(frame[4:], encrypted)

	if _, err := w.file.Write(frame); err != nil {
		return 0, WrapError(Io, err, "append wal frame at lsn %d", lsn)
	}
	w.nextLSN++
	return LSN(lsn), nil
}

// Sync fsyncs the WAL file. This is the durability point: a crash
// before Sync returns may lose frames written since the last Sync, but
// a crash after it is guaranteed to observe them on reopen.
func (w *WALWriter) Sync() error {
	if err := w.file.Sync(); err != nil {
		return WrapError(Io, err, "fsync wal")
	}
	return nil
}

// Truncate resets the WAL to an empty log (header only) and restarts
// LSN numbering at 0. Called by the checkpoint policy once every dirty
// page referenced by the truncated frames has been durably written to
// the main file.
func (w *WALWriter) Truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return WrapError(Io, err, "truncate wal")
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return WrapError(Io, err, "seek wal after truncate")
	}
	if err := writeWALHeader(w.file); err != nil {
		return err
	}
	// writeWALHeader uses WriteAt and leaves the file's current offset at
	// 0 (from the Seek above), so without this the next Append would
	// write its frame over the header just written.
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return WrapError(Io, err, "seek wal to end after truncate")
	}
	w.nextLSN = 0
	return nil
}

// Close closes the underlying WAL file handle.
func (w *WALWriter) Close() error {
	return errors.Wrap(w.file.Close(), "close wal")
}

// NextLSN reports the LSN that the next Append call will assign.
func (w *WALWriter) NextLSN() uint64 {
	return w.nextLSN
}
