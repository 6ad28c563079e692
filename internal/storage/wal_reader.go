package storage

import (
	"encoding/binary"
	"os"
)

// WALFrame is one decoded, authenticated record together with the LSN
// it was written at.
type WALFrame struct {
	LSN    uint64
	Record WALRecord
}

// WALReader performs a single forward pass over a WAL file, decoding
// frames one at a time and distinguishing a clean end-of-log (tail
// tolerance: the last writer was interrupted mid-frame, which is
// expected after an unclean shutdown) from a corrupt frame in the
// middle of the log (which is not expected and is reported as an
// error instead of silently truncating recovery).
type WALReader struct {
	data    []byte
	cipher  PageCipher
	pos     int
	lsn     uint64
	outcome TailOutcome
	err     error
}

// OpenWALReader reads the entire WAL file at path into memory and
// validates its header. WAL files are bounded by checkpoint policy to
// a small multiple of the page cache, so slurping the whole file is
// the same trade the teacher's pager makes for its main file's
// superblock region.
func OpenWALReader(path string, cipher PageCipher) (*WALReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &WALReader{data: nil, cipher: cipher}, nil
		}
		return nil, WrapError(Io, err, "read wal %s", path)
	}
	if len(data) == 0 {
		return &WALReader{data: nil, cipher: cipher}, nil
	}
	if len(data) < WALHeaderSize {
		return nil, NewError(Wal, "wal file shorter than header (%d bytes)", len(data))
	}
	if string(data[0:8]) != WALMagic {
		return nil, NewError(Wal, "wal magic mismatch")
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != WALVersion {
		return nil, NewError(Wal, "unsupported wal version %d", version)
	}
	return &WALReader{data: data, cipher: cipher, pos: WALHeaderSize}, nil
}

// TailOutcome classifies why Next stopped returning frames.
type TailOutcome int

const (
	// TailOutcomeClean means Next stopped at what an interrupted write
	// can leave behind: EOF, a partial trailing frame, a zero or
	// oversized length prefix, or a complete frame that fails to
	// decode with no well-formed frame after it.
	TailOutcomeClean TailOutcome = iota
	// TailOutcomeCorrupt means a complete frame failed to decrypt,
	// failed its CRC check or failed to decode while a well-formed
	// frame follows it, which indicates on-disk corruption.
	TailOutcomeCorrupt
)

// Next returns the next decoded frame, or ok=false once the log is
// exhausted. When ok is false, Outcome() reports whether the stopping
// point was a tolerable truncated tail or genuine corruption.
func (r *WALReader) Next() (frame WALFrame, ok bool) {
	if r.pos+4 > len(r.data) {
		r.outcome = TailOutcomeClean
		return WALFrame{}, false
	}
	frameLen := binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4])
	if frameLen == 0 || frameLen > MaxWALFrameLen {
		// A zero or absurd length prefix is what a half-written frame
		// looks like if only the length field made it to disk before
		// the crash (or it is all-zero preallocated tail space).
		r.outcome = TailOutcomeClean
		return WALFrame{}, false
	}
	frameStart := r.pos + 4
	frameEnd := frameStart + int(frameLen)
	if frameEnd > len(r.data) {
		r.outcome = TailOutcomeClean
		return WALFrame{}, false
	}
	encrypted := r.data[frameStart:frameEnd]

	rec, err := decodeWALFrame(r.cipher, r.lsn, encrypted)
	if err != nil {
		// A failure decoding a complete, length-delimited frame is only
		// genuine corruption if something parseable follows it: a torn
		// write can leave a whole garbage frame (the length prefix
		// survived fsync, the payload did not) at the tail, and that
		// must still be tolerated like any other incomplete tail.
		if hasWellFormedFrameAt(r.data, frameEnd) {
			r.outcome = TailOutcomeCorrupt
			r.err = err
		} else {
			r.outcome = TailOutcomeClean
		}
		return WALFrame{}, false
	}

	lsn := r.lsn
	r.pos = frameEnd
	r.lsn++
	return WALFrame{LSN: lsn, Record: rec}, true
}

// decodeWALFrame decrypts and validates one frame's ciphertext, already
// sliced to its exact length, and deserializes the record inside it.
func decodeWALFrame(cipher PageCipher, lsn uint64, encrypted []byte) (WALRecord, error) {
	plaintext, err := cipher.Decrypt(PageID(lsn), 0, encrypted)
	if err != nil {
		return WALRecord{}, WrapError(Wal, err, "decrypt wal frame at lsn %d", lsn)
	}
	if len(plaintext) < 4 {
		return WALRecord{}, NewError(Wal, "wal frame at lsn %d too short for crc trailer", lsn)
	}
	payload := plaintext[:len(plaintext)-4]
	wantCRC := binary.LittleEndian.Uint32(plaintext[len(plaintext)-4:])
	if walCRC32(payload) != wantCRC {
		return WALRecord{}, NewError(Wal, "crc mismatch in wal frame at lsn %d", lsn)
	}
	rec, err := DeserializeWALRecord(payload)
	if err != nil {
		return WALRecord{}, WrapError(Wal, err, "deserialize wal record at lsn %d", lsn)
	}
	return rec, nil
}

// hasWellFormedFrameAt reports whether data holds a syntactically valid
// frame (plausible length prefix, fully present) starting at pos. It is
// the "is at tail" probe: it only checks shape, not decryptability, since
// a genuinely corrupt interior frame can still have an intact length
// prefix while its ciphertext or CRC is wrong.
func hasWellFormedFrameAt(data []byte, pos int) bool {
	if pos+4 > len(data) {
		return false
	}
	frameLen := binary.LittleEndian.Uint32(data[pos : pos+4])
	if frameLen == 0 || frameLen > MaxWALFrameLen {
		return false
	}
	return pos+4+int(frameLen) <= len(data)
}

// Outcome reports why the most recent Next call returned ok=false. It
// is meaningless to call before Next has returned false at least once.
func (r *WALReader) Outcome() TailOutcome {
	return r.outcome
}

// Err returns the error behind a TailOutcomeCorrupt stop, or nil for a
// clean tail.
func (r *WALReader) Err() error {
	return r.err
}

// ReadAll drains every frame from the reader and returns them in
// order. It exists for tests; the recovery
// path itself streams frames with Next so it can react per-txid
// without materializing the whole log.
func (r *WALReader) ReadAll() ([]WALFrame, error) {
	var frames []WALFrame
	for {
		f, ok := r.Next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	if r.Outcome() == TailOutcomeCorrupt {
		return frames, r.Err()
	}
	return frames, nil
}
