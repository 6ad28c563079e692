package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// TxID identifies a transaction across its Begin/PagePut*/MetaUpdate/
// Commit-or-Abort record sequence in the WAL.
type TxID uint64

// LSN is a WAL log sequence number: the position of a record within the
// current WAL generation. It resets to 0 after every checkpoint
// truncation.
type LSN uint64

// WALTag identifies the kind of a WAL record.
type WALTag uint8

const (
	TagBegin      WALTag = 1
	TagPagePut    WALTag = 2
	TagMetaUpdate WALTag = 3
	TagCommit     WALTag = 4
	TagAbort      WALTag = 5
)

func (t WALTag) String() string {
	switch t {
	case TagBegin:
		return "Begin"
	case TagPagePut:
		return "PagePut"
	case TagMetaUpdate:
		return "MetaUpdate"
	case TagCommit:
		return "Commit"
	case TagAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// WALRecord is one of Begin, PagePut, MetaUpdate, Commit, or Abort. Only
// the fields relevant to Tag are populated; it is not a Go-idiomatic
// sum type (an interface per variant) because every record needs the
// same cheap serialize/deserialize treatment and callers (recovery in
// particular) want to switch on Tag directly.
type WALRecord struct {
	Tag WALTag
	TxID

	// PagePut
	PageID PageID
	Data   []byte

	// MetaUpdate
	CatalogRoot  PageID
	PageCount    uint64
	FreelistHead PageID
	Epoch        uint64

	// Commit
	LSN uint64
}

// Serialize encodes r's payload bytes (not including the length prefix
// or CRC that the WAL writer wraps around it).
func (r WALRecord) Serialize() []byte {
	switch r.Tag {
	case TagBegin:
		buf := make([]byte, 1+8)
		buf[0] = byte(TagBegin)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(r.TxID))
		return buf
	case TagPagePut:
		buf := make([]byte, 1+8+8+4+len(r.Data))
		buf[0] = byte(TagPagePut)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(r.TxID))
		binary.LittleEndian.PutUint64(buf[9:17], uint64(r.PageID))
		binary.LittleEndian.PutUint32(buf[17:21], uint32(len(r.Data)))
		copy(buf[21:], r.Data)
		return buf
	case TagMetaUpdate:
		buf := make([]byte, 1+8+8+8+8+8)
		buf[0] = byte(TagMetaUpdate)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(r.TxID))
		binary.LittleEndian.PutUint64(buf[9:17], uint64(r.CatalogRoot))
		binary.LittleEndian.PutUint64(buf[17:25], r.PageCount)
		binary.LittleEndian.PutUint64(buf[25:33], uint64(r.FreelistHead))
		binary.LittleEndian.PutUint64(buf[33:41], r.Epoch)
		return buf
	case TagCommit:
		buf := make([]byte, 1+8+8)
		buf[0] = byte(TagCommit)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(r.TxID))
		binary.LittleEndian.PutUint64(buf[9:17], r.LSN)
		return buf
	case TagAbort:
		buf := make([]byte, 1+8)
		buf[0] = byte(TagAbort)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(r.TxID))
		return buf
	default:
		panic("storage: unknown WAL record tag")
	}
}

// DeserializeWALRecord parses a record payload produced by Serialize.
// Returns *Error{Kind: Wal} on truncated or unrecognized input; the WAL
// reader decides whether that should be surfaced as tail-tolerant EOF
// or mid-log corruption.
func DeserializeWALRecord(data []byte) (WALRecord, error) {
	if len(data) < 1 {
		return WALRecord{}, NewError(Wal, "empty record")
	}
	switch WALTag(data[0]) {
	case TagBegin:
		if len(data) < 9 {
			return WALRecord{}, NewError(Wal, "truncated Begin record")
		}
		return WALRecord{Tag: TagBegin, TxID: TxID(binary.LittleEndian.Uint64(data[1:9]))}, nil
	case TagPagePut:
		if len(data) < 21 {
			return WALRecord{}, NewError(Wal, "truncated PagePut record")
		}
		txid := TxID(binary.LittleEndian.Uint64(data[1:9]))
		pageID := PageID(binary.LittleEndian.Uint64(data[9:17]))
		dataLen := binary.LittleEndian.Uint32(data[17:21])
		if len(data) < 21+int(dataLen) {
			return WALRecord{}, NewError(Wal, "truncated PagePut payload")
		}
		pageData := make([]byte, dataLen)
		copy(pageData, data[21:21+int(dataLen)])
		return WALRecord{Tag: TagPagePut, TxID: txid, PageID: pageID, Data: pageData}, nil
	case TagMetaUpdate:
		if len(data) < 41 {
			return WALRecord{}, NewError(Wal, "truncated MetaUpdate record")
		}
		return WALRecord{
			Tag:          TagMetaUpdate,
			TxID:         TxID(binary.LittleEndian.Uint64(data[1:9])),
			CatalogRoot:  PageID(binary.LittleEndian.Uint64(data[9:17])),
			PageCount:    binary.LittleEndian.Uint64(data[17:25]),
			FreelistHead: PageID(binary.LittleEndian.Uint64(data[25:33])),
			Epoch:        binary.LittleEndian.Uint64(data[33:41]),
		}, nil
	case TagCommit:
		if len(data) < 17 {
			return WALRecord{}, NewError(Wal, "truncated Commit record")
		}
		return WALRecord{
			Tag:  TagCommit,
			TxID: TxID(binary.LittleEndian.Uint64(data[1:9])),
			LSN:  binary.LittleEndian.Uint64(data[9:17]),
		}, nil
	case TagAbort:
		if len(data) < 9 {
			return WALRecord{}, NewError(Wal, "truncated Abort record")
		}
		return WALRecord{Tag: TagAbort, TxID: TxID(binary.LittleEndian.Uint64(data[1:9]))}, nil
	default:
		return WALRecord{}, NewError(Wal, "unknown record tag 0x%02x", data[0])
	}
}

var walCRCTable = crc32.MakeTable(crc32.IEEE)

func walCRC32(data []byte) uint32 {
	return crc32.Checksum(data, walCRCTable)
}

const (
	// WALMagic identifies a MuroDB WAL file.
	WALMagic = "MUROWAL1"
	// WALVersion is the current WAL format version.
	WALVersion = uint32(1)
	// WALHeaderSize is magic (8) + version (4).
	WALHeaderSize = 12
	// MaxWALFrameLen bounds one encrypted WAL frame payload: a PagePut
	// record carrying one full page is the largest record emitted.
	MaxWALFrameLen = PageSize + 1024
)
