// Package walog implements the generic, physical write-ahead log shared
// by every tree in the index: every structural change to a page is
// logged as a typed record before the page is written back, and replay
// re-applies every record in file order after a crash. The record
// framing and the append/sync/recover shape follow the teacher pager's
// WAL package; the opcode taxonomy is the index's own.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Op is a WAL record opcode.
type Op uint8

const (
	OpCreateIndex       Op = 0x00
	OpCreatePostingTree Op = 0x10
	OpInsert            Op = 0x20
	OpSplit             Op = 0x30
	OpVacuumPage        Op = 0x40
	OpDeletePage        Op = 0x50
	OpUpdateMeta        Op = 0x60
	OpInsertListPage    Op = 0x70
	OpDeleteListPages   Op = 0x80
)

func (o Op) String() string {
	switch o {
	case OpCreateIndex:
		return "CREATE_INDEX"
	case OpCreatePostingTree:
		return "CREATE_POSTING_TREE"
	case OpInsert:
		return "INSERT"
	case OpSplit:
		return "SPLIT"
	case OpVacuumPage:
		return "VACUUM_PAGE"
	case OpDeletePage:
		return "DELETE_PAGE"
	case OpUpdateMeta:
		return "UPDATE_META"
	case OpInsertListPage:
		return "INSERT_LIST_PAGE"
	case OpDeleteListPages:
		return "DELETE_LIST_PAGES"
	default:
		return fmt.Sprintf("Op(0x%02x)", uint8(o))
	}
}

const fileMagic = "INVIDXWL"
const fileVersion = 1

// fileHeader is written once at the start of a WAL file.
type fileHeader struct {
	Magic     [8]byte
	Version   uint32
	PageSize  uint32
	Instance  uuid.UUID
}

const fileHeaderSize = 8 + 4 + 4 + 16

// Record is one WAL entry: a physical, full-page-image log record. LSN
// is assigned on append.
type Record struct {
	LSN     uint64
	Op      Op
	PageID  uint32
	TxID    uint64
	Payload []byte // full page image, or a small opcode-specific body
}

const recordHeaderSize = 8 + 1 + 4 + 8 + 4 // LSN, Op, PageID, TxID, len(Payload)

// Log is an append-only WAL file with CRC-checked records.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	nextLSN  uint64
	instance uuid.UUID
}

// Create creates a new WAL file at path, writing its header.
func Create(path string, pageSize int, instance uuid.UUID) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "walog: create")
	}
	hdr := fileHeader{Version: fileVersion, PageSize: uint32(pageSize), Instance: instance}
	copy(hdr.Magic[:], fileMagic)
	buf := make([]byte, fileHeaderSize)
	marshalFileHeader(&hdr, buf)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "walog: write header")
	}
	return &Log{f: f, w: bufio.NewWriter(f), nextLSN: 1, instance: instance}, nil
}

// Open opens an existing WAL file for append, positioning past its
// header. Callers that need to recover state first call ReadAll.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "walog: open")
	}
	hdrBuf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "walog: read header")
	}
	hdr, err := unmarshalFileHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "walog: seek end")
	}
	return &Log{f: f, w: bufio.NewWriter(f), nextLSN: 1, instance: hdr.Instance}, nil
}

func marshalFileHeader(h *fileHeader, buf []byte) {
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageSize)
	copy(buf[16:32], h.Instance[:])
}

func unmarshalFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	copy(h.Magic[:], buf[0:8])
	if string(h.Magic[:]) != fileMagic {
		return h, errors.New("walog: bad magic")
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.PageSize = binary.LittleEndian.Uint32(buf[12:16])
	copy(h.Instance[:], buf[16:32])
	return h, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Append writes rec to the log, assigning its LSN, and returns that
// LSN. The record is buffered; callers that need durability call Sync.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.LSN = l.nextLSN
	l.nextLSN++

	body := make([]byte, recordHeaderSize+len(rec.Payload))
	binary.LittleEndian.PutUint64(body[0:8], rec.LSN)
	body[8] = byte(rec.Op)
	binary.LittleEndian.PutUint32(body[9:13], rec.PageID)
	binary.LittleEndian.PutUint64(body[13:21], rec.TxID)
	binary.LittleEndian.PutUint32(body[21:25], uint32(len(rec.Payload)))
	copy(body[recordHeaderSize:], rec.Payload)

	crc := crc32.Checksum(body, crcTable)
	var lenAndCRC [8]byte
	binary.LittleEndian.PutUint32(lenAndCRC[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(lenAndCRC[4:8], crc)

	if _, err := l.w.Write(lenAndCRC[:]); err != nil {
		return 0, errors.Wrap(err, "walog: append length/crc")
	}
	if _, err := l.w.Write(body); err != nil {
		return 0, errors.Wrap(err, "walog: append body")
	}
	return rec.LSN, nil
}

// Sync flushes buffered records and fsyncs the underlying file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return errors.Wrap(err, "walog: flush")
	}
	return errors.Wrap(l.f.Sync(), "walog: fsync")
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	if err := l.Sync(); err != nil {
		return err
	}
	return l.f.Close()
}

// ReadAll reads every well-formed record following the header of the
// WAL file at path, in append order. A truncated final record (a torn
// write from a crash mid-append) is silently dropped, matching the
// teacher pager's recovery behavior.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "walog: open for read")
	}
	defer f.Close()

	hdrBuf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return nil, errors.Wrap(err, "walog: read header")
	}
	if _, err := unmarshalFileHeader(hdrBuf); err != nil {
		return nil, err
	}

	r := bufio.NewReader(f)
	var out []Record
	for {
		var lenAndCRC [8]byte
		if _, err := io.ReadFull(r, lenAndCRC[:]); err != nil {
			break
		}
		bodyLen := binary.LittleEndian.Uint32(lenAndCRC[0:4])
		wantCRC := binary.LittleEndian.Uint32(lenAndCRC[4:8])

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break // torn write at end of file
		}
		if crc32.Checksum(body, crcTable) != wantCRC {
			break // torn or corrupt record; stop replay here
		}

		rec := Record{
			LSN:    binary.LittleEndian.Uint64(body[0:8]),
			Op:     Op(body[8]),
			PageID: binary.LittleEndian.Uint32(body[9:13]),
			TxID:   binary.LittleEndian.Uint64(body[13:21]),
		}
		plen := binary.LittleEndian.Uint32(body[21:25])
		rec.Payload = body[recordHeaderSize : recordHeaderSize+int(plen)]
		out = append(out, rec)
	}
	return out, nil
}

// Replay applies every record in recs by calling apply for each, in
// order, and stops at the first error. It does no filtering of its own.
func Replay(recs []Record, apply func(Record) error) error {
	for _, rec := range recs {
		if err := apply(rec); err != nil {
			return errors.Wrapf(err, "walog: replay lsn=%d op=%s", rec.LSN, rec.Op)
		}
	}
	return nil
}
