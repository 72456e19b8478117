package pager

import (
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/walog"
)

// frame is one buffer-pool slot: a cached page image plus its latch.
// Unlike the teacher pager's bare pin count, every frame carries a
// page.Latch so callers can hold SHARE/EXCLUSIVE/CLEANUP across more
// than one operation without racing a concurrent evictor — this pager
// never evicts a latched frame.
type frame struct {
	buf   []byte
	latch *page.Latch
	dirty bool
}

// Pager owns the index's single data file, WAL, and in-memory buffer
// pool. It is the Pager implementation entrytree, postingtree, and
// pendinglist all depend on.
type Pager struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	frames   map[page.ID]*frame
	nextID   page.ID

	wal   *walog.Log
	free  *FreeManager
	epoch *ScanEpoch

	instance uuid.UUID
}

// Create initializes a brand-new index file at path: a meta page at
// block 0 and an empty entry-tree leaf at block 1 (page.EntryRootID).
func Create(path, walPath string, pageSize int) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pager: create")
	}
	instance := uuid.New()
	wal, err := walog.Create(walPath, pageSize, instance)
	if err != nil {
		f.Close()
		return nil, err
	}

	p := &Pager{
		f:        f,
		pageSize: pageSize,
		frames:   make(map[page.ID]*frame),
		nextID:   2,
		wal:      wal,
		epoch:    NewScanEpoch(),
		instance: instance,
	}
	p.free = NewFreeManager(p.epoch)

	metaBuf := page.New(pageSize, page.TypeMeta, page.MetaPageID)
	m := Meta{Version: MetaVersion, Instance: instance, Head: page.InvalidID, Tail: page.InvalidID}
	MarshalMeta(&m, metaBuf)
	if err := p.writeThrough(page.MetaPageID, metaBuf); err != nil {
		return nil, err
	}

	rootBuf := page.New(pageSize, page.TypeEntryLeaf, page.EntryRootID)
	page.Init(rootBuf, page.TypeEntryLeaf, page.EntryRootID)
	if err := p.writeThrough(page.EntryRootID, rootBuf); err != nil {
		return nil, err
	}

	rec := &walog.Record{Op: walog.OpCreateIndex, PageID: uint32(page.MetaPageID), Payload: metaBuf}
	if _, err := p.wal.Append(rec); err != nil {
		return nil, err
	}
	return p, p.wal.Sync()
}

// Open opens an existing index file, replaying its WAL.
func Open(path, walPath string, pageSize int) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pager: open")
	}
	p := &Pager{
		f:        f,
		pageSize: pageSize,
		frames:   make(map[page.ID]*frame),
		epoch:    NewScanEpoch(),
	}
	p.free = NewFreeManager(p.epoch)

	if err := p.Recover(walPath); err != nil {
		f.Close()
		return nil, err
	}

	wal, err := walog.Open(walPath)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.wal = wal

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "pager: stat")
	}
	p.nextID = page.ID(fi.Size() / int64(pageSize))
	return p, nil
}

// Recover replays every WAL record (each payload is a full page image)
// onto the data file, per the teacher pager's physical-redo recovery
// model: idempotent because re-applying a page image twice is a no-op.
func (p *Pager) Recover(walPath string) error {
	recs, err := walog.ReadAll(walPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return walog.Replay(recs, func(rec walog.Record) error {
		if len(rec.Payload) != p.pageSize {
			return nil // opcode with a small body, not a page image
		}
		return p.writeThrough(page.ID(rec.PageID), rec.Payload)
	})
}

func (p *Pager) writeThrough(id page.ID, buf []byte) error {
	page.SetCRC(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.f.WriteAt(buf, off); err != nil {
		return errors.Wrapf(err, "pager: write page %d", id)
	}
	return nil
}

func (p *Pager) frameFor(id page.ID) (*frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fr, ok := p.frames[id]; ok {
		return fr, nil
	}
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "pager: read page %d", id)
	}
	fr := &frame{buf: buf, latch: page.NewLatch()}
	p.frames[id] = fr
	return fr, nil
}

// ReadPage returns the current in-memory image of page id, loading it
// from disk on first access.
func (p *Pager) ReadPage(id page.ID) ([]byte, error) {
	fr, err := p.frameFor(id)
	if err != nil {
		return nil, err
	}
	return fr.buf, nil
}

// WritePage logs and writes back page id's image. The WAL record is
// appended (and synced) before the data file is touched, so a crash
// mid-write is always repairable by replay.
func (p *Pager) WritePage(id page.ID, buf []byte) error {
	page.SetCRC(buf)
	rec := &walog.Record{Op: opForType(page.UnmarshalHeader(buf).Type), PageID: uint32(id), Payload: buf}
	if _, err := p.wal.Append(rec); err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}
	if err := p.writeThrough(id, buf); err != nil {
		return err
	}
	p.mu.Lock()
	fr, ok := p.frames[id]
	p.mu.Unlock()
	if ok {
		copy(fr.buf, buf)
		fr.dirty = false
	}
	return nil
}

func opForType(t page.Type) walog.Op {
	switch t {
	case page.TypePendingList:
		return walog.OpInsertListPage
	default:
		return walog.OpInsert
	}
}

// AllocPage returns a fresh page of type t: either a recycled page from
// the free list (once its scan epoch clears) or a new block appended
// to the file.
func (p *Pager) AllocPage(t page.Type) (page.ID, []byte, error) {
	p.mu.Lock()
	var id page.ID
	if recycled, ok := p.free.Take(); ok {
		id = recycled
	} else {
		id = p.nextID
		p.nextID++
	}
	p.mu.Unlock()

	buf := page.New(p.pageSize, t, id)
	page.Init(buf, t, id)
	fr := &frame{buf: buf, latch: page.NewLatch(), dirty: true}
	p.mu.Lock()
	p.frames[id] = fr
	p.mu.Unlock()
	return id, buf, nil
}

// FreePage marks id page.FlagDeleted and stages it in the free list,
// stamped with the current scan epoch so AllocPage won't hand it back
// out until every in-flight scan has moved past that epoch.
func (p *Pager) FreePage(id page.ID) error {
	buf, err := p.ReadPage(id)
	if err != nil {
		return err
	}
	h := page.UnmarshalHeader(buf)
	h.Flags |= uint8(page.FlagDeleted)
	page.MarshalHeader(&h, buf)
	if err := p.WritePage(id, buf); err != nil {
		return err
	}
	p.free.Stage(id)
	return nil
}

// Latch returns the buffer-pool latch for page id, loading the frame
// if necessary.
func (p *Pager) Latch(id page.ID) *page.Latch {
	fr, err := p.frameFor(id)
	if err != nil {
		return page.NewLatch()
	}
	return fr.latch
}

// BeginScan registers a new scan epoch, to be ended with EndScan once
// the scan driver has released every page it visited.
func (p *Pager) BeginScan() uint64 { return p.epoch.Begin() }

// EndScan unregisters a scan epoch started with BeginScan.
func (p *Pager) EndScan(e uint64) { p.epoch.End(e) }

// ReadMeta reads and decodes the meta page.
func (p *Pager) ReadMeta() (Meta, error) {
	buf, err := p.ReadPage(page.MetaPageID)
	if err != nil {
		return Meta{}, err
	}
	return UnmarshalMeta(buf), nil
}

// WriteMeta encodes and writes m back to the meta page.
func (p *Pager) WriteMeta(m Meta) error {
	buf, err := p.ReadPage(page.MetaPageID)
	if err != nil {
		return err
	}
	MarshalMeta(&m, buf)
	rec := &walog.Record{Op: walog.OpUpdateMeta, PageID: uint32(page.MetaPageID), Payload: buf}
	if _, err := p.wal.Append(rec); err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}
	if err := p.writeThrough(page.MetaPageID, buf); err != nil {
		return err
	}
	p.mu.Lock()
	if fr, ok := p.frames[page.MetaPageID]; ok {
		copy(fr.buf, buf)
	}
	p.mu.Unlock()
	return nil
}

// Checkpoint flushes the WAL; there is no separate checkpoint record
// since every WritePage is already a synchronously durable physical
// redo entry (spec.md leaves WAL-trimming policy out of scope).
func (p *Pager) Checkpoint() error { return p.wal.Sync() }

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Close syncs and closes the WAL and data file.
func (p *Pager) Close() error {
	if err := p.wal.Close(); err != nil {
		return err
	}
	return p.f.Close()
}
