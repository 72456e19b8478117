// Package inspect provides read-only diagnostics over an on-disk index
// file and its WAL, grounded on the teacher pager's own inspection
// tools (page dumps, a whole-file CRC sweep, WAL summaries) adapted to
// this module's page and record formats.
package inspect

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/pager"
	"github.com/SimonWaldherr/invidx/internal/walog"
)

// PageInfo holds inspection information about a single page.
type PageInfo struct {
	ID       page.ID
	Type     page.Type
	TypeStr  string
	LSN      page.LSN
	CRCValid bool

	// Slotted-page stats (entry tree, posting-tree internal pages).
	SlotCount int
	FreeSpace int

	// Data-page stats (posting-tree leaves).
	ItemCount int
	FreeBytes int
	RightLink page.ID
}

// InspectPage reads a single page from dbPath and returns its layout
// summary.
func InspectPage(dbPath string, id page.ID, pageSize int) (*PageInfo, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "inspect: open")
	}
	defer f.Close()

	buf := make([]byte, pageSize)
	off := int64(id) * int64(pageSize)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "inspect: read page %d", id)
	}

	hdr := page.UnmarshalHeader(buf)
	info := &PageInfo{
		ID:       hdr.ID,
		Type:     hdr.Type,
		TypeStr:  hdr.Type.String(),
		LSN:      hdr.LSN,
		CRCValid: page.VerifyCRC(buf) == nil,
	}

	switch hdr.Type {
	case page.TypeEntryLeaf, page.TypeEntryInternal, page.TypePostingInternal:
		sp := page.Wrap(buf)
		info.SlotCount = sp.SlotCount()
		info.FreeSpace = sp.FreeSpace()
		info.RightLink = sp.Opaque().RightLink
	case page.TypePostingLeaf:
		dp := page.WrapData(buf)
		info.ItemCount = dp.ItemCount()
		info.FreeBytes = dp.FreeBytes()
		info.RightLink = dp.Opaque().RightLink
	}

	return info, nil
}

// VerifyResult is the outcome of a whole-file CRC sweep.
type VerifyResult struct {
	TotalPages int
	Issues     []string
}

// VerifyFile checks the CRC of every page in dbPath, reading it as
// pages of page.DefaultSize.
func VerifyFile(dbPath string) (*VerifyResult, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "inspect: open")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "inspect: stat")
	}

	metaBuf := make([]byte, page.DefaultSize)
	if _, err := f.ReadAt(metaBuf, 0); err != nil {
		return nil, errors.Wrap(err, "inspect: read meta page")
	}
	if err := page.VerifyCRC(metaBuf); err != nil {
		return &VerifyResult{Issues: []string{err.Error()}}, nil
	}

	pageSize := page.DefaultSize
	result := &VerifyResult{}
	result.TotalPages = int(fi.Size() / int64(pageSize))
	if fi.Size()%int64(pageSize) != 0 {
		result.Issues = append(result.Issues, fmt.Sprintf(
			"file size %d is not a multiple of page size %d", fi.Size(), pageSize))
	}

	buf := make([]byte, pageSize)
	for i := 0; i < result.TotalPages; i++ {
		if _, err := f.ReadAt(buf, int64(i)*int64(pageSize)); err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("page %d: read error: %v", i, err))
			continue
		}
		if err := page.VerifyCRC(buf); err != nil {
			result.Issues = append(result.Issues, err.Error())
		}
		hdr := page.UnmarshalHeader(buf)
		if int(hdr.ID) != i {
			result.Issues = append(result.Issues, fmt.Sprintf("page %d: header ID mismatch (says %d)", i, hdr.ID))
		}
	}

	return result, nil
}

// WALInfo summarizes a WAL file's contents.
type WALInfo struct {
	Records int
	MinLSN  uint64
	MaxLSN  uint64
	ByOp    map[string]int
}

// InspectWAL reads and summarizes a WAL file.
func InspectWAL(walPath string) (*WALInfo, error) {
	recs, err := walog.ReadAll(walPath)
	if err != nil {
		return nil, errors.Wrap(err, "inspect: read WAL")
	}

	info := &WALInfo{Records: len(recs), ByOp: make(map[string]int)}
	for _, r := range recs {
		if info.MinLSN == 0 || r.LSN < info.MinLSN {
			info.MinLSN = r.LSN
		}
		if r.LSN > info.MaxLSN {
			info.MaxLSN = r.LSN
		}
		info.ByOp[r.Op.String()]++
	}
	return info, nil
}

// MetaInfo is a display-friendly copy of the index meta page.
type MetaInfo = pager.Meta

// InspectMeta reads the meta page of an index file.
func InspectMeta(dbPath string) (MetaInfo, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return MetaInfo{}, errors.Wrap(err, "inspect: open")
	}
	defer f.Close()

	buf := make([]byte, page.DefaultSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return MetaInfo{}, errors.Wrap(err, "inspect: read meta page")
	}
	return pager.UnmarshalMeta(buf), nil
}
