// Command invidx-inspect is a small read-only diagnostic tool for
// poking at an index's on-disk files, grounded on the teacher's own
// pager inspection helpers.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/SimonWaldherr/invidx/internal/inspect"
	"github.com/SimonWaldherr/invidx/internal/page"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  invidx-inspect page <db-file> <page-id> [page-size]
  invidx-inspect verify <db-file>
  invidx-inspect wal <wal-file>
  invidx-inspect meta <db-file>`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	cmd, path := args[0], args[1]
	switch cmd {
	case "page":
		if len(args) < 3 {
			usage()
		}
		id, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			fatal(err)
		}
		pageSize := 8192
		if len(args) > 3 {
			ps, err := strconv.Atoi(args[3])
			if err != nil {
				fatal(err)
			}
			pageSize = ps
		}
		info, err := inspect.InspectPage(path, page.ID(id), pageSize)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("page %d: type=%s lsn=%d crc_valid=%t\n", info.ID, info.TypeStr, info.LSN, info.CRCValid)
		if info.SlotCount > 0 || info.FreeSpace > 0 {
			fmt.Printf("  slots=%d free_space=%d right_link=%d\n", info.SlotCount, info.FreeSpace, info.RightLink)
		}
		if info.ItemCount > 0 || info.FreeBytes > 0 {
			fmt.Printf("  items=%d free_bytes=%d right_link=%d\n", info.ItemCount, info.FreeBytes, info.RightLink)
		}

	case "verify":
		result, err := inspect.VerifyFile(path)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%d pages scanned\n", result.TotalPages)
		if len(result.Issues) == 0 {
			fmt.Println("no issues found")
			return
		}
		for _, issue := range result.Issues {
			fmt.Println("  -", issue)
		}
		os.Exit(1)

	case "wal":
		info, err := inspect.InspectWAL(path)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%d records, lsn=[%d,%d]\n", info.Records, info.MinLSN, info.MaxLSN)
		for op, n := range info.ByOp {
			fmt.Printf("  %-20s %d\n", op, n)
		}

	case "meta":
		m, err := inspect.InspectMeta(path)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("version=%d instance=%s\n", m.Version, m.Instance)
		fmt.Printf("pending: head=%d tail=%d pages=%d tuples=%d\n", m.Head, m.Tail, m.NPendingPages, m.NPendingTuples)
		fmt.Printf("totals: tuples=%d entries=%d entry_pages=%d data_pages=%d\n", m.NTotal, m.NEntries, m.NEntryPages, m.NDataPages)

	default:
		usage()
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "invidx-inspect:", err)
	os.Exit(1)
}
