// Package keys defines the category-tagged entry-tree key ordering: an
// entry key is a category plus an opaque datum, and categories order
// ahead of the datum so that NULL and empty-query sentinels sort
// outside the range of any real value without the opclass comparator
// ever seeing them.
package keys

import "bytes"

// Category discriminates the kind of key stored in an entry-tree tuple,
// per spec.md's key-ordering rules.
type Category uint8

const (
	// Norm is an ordinary extracted key; datum is compared with the
	// opclass Compare callback.
	Norm Category = iota
	// NullKey stands for a null key inside a non-null indexed value.
	// ExtractValue cannot report one, so Index.Insert never stores it.
	NullKey
	// EmptyItem is the key for a value that extracted no keys but is
	// not itself null (spec.md distinguishes "no keys" from "null").
	EmptyItem
	// NullItem is the key standing in for a SQL-NULL indexed value.
	NullItem
	// EmptyQuery is never stored; it is a query-side sentinel meaning
	// "matches every row". Compare sorts it ahead of every other
	// category.
	EmptyQuery
)

func (c Category) String() string {
	switch c {
	case Norm:
		return "NORM"
	case NullKey:
		return "NULL_KEY"
	case EmptyItem:
		return "EMPTY_ITEM"
	case NullItem:
		return "NULL_ITEM"
	case EmptyQuery:
		return "EMPTY_QUERY"
	default:
		return "UNKNOWN"
	}
}

// Key is a full entry-tree key: a category plus, for Norm keys, an
// opaque datum compared by the opclass's Compare callback.
type Key struct {
	Category Category
	Datum    []byte
}

// CompareFunc compares two Norm datums the way the indexed opclass
// defines, returning -1, 0, or 1. It is never called for non-Norm
// categories.
type CompareFunc func(a, b []byte) int

// Compare orders two keys: first by Category, then — only when both
// are Norm — by datum via cmp.
func Compare(a, b Key, cmp CompareFunc) int {
	if a.Category != b.Category {
		if a.Category == EmptyQuery {
			return -1
		}
		if b.Category == EmptyQuery {
			return 1
		}
		if a.Category < b.Category {
			return -1
		}
		return 1
	}
	if a.Category != Norm {
		return 0
	}
	return cmp(a.Datum, b.Datum)
}

// BytesCompare is the default CompareFunc for opclasses whose datum is
// directly byte-comparable.
func BytesCompare(a, b []byte) int { return bytes.Compare(a, b) }
