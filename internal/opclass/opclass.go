// Package opclass defines the callback contract an indexed type must
// implement: how to pull keys out of an indexed value and a query, how
// to order and compare them, and how to decide and rank matches. This
// mirrors the operator-class strategy/support function contract every
// GIN/RUM-style index relies on, expressed as a plain Go interface
// instead of a catalog lookup.
package opclass

import "github.com/SimonWaldherr/invidx/internal/heapptr"

// Capability bits advertise which optional callbacks an OpClass
// implements; the scan driver consults these to pick a strategy.
const (
	CanPartialMatch  uint32 = 1 << 0
	CanPreConsistent uint32 = 1 << 1
	CanOrdering      uint32 = 1 << 2
	CanOuterOrdering uint32 = 1 << 3
)

// Match is one extracted query key plus the metadata the scan driver
// needs to evaluate it.
type Match struct {
	Datum     []byte
	IsPartial bool // matched via compare_partial rather than exact equality
}

// OpClass is the full callback contract for one indexed operator
// class. Implementations only need the callbacks their Capabilities
// bitmask advertises; others may be left nil.
type OpClass interface {
	// Capabilities returns the bitwise-OR of the Can* bits this
	// implementation supports.
	Capabilities() uint32

	// ExtractValue returns the set of keys an indexed value decomposes
	// into (empty slice for "no keys", distinct from a null value).
	ExtractValue(value []byte) (keys [][]byte, isNull bool)

	// ExtractQuery returns the set of keys a query value decomposes
	// into under the given match strategy (e.g. AND vs OR), and whether
	// the query matches every row regardless of key (EmptyQuery
	// handling).
	ExtractQuery(query []byte, strategy uint16) (keys [][]byte, matchesEverything bool)

	// Compare orders two Norm datums, like bytes.Compare.
	Compare(a, b []byte) int

	// ComparePartial orders a partial-match query key against a stored
	// datum: 0 means "matches", negative/positive steer the posting
	// tree's descent the way Compare does. Only called when
	// CanPartialMatch is set.
	ComparePartial(partialKey, datum []byte) int

	// Consistent decides whether a row whose extracted keys are
	// indicated by matched (parallel to the query's ExtractQuery keys)
	// satisfies the query, for one strategy number.
	Consistent(matched []bool, strategy uint16, queryKeys [][]byte, value []byte) (ok bool, recheck bool)

	// PreConsistent is a cheaper, conservative version of Consistent
	// usable before a posting list is fully fetched: false means
	// "definitely doesn't match", true means "maybe, check further".
	// Only called when CanPreConsistent is set.
	PreConsistent(matched []bool, strategy uint16, queryKeys [][]byte) bool

	// Ordering returns the rank of one matched item for a query, used
	// to drive a ranked k-way merge scan. Only called when
	// CanOrdering/CanOuterOrdering is set.
	Ordering(item heapptr.HeapPtr, aux []byte, queryKeys [][]byte) float64

	// Config reports per-opclass tuning: whether callback errors should
	// abort the whole scan (a flag nothing in this module acts on), and
	// whether aux values are ever stored (if false, aux is always
	// encoded as SQL-NULL).
	Config() Config
}

// Config is the small set of opclass-level knobs spec.md's opclass
// contract exposes.
type Config struct {
	HasAux      bool
	FatalErrors bool // carried in Config; the scan driver and build path do not read it
}
