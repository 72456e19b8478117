// Package accumulator implements the build-time key accumulator used
// while scanning the base table for CREATE INDEX / index build: extracted
// keys are grouped in memory, flushed to the entry tree once a memory
// cap is reached, and reset for the next generation. A plain map is
// used in place of the original implementation's red-black tree since
// Go's runtime map already gives amortized O(1) insert/lookup and the
// accumulator never needs the ordered-iteration property the tree gave
// the C implementation — it sorts once at flush time instead (see
// Flush), which a map supports just as well as a tree.
package accumulator

import (
	"sort"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
)

type entry struct {
	items []heapptr.HeapPtr
	aux   [][]byte
}

// Accumulator groups (key -> items) in memory during a bulk build.
type Accumulator struct {
	cmp       keys.CompareFunc
	data      map[string]*entry
	keys      map[string]keys.Key
	byteSize  int
	flushCap  int
}

// New returns an empty accumulator that flushes once its estimated
// byte size exceeds flushCap.
func New(cmp keys.CompareFunc, flushCap int) *Accumulator {
	return &Accumulator{
		cmp:      cmp,
		data:     make(map[string]*entry),
		keys:     make(map[string]keys.Key),
		flushCap: flushCap,
	}
}

func keyID(k keys.Key) string {
	return string(append([]byte{byte(k.Category)}, k.Datum...))
}

// Add records one (key, item) pair, with an optional aux payload.
func (a *Accumulator) Add(key keys.Key, item heapptr.HeapPtr, aux []byte, auxIsNull bool) {
	id := keyID(key)
	e, ok := a.data[id]
	if !ok {
		e = &entry{}
		a.data[id] = e
		a.keys[id] = key
	}
	e.items = append(e.items, item)
	if auxIsNull {
		e.aux = append(e.aux, nil)
	} else {
		e.aux = append(e.aux, aux)
	}
	a.byteSize += len(key.Datum) + 6 + len(aux)
}

// ShouldFlush reports whether the accumulator has grown past its
// configured flush cap.
func (a *Accumulator) ShouldFlush() bool { return a.flushCap > 0 && a.byteSize >= a.flushCap }

// Generation is one flushed batch: keys in ascending order, each with
// its items sorted ascending and aux values aligned to items.
type Generation struct {
	Keys  []keys.Key
	Items [][]heapptr.HeapPtr
	Aux   [][][]byte
}

// Flush sorts the accumulated data (keys ascending by the opclass
// comparator, items ascending within each key) and resets the
// accumulator for the next generation.
func (a *Accumulator) Flush() Generation {
	ids := make([]string, 0, len(a.data))
	for id := range a.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return keys.Compare(a.keys[ids[i]], a.keys[ids[j]], a.cmp) < 0
	})

	gen := Generation{}
	for _, id := range ids {
		e := a.data[id]
		idx := make([]int, len(e.items))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(i, j int) bool { return heapptr.Less(e.items[idx[i]], e.items[idx[j]]) })

		items := make([]heapptr.HeapPtr, len(idx))
		aux := make([][]byte, len(idx))
		for k, i := range idx {
			items[k] = e.items[i]
			aux[k] = e.aux[i]
		}
		gen.Keys = append(gen.Keys, a.keys[id])
		gen.Items = append(gen.Items, items)
		gen.Aux = append(gen.Aux, aux)
	}

	a.data = make(map[string]*entry)
	a.keys = make(map[string]keys.Key)
	a.byteSize = 0
	return gen
}

// Len returns the number of distinct keys currently accumulated.
func (a *Accumulator) Len() int { return len(a.data) }
