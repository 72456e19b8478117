// Package codec implements the compressed item stream packed into
// posting-tree leaves: each HeapPtr is delta-encoded against its
// predecessor and base-128 (varbyte) packed, with an optional
// caller-supplied auxiliary payload (used for ranked scans) folded into
// the same byte stream rather than stored out-of-line.
package codec

import (
	"fmt"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
)

// Encode appends the encoding of item (given the previously encoded
// item prev, or heapptr.Min for the first item on a page) to dst and
// returns the result. aux is the item's auxiliary sort key; a nil aux
// is encoded as SQL-NULL (auxIsNull), not as a zero-length value.
//
// Wire format, per item:
//
//	blockDelta   varbyte(item.Block - prev.Block)   [standard 7-bit/byte,
//	                                                  bit7 = more bytes follow]
//	offsetField  varbyte(offset) with a 6-bit first byte:
//	                 bit7 = more bytes follow
//	                 bit6 = aux_is_null
//	                 bits0-5 = low 6 bits of payload, then 7 bits/byte
//	             where offset is item.Offset if blockDelta != 0 (new
//	             block, offsets aren't ascending across the boundary) or
//	             item.Offset - prev.Offset if blockDelta == 0.
//	[auxLen varbyte(len(aux)); aux bytes]   omitted when aux_is_null
func Encode(dst []byte, prev, item heapptr.HeapPtr, aux []byte, auxIsNull bool) []byte {
	blockDelta := uint64(item.Block - prev.Block)
	dst = putVarUint(dst, blockDelta)

	var offsetVal uint64
	if blockDelta == 0 {
		offsetVal = uint64(item.Offset - prev.Offset)
	} else {
		offsetVal = uint64(item.Offset)
	}
	dst = putOffsetField(dst, offsetVal, auxIsNull)

	if !auxIsNull {
		dst = putVarUint(dst, uint64(len(aux)))
		dst = append(dst, aux...)
	}
	return dst
}

// Size returns the number of bytes Encode would append, without
// allocating.
func Size(prev, item heapptr.HeapPtr, auxLen int, auxIsNull bool) int {
	blockDelta := uint64(item.Block - prev.Block)
	n := varUintSize(blockDelta)

	var offsetVal uint64
	if blockDelta == 0 {
		offsetVal = uint64(item.Offset - prev.Offset)
	} else {
		offsetVal = uint64(item.Offset)
	}
	n += offsetFieldSize(offsetVal)

	if !auxIsNull {
		n += varUintSize(uint64(auxLen)) + auxLen
	}
	return n
}

// Decode reads one item from the front of buf, given the previously
// decoded item prev. It returns the decoded item, its aux payload (nil
// when auxIsNull), whether aux is SQL-NULL, and the unconsumed
// remainder of buf.
func Decode(buf []byte, prev heapptr.HeapPtr) (item heapptr.HeapPtr, aux []byte, auxIsNull bool, rest []byte, err error) {
	blockDelta, buf, err := getVarUint(buf)
	if err != nil {
		return heapptr.HeapPtr{}, nil, false, nil, fmt.Errorf("codec: block delta: %w", err)
	}
	offsetVal, isNull, buf, err := getOffsetField(buf)
	if err != nil {
		return heapptr.HeapPtr{}, nil, false, nil, fmt.Errorf("codec: offset field: %w", err)
	}

	item.Block = prev.Block + uint32(blockDelta)
	if blockDelta == 0 {
		item.Offset = prev.Offset + uint16(offsetVal)
	} else {
		item.Offset = uint16(offsetVal)
	}

	if !isNull {
		var auxLen uint64
		auxLen, buf, err = getVarUint(buf)
		if err != nil {
			return heapptr.HeapPtr{}, nil, false, nil, fmt.Errorf("codec: aux length: %w", err)
		}
		if uint64(len(buf)) < auxLen {
			return heapptr.HeapPtr{}, nil, false, nil, fmt.Errorf("codec: aux payload truncated: need %d, have %d", auxLen, len(buf))
		}
		aux = buf[:auxLen]
		buf = buf[auxLen:]
	}
	return item, aux, isNull, buf, nil
}

// ───────────────────────────────────────────────────────────────────────────
// varbyte primitives
// ───────────────────────────────────────────────────────────────────────────

func putVarUint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func varUintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

func getVarUint(buf []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, buf[i+1:], nil
		}
		shift += 7
	}
	return 0, nil, fmt.Errorf("truncated varbyte")
}

const (
	offsetAuxNullBit    = 1 << 6
	offsetContinueBit   = 1 << 7
	offsetFirstByteMask = 0x3f
)

func putOffsetField(dst []byte, v uint64, auxIsNull bool) []byte {
	first := byte(v) & offsetFirstByteMask
	if auxIsNull {
		first |= offsetAuxNullBit
	}
	v >>= 6
	if v == 0 {
		return append(dst, first)
	}
	dst = append(dst, first|offsetContinueBit)
	return putVarUint(dst, v)
}

func offsetFieldSize(v uint64) int {
	rest := v >> 6
	if rest == 0 {
		return 1
	}
	return 1 + varUintSize(rest)
}

func getOffsetField(buf []byte) (v uint64, auxIsNull bool, rest []byte, err error) {
	if len(buf) == 0 {
		return 0, false, nil, fmt.Errorf("truncated offset field")
	}
	first := buf[0]
	auxIsNull = first&offsetAuxNullBit != 0
	v = uint64(first & offsetFirstByteMask)
	if first&offsetContinueBit == 0 {
		return v, auxIsNull, buf[1:], nil
	}
	hi, rest, err := getVarUint(buf[1:])
	if err != nil {
		return 0, false, nil, err
	}
	v |= hi << 6
	return v, auxIsNull, rest, nil
}
