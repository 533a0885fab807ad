// Package record implements the variable-length tuple codec (spec.md §4.4):
// a self-describing byte sequence for rows and composite index keys, built
// to allow decoding a single column in O(1) after an initial header parse.
//
// The teacher's kv/encoder.go reaches for encoding/gob for general tuple
// values, which is not self-describing at the single-column level and can't
// satisfy the O(1)-after-header-parse requirement spec.md §4.4 demands, so
// this is new code built on encoding/binary's standard unsigned varint
// helpers — the same package pager.go already uses throughout for
// fixed-width fields.
package record

import (
	"bytes"
	"encoding/binary"
	"math"

	"storagecore/dberr"
)

// Kind identifies a column's domain.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBlob
	KindText
)

// Value is one column of a tuple.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bytes []byte // Blob or Text payload
}

func Null() Value                 { return Value{Kind: KindNull} }
func Int(v int64) Value           { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value       { return Value{Kind: KindFloat, Float: v} }
func Blob(v []byte) Value         { return Value{Kind: KindBlob, Bytes: v} }
func Text(v string) Value         { return Value{Kind: KindText, Bytes: []byte(v)} }

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBlob, KindText:
		return bytes.Equal(v.Bytes, o.Bytes)
	}
	return false
}

// Serial type codes. 0/1/2 are the fixed-width domains; everything from 3
// upward packs both a variable-length domain (blob vs text) and that
// column's payload length into one varint, so a column can be skipped
// without inspecting its payload at all.
const (
	serialNull  = 0
	serialInt   = 1
	serialFloat = 2
	serialBlobBase = 3 // blob length L -> serialBlobBase + 2*L (odd)
	serialTextBase = 4 // text length L -> serialTextBase + 2*L (even)
)

func serialTypeFor(v Value) uint64 {
	switch v.Kind {
	case KindNull:
		return serialNull
	case KindInt:
		return serialInt
	case KindFloat:
		return serialFloat
	case KindBlob:
		return uint64(serialBlobBase) + 2*uint64(len(v.Bytes))
	case KindText:
		return uint64(serialTextBase) + 2*uint64(len(v.Bytes))
	}
	return serialNull
}

// payloadLen returns the number of content bytes a serial type occupies.
func payloadLen(serialType uint64) (kind Kind, n int) {
	switch serialType {
	case serialNull:
		return KindNull, 0
	case serialInt:
		return KindInt, 8
	case serialFloat:
		return KindFloat, 8
	}
	if serialType%2 == 1 {
		return KindBlob, int((serialType - serialBlobBase) / 2)
	}
	return KindText, int((serialType - serialTextBase) / 2)
}

// Encode serializes a tuple: varint header length, then one varint serial
// type per column, then the concatenation of per-column payloads.
func Encode(values []Value) ([]byte, error) {
	serialTypes := make([]uint64, len(values))
	headerBody := make([]byte, 0, len(values)*2)
	for i, v := range values {
		serialTypes[i] = serialTypeFor(v)
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], serialTypes[i])
		headerBody = append(headerBody, buf[:n]...)
	}

	// The header length varint covers itself, so compute its own encoded
	// size by trying candidate lengths (at most 9 bytes, so this never
	// loops more than a couple of times).
	headerLen := 0
	for candidate := 1; ; candidate++ {
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(candidate+len(headerBody)))
		if n == candidate {
			headerLen = candidate
			break
		}
	}

	out := make([]byte, 0, headerLen+len(headerBody)+64)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(headerLen+len(headerBody)))
	out = append(out, lenBuf[:n]...)
	out = append(out, headerBody...)

	for _, v := range values {
		switch v.Kind {
		case KindNull:
		case KindInt:
			out = append(out, encodeSortableInt(v.Int)...)
		case KindFloat:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
			out = append(out, b[:]...)
		case KindBlob, KindText:
			out = append(out, v.Bytes...)
		}
	}
	return out, nil
}

// encodeSortableInt encodes v as 8 big-endian bytes with the sign bit
// flipped, so byte-wise comparison of the encoding matches numeric ordering
// (spec.md §4.4: "two integers compare numerically after sign-extension"
// without a full decode).
func encodeSortableInt(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

func decodeSortableInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// Decode parses the full tuple encoded by Encode.
func Decode(b []byte) ([]Value, error) {
	headerLen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, dberr.New(dberr.Corrupt, "record: malformed header length varint")
	}
	if uint64(len(b)) < headerLen {
		return nil, dberr.New(dberr.Corrupt, "record: header length exceeds buffer")
	}
	serialTypes, err := readSerialTypes(b[n:int(headerLen)])
	if err != nil {
		return nil, err
	}
	values := make([]Value, len(serialTypes))
	off := int(headerLen)
	for i, st := range serialTypes {
		kind, size := payloadLen(st)
		if off+size > len(b) {
			return nil, dberr.New(dberr.Corrupt, "record: payload exceeds buffer")
		}
		values[i] = valueFromPayload(kind, st, b[off:off+size])
		off += size
	}
	return values, nil
}

func readSerialTypes(headerBody []byte) ([]uint64, error) {
	var types []uint64
	for len(headerBody) > 0 {
		st, n := binary.Uvarint(headerBody)
		if n <= 0 {
			return nil, dberr.New(dberr.Corrupt, "record: malformed serial type varint")
		}
		types = append(types, st)
		headerBody = headerBody[n:]
	}
	return types, nil
}

func valueFromPayload(kind Kind, serialType uint64, payload []byte) Value {
	switch kind {
	case KindNull:
		return Null()
	case KindInt:
		return Int(decodeSortableInt(payload))
	case KindFloat:
		return Float(math.Float64frombits(binary.BigEndian.Uint64(payload)))
	case KindBlob:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return Blob(cp)
	case KindText:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return Value{Kind: KindText, Bytes: cp}
	}
	return Null()
}

// DecodeColumn decodes a single column at index idx without materializing
// the other columns, satisfying spec.md §4.4's O(1)-after-header-parse
// requirement.
func DecodeColumn(b []byte, idx int) (Value, error) {
	headerLen, n := binary.Uvarint(b)
	if n <= 0 {
		return Value{}, dberr.New(dberr.Corrupt, "record: malformed header length varint")
	}
	serialTypes, err := readSerialTypes(b[n:int(headerLen)])
	if err != nil {
		return Value{}, err
	}
	if idx < 0 || idx >= len(serialTypes) {
		return Value{}, dberr.New(dberr.Misuse, "record: column index out of range")
	}
	off := int(headerLen)
	for i, st := range serialTypes {
		kind, size := payloadLen(st)
		if i == idx {
			if off+size > len(b) {
				return Value{}, dberr.New(dberr.Corrupt, "record: payload exceeds buffer")
			}
			return valueFromPayload(kind, st, b[off:off+size]), nil
		}
		off += size
	}
	return Value{}, dberr.New(dberr.Misuse, "record: column index out of range")
}

// CompareKeys orders two encoded tuples used as B-tree keys column by
// column. Integer columns compare via the sortable fixed-width encoding
// without a full decode; other domains fall back to decoding the column.
func CompareKeys(a, b []byte) int {
	aTypes, aOff, err := header(a)
	if err != nil {
		return bytes.Compare(a, b)
	}
	bTypes, bOff, err := header(b)
	if err != nil {
		return bytes.Compare(a, b)
	}
	n := len(aTypes)
	if len(bTypes) < n {
		n = len(bTypes)
	}
	for i := 0; i < n; i++ {
		aKind, aLen := payloadLen(aTypes[i])
		bKind, bLen := payloadLen(bTypes[i])
		aCol := a[aOff : aOff+aLen]
		bCol := b[bOff : bOff+bLen]
		if aKind == KindInt && bKind == KindInt {
			if c := bytes.Compare(aCol, bCol); c != 0 {
				return c
			}
		} else {
			av := valueFromPayload(aKind, aTypes[i], aCol)
			bv := valueFromPayload(bKind, bTypes[i], bCol)
			if c := compareValues(av, bv); c != 0 {
				return c
			}
		}
		aOff += aLen
		bOff += bLen
	}
	return len(aTypes) - len(bTypes)
}

func header(b []byte) ([]uint64, int, error) {
	headerLen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, dberr.New(dberr.Corrupt, "record: malformed header")
	}
	types, err := readSerialTypes(b[n:int(headerLen)])
	if err != nil {
		return nil, 0, err
	}
	return types, int(headerLen), nil
}

func compareValues(a, b Value) int {
	switch {
	case a.Kind == KindNull && b.Kind == KindNull:
		return 0
	case a.Kind == KindNull:
		return -1
	case b.Kind == KindNull:
		return 1
	case a.Kind == KindInt && b.Kind == KindInt:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		}
		return 0
	case a.Kind == KindFloat || b.Kind == KindFloat:
		af, bf := numericOf(a), numericOf(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	default:
		return bytes.Compare(a.Bytes, b.Bytes)
	}
}

func numericOf(v Value) float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}
