// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Wire format (spec §6): magic(4) | version(u32) | flags(u32) followed by
// length-prefixed sections, one per Unit field except Debug (which is not
// encoded; Decode returns an empty DebugInfo), in a fixed order.
//
// Grounded on internal/legacy_integration/engine.go's EncodePROBEContract/
// DecodePROBEContract: that function encoded exactly one magic prefix plus
// one length-prefixed constant pool ahead of a trailing code blob. The
// scheme generalizes directly — every additional Unit field becomes one
// more length-prefixed section using the same uint32-little-endian framing.
package unit

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/aster-lang/aster/internal/hash"
)

// Magic identifies an Aster compiled Unit blob.
var Magic = [4]byte{'A', 'S', 'T', 'U'}

// Version is the current wire format version.
const Version uint32 = 1

// ErrBadMagic is returned by Decode when the input doesn't start with Magic.
var ErrBadMagic = errors.New("unit: bad magic prefix")

// ErrTruncated is returned by Decode when a section's declared length runs
// past the end of the input.
var ErrTruncated = errors.New("unit: truncated section")

// ErrUnsupportedVersion is returned by Decode for a version this build
// doesn't know how to read.
var ErrUnsupportedVersion = errors.New("unit: unsupported wire version")

func putSection(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func getSection(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, ErrTruncated
	}
	return buf[:n], buf[n:], nil
}

// Encode serializes u into the wire format described above.
func (u *Unit) Encode() []byte {
	buf := make([]byte, 0, 256+len(u.Instructions))
	buf = append(buf, Magic[:]...)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Version)
	binary.LittleEndian.PutUint32(hdr[4:8], 0) // flags, reserved
	buf = append(buf, hdr[:]...)

	buf = putSection(buf, u.Instructions)
	buf = putSection(buf, encodeFunctions(u.Functions))
	buf = putSection(buf, encodeConstants(u.Constants))
	buf = putSection(buf, encodeStrings(u.StaticStrings))
	buf = putSection(buf, encodeByteBlobs(u.StaticBytes))
	buf = putSection(buf, encodeInstances(u.Instances))
	return buf
}

// Decode parses the wire format produced by Encode.
func Decode(buf []byte) (*Unit, error) {
	if len(buf) < 4 || string(buf[:4]) != string(Magic[:]) {
		return nil, ErrBadMagic
	}
	buf = buf[4:]
	if len(buf) < 8 {
		return nil, ErrTruncated
	}
	version := binary.LittleEndian.Uint32(buf[0:4])
	if version != Version {
		return nil, ErrUnsupportedVersion
	}
	buf = buf[8:]

	var (
		instructions, fnBytes, constBytes, strBytes, byteBlobBytes, instBytes []byte
		err                                                                   error
	)
	if instructions, buf, err = getSection(buf); err != nil {
		return nil, err
	}
	if fnBytes, buf, err = getSection(buf); err != nil {
		return nil, err
	}
	if constBytes, buf, err = getSection(buf); err != nil {
		return nil, err
	}
	if strBytes, buf, err = getSection(buf); err != nil {
		return nil, err
	}
	if byteBlobBytes, buf, err = getSection(buf); err != nil {
		return nil, err
	}
	if instBytes, _, err = getSection(buf); err != nil {
		return nil, err
	}

	functions, err := decodeFunctions(fnBytes)
	if err != nil {
		return nil, err
	}
	constants, err := decodeConstants(constBytes)
	if err != nil {
		return nil, err
	}
	strs := decodeStrings(strBytes)
	blobs := decodeByteBlobs(byteBlobBytes)
	instances, err := decodeInstances(instBytes)
	if err != nil {
		return nil, err
	}

	return New(instructions, functions, constants, strs, blobs, instances, DebugInfo{}), nil
}

// functionRowSize is the fixed-width prefix of one encoded FunctionDef,
// before its length-prefixed Name: Hash(8) Kind(1) Params(4) Locals(4)
// Captures(4) Offset(4) Length(4).
const functionRowSize = 8 + 1 + 4 + 4 + 4 + 4 + 4

func encodeFunctions(fns []FunctionDef) []byte {
	buf := make([]byte, 0, 4+len(fns)*(functionRowSize+8))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(fns)))
	buf = append(buf, n[:]...)
	for _, f := range fns {
		var row [functionRowSize]byte
		binary.LittleEndian.PutUint64(row[0:8], uint64(f.Hash))
		row[8] = byte(f.Kind)
		binary.LittleEndian.PutUint32(row[9:13], uint32(f.Params))
		binary.LittleEndian.PutUint32(row[13:17], uint32(f.Locals))
		binary.LittleEndian.PutUint32(row[17:21], uint32(f.Captures))
		binary.LittleEndian.PutUint32(row[21:25], f.Offset)
		binary.LittleEndian.PutUint32(row[25:29], f.Length)
		buf = append(buf, row[:]...)
		buf = putSection(buf, []byte(f.Name))
	}
	return buf
}

func decodeFunctions(buf []byte) ([]FunctionDef, error) {
	if len(buf) < 4 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	fns := make([]FunctionDef, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < functionRowSize {
			return nil, ErrTruncated
		}
		row := buf[:functionRowSize]
		buf = buf[functionRowSize:]
		f := FunctionDef{
			Hash:     hash.Hash(binary.LittleEndian.Uint64(row[0:8])),
			Kind:     FnKind(row[8]),
			Params:   int(binary.LittleEndian.Uint32(row[9:13])),
			Locals:   int(binary.LittleEndian.Uint32(row[13:17])),
			Captures: int(binary.LittleEndian.Uint32(row[17:21])),
			Offset:   binary.LittleEndian.Uint32(row[21:25]),
			Length:   binary.LittleEndian.Uint32(row[25:29]),
		}
		var nameBytes []byte
		var err error
		if nameBytes, buf, err = getSection(buf); err != nil {
			return nil, err
		}
		f.Name = string(nameBytes)
		fns = append(fns, f)
	}
	return fns, nil
}

// constRowSize is the fixed-width encoding of one Const: Kind(1) I(8) F(8)
// Ref(4).
const constRowSize = 1 + 8 + 8 + 4

func encodeConstants(consts []Const) []byte {
	buf := make([]byte, 0, 4+len(consts)*constRowSize)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(consts)))
	buf = append(buf, n[:]...)
	for _, c := range consts {
		var row [constRowSize]byte
		row[0] = byte(c.Kind)
		binary.LittleEndian.PutUint64(row[1:9], uint64(c.I))
		binary.LittleEndian.PutUint64(row[9:17], math.Float64bits(c.F))
		binary.LittleEndian.PutUint32(row[17:21], c.Ref)
		buf = append(buf, row[:]...)
	}
	return buf
}

func decodeConstants(buf []byte) ([]Const, error) {
	if len(buf) < 4 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	consts := make([]Const, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < constRowSize {
			return nil, ErrTruncated
		}
		row := buf[:constRowSize]
		buf = buf[constRowSize:]
		consts = append(consts, Const{
			Kind: ConstKind(row[0]),
			I:    int64(binary.LittleEndian.Uint64(row[1:9])),
			F:    math.Float64frombits(binary.LittleEndian.Uint64(row[9:17])),
			Ref:  binary.LittleEndian.Uint32(row[17:21]),
		})
	}
	return consts, nil
}

func encodeStrings(strs []string) []byte {
	buf := make([]byte, 0, 4+len(strs)*8)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(strs)))
	buf = append(buf, n[:]...)
	for _, s := range strs {
		buf = putSection(buf, []byte(s))
	}
	return buf
}

func decodeStrings(buf []byte) []string {
	if len(buf) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([]string, 0, count)
	for i := uint32(0); i < count && len(buf) >= 4; i++ {
		var data []byte
		var err error
		if data, buf, err = getSection(buf); err != nil {
			break
		}
		out = append(out, string(data))
	}
	return out
}

func encodeByteBlobs(blobs [][]byte) []byte {
	buf := make([]byte, 0, 4+len(blobs)*8)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(blobs)))
	buf = append(buf, n[:]...)
	for _, b := range blobs {
		buf = putSection(buf, b)
	}
	return buf
}

func decodeByteBlobs(buf []byte) [][]byte {
	if len(buf) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count && len(buf) >= 4; i++ {
		var data []byte
		var err error
		if data, buf, err = getSection(buf); err != nil {
			break
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		out = append(out, cp)
	}
	return out
}

const instanceRowSize = 8 + 8

func encodeInstances(instances []InstanceEntry) []byte {
	buf := make([]byte, 0, 4+len(instances)*instanceRowSize)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(instances)))
	buf = append(buf, n[:]...)
	for _, e := range instances {
		var row [instanceRowSize]byte
		binary.LittleEndian.PutUint64(row[0:8], uint64(e.Instance))
		binary.LittleEndian.PutUint64(row[8:16], uint64(e.Function))
		buf = append(buf, row[:]...)
	}
	return buf
}

func decodeInstances(buf []byte) ([]InstanceEntry, error) {
	if len(buf) < 4 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([]InstanceEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < instanceRowSize {
			return nil, ErrTruncated
		}
		row := buf[:instanceRowSize]
		buf = buf[instanceRowSize:]
		out = append(out, InstanceEntry{
			Instance: hash.Hash(binary.LittleEndian.Uint64(row[0:8])),
			Function: hash.Hash(binary.LittleEndian.Uint64(row[8:16])),
		})
	}
	return out, nil
}
