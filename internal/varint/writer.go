package varint

import (
	"bytes"
	"encoding/binary"
)

// Writer encodes the same wire format Reader decodes. It buffers the whole
// message in memory: fine for the small, fixed-shape cache manifest, unlike
// the read side which must stream multi-gigabyte OBF containers without
// materializing them.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded message so far.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// WriteTag writes a field tag (field number and wire type packed together).
func (w *Writer) WriteTag(field int, wt WireType) {
	w.WriteVarint(uint64(field)<<3 | uint64(wt))
}

// WriteVarint writes an unsigned LEB128 varint.
func (w *Writer) WriteVarint(v uint64) {
	for v >= 0x80 {
		w.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	w.buf.WriteByte(byte(v))
}

// WriteZigZag32 writes a zigzag-encoded signed 32-bit integer.
func (w *Writer) WriteZigZag32(v int32) {
	w.WriteVarint(uint64(uint32((v << 1) ^ (v >> 31))))
}

// WriteZigZag64 writes a zigzag-encoded signed 64-bit integer.
func (w *Writer) WriteZigZag64(v int64) {
	w.WriteVarint(uint64((v << 1) ^ (v >> 63)))
}

// WriteFixed32BigEndian writes the custom seekable-nested-message length
// prefix used by the top-level OBF container (not needed by the cache
// manifest itself, kept for symmetry with Reader).
func (w *Writer) WriteFixed32BigEndian(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

// WriteString writes a length-delimited UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteVarint(uint64(len(s)))
	w.buf.WriteString(s)
}

// WriteBytes writes a length-delimited byte blob.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteVarint(uint64(len(b)))
	w.buf.Write(b)
}

// WriteMessage writes field as a regular (varint-length) length-delimited
// sub-message, with fn building the body against a fresh child Writer.
func (w *Writer) WriteMessage(field int, fn func(*Writer)) {
	child := NewWriter()
	fn(child)
	w.WriteTag(field, WireLengthDelimited)
	w.WriteBytes(child.Bytes())
}
