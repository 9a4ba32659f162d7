package tds

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// ByteBuffer is a fixed-length byte sequence with bounds-checked accessors.
//
// Every accessor either succeeds completely or fails with ErrCodeOutOfRange
// and leaves the buffer untouched. The length never changes after creation;
// writes mutate the bytes in place. Multi-byte accessors take the byte order
// explicitly: binary.LittleEndian for TDS payload values, binary.BigEndian
// for header fields.
type ByteBuffer struct {
	b []byte
}

// EmptyByteBuffer is a zero-length buffer.
var EmptyByteBuffer = &ByteBuffer{b: []byte{}}

// NewByteBuffer returns a zero-filled buffer of length n.
func NewByteBuffer(n int) *ByteBuffer {
	if n < 0 {
		n = 0
	}
	return &ByteBuffer{b: make([]byte, n)}
}

// CopyByteBuffer returns a new buffer holding a copy of src[start:start+length].
func CopyByteBuffer(src []byte, start, length int) (*ByteBuffer, error) {
	if err := checkRange("CopyByteBuffer", start, length, len(src)); err != nil {
		return nil, err
	}
	b := make([]byte, length)
	copy(b, src[start:start+length])
	return &ByteBuffer{b: b}, nil
}

// WrapByteBuffer adopts src without copying. The caller must not retain src
// for independent use.
func WrapByteBuffer(src []byte) *ByteBuffer {
	if src == nil {
		src = []byte{}
	}
	return &ByteBuffer{b: src}
}

// ConcatBytes returns a new buffer holding the parts back to back.
func ConcatBytes(parts ...[]byte) *ByteBuffer {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return &ByteBuffer{b: b}
}

// ConcatByteBuffers returns a new buffer holding the parts back to back.
// Nil parts are treated as empty.
func ConcatByteBuffers(parts ...*ByteBuffer) *ByteBuffer {
	raw := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if p != nil {
			raw = append(raw, p.b)
		}
	}
	return ConcatBytes(raw...)
}

func checkRange(op string, offset, size, length int) error {
	if offset < 0 || size < 0 || offset > length || size > length-offset {
		return errors.OutOfRange(op, offset, size, length).Err()
	}
	return nil
}

// Len returns the buffer length.
func (bb *ByteBuffer) Len() int { return len(bb.b) }

// Bytes returns the underlying bytes. Writes through the returned slice are
// visible in the buffer.
func (bb *ByteBuffer) Bytes() []byte { return bb.b }

// At returns the byte at index i.
func (bb *ByteBuffer) At(i int) (byte, error) {
	if err := checkRange("ByteBuffer.At", i, 1, len(bb.b)); err != nil {
		return 0, err
	}
	return bb.b[i], nil
}

// Reads

func (bb *ByteBuffer) ReadUint8(off int) (uint8, error) {
	if err := checkRange("ByteBuffer.ReadUint8", off, 1, len(bb.b)); err != nil {
		return 0, err
	}
	return bb.b[off], nil
}

func (bb *ByteBuffer) ReadInt8(off int) (int8, error) {
	v, err := bb.ReadUint8(off)
	return int8(v), err
}

func (bb *ByteBuffer) ReadUint16(off int, order binary.ByteOrder) (uint16, error) {
	if err := checkRange("ByteBuffer.ReadUint16", off, 2, len(bb.b)); err != nil {
		return 0, err
	}
	return order.Uint16(bb.b[off:]), nil
}

func (bb *ByteBuffer) ReadInt16(off int, order binary.ByteOrder) (int16, error) {
	v, err := bb.ReadUint16(off, order)
	return int16(v), err
}

func (bb *ByteBuffer) ReadUint32(off int, order binary.ByteOrder) (uint32, error) {
	if err := checkRange("ByteBuffer.ReadUint32", off, 4, len(bb.b)); err != nil {
		return 0, err
	}
	return order.Uint32(bb.b[off:]), nil
}

func (bb *ByteBuffer) ReadInt32(off int, order binary.ByteOrder) (int32, error) {
	v, err := bb.ReadUint32(off, order)
	return int32(v), err
}

func (bb *ByteBuffer) ReadUint64(off int, order binary.ByteOrder) (uint64, error) {
	if err := checkRange("ByteBuffer.ReadUint64", off, 8, len(bb.b)); err != nil {
		return 0, err
	}
	return order.Uint64(bb.b[off:]), nil
}

func (bb *ByteBuffer) ReadInt64(off int, order binary.ByteOrder) (int64, error) {
	v, err := bb.ReadUint64(off, order)
	return int64(v), err
}

func (bb *ByteBuffer) ReadFloat32(off int, order binary.ByteOrder) (float32, error) {
	v, err := bb.ReadUint32(off, order)
	return math.Float32frombits(v), err
}

func (bb *ByteBuffer) ReadFloat64(off int, order binary.ByteOrder) (float64, error) {
	v, err := bb.ReadUint64(off, order)
	return math.Float64frombits(v), err
}

// ReadBytes copies len(p) bytes starting at off into p.
func (bb *ByteBuffer) ReadBytes(off int, p []byte) error {
	if err := checkRange("ByteBuffer.ReadBytes", off, len(p), len(bb.b)); err != nil {
		return err
	}
	copy(p, bb.b[off:])
	return nil
}

// Writes return the offset following the written value.

func (bb *ByteBuffer) WriteUint8(off int, v uint8) (int, error) {
	if err := checkRange("ByteBuffer.WriteUint8", off, 1, len(bb.b)); err != nil {
		return off, err
	}
	bb.b[off] = v
	return off + 1, nil
}

func (bb *ByteBuffer) WriteInt8(off int, v int8) (int, error) {
	return bb.WriteUint8(off, uint8(v))
}

func (bb *ByteBuffer) WriteUint16(off int, v uint16, order binary.ByteOrder) (int, error) {
	if err := checkRange("ByteBuffer.WriteUint16", off, 2, len(bb.b)); err != nil {
		return off, err
	}
	order.PutUint16(bb.b[off:], v)
	return off + 2, nil
}

func (bb *ByteBuffer) WriteInt16(off int, v int16, order binary.ByteOrder) (int, error) {
	return bb.WriteUint16(off, uint16(v), order)
}

func (bb *ByteBuffer) WriteUint32(off int, v uint32, order binary.ByteOrder) (int, error) {
	if err := checkRange("ByteBuffer.WriteUint32", off, 4, len(bb.b)); err != nil {
		return off, err
	}
	order.PutUint32(bb.b[off:], v)
	return off + 4, nil
}

func (bb *ByteBuffer) WriteInt32(off int, v int32, order binary.ByteOrder) (int, error) {
	return bb.WriteUint32(off, uint32(v), order)
}

func (bb *ByteBuffer) WriteUint64(off int, v uint64, order binary.ByteOrder) (int, error) {
	if err := checkRange("ByteBuffer.WriteUint64", off, 8, len(bb.b)); err != nil {
		return off, err
	}
	order.PutUint64(bb.b[off:], v)
	return off + 8, nil
}

func (bb *ByteBuffer) WriteInt64(off int, v int64, order binary.ByteOrder) (int, error) {
	return bb.WriteUint64(off, uint64(v), order)
}

func (bb *ByteBuffer) WriteFloat32(off int, v float32, order binary.ByteOrder) (int, error) {
	return bb.WriteUint32(off, math.Float32bits(v), order)
}

func (bb *ByteBuffer) WriteFloat64(off int, v float64, order binary.ByteOrder) (int, error) {
	return bb.WriteUint64(off, math.Float64bits(v), order)
}

// WriteBytes copies p into the buffer at off.
func (bb *ByteBuffer) WriteBytes(off int, p []byte) (int, error) {
	if err := checkRange("ByteBuffer.WriteBytes", off, len(p), len(bb.b)); err != nil {
		return off, err
	}
	copy(bb.b[off:], p)
	return off + len(p), nil
}

// Write copies length bytes of src starting at srcOff into the buffer at
// dstOff. Both ranges are checked before anything is copied.
func (bb *ByteBuffer) Write(src *ByteBuffer, dstOff, srcOff, length int) (int, error) {
	if err := checkRange("ByteBuffer.Write", srcOff, length, src.Len()); err != nil {
		return dstOff, err
	}
	if err := checkRange("ByteBuffer.Write", dstOff, length, len(bb.b)); err != nil {
		return dstOff, err
	}
	copy(bb.b[dstOff:dstOff+length], src.b[srcOff:srcOff+length])
	return dstOff + length, nil
}

// Fill sets count bytes starting at start to v.
func (bb *ByteBuffer) Fill(v byte, start, count int) error {
	if err := checkRange("ByteBuffer.Fill", start, count, len(bb.b)); err != nil {
		return err
	}
	region := bb.b[start : start+count]
	for i := range region {
		region[i] = v
	}
	return nil
}

// Slice returns an independent copy of length bytes starting at start.
func (bb *ByteBuffer) Slice(start, length int) (*ByteBuffer, error) {
	return CopyByteBuffer(bb.b, start, length)
}

// SliceFrom returns an independent copy of the bytes from start to the end.
func (bb *ByteBuffer) SliceFrom(start int) (*ByteBuffer, error) {
	if start < 0 || start > len(bb.b) {
		return nil, errors.OutOfRange("ByteBuffer.SliceFrom", start, 0, len(bb.b)).Err()
	}
	return CopyByteBuffer(bb.b, start, len(bb.b)-start)
}

// Concat returns a new buffer holding bb followed by other.
func (bb *ByteBuffer) Concat(other *ByteBuffer) *ByteBuffer {
	return ConcatByteBuffers(bb, other)
}

// Equal reports whether both buffers hold the same bytes.
func (bb *ByteBuffer) Equal(other *ByteBuffer) bool {
	if other == nil {
		return false
	}
	return string(bb.b) == string(other.b)
}

// Key returns the contents as a string usable as a map key. Buffers that are
// Equal have the same key.
func (bb *ByteBuffer) Key() string {
	return string(bb.b)
}

// String returns the contents as lowercase hex.
func (bb *ByteBuffer) String() string {
	return hex.EncodeToString(bb.b)
}

// WriteTo implements io.WriterTo.
func (bb *ByteBuffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(bb.b)
	return int64(n), err
}
