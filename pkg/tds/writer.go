package tds

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// PayloadWriter is the byte sink a Writer encodes into. WriteStream and
// Stream implement it.
type PayloadWriter interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// Writer encodes little-endian scalar values into the payload of a message.
// Values outside the wire domain are rejected before any byte is written.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	dst     PayloadWriter
	scratch scratch
}

// NewWriter returns a Writer encoding into dst.
func NewWriter(dst PayloadWriter) *Writer {
	return &Writer{dst: dst}
}

// put is the single path every value takes to the stream.
func (w *Writer) put(ctx context.Context, b []byte) error {
	_, err := w.dst.WriteContext(ctx, b)
	return err
}

func (w *Writer) WriteUint8(ctx context.Context, v uint8) error {
	one := [1]byte{v}
	return w.put(ctx, one[:])
}

func (w *Writer) WriteInt16(ctx context.Context, v int16) error {
	return w.WriteUint16(ctx, uint16(v))
}

func (w *Writer) WriteUint16(ctx context.Context, v uint16) error {
	b := w.scratch.two()
	binary.LittleEndian.PutUint16(b, v)
	return w.put(ctx, b)
}

func (w *Writer) WriteInt32(ctx context.Context, v int32) error {
	return w.WriteUint32(ctx, uint32(v))
}

func (w *Writer) WriteUint32(ctx context.Context, v uint32) error {
	b := w.scratch.four()
	binary.LittleEndian.PutUint32(b, v)
	return w.put(ctx, b)
}

func (w *Writer) WriteInt64(ctx context.Context, v int64) error {
	return w.WriteUint64(ctx, uint64(v))
}

func (w *Writer) WriteUint64(ctx context.Context, v uint64) error {
	b := w.scratch.eight()
	binary.LittleEndian.PutUint64(b, v)
	return w.put(ctx, b)
}

// WriteFloat32 rejects NaN and infinities, which the wire cannot carry.
func (w *Writer) WriteFloat32(ctx context.Context, v float32) error {
	if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
		return nonFinite("Writer.WriteFloat32", f)
	}
	return w.WriteUint32(ctx, math.Float32bits(v))
}

// WriteFloat64 rejects NaN and infinities, which the wire cannot carry.
func (w *Writer) WriteFloat64(ctx context.Context, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nonFinite("Writer.WriteFloat64", v)
	}
	return w.WriteUint64(ctx, math.Float64bits(v))
}

func nonFinite(op string, v float64) error {
	return errors.Newf(errors.ErrCodeInvalidValue, "%v has no wire representation", v).
		WithOp(op).
		WithField("value", v).
		Err()
}

// WritePartialInt64 writes the low length bytes of v, little-endian.
// length must be between 0 and 8.
func (w *Writer) WritePartialInt64(ctx context.Context, v int64, length int) error {
	if length < 0 || length > 8 {
		return errors.Newf(errors.ErrCodeOutOfRange, "partial length %d outside [0,8]", length).
			WithOp("Writer.WritePartialInt64").
			WithField("length", length).
			Err()
	}
	if length == 0 {
		return nil
	}
	b := w.scratch.eight()
	binary.LittleEndian.PutUint64(b, uint64(v))
	return w.put(ctx, b[:length])
}

// WriteString writes s as UTF-16LE code units with no length prefix.
func (w *Writer) WriteString(ctx context.Context, s string) error {
	if s == "" {
		return nil
	}
	raw, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidValue, "encoding UTF-16 string").WithOp("Writer.WriteString").Err()
	}
	return w.put(ctx, raw)
}

// WriteBytes writes p unchanged.
func (w *Writer) WriteBytes(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return w.put(ctx, p)
}

// Release drops the scratch buffers.
func (w *Writer) Release() {
	w.scratch.release()
}
