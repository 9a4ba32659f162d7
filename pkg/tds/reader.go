package tds

import (
	"context"
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/text/encoding/unicode"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// PayloadReader is the byte source a Reader decodes from. ReadStream and
// Stream implement it.
type PayloadReader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	Skip(ctx context.Context, n int) error
	Peek(ctx context.Context) (byte, error)
}

// utf16le decodes UTF-16LE without a byte order mark, which is how TDS
// carries character data.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Reader decodes little-endian scalar values from the payload of a message.
//
// Values are read in full or not at all from the caller's point of view: a
// message that ends inside a value yields io.ErrUnexpectedEOF, one that ends
// before it yields io.EOF. A would-block error from a non-blocking transport
// leaves the partially read value lost, so Reader is meant for blocking
// transports.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	src     PayloadReader
	scratch scratch
}

// NewReader returns a Reader decoding from src.
func NewReader(src PayloadReader) *Reader {
	return &Reader{src: src}
}

// readFull fills p, mapping a short message to io.ErrUnexpectedEOF.
func (r *Reader) readFull(ctx context.Context, p []byte) error {
	n := 0
	for n < len(p) {
		k, err := r.src.ReadContext(ctx, p[n:])
		n += k
		if err != nil {
			if err == io.EOF && n > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if k == 0 {
			if n == 0 {
				return io.EOF
			}
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func (r *Reader) ReadUint8(ctx context.Context) (uint8, error) {
	var one [1]byte
	if err := r.readFull(ctx, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

// ReadChar reads one UTF-16 code unit.
func (r *Reader) ReadChar(ctx context.Context) (uint16, error) {
	return r.ReadUint16(ctx)
}

// ReadChars reads n UTF-16 code units. Surrogate pairs are returned as two
// units.
func (r *Reader) ReadChars(ctx context.Context, n int) ([]uint16, error) {
	if n < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "negative char count %d", n).WithOp("Reader.ReadChars").Err()
	}
	raw := make([]byte, 2*n)
	if err := r.readFull(ctx, raw); err != nil {
		return nil, err
	}
	chars := make([]uint16, n)
	for i := range chars {
		chars[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return chars, nil
}

func (r *Reader) ReadInt16(ctx context.Context) (int16, error) {
	v, err := r.ReadUint16(ctx)
	return int16(v), err
}

func (r *Reader) ReadUint16(ctx context.Context) (uint16, error) {
	b := r.scratch.two()
	if err := r.readFull(ctx, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt32(ctx context.Context) (int32, error) {
	v, err := r.ReadUint32(ctx)
	return int32(v), err
}

func (r *Reader) ReadUint32(ctx context.Context) (uint32, error) {
	b := r.scratch.four()
	if err := r.readFull(ctx, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt64(ctx context.Context) (int64, error) {
	v, err := r.ReadUint64(ctx)
	return int64(v), err
}

func (r *Reader) ReadUint64(ctx context.Context) (uint64, error) {
	b := r.scratch.eight()
	if err := r.readFull(ctx, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadFloat32(ctx context.Context) (float32, error) {
	v, err := r.ReadUint32(ctx)
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64(ctx context.Context) (float64, error) {
	v, err := r.ReadUint64(ctx)
	return math.Float64frombits(v), err
}

// ReadString reads n UTF-16 code units and returns them as a Go string.
// Unpaired surrogates become U+FFFD.
func (r *Reader) ReadString(ctx context.Context, n int) (string, error) {
	if n < 0 {
		return "", errors.Newf(errors.ErrCodeInvalidArgument, "negative char count %d", n).WithOp("Reader.ReadString").Err()
	}
	if n == 0 {
		return "", nil
	}
	raw := make([]byte, 2*n)
	if err := r.readFull(ctx, raw); err != nil {
		return "", err
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidValue, "decoding UTF-16 string").WithOp("Reader.ReadString").Err()
	}
	return string(out), nil
}

// ReadPLPString is not handled at this layer; partially length-prefixed
// values are decoded by the message builders.
func (r *Reader) ReadPLPString(ctx context.Context) (string, error) {
	return "", errors.NotImplemented("PLP string decoding").WithOp("Reader.ReadPLPString").Err()
}

// ReadBytes fills p.
func (r *Reader) ReadBytes(ctx context.Context, p []byte) error {
	return r.readFull(ctx, p)
}

// Skip discards n payload bytes.
func (r *Reader) Skip(ctx context.Context, n int) error {
	return r.src.Skip(ctx, n)
}

// Peek returns the next payload byte without consuming it.
func (r *Reader) Peek(ctx context.Context) (byte, error) {
	return r.src.Peek(ctx)
}

// Release drops the scratch buffers.
func (r *Reader) Release() {
	r.scratch.release()
}
