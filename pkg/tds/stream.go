package tds

import (
	"context"
	"io"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// Stream pairs a ReadStream and a WriteStream over one transport. The
// operations that must affect both halves, SetPacketSize and
// ReplaceTransport, are applied to both or to neither.
type Stream struct {
	r *ReadStream
	w *WriteStream
}

// NewStream returns a Stream framing reads and writes on transport.
func NewStream(transport io.ReadWriter, opts ...Option) *Stream {
	return &Stream{
		r: NewReadStream(transport, opts...),
		w: NewWriteStream(transport, opts...),
	}
}

// ReadStream returns the read half.
func (s *Stream) ReadStream() *ReadStream { return s.r }

// WriteStream returns the write half.
func (s *Stream) WriteStream() *WriteStream { return s.w }

func (s *Stream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	return s.r.ReadContext(ctx, p)
}

func (s *Stream) ReadByte() (byte, error) { return s.r.ReadByte() }

func (s *Stream) ReadByteContext(ctx context.Context) (byte, error) {
	return s.r.ReadByteContext(ctx)
}

func (s *Stream) Skip(ctx context.Context, n int) error { return s.r.Skip(ctx, n) }

func (s *Stream) Peek(ctx context.Context) (byte, error) { return s.r.Peek(ctx) }

// BeginMessage arms the read half for the next message.
func (s *Stream) BeginMessage() error { return s.r.BeginMessage() }

// EndOfMessage reports whether the current incoming message has been read.
func (s *Stream) EndOfMessage() bool { return s.r.EndOfMessage() }

func (s *Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	return s.w.WriteContext(ctx, p)
}

func (s *Stream) WriteByte(c byte) error { return s.w.WriteByte(c) }

func (s *Stream) WriteByteContext(ctx context.Context, c byte) error {
	return s.w.WriteByteContext(ctx, c)
}

func (s *Stream) Flush() error { return s.w.Flush() }

func (s *Stream) FlushContext(ctx context.Context) error { return s.w.FlushContext(ctx) }

// SetPacketType starts an outgoing message of type t.
func (s *Stream) SetPacketType(t PacketType) error { return s.w.SetPacketType(t) }

// PacketType returns the type of the outgoing message in progress.
func (s *Stream) PacketType() PacketType { return s.w.PacketType() }

// PacketSize returns the packet size both halves use.
func (s *Stream) PacketSize() int { return s.w.PacketSize() }

// SetPacketSize applies a negotiated packet size to both halves. Nothing is
// changed unless both halves accept it.
func (s *Stream) SetPacketSize(n int) error {
	if err := s.r.checkPacketSize(n); err != nil {
		return err
	}
	if err := s.w.checkPacketSize(n); err != nil {
		return err
	}
	s.r.applyPacketSize(n)
	s.w.applyPacketSize(n)
	return nil
}

// ReplaceTransport swaps the transport of both halves, typically to a TLS
// connection once the handshake has completed.
func (s *Stream) ReplaceTransport(t io.ReadWriter) error {
	if t == nil {
		return errors.New(errors.ErrCodeInvalidArgument, "nil transport").WithOp("Stream.ReplaceTransport").Err()
	}
	s.r.ReplaceTransport(t)
	s.w.ReplaceTransport(t)
	return nil
}

func (s *Stream) QueueCancellation() { s.w.QueueCancellation() }

func (s *Stream) SendAttention(ctx context.Context) error { return s.w.SendAttention(ctx) }

func (s *Stream) CancellationSent() bool { return s.w.CancellationSent() }

// ResetConnection arms the reset flag for the next outgoing message.
func (s *Stream) ResetConnection(skipTran bool) { s.w.ResetConnection(skipTran) }

// Reset discards the outgoing message in progress.
func (s *Stream) Reset() { s.w.Reset() }

// Close releases both halves. The transport is not closed.
func (s *Stream) Close() error {
	werr := s.w.Close()
	rerr := s.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
