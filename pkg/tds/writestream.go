package tds

import (
	"context"
	"io"
	"runtime"

	"code.hybscloud.com/iox"

	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/log"
)

// maxConsecutiveEmptyWrites bounds how many (0, nil) transport writes are
// tolerated before giving up with io.ErrShortWrite.
const maxConsecutiveEmptyWrites = 100

type writeState uint8

const (
	writeAwaitingType writeState = iota // no message in progress
	writeAccumulating                   // packet type set, payload being buffered
	writeClosed
)

func (s writeState) String() string {
	switch s {
	case writeAwaitingType:
		return "awaiting-type"
	case writeAccumulating:
		return "accumulating"
	case writeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WriteStream frames a sequence of writes into TDS packets.
//
// A message starts with SetPacketType. Payload is accumulated until the
// packet is full, at which point it is sent with StatusNormal (a soft
// flush). Flush sends the remaining payload with StatusEOM (a hard flush)
// and ends the message. Packets of a message are numbered from 1, and the
// number wraps to 0 after 255.
//
// A WriteStream is not safe for concurrent use.
type WriteStream struct {
	transport io.Writer

	buf []byte
	pos int // next free byte in buf; payload starts at HeaderSize

	packetType   PacketType
	packetNumber uint8
	packetSize   int
	state        writeState

	resetPending PacketStatus // reset flag for the first packet of a message
	cancelQueued bool
	cancelSent   bool
	attentionPkt [HeaderSize]byte
	packetsSent  uint64

	log *log.CategoryLogger
}

// NewWriteStream returns a WriteStream sending packets to transport.
func NewWriteStream(transport io.Writer, opts ...Option) *WriteStream {
	cfg := newStreamConfig(opts)
	return &WriteStream{
		transport:    transport,
		buf:          make([]byte, cfg.packetSize),
		pos:          HeaderSize,
		packetNumber: 1,
		packetSize:   cfg.packetSize,
		state:        writeAwaitingType,
		log:          cfg.logger.Framing(),
	}
}

// SetPacketType starts a message of type t. The type of a message cannot be
// changed once payload has been written to it.
func (w *WriteStream) SetPacketType(t PacketType) error {
	const op = "WriteStream.SetPacketType"
	switch w.state {
	case writeClosed:
		return errors.Closed(op).Err()
	case writeAccumulating:
		if t != w.packetType && (w.pos > HeaderSize || w.packetNumber > 1) {
			return errors.InvalidOperation(op, "message in progress").
				WithField("current", w.packetType.String()).
				WithField("requested", t.String()).
				Err()
		}
	}
	w.packetType = t
	w.state = writeAccumulating
	return nil
}

// PacketType returns the type of the message in progress, or 0 if none.
func (w *WriteStream) PacketType() PacketType { return w.packetType }

// PacketNumber returns the number the next packet will carry.
func (w *WriteStream) PacketNumber() uint8 { return w.packetNumber }

// PacketSize returns the current packet size.
func (w *WriteStream) PacketSize() int { return w.packetSize }

// Buffered returns the number of payload bytes waiting to be sent.
func (w *WriteStream) Buffered() int { return w.pos - HeaderSize }

// PacketsSent returns the number of packets written to the transport.
func (w *WriteStream) PacketsSent() uint64 { return w.packetsSent }

// Write implements io.Writer.
func (w *WriteStream) Write(p []byte) (int, error) {
	return w.write(context.Background(), p, "WriteStream.Write")
}

// WriteContext is Write with cancellation. A cancelled write may already
// have sent some packets of the message.
func (w *WriteStream) WriteContext(ctx context.Context, p []byte) (int, error) {
	return w.write(ctx, p, "WriteStream.Write")
}

// WriteByte implements io.ByteWriter.
func (w *WriteStream) WriteByte(c byte) error {
	return w.WriteByteContext(context.Background(), c)
}

// WriteByteContext writes a single payload byte.
func (w *WriteStream) WriteByteContext(ctx context.Context, c byte) error {
	one := [1]byte{c}
	_, err := w.write(ctx, one[:], "WriteStream.WriteByte")
	return err
}

func (w *WriteStream) write(ctx context.Context, p []byte, op string) (int, error) {
	switch {
	case w.state == writeClosed:
		return 0, errors.Closed(op).Err()
	case w.state == writeAwaitingType:
		return 0, errors.InvalidOperation(op, "no packet type set").Err()
	case w.cancelQueued:
		return 0, errors.InvalidOperation(op, "cancellation queued").Err()
	}

	// A full packet is sent as soon as it fills; the hard flush then sends
	// whatever is left, possibly an empty EOM packet.
	n := 0
	for n < len(p) {
		k := copy(w.buf[w.pos:], p[n:])
		w.pos += k
		n += k
		if w.pos == len(w.buf) {
			if err := w.sendPacket(ctx, StatusNormal, op); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush sends the accumulated payload as the last packet of the message.
// If a cancellation is queued it is sent instead.
func (w *WriteStream) Flush() error {
	return w.flush(context.Background(), "WriteStream.Flush")
}

// FlushContext is Flush with cancellation.
func (w *WriteStream) FlushContext(ctx context.Context) error {
	return w.flush(ctx, "WriteStream.Flush")
}

func (w *WriteStream) flush(ctx context.Context, op string) error {
	if w.state == writeClosed {
		return errors.Closed(op).Err()
	}
	if w.cancelQueued {
		return w.sendCancellation(ctx, op)
	}
	if w.state == writeAwaitingType {
		return nil
	}
	if err := w.sendPacket(ctx, StatusEOM, op); err != nil {
		return err
	}
	w.endMessage()
	return nil
}

// QueueCancellation arranges for the next flush to cancel the request. A
// message in progress is terminated with StatusEOM|StatusIgnore so the
// server discards it, then an ATTENTION packet is sent. Waiting for the
// server's acknowledgement is left to the caller.
func (w *WriteStream) QueueCancellation() {
	if w.state == writeClosed {
		return
	}
	w.cancelQueued = true
	w.cancelSent = false
}

// SendAttention queues a cancellation and flushes it.
func (w *WriteStream) SendAttention(ctx context.Context) error {
	w.QueueCancellation()
	return w.flush(ctx, "WriteStream.SendAttention")
}

// CancellationSent reports whether an ATTENTION packet has been sent since
// the last Reset.
func (w *WriteStream) CancellationSent() bool { return w.cancelSent }

func (w *WriteStream) sendCancellation(ctx context.Context, op string) error {
	if w.state == writeAccumulating && (w.pos > HeaderSize || w.packetNumber > 1) {
		if err := w.sendPacket(ctx, StatusEOM|StatusIgnore, op); err != nil {
			return err
		}
	}
	w.endMessage()

	h := Header{Type: PacketAttention, Status: StatusEOM, Length: HeaderSize, PacketID: 1}
	h.Put(w.attentionPkt[:])
	if err := w.emit(ctx, w.attentionPkt[:], op); err != nil {
		return err
	}
	w.packetsSent++
	w.cancelQueued = false
	w.cancelSent = true
	if w.log.Enabled(log.LevelDebug) {
		w.log.Debug("attention sent")
	}
	return nil
}

// ResetConnection sets the reset flag on the first packet of the next
// message. With skipTran the server keeps the current transaction.
func (w *WriteStream) ResetConnection(skipTran bool) {
	if skipTran {
		w.resetPending = StatusResetConnectionSkipTran
	} else {
		w.resetPending = StatusResetConnection
	}
}

// sendPacket writes the header for the accumulated payload and sends the
// packet.
func (w *WriteStream) sendPacket(ctx context.Context, status PacketStatus, op string) error {
	if w.packetNumber == 1 && w.resetPending != 0 {
		status |= w.resetPending
	}
	h := Header{
		Type:     w.packetType,
		Status:   status,
		Length:   uint16(w.pos),
		PacketID: w.packetNumber,
	}
	h.Put(w.buf)
	if err := w.emit(ctx, w.buf[:w.pos], op); err != nil {
		return err
	}
	if w.packetNumber == 1 {
		w.resetPending = 0
	}

	if w.log.Enabled(log.LevelDebug) {
		w.log.Debug("packet sent",
			"type", h.Type.String(),
			"status", h.Status.String(),
			"length", h.Length,
			"packet_id", h.PacketID)
	}

	w.packetsSent++
	w.pos = HeaderSize
	w.packetNumber++
	return nil
}

func (w *WriteStream) endMessage() {
	w.pos = HeaderSize
	w.packetNumber = 1
	w.packetType = 0
	w.state = writeAwaitingType
}

// emit writes b to the transport in full and flushes a buffered transport.
// Short writes are continued and would-block is retried after yielding;
// other errors are returned.
func (w *WriteStream) emit(ctx context.Context, b []byte, op string) error {
	total := len(b)
	empty := 0
	for len(b) > 0 {
		n, err := writeTransport(ctx, w.transport, b)
		if n < 0 || n > len(b) {
			return errors.Internal("transport returned invalid count").WithOp(op).WithField("n", n).Err()
		}
		b = b[n:]
		if err != nil {
			if errors.Is(err, iox.ErrWouldBlock) {
				runtime.Gosched()
				continue
			}
			return w.writeError(op, err, total-len(b))
		}
		if n == 0 {
			empty++
			if empty >= maxConsecutiveEmptyWrites {
				return w.writeError(op, io.ErrShortWrite, total-len(b))
			}
			continue
		}
		empty = 0
	}
	if f, ok := w.transport.(flusher); ok {
		if err := f.Flush(); err != nil {
			return w.writeError(op, err, total)
		}
	}
	return nil
}

// flusher is implemented by buffered transports such as bufio.Writer.
type flusher interface {
	Flush() error
}

// writeError wraps a transport write error. Once part of a packet is on the
// wire the framing cannot be recovered, so such errors are fatal.
func (w *WriteStream) writeError(op string, err error, written int) error {
	var b *errors.Builder
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		b = errors.Wrap(err, errors.ErrCodeCancelled, "operation cancelled")
		if written > 0 {
			b.Fatal()
		}
	} else {
		b = errors.Wrap(err, errors.ErrCodeConnectionFault, "transport failure").Fatal()
	}
	return b.WithOp(op).WithField("written", written).Err()
}

// SetPacketSize reallocates the buffer for a newly negotiated packet size.
// It is rejected while payload is accumulated.
func (w *WriteStream) SetPacketSize(n int) error {
	if err := w.checkPacketSize(n); err != nil {
		return err
	}
	w.applyPacketSize(n)
	return nil
}

func (w *WriteStream) checkPacketSize(n int) error {
	const op = "WriteStream.SetPacketSize"
	if w.state == writeClosed {
		return errors.Closed(op).Err()
	}
	if err := ValidatePacketSize(op, n); err != nil {
		return err
	}
	if w.pos > HeaderSize {
		return errors.InvalidOperation(op, "payload accumulated").
			WithField("buffered", w.pos-HeaderSize).
			Err()
	}
	return nil
}

func (w *WriteStream) applyPacketSize(n int) {
	w.buf = make([]byte, n)
	w.pos = HeaderSize
	w.packetSize = n
}

// ReplaceTransport swaps the underlying transport. Accumulated payload is
// kept and sent to the new transport.
func (w *WriteStream) ReplaceTransport(t io.Writer) {
	w.transport = t
	if w.log.Enabled(log.LevelDebug) {
		w.log.Debug("write transport replaced", "buffered", w.pos-HeaderSize)
	}
}

// Reset discards any accumulated payload, a queued cancellation and an
// armed connection reset, and ends the message in progress.
func (w *WriteStream) Reset() {
	if w.state == writeClosed {
		return
	}
	w.endMessage()
	w.cancelQueued = false
	w.cancelSent = false
	w.resetPending = 0
}

// Close releases the buffer. Accumulated payload is not sent and the
// transport is not closed.
func (w *WriteStream) Close() error {
	w.state = writeClosed
	w.buf = nil
	w.pos = HeaderSize
	w.cancelQueued = false
	return nil
}
