package tds

import (
	"context"
	"io"

	"code.hybscloud.com/iox"

	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/log"
)

// maxConsecutiveEmptyReads bounds how many (0, nil) transport reads are
// tolerated before giving up with io.ErrNoProgress.
const maxConsecutiveEmptyReads = 100

type readState uint8

const (
	readNeedHeader readState = iota // next bytes on the wire are a packet header
	readPayload                     // inside a packet, packetDataLeft bytes remain
	readMessageEnd                  // last packet of the message fully consumed
)

func (s readState) String() string {
	switch s {
	case readNeedHeader:
		return "need-header"
	case readPayload:
		return "payload"
	case readMessageEnd:
		return "message-end"
	default:
		return "unknown"
	}
}

// ReadStream removes TDS packet framing from a transport byte stream and
// presents the payload of one logical message as a contiguous byte stream.
//
// A transport read may return any number of bytes, including part of a
// header; the stream keeps its position and resumes on the next call. When
// the packet carrying StatusEOM has been consumed, reads return io.EOF until
// BeginMessage is called.
//
// A ReadStream is not safe for concurrent use.
type ReadStream struct {
	transport io.Reader

	buf            []byte
	readIndex      int // next unconsumed byte in buf
	dataEnd        int // end of valid bytes in buf
	packetDataLeft int // payload bytes of the current packet not yet consumed

	header     Header
	state      readState
	packetSize int

	// transport error held back because the same call made progress
	pendingErr error

	closed bool
	log    *log.CategoryLogger
}

// NewReadStream returns a ReadStream reading packets from transport.
func NewReadStream(transport io.Reader, opts ...Option) *ReadStream {
	cfg := newStreamConfig(opts)
	return &ReadStream{
		transport:  transport,
		buf:        make([]byte, cfg.packetSize),
		packetSize: cfg.packetSize,
		state:      readNeedHeader,
		log:        cfg.logger.Framing(),
	}
}

// Read implements io.Reader. It fills p from the current message, crossing
// packet boundaries, and returns fewer bytes only at the end of the message.
func (s *ReadStream) Read(p []byte) (int, error) {
	return s.consume(context.Background(), p, len(p), "ReadStream.Read")
}

// ReadContext is Read with cancellation. A cancelled read keeps whatever it
// consumed and can be retried.
func (s *ReadStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	return s.consume(ctx, p, len(p), "ReadStream.Read")
}

// ReadByte implements io.ByteReader.
func (s *ReadStream) ReadByte() (byte, error) {
	return s.ReadByteContext(context.Background())
}

// ReadByteContext reads a single payload byte.
func (s *ReadStream) ReadByteContext(ctx context.Context) (byte, error) {
	var one [1]byte
	if _, err := s.consume(ctx, one[:], 1, "ReadStream.ReadByte"); err != nil {
		return 0, err
	}
	return one[0], nil
}

// Skip discards n payload bytes. It returns io.ErrUnexpectedEOF if the
// message ends first.
func (s *ReadStream) Skip(ctx context.Context, n int) error {
	if n < 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "negative skip count %d", n).WithOp("ReadStream.Skip").Err()
	}
	got, err := s.consume(ctx, nil, n, "ReadStream.Skip")
	if err == nil && got < n {
		return io.ErrUnexpectedEOF
	}
	if err == io.EOF && n > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Peek returns the next payload byte without consuming it; the following
// Read starts with the same byte.
func (s *ReadStream) Peek(ctx context.Context) (byte, error) {
	if s.closed {
		return 0, errors.Closed("ReadStream.Peek").Err()
	}
	if _, err := s.ready(ctx, "ReadStream.Peek"); err != nil {
		return 0, err
	}
	return s.buf[s.readIndex], nil
}

// BeginMessage arms the stream to read the next message once the previous
// one has ended. It is a no-op before the first packet of a message.
func (s *ReadStream) BeginMessage() error {
	switch s.state {
	case readMessageEnd:
		s.state = readNeedHeader
		return nil
	case readNeedHeader:
		return nil
	default:
		return errors.InvalidOperation("ReadStream.BeginMessage", "current message has unread payload").
			WithField("packet_data_left", s.packetDataLeft).
			Err()
	}
}

// ReplaceTransport swaps the underlying transport. Bytes already buffered
// from the old transport are still returned first.
func (s *ReadStream) ReplaceTransport(r io.Reader) {
	s.transport = r
	s.pendingErr = nil
	if s.log.Enabled(log.LevelDebug) {
		s.log.Debug("read transport replaced", "buffered", s.dataEnd-s.readIndex)
	}
}

// SetPacketSize reallocates the buffer for a newly negotiated packet size.
// It is rejected while a packet payload is outstanding. Buffered bytes that
// have not been consumed yet are carried over.
func (s *ReadStream) SetPacketSize(n int) error {
	if err := s.checkPacketSize(n); err != nil {
		return err
	}
	s.applyPacketSize(n)
	return nil
}

func (s *ReadStream) checkPacketSize(n int) error {
	const op = "ReadStream.SetPacketSize"
	if s.closed {
		return errors.Closed(op).Err()
	}
	if err := ValidatePacketSize(op, n); err != nil {
		return err
	}
	if s.state == readPayload && s.packetDataLeft > 0 {
		return errors.InvalidOperation(op, "packet payload outstanding").
			WithField("packet_data_left", s.packetDataLeft).
			Err()
	}
	if buffered := s.dataEnd - s.readIndex; buffered > n {
		return errors.InvalidOperation(op, "buffered bytes exceed new packet size").
			WithField("buffered", buffered).
			Err()
	}
	return nil
}

func (s *ReadStream) applyPacketSize(n int) {
	buf := make([]byte, n)
	buffered := copy(buf, s.buf[s.readIndex:s.dataEnd])
	s.buf = buf
	s.readIndex = 0
	s.dataEnd = buffered
	s.packetSize = n
}

// PacketSize returns the current packet size.
func (s *ReadStream) PacketSize() int { return s.packetSize }

// PacketType returns the type of the most recently parsed packet.
func (s *ReadStream) PacketType() PacketType { return s.header.Type }

// Status returns the status of the most recently parsed packet.
func (s *ReadStream) Status() PacketStatus { return s.header.Status }

// SPID returns the server process id of the most recently parsed packet.
func (s *ReadStream) SPID() uint16 { return s.header.SPID }

// Header returns the most recently parsed packet header.
func (s *ReadStream) Header() Header { return s.header }

// PacketDataLeft returns the unread payload bytes of the current packet.
func (s *ReadStream) PacketDataLeft() int { return s.packetDataLeft }

// Buffered returns the number of bytes read from the transport but not yet
// consumed, headers included.
func (s *ReadStream) Buffered() int { return s.dataEnd - s.readIndex }

// EndOfMessage reports whether the current message has been fully read.
func (s *ReadStream) EndOfMessage() bool { return s.state == readMessageEnd }

// Close releases the buffer. Further reads fail with ErrCodeStreamClosed.
// The transport is not closed.
func (s *ReadStream) Close() error {
	s.closed = true
	s.buf = nil
	s.readIndex, s.dataEnd, s.packetDataLeft = 0, 0, 0
	return nil
}

// consume moves up to want payload bytes into dst, or discards them when
// dst is nil.
func (s *ReadStream) consume(ctx context.Context, dst []byte, want int, op string) (int, error) {
	if s.closed {
		return 0, errors.Closed(op).Err()
	}
	n := 0
	for n < want {
		avail, err := s.ready(ctx, op)
		if err != nil {
			if err == io.EOF && n > 0 {
				return n, nil
			}
			return n, err
		}
		k := want - n
		if k > avail {
			k = avail
		}
		if dst != nil {
			copy(dst[n:n+k], s.buf[s.readIndex:s.readIndex+k])
		}
		s.readIndex += k
		s.packetDataLeft -= k
		n += k
		if s.packetDataLeft == 0 {
			s.finishPacket()
		}
	}
	return n, nil
}

// ready returns how many payload bytes of the current packet are buffered,
// reading headers and refilling as needed. It returns io.EOF at the end of
// the message.
func (s *ReadStream) ready(ctx context.Context, op string) (int, error) {
	for {
		switch s.state {
		case readMessageEnd:
			return 0, io.EOF
		case readNeedHeader:
			if err := s.nextHeader(ctx, op); err != nil {
				return 0, err
			}
		case readPayload:
			if s.packetDataLeft == 0 {
				s.finishPacket()
				continue
			}
			if s.readIndex == s.dataEnd {
				if err := s.fill(ctx, op); err != nil {
					return 0, err
				}
				continue
			}
			avail := s.dataEnd - s.readIndex
			if avail > s.packetDataLeft {
				avail = s.packetDataLeft
			}
			return avail, nil
		}
	}
}

// nextHeader reads and validates the next packet header. A partial header
// is moved to the front of the buffer before more bytes are read.
func (s *ReadStream) nextHeader(ctx context.Context, op string) error {
	for s.dataEnd-s.readIndex < HeaderSize {
		if s.readIndex > 0 {
			s.dataEnd = copy(s.buf, s.buf[s.readIndex:s.dataEnd])
			s.readIndex = 0
		}
		if err := s.fill(ctx, op); err != nil {
			return err
		}
	}

	h, err := ParseHeader(s.buf[s.readIndex:s.dataEnd])
	if err != nil {
		return err
	}
	if err := h.Validate(s.packetSize); err != nil {
		return err
	}

	s.readIndex += HeaderSize
	s.header = h
	s.packetDataLeft = h.PayloadLength()
	s.state = readPayload

	if s.log.Enabled(log.LevelDebug) {
		s.log.Debug("packet received",
			"type", h.Type.String(),
			"status", h.Status.String(),
			"length", h.Length,
			"spid", h.SPID,
			"packet_id", h.PacketID)
	}
	return nil
}

func (s *ReadStream) finishPacket() {
	if s.header.IsLastPacket() {
		s.state = readMessageEnd
	} else {
		s.state = readNeedHeader
	}
}

// fill reads at least one more byte from the transport into the buffer.
func (s *ReadStream) fill(ctx context.Context, op string) error {
	if s.readIndex == s.dataEnd {
		s.readIndex, s.dataEnd = 0, 0
	}
	if err := s.pendingErr; err != nil {
		s.pendingErr = nil
		return transportError(op, err)
	}

	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := readTransport(ctx, s.transport, s.buf[s.dataEnd:])
		if n < 0 || n > len(s.buf)-s.dataEnd {
			return errors.Internal("transport returned invalid count").WithOp(op).WithField("n", n).Err()
		}
		s.dataEnd += n
		if err != nil {
			if n > 0 {
				s.pendingErr = err
				return nil
			}
			return transportError(op, err)
		}
		if n > 0 {
			return nil
		}
	}
	return errors.Wrap(io.ErrNoProgress, errors.ErrCodeConnectionFault, "transport made no progress").
		WithOp(op).
		Fatal().
		Err()
}

// transportError classifies an error returned by the transport. Would-block
// is returned unchanged so that non-blocking callers can retry.
func transportError(op string, err error) error {
	switch {
	case errors.Is(err, iox.ErrWouldBlock):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrCodeCancelled, "operation cancelled").WithOp(op).Err()
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrap(io.ErrUnexpectedEOF, errors.ErrCodeConnectionClosed, "transport closed mid-message").
			WithOp(op).
			Fatal().
			Err()
	default:
		return errors.Wrap(err, errors.ErrCodeConnectionFault, "transport failure").
			WithOp(op).
			Fatal().
			Err()
	}
}
