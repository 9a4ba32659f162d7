package tds

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// tlsHandshakeConn carries TLS records inside PRELOGIN messages while the
// handshake is running and passes them straight to the raw connection once
// it has completed.
//
// Writes are accumulated into one PRELOGIN message and sent when the TLS
// layer next reads, so that a handshake flight travels as one message.
// Incoming messages are unwrapped one after another.
type tlsHandshakeConn struct {
	net.Conn // raw connection; used directly after the handshake

	ctx     context.Context
	stream  *Stream
	pending bool // PRELOGIN message being accumulated
	done    bool
}

func (c *tlsHandshakeConn) Read(b []byte) (int, error) {
	if c.done {
		return c.Conn.Read(b)
	}
	if err := c.flushPending(); err != nil {
		return 0, err
	}
	for {
		n, err := c.stream.ReadContext(c.ctx, b)
		if err == io.EOF {
			if err := c.stream.BeginMessage(); err != nil {
				return n, err
			}
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *tlsHandshakeConn) Write(b []byte) (int, error) {
	if c.done {
		return c.Conn.Write(b)
	}
	if !c.pending {
		if err := c.stream.SetPacketType(PacketPrelogin); err != nil {
			return 0, err
		}
		c.pending = true
	}
	return c.stream.WriteContext(c.ctx, b)
}

func (c *tlsHandshakeConn) flushPending() error {
	if !c.pending {
		return nil
	}
	c.pending = false
	return c.stream.FlushContext(c.ctx)
}

// finish sends any handshake bytes still pending, re-arms the read half
// for the first message after the handshake and hands the stream over to
// tlsConn. The last handshake message must have been read to its end.
func (c *tlsHandshakeConn) finish(op string, tlsConn *tls.Conn) error {
	if err := c.flushPending(); err != nil {
		return err
	}
	c.done = true

	rs := c.stream.ReadStream()
	switch {
	case rs.EndOfMessage():
		if err := rs.BeginMessage(); err != nil {
			return err
		}
	case rs.PacketDataLeft() > 0:
		return errors.New(errors.ErrCodeProtocolError, "handshake message not fully consumed").
			WithOp(op).
			WithField("packet_data_left", rs.PacketDataLeft()).
			Fatal().
			Err()
	}
	return c.stream.ReplaceTransport(tlsConn)
}

// Close is a no-op during the handshake; the raw connection belongs to the
// caller.
func (c *tlsHandshakeConn) Close() error {
	if c.done {
		return c.Conn.Close()
	}
	return nil
}

// StartTLS runs a client TLS handshake over s, whose transport is raw, and
// then switches s to the encrypted connection. The returned connection is
// the new transport of s.
func StartTLS(ctx context.Context, s *Stream, raw net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	const op = "StartTLS"
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "nil TLS config").WithOp(op).Err()
	}
	if s.PacketType() != 0 {
		return nil, errors.InvalidOperation(op, "outgoing message in progress").Err()
	}

	// Records sent by the server after its Finished message would be
	// wrapped, so TLS 1.3 session tickets cannot be carried.
	cfg = cfg.Clone()
	if cfg.MaxVersion == 0 || cfg.MaxVersion > tls.VersionTLS12 {
		cfg.MaxVersion = tls.VersionTLS12
	}

	hc := &tlsHandshakeConn{Conn: raw, ctx: ctx, stream: s}
	tlsConn := tls.Client(hc, cfg)

	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
		defer raw.SetDeadline(time.Time{})
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTLSError, "TLS handshake failed").WithOp(op).Fatal().Err()
	}
	// The handshake may end on a write, e.g. an abbreviated handshake.
	if err := hc.finish(op, tlsConn); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// AcceptTLS is the server side of StartTLS: it answers a client handshake
// carried in PRELOGIN messages on s and switches s to the encrypted
// connection.
func AcceptTLS(ctx context.Context, s *Stream, raw net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	const op = "AcceptTLS"
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "nil TLS config").WithOp(op).Err()
	}

	hc := &tlsHandshakeConn{Conn: raw, ctx: ctx, stream: s}
	tlsConn := tls.Server(hc, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTLSError, "TLS handshake failed").WithOp(op).Fatal().Err()
	}
	// The server's final flight is still pending.
	if err := hc.finish(op, tlsConn); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
