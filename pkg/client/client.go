package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/ha1tch/tdsio/pkg/capture"
	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/log"
	"github.com/ha1tch/tdsio/pkg/tds"
)

// strictALPN is the protocol announced when TLS precedes PRELOGIN.
const strictALPN = "tds/8.0"

// Conn is a connection that has completed PRELOGIN and, if negotiated, the
// TLS cutover. It is ready for LOGIN7.
//
// A Conn is not safe for concurrent use. Once an operation fails with a
// fatal error the Conn is broken and every later call fails.
type Conn struct {
	cfg    Config
	raw    net.Conn
	stream *tds.Stream
	log    *log.Logger

	tlsConn *tls.Conn
	server  *tds.Prelogin

	tap   *capture.Tap
	store *capture.Store // owned, opened from Config.CapturePath

	session string
	broken  error
}

var sessionCounter atomic.Uint64

func newSessionID() string {
	return fmt.Sprintf("%s-%d-%d", time.Now().UTC().Format("20060102T150405"), os.Getpid(), sessionCounter.Add(1))
}

// Dial connects to cfg.Address() and runs the pre-login handshake.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}

	addr := cfg.Address()
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	logger.Transport().Debug("dialing", "address", addr, "timeout", cfg.DialTimeout)
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "dial failed").
			WithOp("client.Dial").
			WithField("address", addr).
			Err()
	}

	c, err := Handshake(ctx, raw, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// Handshake runs the pre-login handshake over an established connection.
// On failure the caller still owns raw.
func Handshake(ctx context.Context, raw net.Conn, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}

	c := &Conn{
		cfg:     cfg,
		raw:     raw,
		log:     logger,
		session: log.SessionIDFromContext(ctx),
	}
	if c.session == "" {
		c.session = newSessionID()
	}
	ctx = log.WithSessionID(ctx, c.session)

	if err := c.handshake(ctx); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	hs := c.log.Handshake().WithFields("session", c.session, "address", c.raw.RemoteAddr().String())

	// Reads on the raw connection do not observe ctx by themselves.
	if deadline, ok := ctx.Deadline(); ok {
		c.raw.SetDeadline(deadline)
		defer c.raw.SetDeadline(time.Time{})
	}

	var transport net.Conn = c.raw
	if c.cfg.CapturePath != "" {
		store, err := capture.Open(capture.DefaultConfig(c.cfg.CapturePath))
		if err != nil {
			return err
		}
		c.store = store
		tap, err := capture.NewTap(ctx, c.raw, store, c.session, c.log)
		if err != nil {
			return err
		}
		c.tap = tap
		transport = tap
	}

	opts := []tds.Option{tds.WithLogger(c.log)}

	if c.cfg.Encryption == EncryptionStrict {
		cfg := c.cfg.tlsConfig()
		cfg.NextProtos = []string{strictALPN}
		if c.tap != nil {
			c.tap.SetEncrypted(true)
		}
		tlsConn := tls.Client(transport, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return errors.Wrap(err, errors.ErrCodeTLSError, "TLS handshake failed").
				WithOp("client.Handshake").
				Fatal().
				Err()
		}
		c.tlsConn = tlsConn
		transport = c.upper(tlsConn)
		hs.Info("strict TLS established", "version", tlsVersionName(tlsConn.ConnectionState().Version))
	}

	c.stream = tds.NewStream(transport, opts...)

	req := tds.NewClientPrelogin(c.cfg.Encryption.preloginOption(), c.cfg.Instance, uint32(os.Getpid()))
	if err := tds.WritePrelogin(ctx, c.stream, req); err != nil {
		return err
	}
	resp, err := tds.ReadPrelogin(ctx, c.stream)
	if err != nil {
		return err
	}
	c.server = resp
	hs.Info("prelogin response",
		"server_version", resp.Version.String(),
		"encryption", tds.EncryptionString(resp.Encryption))

	if c.tlsConn != nil {
		return nil
	}
	encrypt, err := negotiate(c.cfg.Encryption, resp.Encryption)
	if err != nil {
		return err
	}
	if !encrypt {
		hs.Warn("session is not encrypted")
		return nil
	}

	tlsConn, err := tds.StartTLS(ctx, c.stream, transport, c.cfg.tlsConfig())
	if err != nil {
		return err
	}
	c.tlsConn = tlsConn
	if c.tap != nil {
		if err := c.stream.ReplaceTransport(c.upper(tlsConn)); err != nil {
			return err
		}
	}
	hs.Info("TLS established", "version", tlsVersionName(tlsConn.ConnectionState().Version))
	return nil
}

// upper returns the transport to use above a TLS connection: a capture tap
// over the plaintext when capturing.
func (c *Conn) upper(tlsConn *tls.Conn) net.Conn {
	if c.tap == nil {
		return tlsConn
	}
	c.tap.SetEncrypted(true)
	return c.tap.Wrap(tlsConn)
}

// negotiate decides from both ENCRYPTION options whether the session is
// encrypted.
func negotiate(client Encryption, server uint8) (bool, error) {
	const op = "client.negotiate"
	switch server {
	case tds.EncryptNotSup:
		if client == EncryptionRequired {
			return false, errors.New(errors.ErrCodeHandshakeFailed, "server does not support encryption").WithOp(op).Fatal().Err()
		}
		return false, nil
	case tds.EncryptOff:
		switch client {
		case EncryptionRequired:
			return false, errors.New(errors.ErrCodeHandshakeFailed, "server declined encryption").WithOp(op).Fatal().Err()
		case EncryptionOff:
			return false, errors.Unsupported(op, "login-only encryption").Fatal().Err()
		}
		return false, nil
	case tds.EncryptOn, tds.EncryptReq:
		if client == EncryptionDisabled {
			return false, errors.New(errors.ErrCodeHandshakeFailed, "server requires encryption").WithOp(op).Fatal().Err()
		}
		return true, nil
	default:
		return false, errors.Newf(errors.ErrCodeProtocolError, "unexpected ENCRYPTION option %s", tds.EncryptionString(server)).
			WithOp(op).
			Fatal().
			Err()
	}
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("0x%04X", v)
	}
}

// Stream returns the framing stream of the connection.
func (c *Conn) Stream() *tds.Stream { return c.stream }

// Server returns the server's PRELOGIN response.
func (c *Conn) Server() *tds.Prelogin { return c.server }

// Encrypted reports whether the session runs over TLS.
func (c *Conn) Encrypted() bool { return c.tlsConn != nil }

// TLSState returns the TLS connection state, if encrypted.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	if c.tlsConn == nil {
		return tls.ConnectionState{}, false
	}
	return c.tlsConn.ConnectionState(), true
}

// Session returns the session id used for logging and capture.
func (c *Conn) Session() string { return c.session }

// Capture returns the capture tap, or nil when not capturing.
func (c *Conn) Capture() *capture.Tap { return c.tap }

// Config returns the configuration the connection was made with.
func (c *Conn) Config() Config { return c.cfg }

// Err returns the fatal error that broke the connection, if any.
func (c *Conn) Err() error { return c.broken }

// check records a fatal error so that the Conn refuses further use.
func (c *Conn) check(err error) error {
	if err != nil && errors.IsFatal(err) && c.broken == nil {
		c.broken = err
		c.log.Transport().Error("connection broken", err, "session", c.session)
	}
	return err
}

func (c *Conn) usable(op string) error {
	if c.broken != nil {
		return errors.Wrap(c.broken, errors.ErrCodeConnectionClosed, "connection is broken").WithOp(op).Err()
	}
	if c.stream == nil {
		return errors.Closed(op).Err()
	}
	return nil
}

// SendMessage sends payload as one complete message of type t.
func (c *Conn) SendMessage(ctx context.Context, t tds.PacketType, payload []byte) error {
	if err := c.usable("Conn.SendMessage"); err != nil {
		return err
	}
	if err := c.stream.SetPacketType(t); err != nil {
		return err
	}
	if _, err := c.stream.WriteContext(ctx, payload); err != nil {
		return c.check(err)
	}
	return c.check(c.stream.FlushContext(ctx))
}

// ReadMessage reads the next complete message.
func (c *Conn) ReadMessage(ctx context.Context) (tds.PacketType, []byte, error) {
	if err := c.usable("Conn.ReadMessage"); err != nil {
		return 0, nil, err
	}
	msg, err := tds.ReadMessage(ctx, c.stream.ReadStream())
	if err != nil {
		return 0, nil, c.check(err)
	}
	return c.stream.ReadStream().PacketType(), msg, nil
}

// Cancel sends an ATTENTION signal for the request in progress. Draining
// the server's acknowledgement is up to the caller.
func (c *Conn) Cancel(ctx context.Context) error {
	if err := c.usable("Conn.Cancel"); err != nil {
		return err
	}
	c.log.Transport().Debug("sending attention", "session", c.session)
	return c.check(c.stream.SendAttention(ctx))
}

// SetPacketSize applies the packet size the server confirmed at login.
func (c *Conn) SetPacketSize(n int) error {
	if err := c.usable("Conn.SetPacketSize"); err != nil {
		return err
	}
	return c.stream.SetPacketSize(n)
}

// Close closes the connection and the capture store.
func (c *Conn) Close() error {
	if c.stream != nil {
		c.stream.Close()
	}
	var err error
	if c.tlsConn != nil {
		err = c.tlsConn.Close()
	} else if c.raw != nil {
		err = c.raw.Close()
	}
	c.release()
	c.stream = nil
	return err
}

// release closes what the Conn owns apart from the raw connection.
func (c *Conn) release() {
	if c.store != nil {
		if c.tap != nil && c.tap.Err() != nil {
			c.log.Capture().Warn("capture incomplete", "session", c.session, "error", c.tap.Err().Error())
		}
		c.store.Close()
		c.store = nil
	}
}
