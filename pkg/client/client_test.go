package client

import (
	"context"
	"crypto/tls"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ha1tch/tdsio/pkg/capture"
	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/tds"
	"github.com/ha1tch/tdsio/pkg/tlsutil"
)

// fakeServer answers PRELOGIN with the given ENCRYPTION option, runs the
// TLS handshake when tlsCfg is set, then echoes messages back as replies.
type fakeServer struct {
	encryption uint8
	tlsCfg     *tls.Config

	request *tds.Prelogin
	done    chan error
}

func (f *fakeServer) serve(ctx context.Context, raw net.Conn) {
	f.done <- f.run(ctx, raw)
}

func (f *fakeServer) run(ctx context.Context, raw net.Conn) error {
	defer raw.Close()
	s := tds.NewStream(raw)

	data, err := tds.ReadMessage(ctx, s.ReadStream())
	if err != nil {
		return err
	}
	if f.request, err = tds.ParsePrelogin(data); err != nil {
		return err
	}

	resp := &tds.Prelogin{Version: tds.Version{Major: 16, Build: 4135}, Encryption: f.encryption}
	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	s.SetPacketType(tds.PacketReply)
	s.WriteContext(ctx, payload)
	if err := s.FlushContext(ctx); err != nil {
		return err
	}

	if f.tlsCfg != nil {
		if _, err := tds.AcceptTLS(ctx, s, raw, f.tlsCfg); err != nil {
			return err
		}
	}

	for {
		msg, err := tds.ReadMessage(ctx, s.ReadStream())
		if err != nil {
			// Client hung up.
			return nil
		}
		s.SetPacketType(tds.PacketReply)
		s.WriteContext(ctx, msg)
		if err := s.FlushContext(ctx); err != nil {
			return nil
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func serverCert(t *testing.T) *tlsutil.Pair {
	t.Helper()
	pair, err := tlsutil.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return pair
}

func pipeHandshake(t *testing.T, cfg Config, srv *fakeServer) (*Conn, error) {
	t.Helper()
	ctx := testContext(t)
	clientRaw, serverRaw := net.Pipe()
	t.Cleanup(func() { clientRaw.Close() })
	srv.done = make(chan error, 1)
	go srv.serve(ctx, serverRaw)
	return Handshake(ctx, clientRaw, cfg)
}

func TestHandshakePlaintext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encryption = EncryptionDisabled
	srv := &fakeServer{encryption: tds.EncryptNotSup}

	c, err := pipeHandshake(t, cfg, srv)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	defer c.Close()

	if c.Encrypted() {
		t.Error("Encrypted = true for a plaintext session")
	}
	if c.Server().Version.Major != 16 {
		t.Errorf("server version = %s", c.Server().Version)
	}
	if srv.request.Encryption != tds.EncryptNotSup {
		t.Errorf("client announced %s, want NOT_SUP", tds.EncryptionString(srv.request.Encryption))
	}

	ctx := testContext(t)
	if err := c.SendMessage(ctx, tds.PacketSQLBatch, []byte("select 1")); err != nil {
		t.Fatal(err)
	}
	typ, msg, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != tds.PacketReply || string(msg) != "select 1" {
		t.Errorf("echo = %s %q", typ, msg)
	}
}

func TestHandshakeTLS(t *testing.T) {
	pair := serverCert(t)
	serverCfg, err := pair.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.TLSConfig = pair.ClientConfig("localhost")
	srv := &fakeServer{encryption: tds.EncryptOn, tlsCfg: serverCfg}

	c, err := pipeHandshake(t, cfg, srv)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	defer c.Close()

	if !c.Encrypted() {
		t.Fatal("Encrypted = false after TLS cutover")
	}
	if c.Stream().EndOfMessage() {
		t.Fatal("stream still at the end of the last handshake message")
	}
	state, ok := c.TLSState()
	if !ok || state.Version != tls.VersionTLS12 {
		t.Errorf("TLS state = %#x, %v", state.Version, ok)
	}
	if srv.request.Encryption != tds.EncryptOn {
		t.Errorf("client announced %s, want ON", tds.EncryptionString(srv.request.Encryption))
	}

	ctx := testContext(t)
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := c.SendMessage(ctx, tds.PacketSQLBatch, payload); err != nil {
		t.Fatal(err)
	}
	_, msg, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg) != len(payload) || msg[9999] != payload[9999] {
		t.Errorf("echo over TLS returned %d bytes", len(msg))
	}
}

func TestHandshakeCapture(t *testing.T) {
	pair := serverCert(t)
	serverCfg, _ := pair.ServerConfig()

	path := filepath.Join(t.TempDir(), "capture.db")
	cfg := DefaultConfig()
	cfg.TLSConfig = pair.ClientConfig("localhost")
	cfg.CapturePath = path
	srv := &fakeServer{encryption: tds.EncryptReq, tlsCfg: serverCfg}

	c, err := pipeHandshake(t, cfg, srv)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	ctx := testContext(t)
	c.SendMessage(ctx, tds.PacketSQLBatch, []byte("captured"))
	if _, _, err := c.ReadMessage(ctx); err != nil {
		t.Fatal(err)
	}
	session := c.Session()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	store, err := capture.Open(capture.DefaultConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	packets, err := store.Packets(ctx, session)
	if err != nil {
		t.Fatal(err)
	}

	var sawPrelogin, sawEncrypted, sawBatch bool
	for _, p := range packets {
		switch {
		case p.Encrypted:
			sawEncrypted = true
		case p.Header.Type == tds.PacketPrelogin:
			sawPrelogin = true
		case p.Header.Type == tds.PacketSQLBatch && string(p.Payload) == "captured":
			sawBatch = true
		}
	}
	if !sawPrelogin || !sawEncrypted || !sawBatch {
		t.Errorf("capture: prelogin=%v encrypted=%v batch=%v (%d packets)", sawPrelogin, sawEncrypted, sawBatch, len(packets))
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		client  Encryption
		server  uint8
		encrypt bool
		code    errors.Code
	}{
		{EncryptionOff, tds.EncryptOn, true, 0},
		{EncryptionOff, tds.EncryptReq, true, 0},
		{EncryptionOff, tds.EncryptNotSup, false, 0},
		{EncryptionOff, tds.EncryptOff, false, errors.ErrCodeUnsupported},
		{EncryptionRequired, tds.EncryptOn, true, 0},
		{EncryptionRequired, tds.EncryptOff, false, errors.ErrCodeHandshakeFailed},
		{EncryptionRequired, tds.EncryptNotSup, false, errors.ErrCodeHandshakeFailed},
		{EncryptionDisabled, tds.EncryptNotSup, false, 0},
		{EncryptionDisabled, tds.EncryptOff, false, 0},
		{EncryptionDisabled, tds.EncryptReq, false, errors.ErrCodeHandshakeFailed},
		{EncryptionOff, 0x20, false, errors.ErrCodeProtocolError},
	}

	for _, tt := range tests {
		encrypt, err := negotiate(tt.client, tt.server)
		if tt.code != 0 {
			if !errors.IsCode(err, tt.code) || !errors.IsFatal(err) {
				t.Errorf("negotiate(%s, %s) = %v, want fatal %s", tt.client, tds.EncryptionString(tt.server), err, tt.code)
			}
			continue
		}
		if err != nil || encrypt != tt.encrypt {
			t.Errorf("negotiate(%s, %s) = %v, %v, want %v", tt.client, tds.EncryptionString(tt.server), encrypt, err, tt.encrypt)
		}
	}
}

func TestHandshakeRefusesLoginOnlyEncryption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encryption = EncryptionOff
	_, err := pipeHandshake(t, cfg, &fakeServer{encryption: tds.EncryptOff})
	if !errors.IsCode(err, errors.ErrCodeUnsupported) {
		t.Errorf("Handshake = %v, want %s", err, errors.ErrCodeUnsupported)
	}
}

func TestConnBrokenAfterFatalError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encryption = EncryptionDisabled
	srv := &fakeServer{encryption: tds.EncryptNotSup}
	c, err := pipeHandshake(t, cfg, srv)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Kill the transport under the stream.
	c.raw.Close()
	ctx := testContext(t)
	if err := c.SendMessage(ctx, tds.PacketSQLBatch, []byte("x")); !errors.IsFatal(err) {
		t.Fatalf("SendMessage on a closed transport = %v, want fatal", err)
	}
	if c.Err() == nil {
		t.Fatal("Err() = nil after a fatal error")
	}
	if _, _, err := c.ReadMessage(ctx); !errors.IsCode(err, errors.ErrCodeConnectionClosed) {
		t.Errorf("ReadMessage on broken conn = %v, want %s", err, errors.ErrCodeConnectionClosed)
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx := testContext(t)
	srv := &fakeServer{encryption: tds.EncryptNotSup, done: make(chan error, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srv.done <- err
			return
		}
		srv.serve(ctx, conn)
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port, _ = strconv.Atoi(port)
	cfg.Encryption = EncryptionDisabled

	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := c.Cancel(ctx); err != nil {
		t.Errorf("Cancel failed: %v", err)
	}
	if !c.Stream().CancellationSent() {
		t.Error("attention not sent")
	}
	c.Close()
	if err := <-srv.done; err != nil {
		t.Errorf("server: %v", err)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port, _ = strconv.Atoi(port)
	if _, err := Dial(testContext(t), cfg); !errors.IsCode(err, errors.ErrCodeConnectionFailed) {
		t.Errorf("Dial to a closed port = %v, want %s", err, errors.ErrCodeConnectionFailed)
	}
}
