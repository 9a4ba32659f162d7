package capture

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha1tch/tdsio/pkg/log"
	"github.com/ha1tch/tdsio/pkg/tds"
)

// recorder is the per-session state shared by every Tap of a session.
type recorder struct {
	store   *Store
	session string
	log     *log.FieldLogger

	mu    sync.Mutex
	seq   int64
	err   error
	count int64
}

func (r *recorder) record(p Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	p.Seq = r.seq
	p.Session = r.session
	if err := r.store.Record(context.Background(), p); err != nil {
		if r.err == nil {
			r.err = err
			r.log.Error("capture write failed, later packets may be missing", err, "seq", p.Seq)
		}
		return
	}
	r.count++
	if r.log.Enabled(log.LevelDebug) {
		head := p.Payload
		if len(head) > 64 {
			head = head[:64]
		}
		r.log.Debug("packet",
			"seq", p.Seq,
			"direction", p.Direction.String(),
			"header", p.Header.String(),
			"length", len(p.Payload),
			"encrypted", p.Encrypted,
			"head", hex.EncodeToString(head))
	}
}

// Tap is a net.Conn that records every packet it carries. Capture failures
// never fail the connection; they are reported by Err.
type Tap struct {
	net.Conn

	rec       *recorder
	encrypted atomic.Bool
	detectTLS bool

	inMu, outMu sync.Mutex
	in, out     assembler
}

// NewTap registers a new session in store and returns a Tap over conn.
func NewTap(ctx context.Context, conn net.Conn, store *Store, session string, logger *log.Logger) (*Tap, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if err := store.BeginSession(ctx, session, remote); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Discard()
	}
	rec := &recorder{
		store:   store,
		session: session,
		log:     logger.Capture().WithFields("session", session),
	}
	rec.log.Info("capture started", "remote", remote, "path", store.Path())
	return &Tap{Conn: conn, rec: rec}, nil
}

// Wrap returns a Tap over conn that records into the same session, for a
// connection layered on top of this one (e.g. TLS).
func (t *Tap) Wrap(conn net.Conn) *Tap {
	return &Tap{Conn: conn, rec: t.rec}
}

// DetectTLS makes the tap switch to opaque chunks by itself when a TLS
// record starts where a packet header was expected. A relay that cannot see
// the negotiated encryption uses this.
func (t *Tap) DetectTLS() *Tap {
	t.detectTLS = true
	return t
}

// isTLSRecord reports whether b is a TLS record content type. None of them
// is a valid packet type.
func isTLSRecord(b byte) bool {
	return b >= 0x14 && b <= 0x17
}

// SetEncrypted switches the tap between packet reassembly and recording
// opaque chunks, for bytes below a TLS layer. Partially assembled packets
// are recorded as they are.
func (t *Tap) SetEncrypted(encrypted bool) {
	if t.encrypted.Swap(encrypted) == encrypted {
		return
	}
	t.inMu.Lock()
	t.drain(&t.in, Inbound)
	t.inMu.Unlock()
	t.outMu.Lock()
	t.drain(&t.out, Outbound)
	t.outMu.Unlock()
}

func (t *Tap) Read(b []byte) (int, error) {
	n, err := t.Conn.Read(b)
	if n > 0 {
		t.inMu.Lock()
		t.observe(&t.in, b[:n], Inbound)
		t.inMu.Unlock()
	}
	return n, err
}

func (t *Tap) Write(b []byte) (int, error) {
	n, err := t.Conn.Write(b)
	if n > 0 {
		t.outMu.Lock()
		t.observe(&t.out, b[:n], Outbound)
		t.outMu.Unlock()
	}
	return n, err
}

// Err returns the first capture failure of the session.
func (t *Tap) Err() error {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	return t.rec.err
}

// Recorded returns how many packets the session has stored.
func (t *Tap) Recorded() int64 {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	return t.rec.count
}

// Session returns the session id.
func (t *Tap) Session() string { return t.rec.session }

func (t *Tap) observe(a *assembler, b []byte, dir Direction) {
	now := time.Now()
	if t.detectTLS && !t.encrypted.Load() && len(a.buf) == 0 && isTLSRecord(b[0]) {
		t.encrypted.Store(true)
		t.rec.log.Info("TLS records detected", "direction", dir.String())
	}
	if t.encrypted.Load() {
		t.drain(a, dir)
		t.rec.record(Packet{Direction: dir, Time: now, Payload: append([]byte(nil), b...), Encrypted: true})
		return
	}
	a.buf = append(a.buf, b...)
	for {
		h, pkt, ok := a.next()
		if !ok {
			return
		}
		t.rec.record(Packet{Direction: dir, Time: now, Header: h, Payload: pkt[tds.HeaderSize:]})
	}
}

// drain records whatever is buffered in a as one unframed chunk.
func (t *Tap) drain(a *assembler, dir Direction) {
	if len(a.buf) == 0 {
		return
	}
	t.rec.record(Packet{Direction: dir, Time: time.Now(), Payload: a.buf})
	a.buf = nil
}

// assembler cuts a byte stream into packets using the header length.
type assembler struct {
	buf []byte
}

// next returns the next complete packet. A header with a length below the
// header size cannot be framed; the rest of the stream is then returned as
// a single packet with a zero header.
func (a *assembler) next() (tds.Header, []byte, bool) {
	if len(a.buf) < tds.HeaderSize {
		return tds.Header{}, nil, false
	}
	h, err := tds.ParseHeader(a.buf)
	if err != nil {
		return tds.Header{}, nil, false
	}
	if int(h.Length) < tds.HeaderSize {
		pkt := make([]byte, tds.HeaderSize+len(a.buf))
		copy(pkt[tds.HeaderSize:], a.buf)
		a.buf = nil
		return tds.Header{}, pkt, true
	}
	if len(a.buf) < int(h.Length) {
		return tds.Header{}, nil, false
	}
	pkt := append([]byte(nil), a.buf[:h.Length]...)
	a.buf = a.buf[h.Length:]
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return h, pkt, true
}
