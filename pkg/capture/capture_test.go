package capture

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/tds"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "capture.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func packet(typ tds.PacketType, status tds.PacketStatus, id uint8, payload []byte) []byte {
	b := make([]byte, tds.HeaderSize+len(payload))
	tds.Header{
		Type:     typ,
		Status:   status,
		Length:   uint16(len(b)),
		PacketID: id,
	}.Put(b)
	copy(b[tds.HeaderSize:], payload)
	return b
}

func TestStoreRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.BeginSession(ctx, "s1", "127.0.0.1:1433"); err != nil {
		t.Fatal(err)
	}
	want := Packet{
		Session:   "s1",
		Seq:       1,
		Direction: Inbound,
		Header:    tds.Header{Type: tds.PacketReply, Status: tds.StatusEOM, Length: 11, SPID: 52, PacketID: 1},
		Payload:   []byte{1, 2, 3},
	}
	if err := store.Record(ctx, want); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := store.Packets(ctx, "s1")
	if err != nil {
		t.Fatalf("Packets failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d packets, want 1", len(got))
	}
	if got[0].Header != want.Header || got[0].Direction != Inbound || !bytes.Equal(got[0].Payload, want.Payload) {
		t.Errorf("packet = %+v, want %+v", got[0], want)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil || len(sessions) != 1 || sessions[0] != "s1" {
		t.Errorf("Sessions = %v, %v", sessions, err)
	}
}

func TestStoreDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	store.BeginSession(ctx, "s1", "")

	p := Packet{Session: "s1", Seq: 1}
	if err := store.Record(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, p); !errors.IsCode(err, errors.ErrCodeCaptureWrite) {
		t.Errorf("duplicate Record = %v, want %s", err, errors.ErrCodeCaptureWrite)
	}
}

func TestOpenBadPath(t *testing.T) {
	_, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "missing", "dir", "capture.db")))
	if !errors.IsCode(err, errors.ErrCodeCaptureOpen) {
		t.Errorf("Open in a missing directory = %v, want %s", err, errors.ErrCodeCaptureOpen)
	}
}

func TestTapReassemblesPackets(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	client, server := net.Pipe()
	defer server.Close()
	tap, err := NewTap(ctx, client, store, "sess", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tap.Close()

	out := append(packet(tds.PacketSQLBatch, tds.StatusNormal, 1, []byte("sel")),
		packet(tds.PacketSQLBatch, tds.StatusEOM, 2, []byte("ect 1"))...)
	in := packet(tds.PacketReply, tds.StatusEOM, 1, []byte("ok"))

	go func() {
		io.ReadFull(server, make([]byte, len(out)))
		// Deliver the reply in two pieces, splitting the header.
		server.Write(in[:5])
		server.Write(in[5:])
	}()

	// Written in uneven chunks.
	for _, chunk := range [][]byte{out[:3], out[3:12], out[12:]} {
		if _, err := tap.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := io.ReadFull(tap, make([]byte, len(in))); err != nil {
		t.Fatal(err)
	}

	if tap.Err() != nil {
		t.Fatalf("capture error: %v", tap.Err())
	}
	if tap.Recorded() != 3 {
		t.Errorf("Recorded = %d, want 3", tap.Recorded())
	}

	got, err := store.Packets(ctx, "sess")
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		dir     Direction
		typ     tds.PacketType
		id      uint8
		payload string
	}{
		{Outbound, tds.PacketSQLBatch, 1, "sel"},
		{Outbound, tds.PacketSQLBatch, 2, "ect 1"},
		{Inbound, tds.PacketReply, 1, "ok"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d packets, want %d", len(got), len(want))
	}
	for i, w := range want {
		p := got[i]
		if p.Seq != int64(i+1) || p.Direction != w.dir || p.Header.Type != w.typ || p.Header.PacketID != w.id || string(p.Payload) != w.payload {
			t.Errorf("packet %d = %+v", i, p)
		}
	}
}

func TestTapEncryptedAndWrap(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	tap, err := NewTap(ctx, client, store, "sess", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tap.Close()

	// Half a header, then the switch records it as an unframed chunk.
	tap.Write([]byte{0x12, 0x01})
	tap.SetEncrypted(true)
	tap.Write([]byte("ciphertext"))

	upper := tap.Wrap(client)
	upper.Write(packet(tds.PacketSQLBatch, tds.StatusEOM, 1, []byte("x")))

	got, err := store.Packets(ctx, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d packets, want 3", len(got))
	}
	if got[0].Encrypted || !bytes.Equal(got[0].Payload, []byte{0x12, 0x01}) {
		t.Errorf("drained chunk = %+v", got[0])
	}
	if !got[1].Encrypted || string(got[1].Payload) != "ciphertext" {
		t.Errorf("encrypted chunk = %+v", got[1])
	}
	if got[2].Seq != 3 || got[2].Header.Type != tds.PacketSQLBatch {
		t.Errorf("wrapped packet = %+v", got[2])
	}
}

func TestTapDetectTLS(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	tap, err := NewTap(ctx, client, store, "sess", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tap.Close()
	tap.DetectTLS()

	// A PRELOGIN packet carrying a handshake record stays framed.
	tap.Write(packet(tds.PacketPrelogin, tds.StatusEOM, 1, []byte{0x16, 0x03, 0x03}))
	// An application data record where a header was expected.
	tap.Write([]byte{0x17, 0x03, 0x03, 0x00, 0x02, 0xAA, 0xBB})
	tap.Write(packet(tds.PacketSQLBatch, tds.StatusEOM, 1, nil))

	got, err := store.Packets(ctx, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d packets, want 3", len(got))
	}
	if got[0].Encrypted || got[0].Header.Type != tds.PacketPrelogin {
		t.Errorf("first packet = %+v, want framed PRELOGIN", got[0])
	}
	if !got[1].Encrypted || !got[2].Encrypted {
		t.Error("traffic after the first TLS record not recorded as encrypted")
	}
}

func TestIsTLSRecord(t *testing.T) {
	for b := 0; b < 256; b++ {
		typ := tds.PacketType(b)
		known := !strings.HasPrefix(typ.String(), "UNKNOWN")
		if isTLSRecord(byte(b)) && known {
			t.Errorf("%#x is both a TLS record type and %s", b, typ)
		}
	}
	if !isTLSRecord(0x16) || isTLSRecord(0x12) {
		t.Error("isTLSRecord misclassifies handshake or PRELOGIN")
	}
}

func TestTapUnframedStream(t *testing.T) {
	var a assembler
	a.buf = []byte{0x04, 0x01, 0x00, 0x02, 0, 0, 1, 0, 0xEE}
	h, pkt, ok := a.next()
	if !ok {
		t.Fatal("next() = false for an invalid length")
	}
	if h != (tds.Header{}) || len(pkt) != tds.HeaderSize+9 {
		t.Errorf("unframed packet header %+v len %d", h, len(pkt))
	}
	if len(a.buf) != 0 {
		t.Errorf("%d bytes left after unframed packet", len(a.buf))
	}
}

func TestTapCaptureFailureDoesNotFailConn(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	tap, err := NewTap(ctx, client, store, "sess", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tap.Close()

	store.Close()
	if _, err := tap.Write(packet(tds.PacketSQLBatch, tds.StatusEOM, 1, nil)); err != nil {
		t.Errorf("Write failed after capture store closed: %v", err)
	}
	if !errors.IsCode(tap.Err(), errors.ErrCodeCaptureWrite) {
		t.Errorf("Err = %v, want %s", tap.Err(), errors.ErrCodeCaptureWrite)
	}
}

func TestDirectionString(t *testing.T) {
	for _, d := range []Direction{Outbound, Inbound} {
		back, err := parseDirection(d.String())
		if err != nil || back != d {
			t.Errorf("parseDirection(%q) = %v, %v", d.String(), back, err)
		}
	}
	if _, err := parseDirection("sideways"); err == nil {
		t.Error("parseDirection accepted an unknown direction")
	}
}
