package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ha1tch/tdsio/pkg/capture"
	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/tds"
)

func runArgs(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
		out  string
		err  string
	}{
		{"help", []string{"-h"}, 0, "Usage:", ""},
		{"help long", []string{"--help"}, 0, "Exit Codes:", ""},
		{"version", []string{"--version"}, 0, "tdsio version", ""},
		{"unknown flag", []string{"--bogus"}, 2, "", "flag provided but not defined"},
		{"no connection string", nil, 2, "", "expected exactly one connection string"},
		{"bad encrypt", []string{"--encrypt", "maybe", "server=h"}, 2, "", "unknown encryption mode"},
		{"bad log level", []string{"--log-level", "loud", "server=h"}, 2, "", "error:"},
		{"bad dsn", []string{"server=h;port=x"}, 2, "", "error:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, errOut := runArgs(t, tt.args...)
			if code != tt.code {
				t.Errorf("exit code = %d, want %d (stderr %q)", code, tt.code, errOut)
			}
			if tt.out != "" && !strings.Contains(out, tt.out) {
				t.Errorf("stdout missing %q:\n%s", tt.out, out)
			}
			if tt.err != "" && !strings.Contains(errOut, tt.err) {
				t.Errorf("stderr missing %q:\n%s", tt.err, errOut)
			}
		})
	}
}

func TestParseEncryption(t *testing.T) {
	for _, s := range []string{"off", "ON", "required", "disabled", "Strict"} {
		if _, err := parseEncryption(s); err != nil {
			t.Errorf("parseEncryption(%q) = %v", s, err)
		}
	}
	if _, err := parseEncryption("sometimes"); err == nil {
		t.Error("parseEncryption accepted an unknown mode")
	}
}

// listen starts a server that answers PRELOGIN without encryption and then
// consumes messages until the client hangs up.
func listen(t *testing.T) (string, <-chan []tds.PacketType) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	seen := make(chan []tds.PacketType, 1)
	go func() {
		var types []tds.PacketType
		defer func() { seen <- types }()

		raw, err := ln.Accept()
		if err != nil {
			return
		}
		defer raw.Close()
		ctx := context.Background()
		s := tds.NewStream(raw)

		if _, err := tds.ReadMessage(ctx, s.ReadStream()); err != nil {
			return
		}
		types = append(types, s.ReadStream().PacketType())
		resp := &tds.Prelogin{Version: tds.Version{Major: 15, Build: 2000}, Encryption: tds.EncryptNotSup}
		payload, err := resp.Encode()
		if err != nil {
			return
		}
		s.SetPacketType(tds.PacketReply)
		s.WriteContext(ctx, payload)
		if err := s.FlushContext(ctx); err != nil {
			return
		}
		for {
			if _, err := tds.ReadMessage(ctx, s.ReadStream()); err != nil {
				return
			}
			types = append(types, s.ReadStream().PacketType())
		}
	}()
	return ln.Addr().String(), seen
}

func dsnFor(addr string) string {
	host, port, _ := net.SplitHostPort(addr)
	return "server=" + host + "," + port + ";encrypt=disable"
}

func TestRunProbe(t *testing.T) {
	addr, seen := listen(t)
	path := filepath.Join(t.TempDir(), "probe.db")

	code, out, errOut := runArgs(t, "--attention", "--capture", path, dsnFor(addr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, errOut)
	}
	for _, want := range []string{"server version    15.0.2000.0", "tls               none", "attention         sent", "capture"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	types := <-seen
	if len(types) != 2 || types[0] != tds.PacketPrelogin || types[1] != tds.PacketAttention {
		t.Errorf("server saw %v, want PRELOGIN then ATTENTION", types)
	}

	code, out, errOut = runArgs(t, "--dump", path)
	if code != 0 {
		t.Fatalf("dump exit code = %d, stderr %q", code, errOut)
	}
	if !strings.Contains(out, "PRELOGIN") || !strings.Contains(out, "ATTENTION") {
		t.Errorf("dump output missing packets:\n%s", out)
	}
}

func TestRunProbeJSON(t *testing.T) {
	addr, _ := listen(t)
	code, out, errOut := runArgs(t, "--json", dsnFor(addr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, errOut)
	}
	var rep report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if rep.ServerVersion != "15.0.2000.0" || rep.TLSVersion != "" || rep.ClientEncryption != "disabled" {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunProbeRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	code, _, errOut := runArgs(t, "-t", "2s", dsnFor(addr))
	if code != 1 {
		t.Errorf("exit code = %d, want 1 (stderr %q)", code, errOut)
	}
	if !strings.Contains(errOut, "  address: "+addr+"\n") {
		t.Errorf("stderr does not name the address:\n%s", errOut)
	}
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  int
		lines []string
	}{
		{
			"configuration",
			errors.New(errors.ErrCodeConfigInvalid, "packet size too small").WithField("packet_size", 100).Err(),
			2,
			[]string{"error: ", "packet size too small", "  packet_size: 100\n"},
		},
		{
			"unsupported",
			errors.Unsupported("client.Handshake", "login-only encryption").Fatal().Err(),
			1,
			[]string{"login-only encryption is not supported", "  feature: login-only encryption\n"},
		},
		{
			"plain",
			io.ErrUnexpectedEOF,
			1,
			[]string{"error: unexpected EOF\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if code := reportError(&buf, tt.err); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			for _, want := range tt.lines {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}

	var buf bytes.Buffer
	reportError(&buf, errors.New(errors.ErrCodeConfigInvalid, "bad").WithField("b", 2).WithField("a", 1).Err())
	if !strings.Contains(buf.String(), "  a: 1\n  b: 2\n") {
		t.Errorf("fields not sorted:\n%s", buf.String())
	}
}

func TestDumpJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.db")
	store, err := capture.Open(capture.DefaultConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.BeginSession(ctx, id, "127.0.0.1:1433"); err != nil {
			t.Fatal(err)
		}
		if err := store.Record(ctx, capture.Packet{
			Session: id,
			Seq:     1,
			Time:    time.Now(),
			Header:  tds.Header{Type: tds.PacketSQLBatch, Status: tds.StatusEOM, Length: 12, PacketID: 1},
			Payload: []byte("abcd"),
		}); err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	code, out, errOut := runArgs(t, "--dump", path, "--session", "b", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, errOut)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1:\n%s", len(lines), out)
	}
	var p dumpedPacket
	if err := json.Unmarshal([]byte(lines[0]), &p); err != nil {
		t.Fatal(err)
	}
	if p.Session != "b" || p.Type != tds.PacketSQLBatch.String() || p.Length != 4 || p.Direction != "out" {
		t.Errorf("dumped %+v", p)
	}

	if code, _, _ := runArgs(t, "--dump", filepath.Join(t.TempDir(), "missing.db")); code != 1 {
		t.Errorf("dump of a missing file exit code = %d, want 1", code)
	}
}
