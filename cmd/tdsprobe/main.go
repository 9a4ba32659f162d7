// Command tdsprobe connects to a SQL Server endpoint, runs the PRELOGIN
// exchange and TLS cutover, and reports what was negotiated. It can record
// the session to a capture file and print captured sessions.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/ha1tch/tdsio/pkg/capture"
	"github.com/ha1tch/tdsio/pkg/client"
	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/log"
	"github.com/ha1tch/tdsio/pkg/tds"
	"github.com/ha1tch/tdsio/pkg/tlsutil"
	"github.com/ha1tch/tdsio/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tdsprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		timeout     = fs.Duration("t", 15*time.Second, "Overall timeout")
		timeoutL    = fs.Duration("timeout", 15*time.Second, "Overall timeout")
		captureFile = fs.String("capture", "", "Record the session into a SQLite capture file")
		dumpFile    = fs.String("dump", "", "Print the sessions recorded in a capture file and exit")
		session     = fs.String("session", "", "With --dump, print only this session")
		encrypt     = fs.String("encrypt", "", "Override encryption: off, required, disabled, strict")
		caFile      = fs.String("ca", "", "PEM file of trusted certificates")
		insecure    = fs.Bool("insecure", false, "Skip server certificate verification")
		attention   = fs.Bool("attention", false, "Send an ATTENTION packet after the handshake")
		jsonOut     = fs.Bool("json", false, "Print the report as JSON")

		logLevel  = fs.String("log-level", "warn", "Log level (debug, info, warn, error)")
		logFormat = fs.String("log-format", "text", "Log format (text, json)")

		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)

	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Coalesce short and long flags
	if *timeoutL != 15*time.Second {
		*timeout = *timeoutL
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	if *showHelp {
		printUsage(stdout)
		return 0
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	if *dumpFile != "" {
		if err := dump(ctx, stdout, *dumpFile, *session, *jsonOut); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "error: expected exactly one connection string")
		printUsage(stderr)
		return 2
	}

	cfg, err := client.ParseDSN(fs.Arg(0))
	if err != nil {
		return reportError(stderr, err)
	}
	if *encrypt != "" {
		if cfg.Encryption, err = parseEncryption(*encrypt); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 2
		}
	}
	if *captureFile != "" {
		cfg.CapturePath = *captureFile
	}
	if *caFile != "" || *insecure {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: *insecure}
		if cfg.TLSConfig != nil {
			tlsCfg = cfg.TLSConfig.Clone()
			tlsCfg.InsecureSkipVerify = *insecure
		}
		if *caFile != "" {
			pool, err := tlsutil.LoadCAFile(*caFile)
			if err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				return 1
			}
			tlsCfg.RootCAs = pool
		}
		cfg.TLSConfig = tlsCfg
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	format, err := log.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	logCfg := log.DefaultConfig()
	logCfg.DefaultLevel = level
	logCfg.Format = format
	logCfg.Output = stderr
	logger := log.New(logCfg)
	defer logger.Close()
	cfg.Logger = logger

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	rep, err := probe(ctx, cfg, *attention)
	if err != nil {
		return reportError(stderr, err)
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
	rep.writeText(stdout)
	return 0
}

// reportError prints err with its context fields and returns the exit code.
// Configuration errors are usage errors.
func reportError(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	fields := errors.GetFields(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, fields[k])
	}
	if errors.IsCategory(err, "configuration") {
		return 2
	}
	return 1
}

func parseEncryption(s string) (client.Encryption, error) {
	switch strings.ToLower(s) {
	case "off":
		return client.EncryptionOff, nil
	case "required", "on":
		return client.EncryptionRequired, nil
	case "disabled":
		return client.EncryptionDisabled, nil
	case "strict":
		return client.EncryptionStrict, nil
	}
	return 0, fmt.Errorf("unknown encryption mode %q", s)
}

// report is what a probe learned about the server.
type report struct {
	Address          string `json:"address"`
	Session          string `json:"session"`
	ServerVersion    string `json:"server_version"`
	ServerEncryption string `json:"server_encryption"`
	ClientEncryption string `json:"client_encryption"`
	MARS             bool   `json:"mars"`
	FedAuthRequired  bool   `json:"fedauth_required"`
	TLSVersion       string `json:"tls_version,omitempty"`
	CipherSuite      string `json:"cipher_suite,omitempty"`
	PeerCertificate  string `json:"peer_certificate,omitempty"`
	AttentionSent    bool   `json:"attention_sent"`
	PacketsSent      uint64 `json:"packets_sent"`
	CaptureFile      string `json:"capture_file,omitempty"`
	CapturedPackets  int64  `json:"captured_packets,omitempty"`
	ElapsedMillis    int64  `json:"elapsed_ms"`
}

func probe(ctx context.Context, cfg client.Config, attention bool) (*report, error) {
	start := time.Now()
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	srv := c.Server()
	rep := &report{
		Address:          cfg.Address(),
		Session:          c.Session(),
		ServerVersion:    srv.Version.String(),
		ServerEncryption: tds.EncryptionString(srv.Encryption),
		ClientEncryption: cfg.Encryption.String(),
		MARS:             srv.MARS != 0,
		FedAuthRequired:  srv.Has(tds.PreloginFedAuth) && srv.FedAuth != 0,
		CaptureFile:      cfg.CapturePath,
	}
	if state, ok := c.TLSState(); ok {
		rep.TLSVersion = tls.VersionName(state.Version)
		rep.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
		if len(state.PeerCertificates) > 0 {
			rep.PeerCertificate = state.PeerCertificates[0].Subject.String()
		}
	}

	if attention {
		if err := c.Cancel(ctx); err != nil {
			return nil, err
		}
		rep.AttentionSent = true
	}
	rep.PacketsSent = c.Stream().WriteStream().PacketsSent()
	if tap := c.Capture(); tap != nil {
		rep.CapturedPackets = tap.Recorded()
	}
	rep.ElapsedMillis = time.Since(start).Milliseconds()
	return rep, nil
}

func (r *report) writeText(w io.Writer) {
	fmt.Fprintf(w, "address           %s\n", r.Address)
	fmt.Fprintf(w, "session           %s\n", r.Session)
	fmt.Fprintf(w, "server version    %s\n", r.ServerVersion)
	fmt.Fprintf(w, "encryption        server=%s client=%s\n", r.ServerEncryption, r.ClientEncryption)
	fmt.Fprintf(w, "mars              %v\n", r.MARS)
	if r.FedAuthRequired {
		fmt.Fprintf(w, "fedauth           required\n")
	}
	if r.TLSVersion != "" {
		fmt.Fprintf(w, "tls               %s %s\n", r.TLSVersion, r.CipherSuite)
		if r.PeerCertificate != "" {
			fmt.Fprintf(w, "certificate       %s\n", r.PeerCertificate)
		}
	} else {
		fmt.Fprintf(w, "tls               none\n")
	}
	if r.AttentionSent {
		fmt.Fprintf(w, "attention         sent\n")
	}
	fmt.Fprintf(w, "packets sent      %d\n", r.PacketsSent)
	if r.CaptureFile != "" {
		fmt.Fprintf(w, "capture           %d packets in %s\n", r.CapturedPackets, r.CaptureFile)
	}
	fmt.Fprintf(w, "elapsed           %dms\n", r.ElapsedMillis)
}

// dumpedPacket is the JSON form of a captured packet.
type dumpedPacket struct {
	Session   string    `json:"session"`
	Seq       int64     `json:"seq"`
	Direction string    `json:"direction"`
	Time      time.Time `json:"time"`
	Type      string    `json:"type,omitempty"`
	Status    string    `json:"status,omitempty"`
	PacketID  uint8     `json:"packet_id,omitempty"`
	Length    int       `json:"length"`
	Encrypted bool      `json:"encrypted,omitempty"`
}

func dump(ctx context.Context, w io.Writer, path, only string, asJSON bool) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	store, err := capture.Open(capture.DefaultConfig(path))
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, s := range sessions {
		if only != "" && s != only {
			continue
		}
		packets, err := store.Packets(ctx, s)
		if err != nil {
			return err
		}
		if !asJSON {
			fmt.Fprintf(w, "session %s: %d packets\n", s, len(packets))
		}
		for _, p := range packets {
			d := dumpedPacket{
				Session:   s,
				Seq:       p.Seq,
				Direction: p.Direction.String(),
				Time:      p.Time.UTC(),
				Length:    len(p.Payload),
				Encrypted: p.Encrypted,
			}
			if p.Header.Length != 0 {
				d.Type = p.Header.Type.String()
				d.Status = p.Header.Status.String()
				d.PacketID = p.Header.PacketID
			}
			if asJSON {
				if err := enc.Encode(d); err != nil {
					return err
				}
				continue
			}
			switch {
			case d.Encrypted:
				fmt.Fprintf(w, "  %4d %-3s tls      %6d bytes\n", d.Seq, d.Direction, d.Length)
			case d.Type == "":
				fmt.Fprintf(w, "  %4d %-3s unframed %6d bytes\n", d.Seq, d.Direction, d.Length)
			default:
				fmt.Fprintf(w, "  %4d %-3s %s %s id=%d %d bytes\n", d.Seq, d.Direction, d.Type, d.Status, d.PacketID, d.Length)
			}
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tdsprobe - Probe a SQL Server endpoint over TDS

Usage:
  tdsprobe [options] <connection-string>
  tdsprobe --dump <capture-file> [--session <id>] [--json]

The connection string may use the URL, ADO or ODBC forms understood by
go-mssqldb, e.g. "sqlserver://db.example:1433?encrypt=true" or
"server=db.example,1433;encrypt=strict".

Options:
  -t, --timeout <dur>      Overall timeout (default: 15s)
  --encrypt <mode>         Override encryption: off, required, disabled, strict
  --ca <file>              PEM file of trusted certificates
  --insecure               Skip server certificate verification
  --attention              Send an ATTENTION packet after the handshake
  --capture <file>         Record the session into a SQLite capture file
  --json                   Print the report as JSON

Capture Files:
  --dump <file>            Print the sessions recorded in a capture file
  --session <id>           With --dump, print only this session

Logging:
  --log-level <level>      Log level: debug, info, warn, error (default: warn)
  --log-format <format>    Log format: text, json (default: text)

General:
  -h, --help               Show help
  -v, --version            Show version

Exit Codes:
  0  Success
  1  Connection or runtime error
  2  CLI usage error
`)
}
