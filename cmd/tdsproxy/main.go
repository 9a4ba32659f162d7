// Command tdsproxy relays TDS connections to a server and records every
// packet in both directions into a capture file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ha1tch/tdsio/pkg/capture"
	"github.com/ha1tch/tdsio/pkg/log"
	"github.com/ha1tch/tdsio/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tdsproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		listenAddr  = fs.String("l", ":11433", "Address to listen on")
		listenAddrL = fs.String("listen", ":11433", "Address to listen on")
		targetAddr  = fs.String("t", "localhost:1433", "Target server address")
		targetAddrL = fs.String("target", "localhost:1433", "Target server address")
		captureFile = fs.String("capture", "tdsproxy.db", "SQLite capture file")
		dialTimeout = fs.Duration("dial-timeout", 15*time.Second, "Timeout for connecting to the target")

		logLevel  = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat = fs.String("log-format", "text", "Log format (text, json)")
		logFile   = fs.String("log-file", "", "Write logs to a rotated file instead of stderr")
		logSizeMB = fs.Int("log-max-size", 100, "Rotate the log file after this many megabytes")

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
	if *listenAddrL != ":11433" {
		*listenAddr = *listenAddrL
	}
	if *targetAddrL != "localhost:1433" {
		*targetAddr = *targetAddrL
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
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "error: unexpected argument %q\n", fs.Arg(0))
		return 2
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
	if *logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    *logSizeMB,
			MaxBackups: 5,
			Compress:   true,
		}
		defer rotated.Close()
		logCfg.Output = rotated
	}
	logger := log.New(logCfg)
	defer logger.Close()

	store, err := capture.Open(capture.DefaultConfig(*captureFile))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	p := &proxy{
		target:      *targetAddr,
		dialTimeout: *dialTimeout,
		store:       store,
		log:         logger,
	}
	logger.Transport().Info("proxy listening", "listen", ln.Addr().String(), "target", p.target, "capture", store.Path())
	if err := p.serve(ctx, ln); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// proxy relays client connections to target, capturing each as a session.
type proxy struct {
	target      string
	dialTimeout time.Duration
	store       *capture.Store
	log         *log.Logger

	sessions atomic.Uint64
}

// serve accepts connections until ctx is done, then waits for the open
// ones to finish.
func (p *proxy) serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

func (p *proxy) handle(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	session := fmt.Sprintf("proxy-%s-%d", time.Now().UTC().Format("20060102T150405"), p.sessions.Add(1))
	tl := p.log.Transport().WithFields("session", session, "client", clientConn.RemoteAddr().String())
	tl.Info("new connection")

	dialer := net.Dialer{Timeout: p.dialTimeout}
	serverConn, err := dialer.DialContext(ctx, "tcp", p.target)
	if err != nil {
		tl.Error("failed to connect to server", err, "target", p.target)
		return
	}
	defer serverConn.Close()

	// Writes to the server are client traffic; reads from it are replies.
	tap, err := capture.NewTap(ctx, serverConn, p.store, session, p.log)
	if err != nil {
		tl.Error("capture unavailable", err)
		return
	}
	tap.DetectTLS()

	stop := context.AfterFunc(ctx, func() {
		clientConn.Close()
		serverConn.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay(tap, clientConn, tl, "client->server")
	}()
	go func() {
		defer wg.Done()
		relay(clientConn, tap, tl, "server->client")
	}()
	wg.Wait()

	if err := tap.Err(); err != nil {
		tl.Warn("capture incomplete", "error", err.Error())
	}
	tl.Info("connection closed", "packets", tap.Recorded())
}

// relay copies src to dst until either side fails, then half-closes dst so
// the peer sees the end of the stream.
func relay(dst, src net.Conn, tl *log.FieldLogger, direction string) {
	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		tl.Debug("relay stopped", "direction", direction, "error", err.Error())
	}
	if cw, ok := underlying(dst).(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
}

// underlying unwraps a capture tap to reach the TCP connection.
func underlying(c net.Conn) net.Conn {
	if t, ok := c.(*capture.Tap); ok {
		return t.Conn
	}
	return c
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tdsproxy - Relay and capture TDS traffic

Usage:
  tdsproxy [options]

Clients connect to the listen address as if it were the server. Every
packet in both directions is recorded into the capture file; once TLS
starts, records are stored as opaque chunks. Inspect the file with
"tdsprobe --dump <file>".

Options:
  -l, --listen <addr>      Address to listen on (default: :11433)
  -t, --target <addr>      Target server address (default: localhost:1433)
  --capture <file>         SQLite capture file (default: tdsproxy.db)
  --dial-timeout <dur>     Timeout for connecting to the target (default: 15s)

Logging:
  --log-level <level>      Log level: debug, info, warn, error (default: info)
                           At debug every packet is logged with its first bytes
  --log-format <format>    Log format: text, json (default: text)
  --log-file <file>        Write logs to a rotated file instead of stderr
  --log-max-size <mb>      Rotate the log file after this size (default: 100)

General:
  -h, --help               Show help
  -v, --version            Show version

Exit Codes:
  0  Success (interrupted)
  1  Runtime error
  2  CLI usage error
`)
}
