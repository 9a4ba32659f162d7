package tds

import (
	"context"
	"io"

	"github.com/ha1tch/tdsio/pkg/log"
)

// Option configures a ReadStream, WriteStream or Stream.
type Option func(*streamConfig)

type streamConfig struct {
	packetSize int
	logger     *log.Logger
}

func newStreamConfig(opts []Option) streamConfig {
	cfg := streamConfig{packetSize: DefaultPacketSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger
	}
	return cfg
}

// WithPacketSize sets the initial packet size. Sizes outside
// [MinPacketSize, MaxPacketSize] are ignored.
func WithPacketSize(size int) Option {
	return func(c *streamConfig) {
		if size >= MinPacketSize && size <= MaxPacketSize {
			c.packetSize = size
		}
	}
}

// WithLogger sets the logger used for packet tracing.
func WithLogger(l *log.Logger) Option {
	return func(c *streamConfig) {
		c.logger = l
	}
}

var discardLogger = log.Discard()

// ContextReader is implemented by transports whose reads can observe a
// context while blocked. The context is checked before every transport call
// either way.
type ContextReader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// ContextWriter is the write-side counterpart of ContextReader.
type ContextWriter interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

func readTransport(ctx context.Context, r io.Reader, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cr, ok := r.(ContextReader); ok {
		return cr.ReadContext(ctx, p)
	}
	return r.Read(p)
}

func writeTransport(ctx context.Context, w io.Writer, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cw, ok := w.(ContextWriter); ok {
		return cw.WriteContext(ctx, p)
	}
	return w.Write(p)
}
