// Package client dials a TDS server and brings a connection to the point
// where LOGIN7 can be sent: transport, PRELOGIN exchange and TLS cutover.
package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/log"
	"github.com/ha1tch/tdsio/pkg/tds"
	"github.com/ha1tch/tdsio/pkg/version"
)

// Encryption is the client's encryption policy.
type Encryption int

const (
	// EncryptionOff offers encryption; the server decides. A server that
	// only wants to encrypt the login is refused.
	EncryptionOff Encryption = iota
	// EncryptionRequired fails unless the whole session is encrypted.
	EncryptionRequired
	// EncryptionDisabled never encrypts.
	EncryptionDisabled
	// EncryptionStrict runs TLS on the raw connection before PRELOGIN.
	EncryptionStrict
)

func (e Encryption) String() string {
	switch e {
	case EncryptionOff:
		return "off"
	case EncryptionRequired:
		return "required"
	case EncryptionDisabled:
		return "disabled"
	case EncryptionStrict:
		return "strict"
	default:
		return fmt.Sprintf("Encryption(%d)", int(e))
	}
}

// preloginOption is the ENCRYPTION value announced in PRELOGIN.
func (e Encryption) preloginOption() uint8 {
	switch e {
	case EncryptionRequired:
		return tds.EncryptOn
	case EncryptionDisabled:
		return tds.EncryptNotSup
	case EncryptionStrict:
		return tds.EncryptStrict
	default:
		return tds.EncryptOff
	}
}

// DefaultPort is the TCP port of a default SQL Server instance.
const DefaultPort = 1433

// Config describes how to reach a server.
type Config struct {
	Host     string
	Port     int
	Instance string

	// PacketSize is the size requested in LOGIN7. Streams start at
	// tds.DefaultPacketSize; apply the server's answer with
	// Conn.SetPacketSize.
	PacketSize int

	Encryption  Encryption
	TLSConfig   *tls.Config
	DialTimeout time.Duration

	AppName     string
	Workstation string

	// CapturePath, when set, records every packet of the connection into
	// a SQLite file at this path.
	CapturePath string

	Logger *log.Logger
}

// DefaultConfig returns a configuration for a local default instance.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        DefaultPort,
		PacketSize:  tds.DefaultPacketSize,
		Encryption:  EncryptionRequired,
		DialTimeout: 15 * time.Second,
		AppName:     version.ClientProgName(),
	}
}

// captureParam is the connection string key for Config.CapturePath.
const captureParam = "capture file"

// ParseDSN builds a Config from a SQL Server connection string in any of
// the URL, ADO or ODBC forms.
func ParseDSN(dsn string) (Config, error) {
	p, err := msdsn.Parse(dsn)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.ErrCodeConfigParse, "parsing connection string").
			WithOp("client.ParseDSN").
			Err()
	}

	cfg := DefaultConfig()
	cfg.Host = p.Host
	cfg.Instance = p.Instance
	if p.Port != 0 {
		cfg.Port = int(p.Port)
	}
	if p.PacketSize != 0 {
		cfg.PacketSize = int(p.PacketSize)
	}
	if p.DialTimeout > 0 {
		cfg.DialTimeout = p.DialTimeout
	}
	if p.AppName != "" {
		cfg.AppName = p.AppName
	}
	cfg.Workstation = p.Workstation
	cfg.TLSConfig = p.TLSConfig
	cfg.CapturePath = p.Parameters[captureParam]

	switch p.Encryption {
	case msdsn.EncryptionRequired:
		cfg.Encryption = EncryptionRequired
	case msdsn.EncryptionDisabled:
		cfg.Encryption = EncryptionDisabled
	case msdsn.EncryptionStrict:
		cfg.Encryption = EncryptionStrict
	default:
		cfg.Encryption = EncryptionOff
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return configError("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return configError(fmt.Sprintf("invalid port %d", c.Port))
	}
	if err := tds.ValidatePacketSize("Config.Validate", c.PacketSize); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid packet size").WithOp("Config.Validate").Err()
	}
	if c.Encryption < EncryptionOff || c.Encryption > EncryptionStrict {
		return configError(fmt.Sprintf("unknown encryption mode %d", int(c.Encryption)))
	}
	return nil
}

func configError(msg string) error {
	return errors.New(errors.ErrCodeConfigInvalid, msg).WithOp("Config.Validate").Err()
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// tlsConfig returns the TLS settings for the handshake, with the server
// name filled in from Host when missing.
func (c Config) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = c.Host
	}
	return cfg
}
