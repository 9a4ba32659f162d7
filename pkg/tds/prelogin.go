package tds

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption options for prelogin.
const (
	EncryptOff    uint8 = 0x00 // Encryption available but off
	EncryptOn     uint8 = 0x01 // Encryption available and on
	EncryptNotSup uint8 = 0x02 // Encryption not supported
	EncryptReq    uint8 = 0x03 // Encryption required
	EncryptStrict uint8 = 0x04 // Strict encryption (TDS 8.0)
)

// EncryptionString returns a readable name for an encryption option.
func EncryptionString(e uint8) string {
	switch e {
	case EncryptOff:
		return "OFF"
	case EncryptOn:
		return "ON"
	case EncryptNotSup:
		return "NOT_SUP"
	case EncryptReq:
		return "REQ"
	case EncryptStrict:
		return "STRICT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", e)
	}
}

const (
	preloginOptionHeaderSize = 5 // token, offset BE, length BE
	preloginVersionSize      = 6
	preloginTraceIDSize      = 36
	preloginNonceSize        = 32
)

// PreloginOption represents a single prelogin option header.
type PreloginOption struct {
	Token  uint8
	Offset uint16
	Length uint16
}

// Prelogin is a PRELOGIN message, either the client request or the server
// response. Nil slices and an empty Instance leave the matching option out
// of an encoded message.
type Prelogin struct {
	Version    Version
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
	TraceID    []byte // 36 bytes if present
	FedAuth    uint8
	Nonce      []byte // 32 bytes if present

	// Options present when parsed; used to tell an absent FedAuth from 0.
	present map[uint8]bool
}

// Has reports whether a parsed message carried the option token.
func (p *Prelogin) Has(token uint8) bool {
	return p.present[token]
}

// Version is the product version exchanged in PRELOGIN.
type Version struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.SubBuild)
}

// ClientVersion is the version this package announces in its requests.
var ClientVersion = Version{Major: 1, Minor: 0, Build: 0, SubBuild: 0}

// NewClientPrelogin returns a request announcing the given encryption
// option. MARS is always off.
func NewClientPrelogin(encryption uint8, instance string, threadID uint32) *Prelogin {
	return &Prelogin{
		Version:    ClientVersion,
		Encryption: encryption,
		Instance:   instance,
		ThreadID:   threadID,
	}
}

type preloginField struct {
	token uint8
	size  int
	put   func(bb *ByteBuffer, off int) error
}

func (p *Prelogin) fields() []preloginField {
	fields := []preloginField{
		{PreloginVersion, preloginVersionSize, func(bb *ByteBuffer, off int) error {
			off, err := bb.WriteUint8(off, p.Version.Major)
			if err != nil {
				return err
			}
			if off, err = bb.WriteUint8(off, p.Version.Minor); err != nil {
				return err
			}
			if off, err = bb.WriteUint16(off, p.Version.Build, binary.BigEndian); err != nil {
				return err
			}
			_, err = bb.WriteUint16(off, p.Version.SubBuild, binary.BigEndian)
			return err
		}},
		{PreloginEncryption, 1, func(bb *ByteBuffer, off int) error {
			_, err := bb.WriteUint8(off, p.Encryption)
			return err
		}},
		{PreloginInstOpt, len(p.Instance) + 1, func(bb *ByteBuffer, off int) error {
			off, err := bb.WriteBytes(off, []byte(p.Instance))
			if err != nil {
				return err
			}
			_, err = bb.WriteUint8(off, 0)
			return err
		}},
		{PreloginThreadID, 4, func(bb *ByteBuffer, off int) error {
			_, err := bb.WriteUint32(off, p.ThreadID, binary.BigEndian)
			return err
		}},
		{PreloginMARS, 1, func(bb *ByteBuffer, off int) error {
			_, err := bb.WriteUint8(off, p.MARS)
			return err
		}},
	}
	if p.TraceID != nil {
		fields = append(fields, preloginField{PreloginTraceID, len(p.TraceID), func(bb *ByteBuffer, off int) error {
			_, err := bb.WriteBytes(off, p.TraceID)
			return err
		}})
	}
	if p.FedAuth != 0 {
		fields = append(fields, preloginField{PreloginFedAuth, 1, func(bb *ByteBuffer, off int) error {
			_, err := bb.WriteUint8(off, p.FedAuth)
			return err
		}})
	}
	if p.Nonce != nil {
		fields = append(fields, preloginField{PreloginNonceOpt, len(p.Nonce), func(bb *ByteBuffer, off int) error {
			_, err := bb.WriteBytes(off, p.Nonce)
			return err
		}})
	}
	return fields
}

// Encode returns the PRELOGIN payload: the option table, the terminator,
// then the option data in table order.
func (p *Prelogin) Encode() ([]byte, error) {
	fields := p.fields()

	headerSize := len(fields)*preloginOptionHeaderSize + 1
	total := headerSize
	for _, f := range fields {
		total += f.size
	}
	if total > 0xFFFF {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "prelogin payload too large: %d", total).
			WithOp("Prelogin.Encode").
			Err()
	}

	bb := NewByteBuffer(total)
	pos := 0
	dataOff := headerSize
	var err error
	for _, f := range fields {
		if pos, err = bb.WriteUint8(pos, f.token); err != nil {
			return nil, err
		}
		if pos, err = bb.WriteUint16(pos, uint16(dataOff), binary.BigEndian); err != nil {
			return nil, err
		}
		if pos, err = bb.WriteUint16(pos, uint16(f.size), binary.BigEndian); err != nil {
			return nil, err
		}
		if err := f.put(bb, dataOff); err != nil {
			return nil, err
		}
		dataOff += f.size
	}
	if _, err := bb.WriteUint8(pos, PreloginTerminator); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func preloginError(msg string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeProtocolError, msg, args...).WithOp("ParsePrelogin").Err()
}

// ParsePrelogin parses a PRELOGIN payload.
func ParsePrelogin(data []byte) (*Prelogin, error) {
	if len(data) == 0 {
		return nil, preloginError("empty prelogin data")
	}

	bb := WrapByteBuffer(data)
	p := &Prelogin{present: make(map[uint8]bool)}

	// First pass: option headers
	var options []PreloginOption
	offset := 0
	for {
		token, err := bb.ReadUint8(offset)
		if err != nil {
			return nil, preloginError("prelogin data truncated reading options")
		}
		if token == PreloginTerminator {
			break
		}
		if offset+preloginOptionHeaderSize > len(data) {
			return nil, preloginError("prelogin option header truncated")
		}
		opt := PreloginOption{Token: token}
		opt.Offset, _ = bb.ReadUint16(offset+1, binary.BigEndian)
		opt.Length, _ = bb.ReadUint16(offset+3, binary.BigEndian)
		options = append(options, opt)
		offset += preloginOptionHeaderSize
	}

	// Second pass: option values
	for _, opt := range options {
		value, err := bb.Slice(int(opt.Offset), int(opt.Length))
		if err != nil {
			return nil, preloginError("prelogin option %d data out of bounds", opt.Token)
		}
		v := value.Bytes()
		p.present[opt.Token] = true

		switch opt.Token {
		case PreloginVersion:
			if len(v) >= preloginVersionSize {
				p.Version = Version{
					Major:    v[0],
					Minor:    v[1],
					Build:    binary.BigEndian.Uint16(v[2:4]),
					SubBuild: binary.BigEndian.Uint16(v[4:6]),
				}
			}
		case PreloginEncryption:
			if len(v) >= 1 {
				p.Encryption = v[0]
			}
		case PreloginInstOpt:
			// Instance is null-terminated
			n := 0
			for n < len(v) && v[n] != 0 {
				n++
			}
			p.Instance = string(v[:n])
		case PreloginThreadID:
			if len(v) >= 4 {
				p.ThreadID = binary.BigEndian.Uint32(v)
			}
		case PreloginMARS:
			if len(v) >= 1 {
				p.MARS = v[0]
			}
		case PreloginTraceID:
			if len(v) >= preloginTraceIDSize {
				p.TraceID = v[:preloginTraceIDSize]
			}
		case PreloginFedAuth:
			if len(v) >= 1 {
				p.FedAuth = v[0]
			}
		case PreloginNonceOpt:
			if len(v) >= preloginNonceSize {
				p.Nonce = v[:preloginNonceSize]
			}
		}
	}

	return p, nil
}

// WritePrelogin sends p as a complete PRELOGIN message.
func WritePrelogin(ctx context.Context, s *Stream, p *Prelogin) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	if err := s.SetPacketType(PacketPrelogin); err != nil {
		return err
	}
	if err := NewWriter(s).WriteBytes(ctx, data); err != nil {
		return err
	}
	return s.FlushContext(ctx)
}

// ReadPrelogin reads one complete message and parses it as a PRELOGIN
// response. The stream is left ready for the next message.
func ReadPrelogin(ctx context.Context, s *Stream) (*Prelogin, error) {
	data, err := ReadMessage(ctx, s.ReadStream())
	if err != nil {
		return nil, err
	}
	if t := s.ReadStream().PacketType(); t != PacketReply {
		return nil, errors.Newf(errors.ErrCodeProtocolError, "unexpected %s packet in prelogin response", t).
			WithOp("ReadPrelogin").
			Fatal().
			Err()
	}
	return ParsePrelogin(data)
}

// ReadMessage reads the remainder of the current message and arms the
// stream for the next one.
func ReadMessage(ctx context.Context, rs *ReadStream) ([]byte, error) {
	var msg []byte
	chunk := make([]byte, 512)
	for {
		n, err := rs.ReadContext(ctx, chunk)
		msg = append(msg, chunk[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	if err := rs.BeginMessage(); err != nil {
		return nil, err
	}
	return msg, nil
}
