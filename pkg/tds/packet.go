// Package tds implements the client side of the TDS (Tabular Data Stream)
// framing layer used by SQL Server compatible database servers.
//
// A logical TDS message is carried in one or more wire packets, each
// prefixed with an 8-byte header that declares the packet length and whether
// the packet ends the message. ReadStream strips those headers from a
// transport byte stream, WriteStream adds them, and Reader/Writer encode the
// little-endian scalar values that message builders put in the payload.
//
// Header layout and constants are those of MS-TDS section 2.2.3.
package tds

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch carries an ad-hoc SQL batch.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest carries a remote procedure call.
	PacketRPCRequest PacketType = 3

	// PacketReply is sent by the server in response to a request.
	PacketReply PacketType = 4

	// PacketAttention cancels the request in progress.
	PacketAttention PacketType = 6

	// PacketBulkLoad carries bulk insert rows.
	PacketBulkLoad PacketType = 7

	// PacketFedAuthToken carries a federated authentication token.
	PacketFedAuthToken PacketType = 8

	// PacketTransMgrReq carries a transaction manager request.
	PacketTransMgrReq PacketType = 14

	// PacketNormal is the legacy TDS 4.x login type.
	PacketNormal PacketType = 15

	// PacketLogin7 carries a TDS 7.x login.
	PacketLogin7 PacketType = 16

	// PacketSSPIMessage carries an SSPI authentication token.
	PacketSSPIMessage PacketType = 17

	// PacketPrelogin carries connection parameter negotiation, and TLS
	// handshake records while encryption is being set up.
	PacketPrelogin PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketNormal:
		return "NORMAL"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus is the bit set carried in the second header byte.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow.
	StatusNormal PacketStatus = 0x00

	// StatusEOM marks the last packet of a message.
	StatusEOM PacketStatus = 0x01

	// StatusIgnore tells the server to discard the message. Set together
	// with StatusEOM when a partially sent request is cancelled.
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests a session reset before the request runs.
	StatusResetConnection PacketStatus = 0x08

	// StatusResetConnectionSkipTran resets the session but keeps the
	// transaction.
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

// Has reports whether every bit of flag is set.
func (s PacketStatus) Has(flag PacketStatus) bool {
	return s&flag == flag
}

func (s PacketStatus) String() string {
	if s == StatusNormal {
		return "NORMAL"
	}
	var parts []string
	for _, f := range []struct {
		bit  PacketStatus
		name string
	}{
		{StatusEOM, "EOM"},
		{StatusIgnore, "IGNORE"},
		{StatusResetConnection, "RESETCONNECTION"},
		{StatusResetConnectionSkipTran, "RESETCONNECTIONSKIPTRAN"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
			s &^= f.bit
		}
	}
	if s != 0 {
		parts = append(parts, fmt.Sprintf("0x%02X", uint8(s)))
	}
	return strings.Join(parts, "|")
}

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the packet size used until the server negotiates
// another one.
const DefaultPacketSize = 4096

// MaxPacketSize is the maximum allowed TDS packet size.
const MaxPacketSize = 32767

// MinPacketSize is the minimum allowed TDS packet size.
const MinPacketSize = 512

// Header represents a TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // Total packet length including header
	SPID     uint16 // Server process ID
	PacketID uint8  // Sequence number within the message, wraps at 256
	Window   uint8  // Unused, always 0
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
// Length and SPID are big-endian on the wire.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.OutOfRange("ParseHeader", 0, HeaderSize, len(b)).Err()
	}
	return Header{
		Type:     PacketType(b[0]),
		Status:   PacketStatus(b[1]),
		Length:   binary.BigEndian.Uint16(b[2:4]),
		SPID:     binary.BigEndian.Uint16(b[4:6]),
		PacketID: b[6],
		Window:   b[7],
	}, nil
}

// Put encodes the header into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Type)
	b[1] = byte(h.Status)
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint16(b[4:6], h.SPID)
	b[6] = h.PacketID
	b[7] = h.Window
}

// PayloadLength returns the length of the packet payload (excluding header).
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket returns true if this is the last packet in the message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// Validate checks the declared length against the negotiated packet size.
func (h Header) Validate(packetSize int) error {
	if h.Length < HeaderSize {
		return errors.Framing("Header.Validate", fmt.Sprintf("invalid packet length: %d", h.Length)).
			WithField("length", h.Length).
			Err()
	}
	if int(h.Length) > packetSize {
		return errors.Framing("Header.Validate", fmt.Sprintf("packet too large: %d > %d", h.Length, packetSize)).
			WithField("length", h.Length).
			WithField("packet_size", packetSize).
			Err()
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("%s status=%s len=%d spid=%d id=%d", h.Type, h.Status, h.Length, h.SPID, h.PacketID)
}

// ValidatePacketSize reports whether n is a packet size the protocol allows.
func ValidatePacketSize(op string, n int) error {
	if n < MinPacketSize || n > MaxPacketSize {
		return errors.Newf(errors.ErrCodeInvalidArgument, "packet size %d outside [%d,%d]", n, MinPacketSize, MaxPacketSize).
			WithOp(op).
			WithField("packet_size", n).
			Err()
	}
	return nil
}
