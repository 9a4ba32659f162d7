package tds

import (
	"testing"

	"github.com/ha1tch/tdsio/pkg/errors"
)

func TestHeaderPutParse(t *testing.T) {
	h := Header{
		Type:     PacketSQLBatch,
		Status:   StatusEOM | StatusResetConnection,
		Length:   0x0123,
		SPID:     0x4567,
		PacketID: 9,
	}

	var buf [HeaderSize]byte
	h.Put(buf[:])

	want := []byte{0x01, 0x09, 0x01, 0x23, 0x45, 0x67, 0x09, 0x00}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d = 0x%02X, want 0x%02X (got % X)", i, buf[i], want[i], buf)
		}
	}

	got, err := ParseHeader(buf[:])
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if got != h {
		t.Errorf("ParseHeader = %+v, want %+v", got, h)
	}
	if got.PayloadLength() != 0x0123-HeaderSize {
		t.Errorf("PayloadLength = %d, want %d", got.PayloadLength(), 0x0123-HeaderSize)
	}
	if !got.IsLastPacket() {
		t.Error("IsLastPacket = false, want true")
	}
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2, 3})
	if !errors.IsCode(err, errors.ErrCodeOutOfRange) {
		t.Errorf("ParseHeader(short) error = %v, want %s", err, errors.ErrCodeOutOfRange)
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		length uint16
		ok     bool
	}{
		{0, false},
		{7, false},
		{8, true},
		{512, true},
		{4096, true},
		{4097, false},
	}

	for _, tt := range tests {
		err := Header{Length: tt.length}.Validate(DefaultPacketSize)
		if tt.ok && err != nil {
			t.Errorf("Validate(length=%d) = %v, want nil", tt.length, err)
		}
		if !tt.ok {
			if !errors.IsCode(err, errors.ErrCodeProtocolError) {
				t.Errorf("Validate(length=%d) = %v, want %s", tt.length, err, errors.ErrCodeProtocolError)
			}
			if !errors.IsFatal(err) {
				t.Errorf("Validate(length=%d) error is not fatal", tt.length)
			}
		}
	}
}

func TestPacketStatusString(t *testing.T) {
	tests := []struct {
		status PacketStatus
		want   string
	}{
		{StatusNormal, "NORMAL"},
		{StatusEOM, "EOM"},
		{StatusEOM | StatusIgnore, "EOM|IGNORE"},
		{StatusResetConnectionSkipTran, "RESETCONNECTIONSKIPTRAN"},
		{StatusEOM | 0x40, "EOM|0x40"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("PacketStatus(0x%02X).String() = %q, want %q", uint8(tt.status), got, tt.want)
		}
	}
}

func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		typ  PacketType
		want string
	}{
		{PacketSQLBatch, "SQL_BATCH"},
		{PacketAttention, "ATTENTION"},
		{PacketPrelogin, "PRELOGIN"},
		{PacketType(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("PacketType(%d).String() = %q, want %q", uint8(tt.typ), got, tt.want)
		}
	}
}

func TestValidatePacketSize(t *testing.T) {
	for _, n := range []int{MinPacketSize, DefaultPacketSize, MaxPacketSize} {
		if err := ValidatePacketSize("test", n); err != nil {
			t.Errorf("ValidatePacketSize(%d) = %v, want nil", n, err)
		}
	}
	for _, n := range []int{0, MinPacketSize - 1, MaxPacketSize + 1} {
		if err := ValidatePacketSize("test", n); !errors.IsCode(err, errors.ErrCodeInvalidArgument) {
			t.Errorf("ValidatePacketSize(%d) = %v, want %s", n, err, errors.ErrCodeInvalidArgument)
		}
	}
}
