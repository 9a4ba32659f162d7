package tds

import (
	"bytes"
	"encoding/binary"
	"io"

	"code.hybscloud.com/iox"
)

// buildPacket returns a wire packet with the given header fields and payload.
func buildPacket(t PacketType, status PacketStatus, id uint8, payload []byte) []byte {
	pkt := make([]byte, HeaderSize+len(payload))
	pkt[0] = byte(t)
	pkt[1] = byte(status)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	binary.BigEndian.PutUint16(pkt[4:6], 0x0033)
	pkt[6] = id
	copy(pkt[HeaderSize:], payload)
	return pkt
}

// buildMessage splits payload into packets carrying at most chunk payload
// bytes each, the last one marked EOM.
func buildMessage(t PacketType, payload []byte, chunk int) []byte {
	var out []byte
	id := uint8(1)
	for {
		n := len(payload)
		status := StatusEOM
		if n > chunk {
			n = chunk
			status = StatusNormal
		}
		out = append(out, buildPacket(t, status, id, payload[:n])...)
		payload = payload[n:]
		id++
		if status == StatusEOM {
			return out
		}
	}
}

// chunkedReader returns at most size bytes per Read.
type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// wouldBlockReader alternates between delivering one chunk and reporting
// iox.ErrWouldBlock.
type wouldBlockReader struct {
	data    []byte
	size    int
	blocked bool
}

func (r *wouldBlockReader) Read(p []byte) (int, error) {
	if !r.blocked {
		r.blocked = true
		return 0, iox.ErrWouldBlock
	}
	r.blocked = false
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// emptyReader always returns (0, nil).
type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, nil }

// shortWriter accepts at most size bytes per Write and optionally reports
// iox.ErrWouldBlock on every other call.
type shortWriter struct {
	bytes.Buffer
	size       int
	wouldBlock bool
	calls      int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.wouldBlock && w.calls%2 == 1 {
		return 0, iox.ErrWouldBlock
	}
	n := len(p)
	if n > w.size {
		n = w.size
	}
	return w.Buffer.Write(p[:n])
}

// failWriter fails every Write.
type failWriter struct{ err error }

func (w failWriter) Write(p []byte) (int, error) { return 0, w.err }

// splitPackets parses a byte stream back into headers and payloads.
func splitPackets(b []byte) ([]Header, [][]byte) {
	var headers []Header
	var payloads [][]byte
	for len(b) >= HeaderSize {
		h, err := ParseHeader(b)
		if err != nil || int(h.Length) > len(b) || h.Length < HeaderSize {
			break
		}
		headers = append(headers, h)
		payloads = append(payloads, b[HeaderSize:h.Length])
		b = b[h.Length:]
	}
	return headers, payloads
}

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}
