// Package wire implements the subset of RFC 1035 message parsing the proxy
// needs: the header, the single question, the answer section walk, and
// compressed name decoding. All access is bounds-checked; the input buffer is
// never mutated.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of a DNS header in bytes.
const HeaderSize = 12

// Header represents a DNS message header (RFC 1035 Section 4.1.1).
type Header struct {
	ID      uint16 // Transaction ID
	Flags   uint16 // QR, Opcode, AA, TC, RD, RA, Z, RCODE
	QDCount uint16 // Question count
	ANCount uint16 // Answer count
	NSCount uint16 // Authority (nameserver) count
	ARCount uint16 // Additional records count
}

// ParseHeader parses the 12-byte DNS header at the start of msg.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, fmt.Errorf("%w: packet shorter than header (%d bytes)", ErrMalformed, len(msg))
	}
	return Header{
		ID:      binary.BigEndian.Uint16(msg[0:2]),
		Flags:   binary.BigEndian.Uint16(msg[2:4]),
		QDCount: binary.BigEndian.Uint16(msg[4:6]),
		ANCount: binary.BigEndian.Uint16(msg[6:8]),
		NSCount: binary.BigEndian.Uint16(msg[8:10]),
		ARCount: binary.BigEndian.Uint16(msg[10:12]),
	}, nil
}

// Response reports whether the QR bit is set (message is a response).
func (h Header) Response() bool {
	return h.Flags&0x8000 != 0
}

// Authoritative reports whether the AA bit is set.
func (h Header) Authoritative() bool {
	return h.Flags&0x0400 != 0
}

// RCode returns the 4-bit response code.
func (h Header) RCode() uint8 {
	return uint8(h.Flags & 0x000F)
}

// TransactionID reads the TXID of a packet without parsing the rest of the
// header. The caller must have checked the length.
func TransactionID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[0:2])
}

// PatchTransactionID overwrites bytes 0-1 of msg with id. Used when serving
// a cached response template under a new client's TXID.
func PatchTransactionID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[0:2], id)
}
