package wire

import (
	"encoding/binary"
	"fmt"
)

// Record type and class codes the proxy works with.
const (
	TypeA     uint16 = 1
	TypeNS    uint16 = 2
	TypeCNAME uint16 = 5
	TypeSOA   uint16 = 6
	TypeMX    uint16 = 15
	TypeTXT   uint16 = 16
	TypeAAAA  uint16 = 28
	TypeHTTPS uint16 = 65

	ClassINET uint16 = 1
)

// TypeLabel returns a short mnemonic for known record types, or the numeric
// code for everything else.
func TypeLabel(t uint16) string {
	switch t {
	case TypeA:
		return "A"
	case TypeNS:
		return "NS"
	case TypeCNAME:
		return "CNAME"
	case TypeSOA:
		return "SOA"
	case TypeMX:
		return "MX"
	case TypeTXT:
		return "TXT"
	case TypeAAAA:
		return "AAAA"
	case TypeHTTPS:
		return "HTTPS"
	default:
		return fmt.Sprintf("TYPE%d", t)
	}
}

// Question is the decoded single question of a DNS message.
type Question struct {
	Labels [][]byte // name labels, verbatim wire bytes
	Type   uint16
	Class  uint16
	// EndOffset is the offset just past QCLASS in the original message,
	// i.e. where the answer section begins.
	EndOffset int
}

// Name returns the dot-joined question name without a trailing dot.
func (q Question) Name() string {
	return NameString(q.Labels)
}

// ExtractQuestion reads the single question starting at offset 12.
//
// It fails with ErrMalformed when the packet is shorter than a header, when
// QDCOUNT is not exactly 1, or when the name is invalid (oversized label or
// name, pointer outside the packet, pointer loop).
func ExtractQuestion(msg []byte) (Question, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return Question{}, err
	}
	if h.QDCount != 1 {
		return Question{}, fmt.Errorf("%w: QDCOUNT %d, want 1", ErrMalformed, h.QDCount)
	}

	off := HeaderSize
	labels, err := decodeName(msg, &off)
	if err != nil {
		return Question{}, err
	}
	if off+4 > len(msg) {
		return Question{}, fmt.Errorf("%w: question truncated after name", ErrMalformed)
	}

	q := Question{
		Labels:    labels,
		Type:      binary.BigEndian.Uint16(msg[off : off+2]),
		Class:     binary.BigEndian.Uint16(msg[off+2 : off+4]),
		EndOffset: off + 4,
	}
	return q, nil
}
