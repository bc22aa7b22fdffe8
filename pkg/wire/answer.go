package wire

import (
	"encoding/binary"
	"fmt"
)

// AnswerRecord is one resource record from the answer section. RData is a
// sub-slice of the original message, never a copy; callers must not mutate
// it.
type AnswerRecord struct {
	NameOffset int    // offset of the record's NAME in the message
	Type       uint16
	Class      uint16
	TTL        uint32
	RData      []byte
}

// AnswerWalker iterates the answer section lazily. Records with types the
// proxy does not understand are still yielded (advanced via RDLENGTH); an
// RDLENGTH that would overrun the packet stops the walk with ErrMalformed.
//
//	w := wire.WalkAnswers(msg, q.EndOffset, h.ANCount)
//	for w.Next() {
//		rec := w.Record()
//		...
//	}
//	if err := w.Err(); err != nil { ... }
type AnswerWalker struct {
	msg       []byte
	off       int
	remaining int
	rec       AnswerRecord
	err       error
}

// WalkAnswers positions a walker at start (the end of the question section)
// for ancount records.
func WalkAnswers(msg []byte, start int, ancount uint16) *AnswerWalker {
	return &AnswerWalker{
		msg:       msg,
		off:       start,
		remaining: int(ancount),
	}
}

// Next advances to the next answer record. It returns false at the end of
// the section or on the first malformed record; check Err afterwards.
func (w *AnswerWalker) Next() bool {
	if w.err != nil || w.remaining == 0 {
		return false
	}
	w.remaining--

	nameOffset := w.off
	if err := skipName(w.msg, &w.off); err != nil {
		w.err = err
		return false
	}

	// Fixed RR fields: TYPE(2) CLASS(2) TTL(4) RDLENGTH(2).
	if w.off+10 > len(w.msg) {
		w.err = fmt.Errorf("%w: answer record truncated", ErrMalformed)
		return false
	}
	rtype := binary.BigEndian.Uint16(w.msg[w.off : w.off+2])
	rclass := binary.BigEndian.Uint16(w.msg[w.off+2 : w.off+4])
	ttl := binary.BigEndian.Uint32(w.msg[w.off+4 : w.off+8])
	rdlength := int(binary.BigEndian.Uint16(w.msg[w.off+8 : w.off+10]))
	w.off += 10

	if w.off+rdlength > len(w.msg) {
		w.err = fmt.Errorf("%w: RDLENGTH %d overruns packet", ErrMalformed, rdlength)
		return false
	}

	w.rec = AnswerRecord{
		NameOffset: nameOffset,
		Type:       rtype,
		Class:      rclass,
		TTL:        ttl,
		RData:      w.msg[w.off : w.off+rdlength],
	}
	w.off += rdlength
	return true
}

// Record returns the record read by the last successful Next.
func (w *AnswerWalker) Record() AnswerRecord {
	return w.rec
}

// Err returns the first parse failure, if any.
func (w *AnswerWalker) Err() error {
	return w.err
}
