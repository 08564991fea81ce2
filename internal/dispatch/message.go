package dispatch

import (
	"time"
)

const notInHeap = -1

// Message is the unit of work. ID, At and Payload are fixed at submission;
// the sequence is a monotonic counter assigned exactly once per engine
// instance and used only as the strict-order tie-break.
type Message struct {
	ID      string
	At      time.Time
	Payload any

	seq   uint64
	index int // position in the holding heap; notInHeap when outside it
}

// Sequence returns the submission counter. Unique and strictly increasing
// across the life of one engine instance.
func (m Message) Sequence() uint64 { return m.seq }

// before reports whether m must be released ahead of other. With strict
// ordering, equal release times fall back to submission order.
func (m *Message) before(other *Message, strict bool) bool {
	if m.At.Before(other.At) {
		return true
	}
	if other.At.Before(m.At) {
		return false
	}
	return strict && m.seq < other.seq
}

// delivery is the egress copy: the mutable heap bookkeeping stays behind.
func (m *Message) delivery() Message {
	return Message{ID: m.ID, At: m.At, Payload: m.Payload, seq: m.seq}
}
