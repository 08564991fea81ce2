package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// TieBreak orders messages that share a release time.
type TieBreak int

const (
	// TieBestEffort extracts whichever equal-time message is structurally
	// cheapest. Lowest overhead, no ordering promise among equal times.
	TieBestEffort TieBreak = iota

	// TieStrictOrder releases equal-time messages in submission order.
	TieStrictOrder
)

func (t TieBreak) String() string {
	switch t {
	case TieBestEffort:
		return "best_effort"
	case TieStrictOrder:
		return "strict"
	default:
		return fmt.Sprintf("tiebreak(%d)", int(t))
	}
}

// Config is fixed once the engine starts.
type Config struct {
	// IngressCapacity bounds the submission mailbox. Submitting beyond it
	// blocks or fails fast depending on BlockOnFullIngress.
	IngressCapacity int

	// EgressCapacity bounds the delivery mailbox. A full egress suspends the
	// waiter's release step; this is the engine's sole backpressure point.
	EgressCapacity int

	// MaxHeldMessages bounds the holding structure plus the in-flight
	// assignment. Submissions beyond it are rejected with ErrCapacityExceeded.
	MaxHeldMessages int

	TieBreak TieBreak

	// BlockOnFullIngress makes Submit wait for mailbox room (bounded by the
	// caller's context) instead of failing fast.
	BlockOnFullIngress bool

	// Clock defaults to the system clock when nil.
	Clock Clock
}

func (c Config) validate() error {
	var problems []string
	if c.IngressCapacity <= 0 {
		problems = append(problems, "ingress capacity must be > 0")
	}
	if c.EgressCapacity <= 0 {
		problems = append(problems, "egress capacity must be > 0")
	}
	if c.MaxHeldMessages <= 0 {
		problems = append(problems, "max held messages must be > 0")
	}
	if c.TieBreak != TieBestEffort && c.TieBreak != TieStrictOrder {
		problems = append(problems, fmt.Sprintf("unknown tie-break mode %d", int(c.TieBreak)))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Phase is the engine lifecycle. Stopped is terminal.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseRunning
	PhasePaused
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// MessageEvent is emitted on the event bus for message lifecycle events.
type MessageEvent struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Sequence uint64    `json:"sequence"`
	Reason   string    `json:"reason,omitempty"`
}

// PhaseEvent is emitted on the event bus when the lifecycle advances.
type PhaseEvent struct {
	Phase string `json:"phase"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Phase Phase

	// Held counts messages in the holding structure plus the in-flight
	// assignment.
	Held int

	Submitted          uint64
	Released           uint64
	Preempted          uint64
	RejectedCapacity   uint64
	RejectedNotRunning uint64
	Abandoned          uint64

	IngressLen int
	IngressCap int
	EgressLen  int
	EgressCap  int
}
