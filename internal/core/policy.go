package core

import "github.com/vovakirdan/resultrelay/internal/store"

// Decision is the outcome of an admission check.
type Decision int

const (
	Admit Decision = iota
	RejectGlobalCapacity
	RejectRoomCapacity
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case RejectGlobalCapacity:
		return "reject_global_capacity"
	case RejectRoomCapacity:
		return "reject_room_capacity"
	default:
		return "unknown"
	}
}

// Err maps a rejection to its domain error. Admit maps to nil.
func (d Decision) Err() error {
	switch d {
	case RejectGlobalCapacity:
		return ErrServerFull
	case RejectRoomCapacity:
		return ErrRoomFull
	default:
		return nil
	}
}

// AdmissionPolicy decides whether a new connection fits. It has no side effects.
// Mode validity is checked by the caller before evaluation.
type AdmissionPolicy struct {
	MaxConnections int
}

// Evaluate applies the global cap first, then the per-room cap of the mode's class.
// Existing members are never preempted.
func (p AdmissionPolicy) Evaluate(globalCount, roomModeCount int, mode Mode) Decision {
	if globalCount >= p.MaxConnections {
		return RejectGlobalCapacity
	}
	if roomModeCount >= mode.Capacity() {
		return RejectRoomCapacity
	}
	return Admit
}

// Limits expresses the policy as bounds for a conditional store write.
func (p AdmissionPolicy) Limits(mode Mode) store.Limits {
	return store.Limits{Global: p.MaxConnections, Room: mode.Capacity()}
}
