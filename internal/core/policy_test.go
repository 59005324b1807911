package core

import (
	"errors"
	"testing"
)

func TestAdmissionPolicyEvaluate(t *testing.T) {
	policy := AdmissionPolicy{MaxConnections: 10}

	tests := []struct {
		name      string
		global    int
		roomCount int
		mode      Mode
		expected  Decision
	}{
		{name: "empty arena room", global: 0, roomCount: 0, mode: 1, expected: Admit},
		{name: "arena room with three", global: 3, roomCount: 3, mode: 2, expected: Admit},
		{name: "arena room full", global: 4, roomCount: 4, mode: 4, expected: RejectRoomCapacity},
		{name: "arena room over full", global: 5, roomCount: 5, mode: 5, expected: RejectRoomCapacity},
		{name: "battle room with one", global: 1, roomCount: 1, mode: 3, expected: Admit},
		{name: "battle room full", global: 2, roomCount: 2, mode: 6, expected: RejectRoomCapacity},
		{name: "global cap reached", global: 10, roomCount: 0, mode: 1, expected: RejectGlobalCapacity},
		{name: "global cap wins over room cap", global: 10, roomCount: 4, mode: 1, expected: RejectGlobalCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Evaluate(tt.global, tt.roomCount, tt.mode); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDecisionErr(t *testing.T) {
	if Admit.Err() != nil {
		t.Fatalf("expected nil error for admit")
	}
	if !errors.Is(RejectGlobalCapacity.Err(), ErrServerFull) {
		t.Fatalf("expected ErrServerFull, got %v", RejectGlobalCapacity.Err())
	}
	if !errors.Is(RejectRoomCapacity.Err(), ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", RejectRoomCapacity.Err())
	}
}

func TestAdmissionPolicyLimits(t *testing.T) {
	policy := AdmissionPolicy{MaxConnections: 7}

	if l := policy.Limits(1); l.Global != 7 || l.Room != ArenaCapacity {
		t.Fatalf("unexpected arena limits: %+v", l)
	}
	if l := policy.Limits(6); l.Global != 7 || l.Room != BattleCapacity {
		t.Fatalf("unexpected battle limits: %+v", l)
	}
}
