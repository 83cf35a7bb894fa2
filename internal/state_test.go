package internal

import (
	"errors"
	"testing"
	"time"
)

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateIdle, "idle"},
		{StateCheckedOut, "checked_out"},
		{StateDead, "dead"},
		{ConnState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnStateTransitions(t *testing.T) {
	tests := []struct {
		from, to ConnState
		want     bool
	}{
		{StateIdle, StateCheckedOut, true},
		{StateIdle, StateDead, true},
		{StateCheckedOut, StateIdle, true},
		{StateCheckedOut, StateDead, true},
		{StateDead, StateIdle, false},
		{StateDead, StateCheckedOut, false},
		{StateIdle, StateIdle, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestWaitMetrics(t *testing.T) {
	var m WaitMetrics
	m.Record(10 * time.Millisecond)
	m.Record(5 * time.Millisecond)

	count, total := m.Snapshot()
	if count != 2 {
		t.Errorf("Expected 2 waits, got %d", count)
	}
	if total != 15*time.Millisecond {
		t.Errorf("Expected 15ms total, got %v", total)
	}
}

func TestJoinCause(t *testing.T) {
	sentinel := errors.New("sentinel")
	cause := errors.New("cause")

	err := JoinCause(sentinel, cause)
	if !errors.Is(err, sentinel) || !errors.Is(err, cause) {
		t.Errorf("JoinCause should match both errors, got %v", err)
	}
	if JoinCause(sentinel, nil) != sentinel {
		t.Error("JoinCause with nil cause should return the sentinel")
	}
}
