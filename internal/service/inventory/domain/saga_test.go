// internal/service/inventory/domain/saga_test.go
package domain

import (
	"errors"
	"testing"
	"time"

	"stockpilot/internal/pkg/clock"
)

var testClock = clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

func TestSagaStateTransitions(t *testing.T) {
	all := []SagaState{SagaStatePending, SagaStateReserved, SagaStateFailed, SagaStateCompensated, SagaStateCompleted}
	allowed := map[SagaState]map[SagaState]bool{
		SagaStatePending:  {SagaStateReserved: true, SagaStateFailed: true},
		SagaStateReserved: {SagaStateCompensated: true, SagaStateCompleted: true},
	}

	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			want := allowed[from][to]
			if got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestSagaStateIsTerminal(t *testing.T) {
	tests := []struct {
		state    SagaState
		terminal bool
	}{
		{SagaStatePending, false},
		{SagaStateReserved, false},
		{SagaStateFailed, true},
		{SagaStateCompensated, true},
		{SagaStateCompleted, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestSagaRecordTransitionTo(t *testing.T) {
	items := []ReservedItem{{ProductID: "p1", Quantity: 2}}

	saga := NewSagaRecord("saga-1", "order-1", items, testClock)
	if saga.State != SagaStatePending {
		t.Fatalf("new saga state = %s, want PENDING", saga.State)
	}

	if err := saga.TransitionTo(SagaStateReserved, testClock); err != nil {
		t.Fatalf("PENDING -> RESERVED failed: %v", err)
	}
	if err := saga.TransitionTo(SagaStateCompensated, testClock); err != nil {
		t.Fatalf("RESERVED -> COMPENSATED failed: %v", err)
	}

	// 终态之后不允许任何流转
	if err := saga.TransitionTo(SagaStateCompleted, testClock); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of terminal state = %v, want ErrInvalidTransition", err)
	}
	if saga.State != SagaStateCompensated {
		t.Errorf("failed transition must not change state, got %s", saga.State)
	}
}

func TestSagaRecordSkipTransitionRejected(t *testing.T) {
	saga := NewSagaRecord("saga-1", "order-1", nil, testClock)
	// 不允许跳过 RESERVED 直接补偿
	if err := saga.TransitionTo(SagaStateCompensated, testClock); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING -> COMPENSATED = %v, want ErrInvalidTransition", err)
	}
}
