// internal/events/envelope_test.go
package events

import (
	"errors"
	"testing"
	"time"

	"stockpilot/internal/pkg/clock"
)

var testClock = clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("inventory-service", "saga-1", 2, testClock)

	if env.EventID == "" {
		t.Fatal("expected a generated event id")
	}
	if env.SagaID != "saga-1" {
		t.Errorf("SagaID = %q, want saga-1", env.SagaID)
	}
	if !env.OccurredAt.Equal(testClock.T) {
		t.Errorf("OccurredAt = %v, want clock time %v", env.OccurredAt, testClock.T)
	}
	if env.Version != 2 {
		t.Errorf("Version = %d, want 2", env.Version)
	}
	if env.Source != "inventory-service" {
		t.Errorf("Source = %q, want inventory-service", env.Source)
	}

	other := NewEnvelope("inventory-service", "saga-1", 2, testClock)
	if other.EventID == env.EventID {
		t.Error("two envelopes must never share an event id")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{"valid", Envelope{EventID: "e1", SagaID: "s1"}, nil},
		{"missing event id", Envelope{SagaID: "s1"}, ErrMissingEventID},
		{"missing saga id", Envelope{EventID: "e1"}, ErrMissingSagaID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureVersion(t *testing.T) {
	tests := []struct {
		name      string
		version   int
		supported int
		wantErr   bool
	}{
		{"current version", 2, 2, false},
		{"older version accepted", 1, 2, false},
		{"zero treated as v1", 0, 2, false},
		{"newer version rejected", 3, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{EventID: "e1", SagaID: "s1", Version: tt.version}
			err := env.EnsureVersion(tt.supported)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureVersion(%d) = %v, wantErr %v", tt.supported, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrUnsupportedVersion) {
				t.Errorf("error %v should wrap ErrUnsupportedVersion", err)
			}
		})
	}
}
