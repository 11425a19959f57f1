package models

import "testing"

func TestAlertStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to AlertStatus
		want     bool
	}{
		{AlertStatusPending, AlertStatusReviewing, true},
		{AlertStatusPending, AlertStatusConfirmed, true},
		{AlertStatusPending, AlertStatusRejected, true},
		{AlertStatusReviewing, AlertStatusConfirmed, true},
		{AlertStatusReviewing, AlertStatusRejected, true},
		{AlertStatusReviewing, AlertStatusPending, false},
		{AlertStatusConfirmed, AlertStatusPending, false},
		{AlertStatusConfirmed, AlertStatusReviewing, false},
		{AlertStatusConfirmed, AlertStatusRejected, false},
		{AlertStatusRejected, AlertStatusConfirmed, false},
		{AlertStatusPending, AlertStatusPending, false},
		{AlertStatus("bogus"), AlertStatusReviewing, false},
		{AlertStatusPending, AlertStatus("bogus"), false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAlertStatusValid(t *testing.T) {
	for _, s := range []AlertStatus{AlertStatusPending, AlertStatusReviewing, AlertStatusConfirmed, AlertStatusRejected} {
		if !s.Valid() {
			t.Errorf("%s not valid", s)
		}
	}
	if AlertStatus("resolved").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestSessionStateTerminal(t *testing.T) {
	terminal := map[SessionState]bool{
		SessionIdle:      false,
		SessionAcquiring: false,
		SessionRecording: false,
		SessionRotating:  false,
		SessionStopping:  false,
		SessionStopped:   true,
		SessionFailed:    true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
