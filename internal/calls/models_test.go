package calls

import "testing"

func TestStatusActive(t *testing.T) {
	for _, s := range ActiveStatuses {
		if !s.Active() {
			t.Fatalf("expected %s to be active", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled} {
		if s.Active() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
}

func TestOutcomeConnected(t *testing.T) {
	if !OutcomeAnswered.Connected() || !OutcomeAbandoned.Connected() {
		t.Fatalf("answered and abandoned calls are connected")
	}
	for _, o := range []Outcome{OutcomeNoAnswer, OutcomeBusy, OutcomeVoicemail, OutcomeFailed, OutcomeCanceled} {
		if o.Connected() {
			t.Fatalf("expected %s to be unconnected", o)
		}
		if !o.Valid() {
			t.Fatalf("expected %s to be valid", o)
		}
	}
	if Outcome("maybe").Valid() {
		t.Fatalf("unknown outcome must be invalid")
	}
}
