package prompt

import (
	"errors"
	"math/rand"
	"testing"
)

func TestSubmit_ActivatesWhenIdle(t *testing.T) {
	q := NewQueue()

	first, activated := q.Submit("one")
	if !activated || first.State != Active {
		t.Fatalf("first Submit: activated=%v state=%v, want active", activated, first.State)
	}
	second, activated := q.Submit("two")
	if activated || second.State != Queued {
		t.Errorf("second Submit: activated=%v state=%v, want queued", activated, second.State)
	}
	if first.ID == second.ID || first.ID == "" {
		t.Errorf("prompt ids %q and %q should be distinct and non-empty", first.ID, second.ID)
	}
}

func TestComplete_ThenNext(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	b, _ := q.Submit("b")

	if _, ok := q.Next(); ok {
		t.Fatal("Next should not activate while a prompt is active")
	}
	if p, ok := q.Complete(a.ID, nil); !ok || p.State != Completed {
		t.Fatalf("Complete(a) = %v, %v", p, ok)
	}
	next, ok := q.Next()
	if !ok || next != b || b.State != Active {
		t.Errorf("Next = %v, %v; want b active", next, ok)
	}
}

func TestComplete_Failure(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	boom := errors.New("boom")
	p, ok := q.Complete(a.ID, boom)
	if !ok || p.State != Failed || !errors.Is(p.Err, boom) {
		t.Errorf("Complete with error = %+v, %v", p, ok)
	}
}

func TestCancelActive_LateReplyIgnored(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	b, _ := q.Submit("b")

	p, ok := q.CancelActive()
	if !ok || p != a || a.State != Cancelled {
		t.Fatalf("CancelActive = %v, %v", p, ok)
	}
	if next, ok := q.Next(); !ok || next != b {
		t.Fatalf("Next after cancel = %v, %v; want b", next, ok)
	}

	// The agent's reply for the cancelled prompt arrives late.
	if _, ok := q.Complete(a.ID, nil); ok {
		t.Error("late reply for cancelled prompt should be ignored")
	}
	if a.State != Cancelled || b.State != Active {
		t.Errorf("states = %v, %v; want cancelled, active", a.State, b.State)
	}
}

func TestRequestCancel_HoldsSlotUntilReply(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	b, _ := q.Submit("b")

	p, ok := q.RequestCancel()
	if !ok || p != a || a.State != Cancelling || !q.Cancelling() {
		t.Fatalf("RequestCancel = %v, %v; state %v", p, ok, a.State)
	}
	if _, ok := q.RequestCancel(); ok {
		t.Error("second RequestCancel should be a no-op")
	}
	if _, ok := q.Next(); ok {
		t.Fatal("Next activated a prompt while the cancel was unacknowledged")
	}

	// Agents acknowledge with stopReason cancelled, or sometimes an error.
	done, ok := q.Complete(a.ID, errors.New("interrupted"))
	if !ok || done.State != Cancelled || done.Err != nil {
		t.Fatalf("Complete = %+v, %v; want cancelled without error", done, ok)
	}
	if q.Cancelling() {
		t.Error("Cancelling still true after the acknowledgement")
	}
	if next, ok := q.Next(); !ok || next != b {
		t.Errorf("Next = %v, %v; want b", next, ok)
	}
}

func TestReset_CancellingPromptIsCancelled(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	b, _ := q.Submit("b")
	q.RequestCancel()

	failed, cancelled := q.Reset(errors.New("gone"))
	if failed != nil {
		t.Errorf("failed = %+v, want nil", failed)
	}
	if len(cancelled) != 2 || cancelled[0] != a || cancelled[1] != b || a.State != Cancelled {
		t.Errorf("cancelled = %v", cancelled)
	}
}

func TestCancelQueued(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	b, _ := q.Submit("b")
	c, _ := q.Submit("c")

	if _, ok := q.CancelQueued(a.ID); ok {
		t.Error("CancelQueued should not cancel the active prompt")
	}
	if p, ok := q.CancelQueued(b.ID); !ok || p.State != Cancelled {
		t.Errorf("CancelQueued(b) = %v, %v", p, ok)
	}
	if _, ok := q.CancelQueued(b.ID); ok {
		t.Error("second CancelQueued(b) should report false")
	}
	queued := q.Queued()
	if len(queued) != 1 || queued[0] != c {
		t.Errorf("Queued = %v, want [c]", queued)
	}
}

func TestHoldBlocksActivation(t *testing.T) {
	q := NewQueue()
	q.Hold()
	p, activated := q.Submit("during restore")
	if activated || p.State != Queued {
		t.Fatalf("Submit while held activated the prompt")
	}
	if _, ok := q.Next(); ok {
		t.Fatal("Next while held should not activate")
	}
	q.Release()
	if next, ok := q.Next(); !ok || next != p {
		t.Errorf("Next after Release = %v, %v", next, ok)
	}
}

func TestReset(t *testing.T) {
	q := NewQueue()
	a, _ := q.Submit("a")
	b, _ := q.Submit("b")
	c, _ := q.Submit("c")

	gone := errors.New("disconnected")
	failed, cancelled := q.Reset(gone)
	if failed != a || a.State != Failed || !errors.Is(a.Err, gone) {
		t.Errorf("failed = %+v", failed)
	}
	if len(cancelled) != 2 || b.State != Cancelled || c.State != Cancelled {
		t.Errorf("cancelled = %v", cancelled)
	}
	if q.Len() != 0 || q.Active() != nil {
		t.Errorf("queue not empty after Reset: len=%d", q.Len())
	}
}

// TestAtMostOneActive drives random operations and checks the invariant after
// every step.
func TestAtMostOneActive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := NewQueue()
	var all []*Prompt

	for step := 0; step < 2000; step++ {
		switch rng.Intn(8) {
		case 0, 1:
			p, _ := q.Submit("x")
			all = append(all, p)
		case 2:
			if a := q.Active(); a != nil {
				q.Complete(a.ID, nil)
			}
		case 3:
			q.CancelActive()
		case 4:
			if qs := q.Queued(); len(qs) > 0 {
				q.CancelQueued(qs[rng.Intn(len(qs))].ID)
			}
		case 5:
			if rng.Intn(2) == 0 {
				q.Hold()
			} else {
				q.Release()
			}
		case 6:
			q.Next()
		case 7:
			q.RequestCancel()
		}

		active := 0
		for _, p := range all {
			if p.State == Active || p.State == Cancelling {
				active++
				if q.Active() != p {
					t.Fatalf("step %d: prompt %s is Active but not the queue's active", step, p.ID)
				}
			}
		}
		if active > 1 {
			t.Fatalf("step %d: %d active prompts", step, active)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Queued, "queued"},
		{Active, "active"},
		{Completed, "completed"},
		{Failed, "failed"},
		{Cancelled, "cancelled"},
		{Cancelling, "cancelling"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
	if Queued.Terminal() || Active.Terminal() || Cancelling.Terminal() || !Cancelled.Terminal() {
		t.Error("Terminal misclassified a state")
	}
}
