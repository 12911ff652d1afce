// Package prompt holds the per-session prompt queue.
//
// The queue is a plain state machine with no goroutines or locks; it is owned
// by the session manager's command loop. At most one prompt holds the active
// slot at a time, and activation is blocked while the queue is held. A
// cancelled active prompt keeps the slot in the Cancelling state until the
// agent acknowledges it.
package prompt

import (
	"github.com/google/uuid"
)

// State is the lifecycle state of a prompt.
type State int

const (
	Queued State = iota
	Active
	Completed
	Failed
	Cancelled
	// Cancelling is an active prompt whose cancel has been requested but
	// not yet acknowledged.
	Cancelling
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Cancelling:
		return "cancelling"
	}
	return "unknown"
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Prompt is one user submission.
type Prompt struct {
	ID    string
	Text  string
	State State
	Err   error
}

// Queue orders prompts for a session.
type Queue struct {
	active *Prompt
	queued []*Prompt
	held   bool
}

// NewQueue returns an empty, released queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Submit enqueues text. If nothing is active or waiting and the queue is not
// held, the prompt is activated immediately and activated is true.
func (q *Queue) Submit(text string) (p *Prompt, activated bool) {
	p = &Prompt{ID: uuid.New().String(), Text: text, State: Queued}
	if q.active == nil && !q.held && len(q.queued) == 0 {
		p.State = Active
		q.active = p
		return p, true
	}
	q.queued = append(q.queued, p)
	return p, false
}

// Next activates the oldest queued prompt when nothing is active and the
// queue is not held.
func (q *Queue) Next() (*Prompt, bool) {
	if q.active != nil || q.held || len(q.queued) == 0 {
		return nil, false
	}
	p := q.queued[0]
	q.queued = q.queued[1:]
	p.State = Active
	q.active = p
	return p, true
}

// Complete finishes the active prompt if its id matches. A nil err marks it
// Completed, otherwise Failed. A Cancelling prompt becomes Cancelled
// whatever the reply. It returns false for any other id, which covers late
// replies to prompts whose cancel already timed out.
func (q *Queue) Complete(id string, err error) (*Prompt, bool) {
	if q.active == nil || q.active.ID != id {
		return nil, false
	}
	p := q.active
	q.active = nil
	switch {
	case p.State == Cancelling:
		p.State = Cancelled
	case err != nil:
		p.State = Failed
		p.Err = err
	default:
		p.State = Completed
	}
	return p, true
}

// RequestCancel moves the active prompt to Cancelling. The slot stays
// occupied until Complete or CancelActive. It returns false when nothing is
// active or a cancel is already pending.
func (q *Queue) RequestCancel() (*Prompt, bool) {
	if q.active == nil || q.active.State != Active {
		return nil, false
	}
	q.active.State = Cancelling
	return q.active, true
}

// Cancelling reports whether the active prompt is waiting for its cancel to
// be acknowledged.
func (q *Queue) Cancelling() bool {
	return q.active != nil && q.active.State == Cancelling
}

// CancelActive marks the active prompt Cancelled and frees the slot without
// waiting for the agent.
func (q *Queue) CancelActive() (*Prompt, bool) {
	if q.active == nil {
		return nil, false
	}
	p := q.active
	q.active = nil
	p.State = Cancelled
	return p, true
}

// CancelQueued removes a queued prompt. It returns false if id is not
// queued, including when it is already active.
func (q *Queue) CancelQueued(id string) (*Prompt, bool) {
	for i, p := range q.queued {
		if p.ID == id {
			q.queued = append(q.queued[:i:i], q.queued[i+1:]...)
			p.State = Cancelled
			return p, true
		}
	}
	return nil, false
}

// Active returns the active prompt or nil.
func (q *Queue) Active() *Prompt {
	return q.active
}

// Queued returns the waiting prompts, oldest first.
func (q *Queue) Queued() []*Prompt {
	out := make([]*Prompt, len(q.queued))
	copy(out, q.queued)
	return out
}

// Len counts the active and queued prompts.
func (q *Queue) Len() int {
	n := len(q.queued)
	if q.active != nil {
		n++
	}
	return n
}

// Hold blocks activation until Release.
func (q *Queue) Hold() {
	q.held = true
}

// Release unblocks activation. The caller should follow with Next.
func (q *Queue) Release() {
	q.held = false
}

// Held reports whether activation is blocked.
func (q *Queue) Held() bool {
	return q.held
}

// Reset fails the active prompt with err and cancels every queued prompt.
// A Cancelling active prompt is reported as cancelled, first. The queue is
// left empty and held state is unchanged.
func (q *Queue) Reset(err error) (failed *Prompt, cancelled []*Prompt) {
	if q.active != nil && q.active.State == Cancelling {
		q.active.State = Cancelled
		cancelled = append(cancelled, q.active)
		q.active = nil
	}
	if q.active != nil {
		failed = q.active
		failed.State = Failed
		failed.Err = err
		q.active = nil
	}
	for _, p := range q.queued {
		p.State = Cancelled
	}
	cancelled = append(cancelled, q.queued...)
	q.queued = nil
	return failed, cancelled
}
