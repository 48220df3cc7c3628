package action

import (
	"context"
	"sync"
	"time"
)

// Status is the state of one pending write.
type Status string

const (
	StatusPending        Status = "pending"
	StatusBackingOff     Status = "backing_off"
	StatusSucceeded      Status = "succeeded"
	StatusAlreadyApplied Status = "already_applied"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusAlreadyApplied, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Outcome reports a status change of one write.
type Outcome struct {
	TicketID    uint64
	Consequence Consequence
	Write       Write
	Status      Status
	Attempt     int
	// RetryAt and Delay are set while backing off.
	RetryAt time.Time
	Delay   time.Duration
	Err     error
	DryRun  bool
}

// Ticket tracks the writes of one applied consequence.
type Ticket struct {
	ID          uint64
	Consequence Consequence

	mu       sync.Mutex
	jobs     []*job
	outcomes []Outcome
	pending  int
	done     chan struct{}
}

func newTicket(id uint64, c Consequence) *Ticket {
	return &Ticket{ID: id, Consequence: c, done: make(chan struct{})}
}

// Done is closed once every write reached a terminal status.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket is done or ctx ends.
func (t *Ticket) Wait(ctx context.Context) ([]Outcome, error) {
	select {
	case <-t.done:
		return t.Outcomes(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcomes returns the terminal outcome of every finished write so far.
func (t *Ticket) Outcomes() []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Outcome, len(t.outcomes))
	copy(out, t.outcomes)
	return out
}

// Status summarizes the ticket: failed or canceled if any write was,
// already_applied if every write was, succeeded otherwise.
func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending > 0 {
		return StatusPending
	}
	if len(t.outcomes) == 0 {
		return StatusSucceeded
	}
	all := StatusAlreadyApplied
	for _, o := range t.outcomes {
		switch o.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCanceled:
			all = StatusCanceled
		case StatusSucceeded:
			if all == StatusAlreadyApplied {
				all = StatusSucceeded
			}
		}
	}
	return all
}

// Cancel stops every write that has not completed yet.
func (t *Ticket) Cancel() {
	t.mu.Lock()
	jobs := append([]*job(nil), t.jobs...)
	t.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
}

func (t *Ticket) addJob(j *job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs = append(t.jobs, j)
	t.pending++
}

func (t *Ticket) finish(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = append(t.outcomes, o)
	t.pending--
	if t.pending == 0 {
		close(t.done)
	}
}

// closeEmpty completes a ticket that produced no writes.
func (t *Ticket) closeEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		close(t.done)
	}
}

// job is one write with its own small state machine:
// pending -> backing_off -> pending -> ... -> terminal.
type job struct {
	ticket *Ticket
	write  Write
	key    string

	status    Status
	attempts  int
	firstTry  time.Time
	retryAt   time.Time
	dryRun    bool
	canceled  chan struct{}
	cancelOne sync.Once
}

func newJob(t *Ticket, w Write) *job {
	return &job{ticket: t, write: w, key: w.Key(), status: StatusPending, canceled: make(chan struct{})}
}

func (j *job) cancel() { j.cancelOne.Do(func() { close(j.canceled) }) }

func (j *job) isCanceled() bool {
	select {
	case <-j.canceled:
		return true
	default:
		return false
	}
}
