package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lessucettes/adresu-matrix/internal/clock"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

// DefaultAccount names the acting account used when a consequence does
// not select one.
const DefaultAccount = "default"

// Backend is the set of homeserver writes the executor issues.
type Backend interface {
	Ban(ctx context.Context, roomID, userID, reason string) error
	Kick(ctx context.Context, roomID, userID, reason string) error
	Redact(ctx context.Context, roomID, eventID, reason string) error
	PowerLevels(ctx context.Context, roomID string) (*matrix.PowerLevels, error)
	SetUserPowerLevel(ctx context.Context, roomID, userID string, level int) error
	Quarantine(ctx context.Context, scope matrix.QuarantineScope, target string) error
}

// Precondition is consulted before every attempt. Returning false marks
// the write obsolete and it ends as canceled.
type Precondition func(ctx context.Context, c Consequence, w Write) bool

type Config struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	MaxRetryDuration time.Duration
	MutedPowerLevel  int
	DryRun           bool
	// AdminAccount acts for media quarantine when a consequence selects
	// no account and an account with that name is registered.
	AdminAccount string
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Minute,
		MaxAttempts:      10,
		MaxRetryDuration: 30 * time.Minute,
		MutedPowerLevel:  -1,
	}
}

type Option func(*Executor)

func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func WithLedger(l Ledger) Option {
	return func(e *Executor) { e.ledger = l }
}

func WithGuard(g Guard) Option {
	return func(e *Executor) { e.guard = g }
}

func WithPrecondition(p Precondition) Option {
	return func(e *Executor) { e.SetPrecondition(p) }
}

// Executor serializes writes per acting account and retries them under
// rate limits and transient failures.
type Executor struct {
	cfg     Config
	backoff BackoffPolicy
	clock   clock.Clock
	ledger  Ledger
	guard   Guard

	dryRun       atomic.Bool
	precondition atomic.Pointer[Precondition]
	queues       *xsync.MapOf[string, *accountQueue]
	nextID       atomic.Uint64

	listenersMu sync.RWMutex
	listeners   map[uint64]func(Outcome)
	nextSub     uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type accountQueue struct {
	name    string
	backend Backend

	mu      sync.Mutex
	jobs    []*job
	current *job
	state   RateLimitState
	wake    chan struct{}
}

// NewExecutor registers backend as the default account and starts its
// worker.
func NewExecutor(backend Backend, cfg Config, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:       cfg,
		backoff:   BackoffPolicy{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay},
		clock:     clock.Real(),
		queues:    xsync.NewMapOf[string, *accountQueue](),
		listeners: make(map[uint64]func(Outcome)),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.dryRun.Store(cfg.DryRun)
	for _, opt := range opts {
		opt(e)
	}
	if backend != nil {
		e.AddAccount(DefaultAccount, backend)
	}
	return e
}

// AddAccount starts a worker for a named acting account. Adding an
// existing name is a no-op.
func (e *Executor) AddAccount(name string, backend Backend) {
	q := &accountQueue{name: name, backend: backend, wake: make(chan struct{}, 1)}
	if _, loaded := e.queues.LoadOrStore(name, q); loaded {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.work(q)
	}()
}

func (e *Executor) SetPrecondition(p Precondition) {
	if p == nil {
		e.precondition.Store(nil)
		return
	}
	e.precondition.Store(&p)
}

// Subscribe registers fn for every status change. fn runs on a worker
// goroutine and must not block.
func (e *Executor) Subscribe(fn func(Outcome)) (unsubscribe func()) {
	e.listenersMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.listeners[id] = fn
	e.listenersMu.Unlock()
	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Executor) emit(o Outcome) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, fn := range e.listeners {
		fn(o)
	}
}

// Apply validates c, checks it against the safety guard and queues its
// writes. It does not wait for the writes to complete.
func (e *Executor) Apply(ctx context.Context, c Consequence) (*Ticket, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	account := c.Account
	if account == "" {
		account = DefaultAccount
		if c.Type == QuarantineMedia && e.cfg.AdminAccount != "" {
			if _, ok := e.queues.Load(e.cfg.AdminAccount); ok {
				account = e.cfg.AdminAccount
			}
		}
	}
	q, ok := e.queues.Load(account)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}

	ticket := newTicket(e.nextID.Add(1), c)
	writes := plan(c, e.cfg.MutedPowerLevel)
	if len(writes) == 0 {
		ticket.closeEmpty()
		return ticket, nil
	}
	if err := e.checkSafety(ctx, q.backend, c, writes); err != nil {
		slog.Warn("Refusing unsafe consequence", "type", c.Type, "room_id", c.RoomID, "target", c.Target, "source", c.Source, "error", err)
		return nil, err
	}

	jobs := make([]*job, 0, len(writes))
	for _, w := range writes {
		j := newJob(ticket, w)
		ticket.addJob(j)
		jobs = append(jobs, j)
	}

	q.mu.Lock()
	q.jobs = append(q.jobs, jobs...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return ticket, nil
}

// SetDryRun switches dry-run mode. Writes already in flight keep the
// mode they started with.
func (e *Executor) SetDryRun(on bool) {
	if e.dryRun.Swap(on) != on {
		slog.Warn("Executor dry-run mode changed", "dry_run", on)
	}
}

func (e *Executor) DryRun() bool {
	return e.dryRun.Load()
}

// CancelTarget cancels every queued or retrying write against userID in
// roomID and returns how many were canceled.
func (e *Executor) CancelTarget(roomID, userID string) int {
	return e.CancelWhere(roomID, userID, nil)
}

// CancelWhere cancels the queued or retrying writes against userID in
// roomID for which obsolete returns true. A nil obsolete matches every
// write.
func (e *Executor) CancelWhere(roomID, userID string, obsolete func(Consequence, Write) bool) int {
	n := 0
	e.queues.Range(func(_ string, q *accountQueue) bool {
		q.mu.Lock()
		candidates := append([]*job(nil), q.jobs...)
		if q.current != nil {
			candidates = append(candidates, q.current)
		}
		q.mu.Unlock()
		for _, j := range candidates {
			c := j.ticket.Consequence
			if c.RoomID != roomID || (c.Target != userID && j.write.Target != userID) {
				continue
			}
			if obsolete != nil && !obsolete(c, j.write) {
				continue
			}
			if !j.isCanceled() {
				j.cancel()
				n++
			}
		}
		return true
	})
	return n
}

// Pending returns how many writes are queued or in flight.
func (e *Executor) Pending() int {
	n := 0
	e.queues.Range(func(_ string, q *accountQueue) bool {
		q.mu.Lock()
		n += len(q.jobs)
		if q.current != nil {
			n++
		}
		q.mu.Unlock()
		return true
	})
	return n
}

// RateLimitState returns the backoff state of an account.
func (e *Executor) RateLimitState(account string) (RateLimitState, bool) {
	q, ok := e.queues.Load(account)
	if !ok {
		return RateLimitState{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, true
}

// Close stops every worker. Writes that did not complete end as canceled.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Executor) work(q *accountQueue) {
	for {
		j, ok := q.pop(e.ctx)
		if !ok {
			e.drain(q)
			return
		}
		e.process(q, j)
		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
	}
}

func (q *accountQueue) pop(ctx context.Context) (*job, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.current = j
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (e *Executor) drain(q *accountQueue) {
	q.mu.Lock()
	rest := q.jobs
	q.jobs = nil
	q.mu.Unlock()
	for _, j := range rest {
		e.finish(q, j, StatusCanceled, ErrExecutorClosed)
	}
}

// process drives one job to a terminal status.
func (e *Executor) process(q *accountQueue, j *job) {
	ctx := e.ctx
	w := j.write
	c := j.ticket.Consequence

	if j.isCanceled() {
		e.finish(q, j, StatusCanceled, nil)
		return
	}
	j.dryRun = e.dryRun.Load()
	if j.dryRun {
		slog.Info("Dry run, skipping write", "account", q.name, "kind", w.Kind, "room_id", w.RoomID, "target", w.Target, "source", c.Source)
		e.finish(q, j, StatusSucceeded, nil)
		return
	}

	if e.ledger != nil {
		claimed, err := e.ledger.Claim(ctx, j.key)
		if err != nil {
			slog.Warn("Ledger claim failed, issuing write anyway", "key", j.key, "error", err)
			claimed = true
		}
		if !claimed {
			slog.Debug("Write already issued", "key", j.key)
			e.finish(q, j, StatusAlreadyApplied, nil)
			return
		}
	}

	j.firstTry = e.clock.Now()
	for {
		if !e.waitAllowed(q, j) {
			e.finish(q, j, StatusCanceled, ctx.Err())
			return
		}
		if p := e.precondition.Load(); p != nil && !(*p)(ctx, c, w) {
			slog.Info("Write is obsolete", "kind", w.Kind, "room_id", w.RoomID, "target", w.Target)
			e.finish(q, j, StatusCanceled, nil)
			return
		}

		j.attempts++
		attemptsCounter.WithLabelValues(q.name, string(w.Kind)).Inc()
		err := execute(ctx, q.backend, w)
		if err != nil && ctx.Err() != nil {
			e.finish(q, j, StatusCanceled, err)
			return
		}
		class, hint := classify(w.Kind, err)

		switch class {
		case classOK, classAlreadyDone:
			q.resetBackoff()
			status := StatusSucceeded
			if class == classAlreadyDone {
				status = StatusAlreadyApplied
			}
			e.finish(q, j, status, nil)
			return
		case classPermanent:
			q.resetBackoff()
			e.finish(q, j, StatusFailed, fmt.Errorf("%w: %w", ErrPermanentFailure, err))
			return
		}

		failures := q.recordFailure()
		if e.cfg.MaxAttempts > 0 && j.attempts >= e.cfg.MaxAttempts {
			e.finish(q, j, StatusFailed, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, j.attempts, err))
			return
		}
		delay := e.backoff.Delay(failures, hint)
		now := e.clock.Now()
		if e.cfg.MaxRetryDuration > 0 && now.Add(delay).Sub(j.firstTry) > e.cfg.MaxRetryDuration {
			e.finish(q, j, StatusFailed, fmt.Errorf("%w after %s: %w", ErrRetriesExhausted, now.Sub(j.firstTry), err))
			return
		}

		j.status = StatusBackingOff
		j.retryAt = now.Add(delay)
		q.mu.Lock()
		q.state.NextAllowedAt = j.retryAt
		q.mu.Unlock()

		backoffHistogram.WithLabelValues(q.name).Observe(delay.Seconds())
		slog.Warn("Write failed, backing off",
			"account", q.name, "kind", w.Kind, "room_id", w.RoomID, "target", w.Target,
			"attempt", j.attempts, "delay", delay, "rate_limited", class == classRateLimited, "error", err)
		e.emit(Outcome{
			TicketID:    j.ticket.ID,
			Consequence: c,
			Write:       w,
			Status:      StatusBackingOff,
			Attempt:     j.attempts,
			RetryAt:     j.retryAt,
			Delay:       delay,
			Err:         err,
		})
	}
}

// waitAllowed blocks until the account may issue its next write.
// It returns false when the job is canceled or the executor closes.
func (e *Executor) waitAllowed(q *accountQueue, j *job) bool {
	q.mu.Lock()
	until := q.state.NextAllowedAt
	q.mu.Unlock()

	if wait := until.Sub(e.clock.Now()); wait > 0 {
		select {
		case <-e.clock.After(wait):
		case <-j.canceled:
			return false
		case <-e.ctx.Done():
			return false
		}
	}
	j.status = StatusPending
	return !j.isCanceled() && e.ctx.Err() == nil
}

func (q *accountQueue) recordFailure() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.ConsecutiveFailures++
	return q.state.ConsecutiveFailures
}

func (q *accountQueue) resetBackoff() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = RateLimitState{}
}

func (e *Executor) finish(q *accountQueue, j *job, status Status, err error) {
	j.status = status
	if e.ledger != nil && (status == StatusFailed || status == StatusCanceled) && !j.dryRun {
		if relErr := e.ledger.Release(context.Background(), j.key); relErr != nil {
			slog.Warn("Failed to release ledger key", "key", j.key, "error", relErr)
		}
	}

	w := j.write
	outcomesCounter.WithLabelValues(string(w.Kind), string(status)).Inc()
	switch {
	case status == StatusFailed:
		slog.Error("Write failed", "account", q.name, "kind", w.Kind, "room_id", w.RoomID, "target", w.Target, "attempts", j.attempts, "error", err)
	case status == StatusCanceled && errors.Is(err, ErrExecutorClosed):
		slog.Debug("Write dropped on shutdown", "kind", w.Kind, "target", w.Target)
	default:
		slog.Debug("Write finished", "account", q.name, "kind", w.Kind, "room_id", w.RoomID, "target", w.Target, "status", status)
	}

	o := Outcome{
		TicketID:    j.ticket.ID,
		Consequence: j.ticket.Consequence,
		Write:       w,
		Status:      status,
		Attempt:     j.attempts,
		Err:         err,
		DryRun:      j.dryRun,
	}
	j.ticket.finish(o)
	e.emit(o)
}

func execute(ctx context.Context, b Backend, w Write) error {
	switch w.Kind {
	case WriteBan:
		return b.Ban(ctx, w.RoomID, w.Target, w.Reason)
	case WriteKick:
		return b.Kick(ctx, w.RoomID, w.Target, w.Reason)
	case WriteRedact:
		return b.Redact(matrix.WithTxnID(ctx, w.TxnID()), w.RoomID, w.Target, w.Reason)
	case WritePowerLevel:
		return b.SetUserPowerLevel(ctx, w.RoomID, w.Target, w.Level)
	case WriteQuarantine:
		return b.Quarantine(ctx, w.Scope, w.Target)
	}
	return fmt.Errorf("%w: unknown write kind %q", ErrInvalidConsequence, w.Kind)
}
