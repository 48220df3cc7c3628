package matrix

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/clock"
)

// Syncer is the part of the client the sync loop needs.
type Syncer interface {
	Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error)
}

// EventHandler receives every event of a joined room in delivery order.
type EventHandler func(ctx context.Context, roomID string, evt *Event, observedAt time.Time)

// SyncLoop long-polls /sync and hands events to a handler. Events of one
// room are delivered sequentially in timeline order.
type SyncLoop struct {
	syncer  Syncer
	handler EventHandler
	clock   clock.Clock
	timeout time.Duration
	since   string
}

func NewSyncLoop(syncer Syncer, handler EventHandler, clk clock.Clock) *SyncLoop {
	if clk == nil {
		clk = clock.Real()
	}
	return &SyncLoop{
		syncer:  syncer,
		handler: handler,
		clock:   clk,
		timeout: 30 * time.Second,
	}
}

// SetTimeout sets the long-poll timeout passed to the server. Call before Run.
func (l *SyncLoop) SetTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// Run blocks until ctx is done. Failed syncs are retried with a capped
// exponential delay, honouring rate-limit hints.
func (l *SyncLoop) Run(ctx context.Context) error {
	const (
		minDelay = time.Second
		maxDelay = time.Minute
	)
	delay := minDelay

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := l.syncer.Sync(ctx, SyncOptions{Since: l.since, Timeout: l.timeout})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			wait := delay
			if hint, ok := IsRateLimited(err); ok && hint > wait {
				wait = hint
			}
			slog.Warn("Sync failed, retrying", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.clock.After(wait):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		delay = minDelay

		l.dispatch(ctx, resp)
		l.since = resp.NextBatch
	}
}

// Since returns the last processed batch token.
func (l *SyncLoop) Since() string { return l.since }

func (l *SyncLoop) dispatch(ctx context.Context, resp *SyncResponse) {
	observedAt := l.clock.Now()
	for roomID, room := range resp.Rooms.Join {
		for i := range room.State.Events {
			evt := &room.State.Events[i]
			evt.RoomID = roomID
			l.handler(ctx, roomID, evt, observedAt)
		}
		for i := range room.Timeline.Events {
			evt := &room.Timeline.Events[i]
			evt.RoomID = roomID
			l.handler(ctx, roomID, evt, observedAt)
		}
	}
}
