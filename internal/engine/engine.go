// Package engine routes room events to the policy lists, the member
// index and the protection pipeline, and keeps the protected rooms in
// line with the watched ban lists.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/clock"
	"github.com/lessucettes/adresu-matrix/internal/config"
	"github.com/lessucettes/adresu-matrix/internal/history"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/membership"
	"github.com/lessucettes/adresu-matrix/internal/policylist"
	"github.com/lessucettes/adresu-matrix/internal/protection"
)

const (
	banSyncSource       = "ban_sync"
	historyRedactSource = "history_redact"
)

var ErrNotProtected = errors.New("room is not protected")

// Homeserver is what the engine reads directly.
type Homeserver interface {
	history.Pager
	JoinRoom(ctx context.Context, roomIDOrAlias string, via []string) (string, error)
	JoinedMembers(ctx context.Context, roomID string) (map[string]matrix.Member, error)
}

// RoomStore persists the protected rooms.
type RoomStore interface {
	SaveProtectedRoom(ctx context.Context, roomID string) error
	DeleteProtectedRoom(ctx context.Context, roomID string) error
	ProtectedRooms(ctx context.Context) ([]string, error)
}

// listStore is implemented by stores that also remember watched lists.
type listStore interface {
	WatchedLists(ctx context.Context) (map[string]string, error)
}

// Sink is where the engine sends consequences; *action.Executor in
// production.
type Sink interface {
	Apply(ctx context.Context, c action.Consequence) (*action.Ticket, error)
	Subscribe(fn func(action.Outcome)) func()
	SetPrecondition(p action.Precondition)
	CancelWhere(roomID, userID string, obsolete func(action.Consequence, action.Write) bool) int
}

// dryRunSwitch is implemented by sinks whose dry-run mode can change on
// reload.
type dryRunSwitch interface {
	SetDryRun(on bool)
}

type Deps struct {
	Homeserver Homeserver
	Lists      *policylist.Manager
	Members    *membership.Index
	Pipeline   *protection.Pipeline
	Sink       Sink
	// Store may be nil; protected rooms are then kept in memory only.
	Store RoomStore
	Clock clock.Clock
	// BotUserID is never moderated.
	BotUserID string
	// Guard, when set, is kept holding the bot, the configured management
	// members and the joined members of the management room.
	Guard *action.StaticGuard
}

type Engine struct {
	hs       Homeserver
	lists    *policylist.Manager
	members  *membership.Index
	pipeline *protection.Pipeline
	sink     Sink
	store    RoomStore
	clock    clock.Clock
	botID    string

	guard          *action.StaticGuard
	guardMu        sync.Mutex
	configuredMods []string
	managementRoom string
	managers       map[string]struct{}

	protected *xsync.MapOf[string, struct{}]
	roomLocks *xsync.MapOf[string, *sync.Mutex]

	syncOnChange atomic.Bool
	syncRequests chan struct{}
	resyncEvery  time.Duration
	unsubscribe  func()
}

func New(deps Deps) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	e := &Engine{
		hs:           deps.Homeserver,
		lists:        deps.Lists,
		members:      deps.Members,
		pipeline:     deps.Pipeline,
		sink:         deps.Sink,
		store:        deps.Store,
		clock:        clk,
		botID:        deps.BotUserID,
		guard:        deps.Guard,
		managers:     make(map[string]struct{}),
		protected:    xsync.NewMapOf[string, struct{}](),
		roomLocks:    xsync.NewMapOf[string, *sync.Mutex](),
		syncRequests: make(chan struct{}, 1),
	}
	e.syncOnChange.Store(true)
	e.guardMu.Lock()
	e.refreshGuardLocked()
	e.guardMu.Unlock()
	if e.sink != nil {
		e.sink.SetPrecondition(e.stillNeeded)
	}
	if e.lists != nil {
		e.unsubscribe = e.lists.Subscribe(e.onListChange)
	}
	return e
}

// ApplyConfig applies the reloadable parts of cfg.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	e.syncOnChange.Store(cfg.Engine.SyncBansOnChange)
	e.guardMu.Lock()
	e.configuredMods = append([]string(nil), cfg.Engine.ManagementMembers...)
	e.refreshGuardLocked()
	e.guardMu.Unlock()
	if s, ok := e.sink.(dryRunSwitch); ok {
		s.SetDryRun(cfg.Engine.DryRun)
	}
	if e.pipeline == nil {
		return nil
	}
	e.pipeline.ApplyConfig(cfg)
	return e.pipeline.Configure(cfg.Protections)
}

// Start joins the management room, restores the persisted protected
// rooms, protects the configured ones and watches the configured lists.
// Every failure is reported and the rest still starts.
func (e *Engine) Start(ctx context.Context, cfg *config.Config) error {
	var errs []error
	e.resyncEvery = cfg.Engine.ListResyncInterval
	if ref := cfg.Engine.ManagementRoom; ref != "" {
		if err := e.loadManagementRoom(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}
	rooms := append([]string(nil), cfg.Engine.ProtectedRooms...)
	if e.store != nil {
		saved, err := e.store.ProtectedRooms(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load protected rooms: %w", err))
		}
		rooms = append(rooms, saved...)
	}
	for _, room := range rooms {
		if _, err := e.ProtectRoom(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	lists := append([]string(nil), cfg.Engine.PolicyLists...)
	if ls, ok := e.store.(listStore); ok {
		saved, err := ls.WatchedLists(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load watched lists: %w", err))
		}
		for _, ref := range saved {
			lists = append(lists, ref)
		}
	}
	if e.lists != nil && len(lists) > 0 {
		if err := e.lists.WatchAll(ctx, lists); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("Engine started", "protected_rooms", len(e.ProtectedRooms()), "errors", len(errs))
	return errors.Join(errs...)
}

// Run services ban-sync requests, compacts the member index every
// cleanupInterval and refetches the watched lists at the interval given
// to Start, until ctx ends.
func (e *Engine) Run(ctx context.Context, cleanupInterval time.Duration) error {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	var resync <-chan time.Time
	if e.resyncEvery > 0 && e.lists != nil {
		resyncTicker := time.NewTicker(e.resyncEvery)
		defer resyncTicker.Stop()
		resync = resyncTicker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resync:
			if err := e.lists.ResyncAll(ctx); err != nil {
				slog.Error("Policy list resync failed", "error", err)
			}
		case <-e.syncRequests:
			if _, err := e.SyncBans(ctx); err != nil {
				slog.Error("Ban sync failed", "error", err)
			}
		case <-ticker.C:
			if e.members != nil {
				if dropped := e.members.CleanupAll(); dropped > 0 {
					slog.Info("Member index compacted", "dropped", dropped)
				}
			}
		}
	}
}

func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

func (e *Engine) onListChange(change policylist.Change) {
	if !e.syncOnChange.Load() || len(change.Added) == 0 {
		return
	}
	// Coalesce: one pending request covers any number of changes.
	select {
	case e.syncRequests <- struct{}{}:
	default:
	}
}

// loadManagementRoom joins the management room and guards its joined
// members. Later member events in the room keep the set current.
func (e *Engine) loadManagementRoom(ctx context.Context, ref string) error {
	parsed, err := matrix.ParseRoomRef(ref)
	if err != nil {
		return err
	}
	roomID, err := e.hs.JoinRoom(ctx, parsed.String(), parsed.Via)
	if err != nil {
		return fmt.Errorf("failed to join management room %s: %w", ref, err)
	}
	e.guardMu.Lock()
	e.managementRoom = roomID
	e.guardMu.Unlock()

	members, err := e.hs.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members of management room %s: %w", roomID, err)
	}
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	e.managers = make(map[string]struct{}, len(members))
	for userID := range members {
		e.managers[userID] = struct{}{}
	}
	e.refreshGuardLocked()
	slog.Info("Management room loaded", "room_id", roomID, "members", len(members))
	return nil
}

// trackManager applies a member event of the management room to the
// guarded set.
func (e *Engine) trackManager(roomID string, evt *matrix.Event) {
	if evt.Type != matrix.EventTypeMember || !evt.IsState() {
		return
	}
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	if e.managementRoom == "" || roomID != e.managementRoom {
		return
	}
	userID := evt.StateKeyValue()
	if evt.Membership() == matrix.MembershipJoin {
		e.managers[userID] = struct{}{}
	} else {
		delete(e.managers, userID)
	}
	e.refreshGuardLocked()
}

func (e *Engine) refreshGuardLocked() {
	if e.guard == nil {
		return
	}
	users := make([]string, 0, 1+len(e.configuredMods)+len(e.managers))
	if e.botID != "" {
		users = append(users, e.botID)
	}
	users = append(users, e.configuredMods...)
	for userID := range e.managers {
		users = append(users, userID)
	}
	e.guard.SetGlobal(users)
}

func (e *Engine) lockRoom(roomID string) func() {
	mu, _ := e.roomLocks.LoadOrCompute(roomID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) IsProtected(roomID string) bool {
	_, ok := e.protected.Load(roomID)
	return ok
}

func (e *Engine) ProtectedRooms() []string {
	var out []string
	e.protected.Range(func(roomID string, _ struct{}) bool {
		out = append(out, roomID)
		return true
	})
	return out
}

// ProtectRoom joins the room behind ref and starts moderating it.
func (e *Engine) ProtectRoom(ctx context.Context, ref string) (string, error) {
	parsed, err := matrix.ParseRoomRef(ref)
	if err != nil {
		return "", err
	}
	roomID, err := e.hs.JoinRoom(ctx, parsed.String(), parsed.Via)
	if err != nil {
		return "", fmt.Errorf("failed to join protected room %s: %w", ref, err)
	}
	if _, loaded := e.protected.LoadOrStore(roomID, struct{}{}); loaded {
		return roomID, nil
	}
	if e.members != nil {
		e.members.AddRoom(roomID)
	}
	if e.store != nil {
		if err := e.store.SaveProtectedRoom(ctx, roomID); err != nil {
			slog.Error("Failed to persist protected room", "room_id", roomID, "error", err)
		}
	}
	slog.Info("Protecting room", "room_id", roomID, "ref", ref)
	return roomID, nil
}

func (e *Engine) UnprotectRoom(ctx context.Context, roomID string) error {
	if _, ok := e.protected.LoadAndDelete(roomID); !ok {
		return fmt.Errorf("%w: %s", ErrNotProtected, roomID)
	}
	if e.members != nil {
		e.members.RemoveRoom(roomID)
	}
	if e.store != nil {
		if err := e.store.DeleteProtectedRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to forget protected room %s: %w", roomID, err)
		}
	}
	slog.Info("Stopped protecting room", "room_id", roomID)
	return nil
}

// HandleTimelineEvent is the sync handler. Events of one room are
// handled one at a time. Policy list state goes to the list manager,
// management room members to the guard, member events to the index, and
// events in protected rooms through the protections.
func (e *Engine) HandleTimelineEvent(ctx context.Context, roomID string, evt *matrix.Event, observedAt time.Time) []protection.Verdict {
	unlock := e.lockRoom(roomID)
	defer unlock()

	if evt.RoomID == "" {
		evt.RoomID = roomID
	}
	if evt.IsState() && e.lists != nil && e.lists.IsWatched(roomID) {
		if e.lists.HandleStateEvent(evt) {
			slog.Debug("Policy list updated", "list", roomID, "event_id", evt.EventID, "type", evt.Type)
		}
	}
	e.trackManager(roomID, evt)
	if !e.IsProtected(roomID) {
		return nil
	}
	if evt.Type == matrix.EventTypeMember && e.members != nil {
		e.members.HandleEvent(roomID, evt, observedAt)
		e.cancelObsolete(ctx, roomID, evt)
	}
	if evt.Sender == e.botID || e.pipeline == nil {
		return nil
	}
	return e.pipeline.HandleEvent(ctx, roomID, evt)
}

// cancelObsolete drops the pending writes that an observed leave or ban
// made pointless, so they stop holding the queue while backing off.
func (e *Engine) cancelObsolete(ctx context.Context, roomID string, evt *matrix.Event) {
	if e.sink == nil || e.members == nil {
		return
	}
	switch evt.Membership() {
	case matrix.MembershipLeave, matrix.MembershipBan:
	default:
		return
	}
	target := evt.StateKeyValue()
	n := e.sink.CancelWhere(roomID, target, func(c action.Consequence, w action.Write) bool {
		return !e.stillNeeded(ctx, c, w)
	})
	if n > 0 {
		slog.Info("Canceled obsolete actions", "room_id", roomID, "target", target, "count", n)
	}
}

// HandleReport passes an abuse report about an event in a protected room
// to the protections.
func (e *Engine) HandleReport(ctx context.Context, report protection.Report) (protection.ReportRecord, error) {
	if !e.IsProtected(report.RoomID) {
		return protection.ReportRecord{Report: report}, fmt.Errorf("%w: %s", ErrNotProtected, report.RoomID)
	}
	if report.ReceivedAt.IsZero() {
		report.ReceivedAt = e.clock.Now()
	}
	if e.pipeline == nil {
		return protection.ReportRecord{Report: report}, nil
	}
	return e.pipeline.HandleReport(ctx, report), nil
}

// SyncBans bans every current member of every protected room that a
// watched list bans. It returns the number of bans queued.
func (e *Engine) SyncBans(ctx context.Context) (int, error) {
	if e.lists == nil || e.sink == nil {
		return 0, nil
	}
	var (
		queued int
		errs   []error
	)
	for _, roomID := range e.ProtectedRooms() {
		members, err := e.hs.JoinedMembers(ctx, roomID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list members of %s: %w", roomID, err))
			continue
		}
		for userID := range members {
			if userID == e.botID {
				continue
			}
			rule, ok := e.lists.FindUserBan(userID)
			if !ok {
				continue
			}
			reason := rule.Reason
			if reason == "" {
				reason = "banned by " + rule.SourceList
			}
			_, err := e.sink.Apply(ctx, action.Consequence{
				Type:   action.Ban,
				RoomID: roomID,
				Target: userID,
				Reason: reason,
				Source: banSyncSource,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to ban %s in %s: %w", userID, roomID, err))
				continue
			}
			queued++
		}
	}
	if queued > 0 {
		slog.Info("Ban sync queued bans", "count", queued)
	}
	return queued, errors.Join(errs...)
}

// RedactHistory redacts the messages of senders matching senderGlob among
// the last limit events of a protected room. State events are kept.
func (e *Engine) RedactHistory(ctx context.Context, roomID, senderGlob, reason string, limit int) (int, error) {
	if !e.IsProtected(roomID) {
		return 0, fmt.Errorf("%w: %s", ErrNotProtected, roomID)
	}
	if e.sink == nil {
		return 0, nil
	}
	queued := 0
	err := history.ScanUserEvents(ctx, e.hs, roomID, senderGlob, limit, func(events []matrix.Event) error {
		var errs []error
		for _, evt := range events {
			if evt.IsState() || evt.Type == matrix.EventTypeRedaction || len(evt.Content) == 0 {
				continue
			}
			_, err := e.sink.Apply(ctx, action.Consequence{
				Type:    action.Redact,
				RoomID:  roomID,
				EventID: evt.EventID,
				Target:  evt.Sender,
				Reason:  reason,
				Source:  historyRedactSource,
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			queued++
		}
		return errors.Join(errs...)
	})
	slog.Info("History redaction queued", "room_id", roomID, "sender", senderGlob, "count", queued)
	return queued, err
}

// Subscribe registers fn for executor outcomes.
func (e *Engine) Subscribe(fn func(action.Outcome)) func() {
	if e.sink == nil {
		return func() {}
	}
	return e.sink.Subscribe(fn)
}

// stillNeeded is the executor precondition. A kick or mute is obsolete
// once the target has left, a ban once the target is already banned.
// Without a record the write goes ahead.
func (e *Engine) stillNeeded(_ context.Context, c action.Consequence, w action.Write) bool {
	if e.members == nil || w.Target == "" {
		return true
	}
	rec, ok := e.members.Latest(w.RoomID, w.Target)
	if !ok {
		return true
	}
	switch {
	case w.Kind == action.WriteBan:
		return rec.Transition != membership.TransitionBan
	case w.Kind == action.WriteKick, c.Type == action.Mute && w.Kind == action.WritePowerLevel:
		return rec.State == membership.Join
	}
	return true
}
