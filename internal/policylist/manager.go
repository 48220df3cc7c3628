package policylist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

// Homeserver is what the manager needs to follow list rooms.
type Homeserver interface {
	StateWriter
	RoomState(ctx context.Context, roomID string) ([]matrix.Event, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string, via []string) (string, error)
}

// WatchStore persists the set of watched lists across restarts.
type WatchStore interface {
	SaveWatchedList(ctx context.Context, roomID, ref string) error
	DeleteWatchedList(ctx context.Context, roomID string) error
}

var ErrNotWatched = errors.New("policy list is not watched")

// Listener is called after every non-empty change, outside any lock.
type Listener func(Change)

type Manager struct {
	hs    Homeserver
	store WatchStore

	mu        sync.RWMutex
	lists     map[string]*List
	listeners map[int]Listener
	nextID    int

	resyncs singleflight.Group
}

// NewManager creates a manager. store may be nil.
func NewManager(hs Homeserver, store WatchStore) *Manager {
	return &Manager{
		hs:        hs,
		store:     store,
		lists:     make(map[string]*List),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(change Change) {
	if change.Empty() {
		return
	}
	m.mu.RLock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// WatchList joins the room behind ref, ingests its state and starts
// following it. The list becomes visible to queries only once its state
// is ingested. Watching an already watched list returns it unchanged.
func (m *Manager) WatchList(ctx context.Context, rawRef string) (*List, error) {
	ref, err := matrix.ParseRoomRef(rawRef)
	if err != nil {
		return nil, err
	}

	roomID, err := m.hs.JoinRoom(ctx, ref.String(), ref.Via)
	if err != nil {
		return nil, fmt.Errorf("failed to join policy list %s: %w", ref, err)
	}
	if existing, ok := m.List(roomID); ok {
		return existing, nil
	}

	state, err := m.hs.RoomState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch policy list %s: %w", roomID, err)
	}
	list := NewList(roomID, ref, m.hs)
	change := list.Ingest(state)

	m.mu.Lock()
	if existing, ok := m.lists[roomID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.lists[roomID] = list
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveWatchedList(ctx, roomID, rawRef); err != nil {
			slog.Error("Failed to persist watched list", "list", roomID, "error", err)
		}
	}

	slog.Info("Watching policy list", "list", roomID, "ref", ref.String(), "rules", len(list.AllRules()))
	m.notify(change)
	return list, nil
}

// WatchAll watches several lists concurrently and reports every failure.
func (m *Manager) WatchAll(ctx context.Context, refs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, ref := range refs {
		g.Go(func() error {
			if _, err := m.WatchList(ctx, ref); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ref, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// UnwatchList stops following a list. Subscribers see all of its rules
// as removed.
func (m *Manager) UnwatchList(ctx context.Context, rawRef string) error {
	roomID, err := m.resolveWatched(rawRef)
	if err != nil {
		return err
	}

	m.mu.Lock()
	list, ok := m.lists[roomID]
	delete(m.lists, roomID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, rawRef)
	}

	if m.store != nil {
		if err := m.store.DeleteWatchedList(ctx, roomID); err != nil {
			slog.Error("Failed to forget watched list", "list", roomID, "error", err)
		}
	}
	forgetList(roomID)

	slog.Info("Unwatched policy list", "list", roomID)
	m.notify(Change{ListID: roomID, Removed: list.AllRules()})
	return nil
}

// resolveWatched finds a watched list by room ID, alias, permalink or
// shortcode without touching the network.
func (m *Manager) resolveWatched(rawRef string) (string, error) {
	ref, err := matrix.ParseRoomRef(rawRef)
	if err != nil {
		if l, ok := m.ListByShortcode(rawRef); ok {
			return l.roomID, nil
		}
		return "", err
	}
	if ref.RoomID != "" {
		return ref.RoomID, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, l := range m.lists {
		if l.ref.Alias == ref.Alias {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotWatched, rawRef)
}

// List returns a watched list by room ID.
func (m *Manager) List(roomID string) (*List, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[roomID]
	return l, ok
}

// Lists returns watched lists ordered by room ID.
func (m *Manager) Lists() []*List {
	m.mu.RLock()
	out := make([]*List, 0, len(m.lists))
	for _, l := range m.lists {
		out = append(out, l)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].roomID < out[j].roomID })
	return out
}

func (m *Manager) IsWatched(roomID string) bool {
	_, ok := m.List(roomID)
	return ok
}

// ListByShortcode finds a list by its shortcode or room ID.
func (m *Manager) ListByShortcode(name string) (*List, bool) {
	for _, l := range m.Lists() {
		if l.roomID == name || (l.Shortcode() != "" && l.Shortcode() == name) {
			return l, true
		}
	}
	return nil, false
}

// HandleStateEvent routes a streamed state event to its list. It reports
// whether the event belonged to a watched list.
func (m *Manager) HandleStateEvent(evt *matrix.Event) bool {
	list, ok := m.List(evt.RoomID)
	if !ok {
		return false
	}
	change, applied := list.ApplyStateEvent(evt)
	if !applied {
		return false
	}
	m.notify(change)
	return true
}

// Resync refetches a list's full state. Concurrent calls for the same
// list share one fetch.
func (m *Manager) Resync(ctx context.Context, roomID string) error {
	list, ok := m.List(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, roomID)
	}
	_, err, _ := m.resyncs.Do(roomID, func() (any, error) {
		state, err := m.hs.RoomState(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to refetch policy list %s: %w", roomID, err)
		}
		listResyncCount.WithLabelValues(roomID).Inc()
		m.notify(list.Ingest(state))
		return nil, nil
	})
	return err
}

// ResyncAll refetches every watched list.
func (m *Manager) ResyncAll(ctx context.Context) error {
	var errs []error
	for _, l := range m.Lists() {
		if err := m.Resync(ctx, l.roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EffectiveRules is the union of rules of one kind across all lists.
func (m *Manager) EffectiveRules(kind Kind) []*Rule {
	var out []*Rule
	for _, l := range m.Lists() {
		out = append(out, l.Rules(kind)...)
	}
	return out
}

// FindBan returns a ban rule matching subject from any list. Lists are
// not ranked: any ban recommendation wins and nothing overrides it.
func (m *Manager) FindBan(kind Kind, subject string) (*Rule, bool) {
	for _, l := range m.Lists() {
		for _, r := range l.RulesMatching(kind, subject) {
			if r.IsBan() {
				return r, true
			}
		}
	}
	return nil, false
}

// FindUserBan checks the user rules first and then the server rules for
// the user's homeserver.
func (m *Manager) FindUserBan(userID string) (*Rule, bool) {
	if r, ok := m.FindBan(KindUser, userID); ok {
		return r, true
	}
	if server := matrix.ServerName(userID); server != "" {
		return m.FindBan(KindServer, server)
	}
	return nil, false
}

// AddRule publishes a rule to a watched list, named by room ID or
// shortcode, and notifies subscribers.
func (m *Manager) AddRule(ctx context.Context, listID string, kind Kind, entity, recommendation, reason string) error {
	list, ok := m.ListByShortcode(listID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, listID)
	}
	change, err := list.AddRule(ctx, kind, entity, recommendation, reason)
	if err != nil {
		return err
	}
	m.notify(change)
	return nil
}

func (m *Manager) RemoveRule(ctx context.Context, listID string, kind Kind, entity string) error {
	list, ok := m.ListByShortcode(listID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, listID)
	}
	change, err := list.RemoveRule(ctx, kind, entity)
	if err != nil {
		return err
	}
	m.notify(change)
	return nil
}
