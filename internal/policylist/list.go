package policylist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

// StateWriter publishes state events to a list room.
type StateWriter interface {
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error)
}

type stateKey struct {
	eventType string
	key       string
}

// snapshot is never mutated after it has been published.
type snapshot struct {
	state     map[stateKey]*matrix.Event
	rules     map[Kind][]*Rule
	shortcode string
}

// Change is the net difference between two snapshots of a list.
type Change struct {
	ListID  string
	Added   []*Rule
	Removed []*Rule
}

func (c Change) Empty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// List is the parsed state of one policy room. Readers always see a
// complete snapshot; writers replace it atomically.
type List struct {
	roomID string
	ref    matrix.RoomRef
	writer StateWriter
	now    func() time.Time

	// writeMu serializes snapshot producers.
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

func NewList(roomID string, ref matrix.RoomRef, writer StateWriter) *List {
	l := &List{roomID: roomID, ref: ref, writer: writer, now: time.Now}
	l.snap.Store(&snapshot{state: map[stateKey]*matrix.Event{}, rules: map[Kind][]*Rule{}})
	return l
}

func (l *List) RoomID() string      { return l.roomID }
func (l *List) Ref() matrix.RoomRef { return l.ref }
func (l *List) Shortcode() string   { return l.snap.Load().shortcode }

func (l *List) Permalink() string {
	ref := l.ref
	if ref.RoomID == "" && ref.Alias == "" {
		ref.RoomID = l.roomID
	}
	return ref.Permalink()
}

// newer decides which of two events for the same state slot wins in a
// snapshot: later origin_server_ts, then the greater event ID.
func newer(a, b *matrix.Event) bool {
	if a.OriginServerTS != b.OriginServerTS {
		return a.OriginServerTS > b.OriginServerTS
	}
	return a.EventID > b.EventID
}

func isListState(evt *matrix.Event) bool {
	return evt.IsState() && (IsRuleEvent(evt.Type) || evt.Type == ShortcodeEventType)
}

// Ingest replaces the whole list with the given room state. Events that
// are not list state are ignored and invalid rules are skipped.
func (l *List) Ingest(events []matrix.Event) Change {
	state := make(map[stateKey]*matrix.Event)
	for i := range events {
		evt := &events[i]
		if !isListState(evt) {
			continue
		}
		k := stateKey{evt.Type, evt.StateKeyValue()}
		if prev, ok := state[k]; ok && !newer(evt, prev) {
			continue
		}
		state[k] = evt
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.publishLocked(state)
}

// ApplyStateEvent folds one streamed state event into the list. The
// result equals re-ingesting the latest state with that slot replaced.
func (l *List) ApplyStateEvent(evt *matrix.Event) (Change, bool) {
	if !isListState(evt) {
		return Change{ListID: l.roomID}, false
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.applyLocked(evt), true
}

func (l *List) applyLocked(evt *matrix.Event) Change {
	prev := l.snap.Load()
	state := make(map[stateKey]*matrix.Event, len(prev.state)+1)
	for k, v := range prev.state {
		state[k] = v
	}
	state[stateKey{evt.Type, evt.StateKeyValue()}] = evt
	return l.publishLocked(state)
}

func (l *List) publishLocked(state map[stateKey]*matrix.Event) Change {
	next := &snapshot{state: state, rules: make(map[Kind][]*Rule)}

	keys := make([]stateKey, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].key != keys[j].key {
			return keys[i].key < keys[j].key
		}
		return keys[i].eventType < keys[j].eventType
	})

	for _, k := range keys {
		evt := state[k]
		if evt.Type == ShortcodeEventType {
			next.shortcode = evt.ContentString("shortcode")
			continue
		}
		rule, err := ParseRule(l.roomID, evt)
		if err != nil {
			if !errors.Is(err, ErrEmptyRule) {
				slog.Warn("Skipping invalid policy rule", "list", l.roomID, "event_id", evt.EventID, "error", err)
			}
			continue
		}
		next.rules[rule.Kind] = append(next.rules[rule.Kind], rule)
	}

	prev := l.snap.Swap(next)
	change := diff(l.roomID, prev, next)
	observeListSize(l.roomID, next)
	return change
}

func ruleIdentity(r *Rule) string {
	return string(r.Kind) + "\x00" + r.Entity + "\x00" + r.Recommendation + "\x00" + r.Reason
}

func diff(listID string, prev, next *snapshot) Change {
	change := Change{ListID: listID}
	before := make(map[string]*Rule)
	for _, rules := range prev.rules {
		for _, r := range rules {
			before[ruleIdentity(r)] = r
		}
	}
	after := make(map[string]*Rule)
	for _, kind := range Kinds {
		for _, r := range next.rules[kind] {
			id := ruleIdentity(r)
			after[id] = r
			if _, ok := before[id]; !ok {
				change.Added = append(change.Added, r)
			}
		}
	}
	for _, kind := range Kinds {
		for _, r := range prev.rules[kind] {
			if _, ok := after[ruleIdentity(r)]; !ok {
				change.Removed = append(change.Removed, r)
			}
		}
	}
	return change
}

// Rules returns the rules of one kind in a stable order.
func (l *List) Rules(kind Kind) []*Rule {
	rules := l.snap.Load().rules[kind]
	out := make([]*Rule, len(rules))
	copy(out, rules)
	return out
}

func (l *List) AllRules() []*Rule {
	snap := l.snap.Load()
	var out []*Rule
	for _, kind := range Kinds {
		out = append(out, snap.rules[kind]...)
	}
	return out
}

// Query returns the first rule of kind that matches subject.
func (l *List) Query(kind Kind, subject string) (*Rule, bool) {
	for _, r := range l.snap.Load().rules[kind] {
		if r.Matches(subject) {
			return r, true
		}
	}
	return nil, false
}

// RulesMatching returns every rule of kind that matches subject.
func (l *List) RulesMatching(kind Kind, subject string) []*Rule {
	var out []*Rule
	for _, r := range l.snap.Load().rules[kind] {
		if r.Matches(subject) {
			out = append(out, r)
		}
	}
	return out
}

func (l *List) find(kind Kind, entity string) []*Rule {
	var out []*Rule
	for _, r := range l.snap.Load().rules[kind] {
		if r.Entity == entity {
			out = append(out, r)
		}
	}
	return out
}

func ruleStateKey(entity string) string { return "rule:" + entity }

// AddRule publishes a rule and applies it locally once the write is
// accepted. An identical existing rule makes this a no-op.
func (l *List) AddRule(ctx context.Context, kind Kind, entity, recommendation, reason string) (Change, error) {
	if entity == "" || recommendation == "" {
		return Change{ListID: l.roomID}, ErrEmptyRule
	}
	if l.writer == nil {
		return Change{ListID: l.roomID}, fmt.Errorf("list %s is read-only", l.roomID)
	}
	recommendation = NormalizeRecommendation(recommendation)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	slotKey := ruleStateKey(entity)
	eventType := string(kind)
	for _, existing := range l.find(kind, entity) {
		if existing.Recommendation == recommendation && existing.Reason == reason {
			return Change{ListID: l.roomID}, nil
		}
		// Overwrite the slot the rule already lives in, whatever alias it uses.
		slotKey, eventType = existing.StateKey, existing.EventType
	}

	content := map[string]any{"entity": entity, "recommendation": recommendation, "reason": reason}
	eventID, err := l.writer.SendStateEvent(ctx, l.roomID, eventType, slotKey, content)
	if err != nil {
		return Change{ListID: l.roomID}, fmt.Errorf("failed to add rule to %s: %w", l.roomID, err)
	}

	return l.applyLocked(&matrix.Event{
		EventID:        eventID,
		Type:           eventType,
		RoomID:         l.roomID,
		StateKey:       matrix.StrPtr(slotKey),
		OriginServerTS: l.now().UnixMilli(),
		Content:        content,
	}), nil
}

// RemoveRule blanks every slot holding a rule for entity. Removing an
// absent rule is a no-op.
func (l *List) RemoveRule(ctx context.Context, kind Kind, entity string) (Change, error) {
	if l.writer == nil {
		return Change{ListID: l.roomID}, fmt.Errorf("list %s is read-only", l.roomID)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	change := Change{ListID: l.roomID}
	for _, existing := range l.find(kind, entity) {
		eventID, err := l.writer.SendStateEvent(ctx, l.roomID, existing.EventType, existing.StateKey, map[string]any{})
		if err != nil {
			return change, fmt.Errorf("failed to remove rule from %s: %w", l.roomID, err)
		}
		c := l.applyLocked(&matrix.Event{
			EventID:        eventID,
			Type:           existing.EventType,
			RoomID:         l.roomID,
			StateKey:       matrix.StrPtr(existing.StateKey),
			OriginServerTS: l.now().UnixMilli(),
			Content:        map[string]any{},
		})
		change.Removed = append(change.Removed, c.Removed...)
	}
	return change, nil
}
