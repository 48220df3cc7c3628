// Package membership keeps a time-ordered log of joins and leaves per
// protected room so protections can ask who joined recently.
package membership

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/clock"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

type State int

const (
	Join State = iota
	Leave
)

func (s State) String() string {
	if s == Join {
		return "join"
	}
	return "leave"
}

// Raw transitions kept on records.
const (
	TransitionJoin  = "join"
	TransitionLeave = "leave"
	TransitionKick  = "kick"
	TransitionBan   = "ban"
)

type Record struct {
	RoomID     string
	UserID     string
	Timestamp  time.Time
	State      State
	Transition string
	EventID    string
}

// Member is a query result.
type Member struct {
	UserID    string
	Timestamp time.Time
}

type roomLog struct {
	// records is sorted by Timestamp; equal timestamps keep arrival order.
	records []Record
}

func (l *roomLog) insert(r Record) {
	i := sort.Search(len(l.records), func(i int) bool {
		return l.records[i].Timestamp.After(r.Timestamp)
	})
	l.records = append(l.records, Record{})
	copy(l.records[i+1:], l.records[i:])
	l.records[i] = r
}

type Index struct {
	mu        sync.RWMutex
	rooms     map[string]*roomLog
	retention time.Duration
	clock     clock.Clock
}

// NewIndex creates an index whose Cleanup forgets departed users after
// retention.
func NewIndex(retention time.Duration, clk clock.Clock) *Index {
	if clk == nil {
		clk = clock.Real()
	}
	return &Index{
		rooms:     make(map[string]*roomLog),
		retention: retention,
		clock:     clk,
	}
}

func (x *Index) AddRoom(roomID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.rooms[roomID]; !ok {
		x.rooms[roomID] = &roomLog{}
	}
}

func (x *Index) RemoveRoom(roomID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.rooms, roomID)
}

func (x *Index) HasRoom(roomID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.rooms[roomID]
	return ok
}

func (x *Index) Rooms() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.rooms))
	for id := range x.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// recordFor maps a member event to a record. Invites, knocks and profile
// changes are not presence transitions.
func recordFor(roomID string, evt *matrix.Event, observedAt time.Time) (Record, bool) {
	if evt.Type != matrix.EventTypeMember || !evt.IsState() {
		return Record{}, false
	}
	user := evt.StateKeyValue()
	if user == "" {
		return Record{}, false
	}

	rec := Record{RoomID: roomID, UserID: user, EventID: evt.EventID, Timestamp: evt.Timestamp()}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = observedAt
	}

	switch evt.Membership() {
	case matrix.MembershipJoin:
		if evt.Unsigned != nil && evt.Unsigned.PrevContent != nil {
			if prev, _ := evt.Unsigned.PrevContent["membership"].(string); prev == matrix.MembershipJoin {
				return Record{}, false
			}
		}
		rec.State, rec.Transition = Join, TransitionJoin
	case matrix.MembershipLeave:
		rec.State, rec.Transition = Leave, TransitionLeave
		if evt.Sender != "" && evt.Sender != user {
			rec.Transition = TransitionKick
		}
	case matrix.MembershipBan:
		rec.State, rec.Transition = Leave, TransitionBan
	default:
		return Record{}, false
	}
	return rec, true
}

// HandleEvent records a membership transition. It reports whether the
// event changed the index.
func (x *Index) HandleEvent(roomID string, evt *matrix.Event, observedAt time.Time) bool {
	rec, ok := recordFor(roomID, evt, observedAt)
	if !ok {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	log, ok := x.rooms[roomID]
	if !ok {
		return false
	}
	log.insert(rec)
	return true
}

// latestPerUser walks the log newest-first from now and calls fn with
// each user's most recent record. fn returns false to stop.
func latestPerUser(records []Record, now time.Time, fn func(Record) bool) {
	seen := make(map[string]struct{})
	end := sort.Search(len(records), func(i int) bool { return records[i].Timestamp.After(now) })
	for i := end - 1; i >= 0; i-- {
		r := records[i]
		if _, dup := seen[r.UserID]; dup {
			continue
		}
		seen[r.UserID] = struct{}{}
		if !fn(r) {
			return
		}
	}
}

// GetUsersInRoom returns users whose latest transition is a join at or
// after since, newest first. limit <= 0 means no limit.
func (x *Index) GetUsersInRoom(roomID string, since time.Time, limit int) []Member {
	now := x.clock.Now()

	x.mu.RLock()
	defer x.mu.RUnlock()
	log, ok := x.rooms[roomID]
	if !ok {
		return nil
	}

	var out []Member
	latestPerUser(log.records, now, func(r Record) bool {
		if r.Timestamp.Before(since) {
			// Every user not seen yet has an older latest record.
			return false
		}
		if r.State == Join {
			out = append(out, Member{UserID: r.UserID, Timestamp: r.Timestamp})
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

// JoinedBetween returns users currently joined whose join happened in
// [from, to).
func (x *Index) JoinedBetween(roomID string, from, to time.Time) []Member {
	var out []Member
	for _, m := range x.GetUsersInRoom(roomID, from, 0) {
		if m.Timestamp.Before(to) {
			out = append(out, m)
		}
	}
	return out
}

// Latest returns the user's most recent record in the room.
func (x *Index) Latest(roomID, userID string) (Record, bool) {
	now := x.clock.Now()

	x.mu.RLock()
	defer x.mu.RUnlock()
	log, ok := x.rooms[roomID]
	if !ok {
		return Record{}, false
	}
	end := sort.Search(len(log.records), func(i int) bool { return log.records[i].Timestamp.After(now) })
	for i := end - 1; i >= 0; i-- {
		if log.records[i].UserID == userID {
			return log.records[i], true
		}
	}
	return Record{}, false
}

// Cleanup compacts one room. Users who left before the retention horizon
// are dropped; for everyone else only the last record before the horizon
// and all later records survive, so queries with since inside the
// horizon are unaffected. It returns the number of records dropped.
func (x *Index) Cleanup(roomID string) int {
	horizon := x.clock.Now().Add(-x.retention)

	x.mu.Lock()
	defer x.mu.Unlock()
	log, ok := x.rooms[roomID]
	if !ok {
		return 0
	}

	latest := make(map[string]Record)
	lastBefore := make(map[string]int)
	for i, r := range log.records {
		latest[r.UserID] = r
		if r.Timestamp.Before(horizon) {
			lastBefore[r.UserID] = i
		}
	}

	kept := make([]Record, 0, len(log.records))
	for i, r := range log.records {
		last := latest[r.UserID]
		if last.State == Leave && last.Timestamp.Before(horizon) {
			continue
		}
		if r.Timestamp.Before(horizon) && lastBefore[r.UserID] != i {
			continue
		}
		kept = append(kept, r)
	}

	dropped := len(log.records) - len(kept)
	x.rooms[roomID] = &roomLog{records: kept}
	if dropped > 0 {
		slog.Debug("Compacted member index", "room_id", roomID, "dropped", dropped, "kept", len(kept))
	}
	return dropped
}

// CleanupAll compacts every room.
func (x *Index) CleanupAll() int {
	total := 0
	for _, roomID := range x.Rooms() {
		total += x.Cleanup(roomID)
	}
	return total
}

// Len is the number of stored records for a room.
func (x *Index) Len(roomID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if log, ok := x.rooms[roomID]; ok {
		return len(log.records)
	}
	return 0
}
