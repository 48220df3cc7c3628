package testutils

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

// Call records one write or read issued against the mock.
type Call struct {
	Method string
	RoomID string
	Target string
	Reason string
	Level  int
	// TxnID is the client transaction ID a redaction was sent under.
	TxnID string
}

// MockHomeserver is an in-memory homeserver. Errors can be queued per
// method; each queued error is returned once, in order. Every call is
// also published on CallSignal without blocking.
type MockHomeserver struct {
	mu          sync.Mutex
	calls       []Call
	errs        map[string][]error
	state       map[string][]matrix.Event
	aliases     map[string]string
	powerLevels map[string]*matrix.PowerLevels
	members     map[string]map[string]matrix.Member
	timeline    map[string][]matrix.Event
	stateSeq    int

	// RoomStateGate, when set, blocks RoomState until it receives or closes.
	RoomStateGate chan struct{}
	CallSignal    chan Call
}

func NewMockHomeserver() *MockHomeserver {
	return &MockHomeserver{
		errs:        make(map[string][]error),
		state:       make(map[string][]matrix.Event),
		aliases:     make(map[string]string),
		powerLevels: make(map[string]*matrix.PowerLevels),
		members:     make(map[string]map[string]matrix.Member),
		timeline:    make(map[string][]matrix.Event),
		CallSignal:  make(chan Call, 256),
	}
}

// QueueError makes the next calls of method fail with errs, in order.
// A nil entry lets that call succeed.
func (h *MockHomeserver) QueueError(method string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs[method] = append(h.errs[method], errs...)
}

func (h *MockHomeserver) record(c Call) error {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	var err error
	if queued := h.errs[c.Method]; len(queued) > 0 {
		err = queued[0]
		h.errs[c.Method] = queued[1:]
	}
	h.mu.Unlock()

	select {
	case h.CallSignal <- c:
	default:
	}
	return err
}

func (h *MockHomeserver) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (h *MockHomeserver) CallsTo(method string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (h *MockHomeserver) SetState(roomID string, events ...*matrix.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state[roomID] = h.state[roomID][:0]
	for _, e := range events {
		h.state[roomID] = append(h.state[roomID], *e)
	}
}

func (h *MockHomeserver) SetAlias(alias, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aliases[alias] = roomID
}

func (h *MockHomeserver) SetPowerLevels(roomID string, levels matrix.PowerLevels) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.powerLevels[roomID] = &levels
}

func (h *MockHomeserver) SetMembers(roomID string, members map[string]matrix.Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[roomID] = members
}

// SetTimeline stores a room's timeline, oldest event first.
func (h *MockHomeserver) SetTimeline(roomID string, events []matrix.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeline[roomID] = events
}

func (h *MockHomeserver) Ban(_ context.Context, roomID, userID, reason string) error {
	return h.record(Call{Method: "ban", RoomID: roomID, Target: userID, Reason: reason})
}

func (h *MockHomeserver) Kick(_ context.Context, roomID, userID, reason string) error {
	return h.record(Call{Method: "kick", RoomID: roomID, Target: userID, Reason: reason})
}

func (h *MockHomeserver) Redact(ctx context.Context, roomID, eventID, reason string) error {
	txnID, _ := matrix.TxnIDFrom(ctx)
	return h.record(Call{Method: "redact", RoomID: roomID, Target: eventID, Reason: reason, TxnID: txnID})
}

func (h *MockHomeserver) SetUserPowerLevel(_ context.Context, roomID, userID string, level int) error {
	if err := h.record(Call{Method: "set_power_level", RoomID: roomID, Target: userID, Level: level}); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pl := h.powerLevels[roomID]
	if pl == nil {
		levels := matrix.DefaultPowerLevels()
		pl = &levels
		h.powerLevels[roomID] = pl
	}
	pl.SetUserLevel(userID, level)
	return nil
}

func (h *MockHomeserver) PowerLevels(_ context.Context, roomID string) (*matrix.PowerLevels, error) {
	if err := h.record(Call{Method: "power_levels", RoomID: roomID}); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pl, ok := h.powerLevels[roomID]
	if !ok {
		levels := matrix.DefaultPowerLevels()
		return &levels, nil
	}
	cp := *pl
	cp.Users = make(map[string]int, len(pl.Users))
	for k, v := range pl.Users {
		cp.Users[k] = v
	}
	return &cp, nil
}

func (h *MockHomeserver) Quarantine(_ context.Context, scope matrix.QuarantineScope, target string) error {
	return h.record(Call{Method: "quarantine_" + string(scope), Target: target})
}

func (h *MockHomeserver) RoomState(_ context.Context, roomID string) ([]matrix.Event, error) {
	if gate := h.RoomStateGate; gate != nil {
		<-gate
	}
	if err := h.record(Call{Method: "room_state", RoomID: roomID}); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]matrix.Event, len(h.state[roomID]))
	copy(out, h.state[roomID])
	return out, nil
}

// SendStateEvent replaces the state slot and returns a fresh event ID.
func (h *MockHomeserver) SendStateEvent(_ context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	if err := h.record(Call{Method: "send_state", RoomID: roomID, Target: eventType + "/" + stateKey}); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stateSeq++
	id := fmt.Sprintf("$state%d", h.stateSeq)

	c, _ := content.(map[string]any)
	evt := matrix.Event{EventID: id, Type: eventType, RoomID: roomID, StateKey: matrix.StrPtr(stateKey), Content: c}
	events := h.state[roomID]
	for i := range events {
		if events[i].Type == eventType && events[i].StateKeyValue() == stateKey {
			events[i] = evt
			return id, nil
		}
	}
	h.state[roomID] = append(events, evt)
	return id, nil
}

func (h *MockHomeserver) ResolveAlias(_ context.Context, alias string) (string, error) {
	if err := h.record(Call{Method: "resolve_alias", Target: alias}); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.aliases[alias]
	if !ok {
		return "", &matrix.Error{Code: matrix.ErrCodeNotFound, StatusCode: 404, Message: "alias not found"}
	}
	return id, nil
}

func (h *MockHomeserver) JoinRoom(_ context.Context, roomIDOrAlias string, _ []string) (string, error) {
	if err := h.record(Call{Method: "join", Target: roomIDOrAlias}); err != nil {
		return "", err
	}
	if roomIDOrAlias != "" && roomIDOrAlias[0] == '#' {
		h.mu.Lock()
		defer h.mu.Unlock()
		id, ok := h.aliases[roomIDOrAlias]
		if !ok {
			return "", &matrix.Error{Code: matrix.ErrCodeNotFound, StatusCode: 404, Message: "alias not found"}
		}
		return id, nil
	}
	return roomIDOrAlias, nil
}

func (h *MockHomeserver) JoinedMembers(_ context.Context, roomID string) (map[string]matrix.Member, error) {
	if err := h.record(Call{Method: "joined_members", RoomID: roomID}); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]matrix.Member, len(h.members[roomID]))
	for k, v := range h.members[roomID] {
		out[k] = v
	}
	return out, nil
}

// RoomMessages pages backwards through the stored timeline. The token is
// the index one past the next event to return.
func (h *MockHomeserver) RoomMessages(_ context.Context, roomID string, opts matrix.RoomMessagesOptions) (*matrix.RoomMessagesResponse, error) {
	if err := h.record(Call{Method: "messages", RoomID: roomID}); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	events := h.timeline[roomID]
	end := len(events)
	if opts.From != "" {
		n, err := strconv.Atoi(opts.From)
		if err != nil {
			return nil, fmt.Errorf("bad token %q", opts.From)
		}
		end = n
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	start := max(end-limit, 0)

	resp := &matrix.RoomMessagesResponse{Start: strconv.Itoa(end)}
	for i := end - 1; i >= start; i-- {
		resp.Chunk = append(resp.Chunk, events[i])
	}
	if start > 0 {
		resp.End = strconv.Itoa(start)
	}
	return resp, nil
}
