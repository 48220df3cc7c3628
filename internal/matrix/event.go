// Package matrix holds the subset of the Matrix client-server model the
// moderation engine consumes, plus a thin homeserver client.
package matrix

import (
	"strings"
	"time"
)

const (
	EventTypeMember      = "m.room.member"
	EventTypeMessage     = "m.room.message"
	EventTypeRedaction   = "m.room.redaction"
	EventTypePowerLevels = "m.room.power_levels"
	EventTypeReaction    = "m.reaction"
	EventTypeSticker     = "m.sticker"
)

const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipInvite = "invite"
	MembershipKnock  = "knock"
)

// Event is a room event as delivered by /sync, /messages or /state.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Redacts        string         `json:"redacts,omitempty"`
	Unsigned       *Unsigned      `json:"unsigned,omitempty"`
}

type Unsigned struct {
	Age         int64          `json:"age,omitempty"`
	PrevContent map[string]any `json:"prev_content,omitempty"`
}

func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyValue returns the state key, or "" for timeline events.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Timestamp converts origin_server_ts; the zero time when absent.
func (e *Event) Timestamp() time.Time {
	if e.OriginServerTS <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.OriginServerTS)
}

// ContentString returns a string field of the content, or "".
func (e *Event) ContentString(key string) string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content[key].(string)
	return s
}

// Membership returns content.membership for member events.
func (e *Event) Membership() string {
	if e.Type != EventTypeMember {
		return ""
	}
	return e.ContentString("membership")
}

// Body returns the plain-text body of a message, or "".
func (e *Event) Body() string { return e.ContentString("body") }

func (e *Event) MsgType() string { return e.ContentString("msgtype") }

// ServerName returns the server part of a user, room or event ID. Room
// and event IDs without a server part yield "".
func ServerName(id string) string {
	_, server, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return server
}

// Localpart returns the part of a user ID between the sigil and the colon.
func Localpart(userID string) string {
	local, _, _ := strings.Cut(userID, ":")
	return strings.TrimPrefix(local, "@")
}

func StrPtr(s string) *string { return &s }
