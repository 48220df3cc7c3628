package testutils

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const (
	TestRoomID = "!protected:example.org"
	TestListID = "!banlist:example.org"
	TestBotID  = "@warden:example.org"
)

var eventCounter atomic.Uint64

func nextEventID() string {
	return fmt.Sprintf("$evt%d", eventCounter.Add(1))
}

// MakeEvent builds a timeline event with a unique ID.
func MakeEvent(roomID, eventType, sender string, ts time.Time, content map[string]any) *matrix.Event {
	var origin int64
	if !ts.IsZero() {
		origin = ts.UnixMilli()
	}
	return &matrix.Event{
		EventID:        nextEventID(),
		Type:           eventType,
		Sender:         sender,
		RoomID:         roomID,
		OriginServerTS: origin,
		Content:        content,
	}
}

// MakeMessage builds an m.text message.
func MakeMessage(roomID, sender, body string, ts time.Time) *matrix.Event {
	return MakeEvent(roomID, matrix.EventTypeMessage, sender, ts, map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
}

// MakeMedia builds an m.image/m.video/m.file message pointing at uri.
func MakeMedia(roomID, sender, msgtype, uri string, ts time.Time) *matrix.Event {
	return MakeEvent(roomID, matrix.EventTypeMessage, sender, ts, map[string]any{
		"msgtype": msgtype,
		"body":    "upload",
		"url":     uri,
	})
}

// MakeMember builds an m.room.member state event for target sent by sender.
func MakeMember(roomID, sender, target, membership string, ts time.Time) *matrix.Event {
	evt := MakeEvent(roomID, matrix.EventTypeMember, sender, ts, map[string]any{
		"membership": membership,
	})
	evt.StateKey = matrix.StrPtr(target)
	return evt
}

// MakeJoin is a self-join of user.
func MakeJoin(roomID, user string, ts time.Time) *matrix.Event {
	return MakeMember(roomID, user, user, matrix.MembershipJoin, ts)
}

// MakeRule builds a policy rule state event.
func MakeRule(listID, eventType, entity, recommendation, reason string, ts time.Time) *matrix.Event {
	content := map[string]any{}
	if entity != "" {
		content["entity"] = entity
	}
	if recommendation != "" {
		content["recommendation"] = recommendation
	}
	if reason != "" {
		content["reason"] = reason
	}
	evt := MakeEvent(listID, eventType, "@moderator:example.org", ts, content)
	evt.StateKey = matrix.StrPtr("rule:" + entity)
	return evt
}
