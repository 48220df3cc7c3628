package protection

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const (
	choiceBan        = "ban"
	choiceKick       = "kick"
	choiceMute       = "mute"
	choiceRedact     = "redact"
	choiceQuarantine = "quarantine"
)

// isMessage reports timeline messages and stickers that still carry content.
func isMessage(evt *matrix.Event) bool {
	if evt.IsState() || len(evt.Content) == 0 {
		return false
	}
	return evt.Type == matrix.EventTypeMessage || evt.Type == matrix.EventTypeSticker
}

// isFreshJoin reports a join that is not a profile change.
func isFreshJoin(evt *matrix.Event) bool {
	if evt.Type != matrix.EventTypeMember || evt.Membership() != matrix.MembershipJoin {
		return false
	}
	if evt.Unsigned != nil && evt.Unsigned.PrevContent != nil {
		if prev, _ := evt.Unsigned.PrevContent["membership"].(string); prev == matrix.MembershipJoin {
			return false
		}
	}
	return true
}

func eventTime(evt *matrix.Event) time.Time {
	if ts := evt.Timestamp(); !ts.IsZero() {
		return ts
	}
	return time.Now()
}

// consequenceFor builds a consequence for a configured action name. Every
// consequence carries the offending event: bans and redactions remove it,
// kicks and mutes record it as their cause.
func consequenceFor(choice string, evt *matrix.Event, reason string) *action.Consequence {
	c := &action.Consequence{Target: evt.Sender, EventID: evt.EventID, Reason: reason}
	switch choice {
	case choiceBan:
		c.Type = action.Ban
	case choiceKick:
		c.Type = action.Kick
	case choiceMute:
		c.Type = action.Mute
	default:
		c.Type = action.Redact
	}
	return c
}

// newcomers remembers users who joined a room and have not spoken yet.
// Users already present when tracking started are never newcomers.
type newcomers struct {
	cache *lru.LRU[string, struct{}]
}

func newNewcomers(size int, ttl time.Duration) *newcomers {
	return &newcomers{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// firstMessage records joins and reports whether evt is the first
// message of a tracked newcomer.
func (n *newcomers) firstMessage(roomID string, evt *matrix.Event) bool {
	if isFreshJoin(evt) {
		n.cache.Add(roomID+"|"+evt.StateKeyValue(), struct{}{})
		return false
	}
	if !isMessage(evt) {
		return false
	}
	key := roomID + "|" + evt.Sender
	if _, ok := n.cache.Peek(key); !ok {
		return false
	}
	n.cache.Remove(key)
	return true
}
