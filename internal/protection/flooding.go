package protection

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const basicFloodingName = "basic_flooding"

// BasicFlooding acts on users sending more than max_per_minute messages
// to one room. Each (room, user) pair gets its own token bucket.
type BasicFlooding struct {
	settings     *Settings
	maxPerMinute *IntSetting
	action       *ChoiceSetting
	limiters     *lru.LRU[string, *rate.Limiter]
}

func NewBasicFlooding() *BasicFlooding {
	f := &BasicFlooding{
		maxPerMinute: NewIntSetting("max_per_minute", 10, 1, 1000),
		action:       NewChoiceSetting("action", choiceBan, choiceBan, choiceKick, choiceMute, choiceRedact),
		limiters:     lru.NewLRU[string, *rate.Limiter](65536, nil, 10*time.Minute),
	}
	f.settings = NewSettings(f.maxPerMinute, f.action)
	return f
}

func (f *BasicFlooding) Name() string        { return basicFloodingName }
func (f *BasicFlooding) Description() string { return "Acts on users who send too many messages per minute" }
func (f *BasicFlooding) Settings() *Settings { return f.settings }

func (f *BasicFlooding) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	if !isMessage(evt) {
		return nil, nil
	}
	limit := f.maxPerMinute.Get()
	// The limit is part of the key so a changed setting starts fresh buckets.
	key := fmt.Sprintf("%s|%s|%d", roomID, evt.Sender, limit)
	limiter, ok := f.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(limit)/60), limit)
		f.limiters.Add(key, limiter)
	}
	if limiter.AllowN(eventTime(evt), 1) {
		return nil, nil
	}
	return consequenceFor(f.action.Get(), evt, fmt.Sprintf("flooding: more than %d messages per minute", limit)), nil
}
