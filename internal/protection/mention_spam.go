package protection

import (
	"context"
	"fmt"
	"regexp"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const mentionSpamName = "mention_spam"

var (
	userIDRegex   = regexp.MustCompile(`@[a-zA-Z0-9._=\-/+]+:[a-zA-Z0-9.\-]+(:[0-9]+)?`)
	mentionPillRe = regexp.MustCompile(`matrix\.to/#/(@[^"'?<>\s]+)`)
)

// MentionSpam acts on messages mentioning more than max_mentions users.
type MentionSpam struct {
	settings    *Settings
	maxMentions *IntSetting
	action      *ChoiceSetting
}

func NewMentionSpam() *MentionSpam {
	p := &MentionSpam{
		maxMentions: NewIntSetting("max_mentions", 10, 1, 1000),
		action:      NewChoiceSetting("action", choiceRedact, choiceRedact, choiceBan, choiceKick, choiceMute),
	}
	p.settings = NewSettings(p.maxMentions, p.action)
	return p
}

func (p *MentionSpam) Name() string        { return mentionSpamName }
func (p *MentionSpam) Description() string { return "Acts on messages that mention too many users" }
func (p *MentionSpam) Settings() *Settings { return p.settings }

// mentions collects distinct users mentioned in the body, the HTML pills
// and m.mentions.
func mentions(evt *matrix.Event) map[string]struct{} {
	found := make(map[string]struct{})
	for _, id := range userIDRegex.FindAllString(evt.Body(), -1) {
		found[id] = struct{}{}
	}
	for _, m := range mentionPillRe.FindAllStringSubmatch(evt.ContentString("formatted_body"), -1) {
		found[m[1]] = struct{}{}
	}
	if mm, ok := evt.Content["m.mentions"].(map[string]any); ok {
		if ids, ok := mm["user_ids"].([]any); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					found[s] = struct{}{}
				}
			}
		}
	}
	return found
}

func (p *MentionSpam) HandleEvent(_ context.Context, _ string, evt *matrix.Event) (*action.Consequence, error) {
	if !isMessage(evt) {
		return nil, nil
	}
	limit := p.maxMentions.Get()
	if n := len(mentions(evt)); n > limit {
		return consequenceFor(p.action.Get(), evt, fmt.Sprintf("mention spam: %d users mentioned", n)), nil
	}
	return nil, nil
}
