package protection

import (
	"context"
	"strings"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/membership"
	"github.com/lessucettes/adresu-matrix/pkg/adresu-kit/match"
)

const wordListName = "word_list"

// JoinLookup answers when a user last changed membership in a room.
type JoinLookup interface {
	Latest(roomID, userID string) (membership.Record, bool)
}

// WordList bans users who say a listed word shortly after joining.
// Words wrapped in slashes are regular expressions, words with * or ?
// are globs, anything else matches as a case-insensitive substring.
type WordList struct {
	members JoinLookup

	settings *Settings
	words    *ListSetting[*match.Matcher]
	window   *DurationSetting
}

func compileWord(word string) (*match.Matcher, error) {
	if len(word) > 2 && strings.HasPrefix(word, "/") && strings.HasSuffix(word, "/") {
		return match.Compile(word[1:len(word)-1], match.Regexp)
	}
	return match.Compile(word, match.ShapeOf(word))
}

func NewWordList(members JoinLookup) *WordList {
	p := &WordList{
		members: members,
		words:   NewListSetting("words", compileWord),
		// Zero checks every message regardless of join time.
		window: NewDurationSetting("minutes_before_trusting", 20*time.Minute, 0, 7*24*time.Hour).InUnitsOf(time.Minute),
	}
	p.settings = NewSettings(p.words, p.window)
	return p
}

func (p *WordList) Name() string { return wordListName }
func (p *WordList) Description() string {
	return "Bans users who use a listed word shortly after joining"
}
func (p *WordList) Settings() *Settings { return p.settings }

func (p *WordList) matches(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, m := range p.words.Get() {
		if m.Match(text) {
			return m.Pattern(), true
		}
	}
	return "", false
}

// recentlyJoined reports whether userID joined roomID within the window
// before at. Users the index has never seen joining are trusted.
func (p *WordList) recentlyJoined(roomID, userID string, at time.Time) bool {
	window := p.window.Get()
	if window == 0 {
		return true
	}
	if p.members == nil {
		return false
	}
	rec, ok := p.members.Latest(roomID, userID)
	if !ok || rec.State != membership.Join {
		return false
	}
	return at.Sub(rec.Timestamp) <= window
}

func (p *WordList) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	if len(p.words.Get()) == 0 {
		return nil, nil
	}

	if isFreshJoin(evt) {
		target := evt.StateKeyValue()
		if word, hit := p.matches(evt.ContentString("displayname")); hit {
			return &action.Consequence{Type: action.Ban, Target: target, Reason: "display name contains banned word " + word}, nil
		}
		return nil, nil
	}
	if !isMessage(evt) || !p.recentlyJoined(roomID, evt.Sender, eventTime(evt)) {
		return nil, nil
	}
	text := evt.Body()
	if formatted := evt.ContentString("formatted_body"); formatted != "" {
		text += "\n" + formatted
	}
	if word, hit := p.matches(text); hit {
		return consequenceFor(choiceBan, evt, "said banned word "+word+" shortly after joining"), nil
	}
	return nil, nil
}
