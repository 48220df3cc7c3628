package protection

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const (
	firstMessageIsLinkName  = "first_message_is_link"
	firstMessageIsMediaName = "first_message_is_media"

	newcomerCacheSize = 100_000
)

var linkRegex = regexp.MustCompile(`(?i)\b(https?://|www\.)\S+|\bmatrix\.to/#/`)

// FirstMessageIsLink acts on newcomers whose first message carries a link.
type FirstMessageIsLink struct {
	settings  *Settings
	action    *ChoiceSetting
	newcomers *newcomers
}

func NewFirstMessageIsLink() *FirstMessageIsLink {
	p := &FirstMessageIsLink{
		action:    NewChoiceSetting("action", choiceBan, choiceBan, choiceKick, choiceRedact),
		newcomers: newNewcomers(newcomerCacheSize, 24*time.Hour),
	}
	p.settings = NewSettings(p.action)
	return p
}

func (p *FirstMessageIsLink) Name() string { return firstMessageIsLinkName }
func (p *FirstMessageIsLink) Description() string {
	return "Acts on users whose first message after joining contains a link"
}
func (p *FirstMessageIsLink) Settings() *Settings { return p.settings }

func (p *FirstMessageIsLink) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	if !p.newcomers.firstMessage(roomID, evt) {
		return nil, nil
	}
	text := evt.Body()
	if formatted := evt.ContentString("formatted_body"); formatted != "" {
		text += " " + formatted
	}
	if !linkRegex.MatchString(text) && !strings.Contains(text, "href=") {
		return nil, nil
	}
	return consequenceFor(p.action.Get(), evt, "first message contains a link"), nil
}

var mediaMsgTypes = map[string]struct{}{
	"m.image": {},
	"m.video": {},
	"m.file":  {},
}

// FirstMessageIsMedia acts on newcomers whose first message is an image,
// video, file or sticker.
type FirstMessageIsMedia struct {
	settings  *Settings
	action    *ChoiceSetting
	newcomers *newcomers
}

func NewFirstMessageIsMedia() *FirstMessageIsMedia {
	p := &FirstMessageIsMedia{
		action:    NewChoiceSetting("action", choiceBan, choiceBan, choiceRedact, choiceQuarantine),
		newcomers: newNewcomers(newcomerCacheSize, 24*time.Hour),
	}
	p.settings = NewSettings(p.action)
	return p
}

func (p *FirstMessageIsMedia) Name() string { return firstMessageIsMediaName }
func (p *FirstMessageIsMedia) Description() string {
	return "Acts on users whose first message after joining is media"
}
func (p *FirstMessageIsMedia) Settings() *Settings { return p.settings }

func (p *FirstMessageIsMedia) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	if !p.newcomers.firstMessage(roomID, evt) {
		return nil, nil
	}
	if _, media := mediaMsgTypes[evt.MsgType()]; !media && evt.Type != matrix.EventTypeSticker {
		return nil, nil
	}

	const reason = "first message is media"
	if p.action.Get() == choiceQuarantine {
		uri := evt.ContentString("url")
		if uri == "" {
			// Encrypted media keeps its URI under file.
			if file, ok := evt.Content["file"].(map[string]any); ok {
				uri, _ = file["url"].(string)
			}
		}
		if uri == "" {
			return consequenceFor(choiceRedact, evt, reason), nil
		}
		return &action.Consequence{
			Type:     action.QuarantineMedia,
			Scope:    matrix.QuarantineMedia,
			MediaURI: uri,
			Target:   evt.Sender,
			Reason:   reason,
		}, nil
	}
	return consequenceFor(p.action.Get(), evt, reason), nil
}
