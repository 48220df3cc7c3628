package protection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const messageMaxLengthName = "message_max_length"

// MessageMaxLength redacts bodies longer than threshold characters. By
// default only users of the local server are limited.
type MessageMaxLength struct {
	localServer string

	settings      *Settings
	threshold     *IntSetting
	rooms         *ListSetting[string]
	remoteServers *BoolSetting
}

func NewMessageMaxLength(localServer string) *MessageMaxLength {
	p := &MessageMaxLength{
		localServer: localServer,
		// Zero leaves the protection inert.
		threshold: NewIntSetting("threshold", 0, 0, 1_000_000),
		rooms: NewListSetting("rooms", func(s string) (string, error) {
			if !strings.HasPrefix(s, "!") || !strings.Contains(s, ":") {
				return "", errors.New("must be a room ID")
			}
			return s, nil
		}),
		remoteServers: NewBoolSetting("remote_servers", false),
	}
	p.settings = NewSettings(p.threshold, p.rooms, p.remoteServers)
	return p
}

func (p *MessageMaxLength) Name() string        { return messageMaxLengthName }
func (p *MessageMaxLength) Description() string { return "Redacts messages whose body is too long" }
func (p *MessageMaxLength) Settings() *Settings { return p.settings }

func (p *MessageMaxLength) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	threshold := p.threshold.Get()
	if threshold == 0 || !isMessage(evt) {
		return nil, nil
	}
	if !p.remoteServers.Get() && matrix.ServerName(evt.Sender) != p.localServer {
		return nil, nil
	}
	if rooms := p.rooms.Get(); len(rooms) > 0 && !slices.Contains(rooms, roomID) {
		return nil, nil
	}
	if n := utf8.RuneCountInString(evt.Body()); n > threshold {
		return consequenceFor(choiceRedact, evt, fmt.Sprintf("message is %d characters, limit is %d", n, threshold)), nil
	}
	return nil, nil
}
