package protection

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/membership"
	"github.com/lessucettes/adresu-matrix/internal/policylist"
	"github.com/lessucettes/adresu-matrix/internal/testutils"
)

func handle(t *testing.T, p Protection, evt *matrix.Event) *action.Consequence {
	t.Helper()
	c, err := p.HandleEvent(context.Background(), roomID, evt)
	require.NoError(t, err)
	return c
}

func TestBasicFlooding(t *testing.T) {
	p := NewBasicFlooding()

	for i := range 10 {
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, spammer, fmt.Sprintf("msg %d", i), t0)), "message %d", i)
	}
	over := testutils.MakeMessage(roomID, spammer, "one too many", t0)
	c := handle(t, p, over)
	require.NotNil(t, c)
	require.Equal(t, action.Ban, c.Type)
	require.Equal(t, spammer, c.Target)
	require.Equal(t, over.EventID, c.EventID)

	// Other users and other rooms have their own budget.
	require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "hi", t0)))
	other, err := p.HandleEvent(context.Background(), "!other:example.org", testutils.MakeMessage("!other:example.org", spammer, "hi", t0))
	require.NoError(t, err)
	require.Nil(t, other)

	// One token comes back every six seconds.
	require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, spammer, "later", t0.Add(7*time.Second))))

	require.NoError(t, p.Settings().Set("action", "Kick"))
	again := testutils.MakeMessage(roomID, spammer, "again", t0.Add(7*time.Second))
	c = handle(t, p, again)
	require.NotNil(t, c)
	require.Equal(t, action.Kick, c.Type)
	require.Equal(t, again.EventID, c.EventID, "kicks record their cause")

	require.Nil(t, handle(t, p, testutils.MakeMember(roomID, spammer, spammer, matrix.MembershipJoin, t0)), "state events are not counted")
}

func profileChange(user string, ts time.Time) *matrix.Event {
	evt := testutils.MakeJoin(roomID, user, ts)
	evt.Content["displayname"] = "New Name"
	evt.Unsigned = &matrix.Unsigned{PrevContent: map[string]any{"membership": matrix.MembershipJoin}}
	return evt
}

func TestFirstMessageIsLink(t *testing.T) {
	testCases := []struct {
		name    string
		joins   bool
		body    string
		html    string
		wantHit bool
	}{
		{name: "link after join", joins: true, body: "check https://scam.example/free", wantHit: true},
		{name: "www link", joins: true, body: "go to www.scam.example now", wantHit: true},
		{name: "html link", joins: true, body: "click", html: `<a href="https://x.example">click</a>`, wantHit: true},
		{name: "plain text after join", joins: true, body: "hello everyone"},
		{name: "link from an existing member", body: "https://docs.example/guide"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewFirstMessageIsLink()
			if tc.joins {
				require.Nil(t, handle(t, p, testutils.MakeJoin(roomID, spammer, t0)))
			}
			msg := testutils.MakeMessage(roomID, spammer, tc.body, t0.Add(time.Second))
			if tc.html != "" {
				msg.Content["format"] = "org.matrix.custom.html"
				msg.Content["formatted_body"] = tc.html
			}
			c := handle(t, p, msg)
			if !tc.wantHit {
				require.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			require.Equal(t, action.Ban, c.Type)
			require.Equal(t, msg.EventID, c.EventID)
		})
	}

	t.Run("only the first message counts", func(t *testing.T) {
		p := NewFirstMessageIsLink()
		handle(t, p, testutils.MakeJoin(roomID, alice, t0))
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "hi all", t0)))
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "see https://docs.example", t0)))
	})

	t.Run("profile changes do not reset", func(t *testing.T) {
		p := NewFirstMessageIsLink()
		handle(t, p, profileChange(alice, t0))
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "https://docs.example", t0)))
	})
}

func TestFirstMessageIsMedia(t *testing.T) {
	const uri = "mxc://evil.com/abc"

	t.Run("image bans by default", func(t *testing.T) {
		p := NewFirstMessageIsMedia()
		handle(t, p, testutils.MakeJoin(roomID, spammer, t0))
		img := testutils.MakeMedia(roomID, spammer, "m.image", uri, t0)
		c := handle(t, p, img)
		require.NotNil(t, c)
		require.Equal(t, action.Ban, c.Type)
		require.Equal(t, img.EventID, c.EventID)
	})

	t.Run("quarantine targets the media", func(t *testing.T) {
		p := NewFirstMessageIsMedia()
		require.NoError(t, p.Settings().Set("action", choiceQuarantine))
		handle(t, p, testutils.MakeJoin(roomID, spammer, t0))
		c := handle(t, p, testutils.MakeMedia(roomID, spammer, "m.video", uri, t0))
		require.NotNil(t, c)
		require.Equal(t, action.QuarantineMedia, c.Type)
		require.Equal(t, matrix.QuarantineMedia, c.Scope)
		require.Equal(t, uri, c.MediaURI)
	})

	t.Run("sticker counts as media", func(t *testing.T) {
		p := NewFirstMessageIsMedia()
		require.NoError(t, p.Settings().Set("action", choiceRedact))
		handle(t, p, testutils.MakeJoin(roomID, spammer, t0))
		sticker := testutils.MakeEvent(roomID, matrix.EventTypeSticker, spammer, t0, map[string]any{"body": "sticker", "url": uri})
		c := handle(t, p, sticker)
		require.NotNil(t, c)
		require.Equal(t, action.Redact, c.Type)
		require.Equal(t, sticker.EventID, c.EventID)
	})

	t.Run("text is fine", func(t *testing.T) {
		p := NewFirstMessageIsMedia()
		handle(t, p, testutils.MakeJoin(roomID, alice, t0))
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "hello", t0)))
		require.Nil(t, handle(t, p, testutils.MakeMedia(roomID, alice, "m.image", uri, t0)), "no longer a newcomer")
	})

	require.Error(t, NewFirstMessageIsMedia().Settings().Set("action", choiceMute))
}

func TestMentionSpam(t *testing.T) {
	many := make([]string, 0, 12)
	for i := range 12 {
		many = append(many, fmt.Sprintf("@user%d:example.org", i))
	}

	testCases := []struct {
		name    string
		content map[string]any
		wantHit bool
	}{
		{
			name:    "body mentions above limit",
			content: map[string]any{"msgtype": "m.text", "body": strings.Join(many, " ")},
			wantHit: true,
		},
		{
			name:    "duplicates count once",
			content: map[string]any{"msgtype": "m.text", "body": strings.Repeat("@same:example.org ", 20)},
		},
		{
			name: "m.mentions counts",
			content: map[string]any{"msgtype": "m.text", "body": "hey", "m.mentions": map[string]any{
				"user_ids": toAny(many),
			}},
			wantHit: true,
		},
		{
			name:    "pills in formatted body",
			content: map[string]any{"msgtype": "m.text", "body": "hey", "formatted_body": pills(many)},
			wantHit: true,
		},
		{
			name:    "few mentions",
			content: map[string]any{"msgtype": "m.text", "body": strings.Join(many[:3], " ")},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewMentionSpam()
			evt := testutils.MakeEvent(roomID, matrix.EventTypeMessage, spammer, t0, tc.content)
			c := handle(t, p, evt)
			if !tc.wantHit {
				require.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			require.Equal(t, action.Redact, c.Type)
			require.Equal(t, evt.EventID, c.EventID)
		})
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func pills(users []string) string {
	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, `<a href="https://matrix.to/#/%s">x</a> `, u)
	}
	return b.String()
}

func TestMessageMaxLength(t *testing.T) {
	p := NewMessageMaxLength("example.org")
	long := strings.Repeat("é", 11)

	require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, long, t0)), "disabled at zero")

	require.NoError(t, p.Settings().Set("threshold", 10))
	require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, strings.Repeat("é", 10), t0)), "counted in characters, not bytes")

	msg := testutils.MakeMessage(roomID, alice, long, t0)
	c := handle(t, p, msg)
	require.NotNil(t, c)
	require.Equal(t, action.Redact, c.Type)
	require.Equal(t, msg.EventID, c.EventID)

	require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, spammer, long, t0)), "remote users are exempt by default")
	require.NoError(t, p.Settings().Set("remote_servers", true))
	require.NotNil(t, handle(t, p, testutils.MakeMessage(roomID, spammer, long, t0)))

	require.NoError(t, p.Settings().Set("rooms", []any{"!elsewhere:example.org"}))
	require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, long, t0)), "limited to listed rooms")
	require.Error(t, p.Settings().Set("rooms", "#alias:example.org"))
}

type fakeMembers map[string]membership.Record

func (f fakeMembers) Latest(roomID, userID string) (membership.Record, bool) {
	r, ok := f[roomID+"|"+userID]
	return r, ok
}

func TestWordList(t *testing.T) {
	members := fakeMembers{
		roomID + "|" + spammer: {RoomID: roomID, UserID: spammer, Timestamp: t0, State: membership.Join},
		roomID + "|" + alice:   {RoomID: roomID, UserID: alice, Timestamp: t0.Add(-time.Hour), State: membership.Join},
	}
	p := NewWordList(members)
	require.NoError(t, p.Settings().Set("words", []any{"heilhydra", "/fr[e3]{2} ?money/", "spam*bot", "/h[ae]il.*hydra/"}))

	testCases := []struct {
		name    string
		sender  string
		body    string
		at      time.Duration
		wantHit bool
	}{
		{name: "literal, any case", sender: spammer, body: "hEilhYdra-1 forever", at: time.Minute, wantHit: true},
		{name: "regexp", sender: spammer, body: "get FREE money", at: time.Minute, wantHit: true},
		{name: "regexp character class", sender: spammer, body: "they said HAIL the hydra", at: time.Minute, wantHit: true},
		{name: "glob matches whole body", sender: spammer, body: "spam-o-bot", at: time.Minute, wantHit: true},
		{name: "glob is anchored", sender: spammer, body: "not a spam-o-bot really", at: time.Minute},
		{name: "clean text", sender: spammer, body: "hello", at: time.Minute},
		{name: "trusted after the window", sender: spammer, body: "heilhydra", at: 21 * time.Minute},
		{name: "long-standing member", sender: alice, body: "heilhydra", at: time.Minute},
		{name: "unknown member", sender: "@ghost:example.org", body: "heilhydra", at: time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := testutils.MakeMessage(roomID, tc.sender, tc.body, t0.Add(tc.at))
			c := handle(t, p, msg)
			if !tc.wantHit {
				require.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			require.Equal(t, action.Ban, c.Type)
			require.Equal(t, tc.sender, c.Target)
			require.Equal(t, msg.EventID, c.EventID)
		})
	}

	t.Run("display name on join", func(t *testing.T) {
		join := testutils.MakeJoin(roomID, spammer, t0)
		join.Content["displayname"] = "HeilHydra"
		c := handle(t, p, join)
		require.NotNil(t, c)
		require.Equal(t, action.Ban, c.Type)
		require.Equal(t, spammer, c.Target)
	})

	t.Run("window given in minutes", func(t *testing.T) {
		require.NoError(t, p.Settings().Set("minutes_before_trusting", int64(90)))
		require.NotNil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "heilhydra", t0)))
	})

	require.Error(t, p.Settings().Set("words", []any{"/(unclosed/"}))
}

type fakeLists map[string]*policylist.Rule

func (f fakeLists) FindUserBan(userID string) (*policylist.Rule, bool) {
	if r, ok := f[userID]; ok {
		return r, true
	}
	r, ok := f[matrix.ServerName(userID)]
	return r, ok
}

func (f fakeLists) FindBan(kind policylist.Kind, subject string) (*policylist.Rule, bool) {
	for _, r := range f {
		if r.Kind == kind && r.Matches(subject) {
			return r, true
		}
	}
	return nil, false
}

func mustRule(t *testing.T, eventType, entity, reason string) *policylist.Rule {
	t.Helper()
	r, err := policylist.ParseRule(testutils.TestListID, testutils.MakeRule(testutils.TestListID, eventType, entity, policylist.RecommendationBan, reason, t0))
	require.NoError(t, err)
	return r
}

func TestPolicyList(t *testing.T) {
	lists := fakeLists{
		spammer:      mustRule(t, string(policylist.KindUser), spammer, "spam"),
		"badhost.io": mustRule(t, string(policylist.KindServer), "badhost.io", ""),
	}
	lists["*scam*"] = mustRule(t, string(policylist.KindUser), "*scam*", "scam name")
	p := NewPolicyList(lists)

	t.Run("message from banned user", func(t *testing.T) {
		msg := testutils.MakeMessage(roomID, spammer, "hi", t0)
		c := handle(t, p, msg)
		require.NotNil(t, c)
		require.Equal(t, action.Ban, c.Type)
		require.Equal(t, spammer, c.Target)
		require.Equal(t, msg.EventID, c.EventID)
		require.Equal(t, "spam", c.Reason)
	})

	t.Run("join from banned server", func(t *testing.T) {
		c := handle(t, p, testutils.MakeJoin(roomID, "@anyone:badhost.io", t0))
		require.NotNil(t, c)
		require.Equal(t, action.Ban, c.Type)
		require.Equal(t, "@anyone:badhost.io", c.Target)
		require.Contains(t, c.Reason, "badhost.io")
	})

	t.Run("invite by banned user kicks invitee", func(t *testing.T) {
		invite := testutils.MakeMember(roomID, spammer, alice, matrix.MembershipInvite, t0)
		c := handle(t, p, invite)
		require.NotNil(t, c)
		require.Equal(t, action.Kick, c.Type)
		require.Equal(t, alice, c.Target)
	})

	t.Run("invite into banned room kicks invitee", func(t *testing.T) {
		const banned = "!banned:evil.com"
		rooms := NewPolicyList(fakeLists{banned: mustRule(t, string(policylist.KindRoom), banned, "raid room")})
		testCases := []struct {
			name   string
			room   string
			inRule bool
		}{
			{name: "banned room", room: banned, inRule: true},
			{name: "lookalike room", room: "!banned:evil.com.au"},
			{name: "other room", room: roomID},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				invite := testutils.MakeMember(tc.room, alice, "@friend:example.org", matrix.MembershipInvite, t0)
				c, err := rooms.HandleEvent(context.Background(), tc.room, invite)
				require.NoError(t, err)
				if !tc.inRule {
					require.Nil(t, c)
					return
				}
				require.NotNil(t, c)
				require.Equal(t, action.Kick, c.Type)
				require.Equal(t, "@friend:example.org", c.Target)
				require.Contains(t, c.Reason, "raid room")
			})
		}
	})

	t.Run("clean user", func(t *testing.T) {
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, alice, "hi", t0)))
		require.Nil(t, handle(t, p, testutils.MakeJoin(roomID, alice, t0)))
	})

	t.Run("display names only when enabled", func(t *testing.T) {
		join := testutils.MakeJoin(roomID, "@newbie:example.org", t0)
		join.Content["displayname"] = "TotallyNotAScam"
		require.Nil(t, handle(t, p, join))

		require.NoError(t, p.Settings().Set("block_usernames", true))
		c := handle(t, p, join)
		require.NotNil(t, c)
		require.Equal(t, "@newbie:example.org", c.Target)
	})

	t.Run("switches", func(t *testing.T) {
		require.NoError(t, p.Settings().Set("block_messages", false))
		require.NoError(t, p.Settings().Set("ban_on_join", false))
		require.NoError(t, p.Settings().Set("block_invites", "false"))
		require.Nil(t, handle(t, p, testutils.MakeMessage(roomID, spammer, "hi", t0)))
		require.Nil(t, handle(t, p, testutils.MakeJoin(roomID, spammer, t0)))
		require.Nil(t, handle(t, p, testutils.MakeMember(roomID, spammer, alice, matrix.MembershipInvite, t0)))
	})
}

func TestTrustedReporters_BanThreshold(t *testing.T) {
	p := NewTrustedReporters()
	require.NoError(t, p.Settings().Set("trusted_reporters", "@mod1:example.org, @mod2:example.org"))
	require.NoError(t, p.Settings().Set("ban_threshold", 2))
	require.Error(t, p.Settings().Set("trusted_reporters", "not-a-user"))

	evt := testutils.MakeMessage(roomID, spammer, "scam", t0)
	report := func(reporter string) *action.Consequence {
		c, err := p.HandleReport(context.Background(), &Report{RoomID: roomID, EventID: evt.EventID, Reporter: reporter, Event: evt})
		require.NoError(t, err)
		return c
	}

	require.Nil(t, report("@mod1:example.org"))
	c := report("@mod2:example.org")
	require.NotNil(t, c)
	require.Equal(t, action.Ban, c.Type)
	require.Equal(t, spammer, c.Target)
	require.Equal(t, evt.EventID, c.EventID)
}
