package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/clock"
	"github.com/lessucettes/adresu-matrix/internal/config"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/membership"
	"github.com/lessucettes/adresu-matrix/internal/policylist"
	"github.com/lessucettes/adresu-matrix/internal/protection"
	"github.com/lessucettes/adresu-matrix/internal/store"
	"github.com/lessucettes/adresu-matrix/internal/testutils"
)

const (
	room    = testutils.TestRoomID
	listID  = testutils.TestListID
	bot     = testutils.TestBotID
	spammer = "@spam:evil.com"
	alice   = "@alice:example.org"
)

var t0 = time.Unix(1_700_000_000, 0)

type harness struct {
	hs       *testutils.MockHomeserver
	engine   *Engine
	executor *action.Executor
	guard    *action.StaticGuard
	lists    *policylist.Manager
	members  *membership.Index
	pipeline *protection.Pipeline
	store    *store.BadgerStore
	clock    *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{hs: testutils.NewMockHomeserver(), clock: clock.Fake(t0.Add(time.Hour))}

	s, err := store.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h.store = s

	h.guard = action.NewStaticGuard()
	h.executor = action.NewExecutor(h.hs, action.DefaultConfig(), action.WithGuard(h.guard))
	t.Cleanup(func() { h.executor.Close() })
	h.lists = policylist.NewManager(h.hs, s)
	h.members = membership.NewIndex(24*time.Hour, h.clock)

	h.pipeline = protection.NewPipeline(config.Default(), h.executor)
	require.NoError(t, protection.RegisterBuiltins(h.pipeline, protection.Deps{
		Lists: h.lists, Members: h.members, LocalServer: "example.org",
	}))
	require.NoError(t, h.pipeline.EnableProtection("policy_list"))

	h.engine = New(Deps{
		Homeserver: h.hs,
		Lists:      h.lists,
		Members:    h.members,
		Pipeline:   h.pipeline,
		Sink:       h.executor,
		Store:      s,
		Clock:      h.clock,
		BotUserID:  bot,
		Guard:      h.guard,
	})
	t.Cleanup(h.engine.Close)
	return h
}

func waitForCall(t *testing.T, hs *testutils.MockHomeserver, method string) testutils.Call {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-hs.CallSignal:
			if c.Method == method {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func TestEngine_ProtectRoomPersists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.hs.SetAlias("#lobby:example.org", room)

	roomID, err := h.engine.ProtectRoom(ctx, "#lobby:example.org")
	require.NoError(t, err)
	require.Equal(t, room, roomID)
	require.True(t, h.engine.IsProtected(room))
	require.True(t, h.members.HasRoom(room))

	saved, err := h.store.ProtectedRooms(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{room}, saved)

	// A second engine over the same store picks the room up again.
	restarted := New(Deps{Homeserver: h.hs, Store: h.store, Members: membership.NewIndex(time.Hour, h.clock)})
	require.NoError(t, restarted.Start(ctx, config.Default()))
	require.True(t, restarted.IsProtected(room))

	require.NoError(t, h.engine.UnprotectRoom(ctx, room))
	require.False(t, h.engine.IsProtected(room))
	require.False(t, h.members.HasRoom(room))
	saved, err = h.store.ProtectedRooms(ctx)
	require.NoError(t, err)
	require.Empty(t, saved)

	require.ErrorIs(t, h.engine.UnprotectRoom(ctx, room), ErrNotProtected)
	_, err = h.engine.ProtectRoom(ctx, "#missing:example.org")
	require.Error(t, err)
}

func TestEngine_BannedSenderIsBannedAndRedacted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.hs.SetState(listID, testutils.MakeRule(listID, "m.policy.rule.user", spammer, "m.ban", "spam", t0))
	_, err := h.lists.WatchList(ctx, listID)
	require.NoError(t, err)
	_, err = h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)

	msg := testutils.MakeMessage(room, spammer, "buy now", t0)
	verdicts := h.engine.HandleTimelineEvent(ctx, room, msg, h.clock.Now())
	require.Len(t, verdicts, 1)
	require.NotNil(t, verdicts[0].Ticket)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	outcomes, err := verdicts[0].Ticket.Wait(wctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	bans := h.hs.CallsTo("ban")
	require.Len(t, bans, 1)
	require.Equal(t, spammer, bans[0].Target)
	require.Equal(t, room, bans[0].RoomID)
	require.Len(t, h.hs.CallsTo("redact"), 1)
}

func TestEngine_RoutingRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.hs.SetState(listID, testutils.MakeRule(listID, "m.policy.rule.user", spammer, "m.ban", "spam", t0))
	_, err := h.lists.WatchList(ctx, listID)
	require.NoError(t, err)
	_, err = h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)

	unprotected := "!elsewhere:example.org"
	require.Empty(t, h.engine.HandleTimelineEvent(ctx, unprotected, testutils.MakeMessage(unprotected, spammer, "x", t0), t0))

	// The bot's own events never go through protections, even when a
	// list names it.
	selfBan := testutils.MakeRule(listID, "m.policy.rule.user", bot, "m.ban", "oops", t0.Add(time.Minute))
	require.Empty(t, h.engine.HandleTimelineEvent(ctx, listID, selfBan, t0), "list rooms are not protected")
	_, listed := h.lists.FindUserBan(bot)
	require.True(t, listed)
	require.Empty(t, h.engine.HandleTimelineEvent(ctx, room, testutils.MakeMessage(room, bot, "notice", t0), t0))

	// Member events in protected rooms feed the index.
	join := testutils.MakeJoin(room, alice, t0)
	h.engine.HandleTimelineEvent(ctx, room, join, t0)
	rec, ok := h.members.Latest(room, alice)
	require.True(t, ok)
	require.Equal(t, membership.Join, rec.State)

	require.Empty(t, h.hs.CallsTo("ban"))
}

func TestEngine_StreamedRuleTriggersBanSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.lists.WatchList(ctx, listID)
	require.NoError(t, err)
	_, err = h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)
	h.hs.SetMembers(room, map[string]matrix.Member{
		spammer:        {},
		alice:          {},
		bot:            {},
		"@x:badhost.io": {},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.engine.Run(runCtx, time.Hour)

	rule := testutils.MakeRule(listID, "m.policy.rule.user", spammer, "m.ban", "spam", t0.Add(time.Minute))
	h.engine.HandleTimelineEvent(ctx, listID, rule, t0)
	_, banned := h.lists.FindUserBan(spammer)
	require.True(t, banned)

	c := waitForCall(t, h.hs, "ban")
	require.Equal(t, spammer, c.Target)
	require.Equal(t, "spam", c.Reason)

	server := testutils.MakeRule(listID, "m.policy.rule.server", "badhost.io", "m.ban", "", t0.Add(2*time.Minute))
	h.engine.HandleTimelineEvent(ctx, listID, server, t0)
	c = waitForCall(t, h.hs, "ban")
	require.Contains(t, []string{spammer, "@x:badhost.io"}, c.Target)
}

func TestEngine_SyncBansDisabledByConfig(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := config.Default()
	cfg.Engine.SyncBansOnChange = false
	require.NoError(t, h.engine.ApplyConfig(cfg))

	_, err := h.lists.WatchList(ctx, listID)
	require.NoError(t, err)
	h.engine.HandleTimelineEvent(ctx, listID, testutils.MakeRule(listID, "m.policy.rule.user", spammer, "m.ban", "", t0), t0)
	require.Empty(t, h.engine.syncRequests)
}

func TestEngine_SyncBans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.hs.SetState(listID,
		testutils.MakeRule(listID, "m.policy.rule.user", "@spam*", "m.ban", "", t0),
		testutils.MakeRule(listID, "m.policy.rule.user", alice, "org.matrix.mjolnir.unknown", "", t0),
	)
	_, err := h.lists.WatchList(ctx, listID)
	require.NoError(t, err)
	_, err = h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)
	h.hs.SetMembers(room, map[string]matrix.Member{spammer: {}, "@spammer2:evil.com": {}, alice: {}})

	n, err := h.engine.SyncBans(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "non-ban recommendations are ignored")
}

func TestEngine_RedactHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.RedactHistory(ctx, room, "@spam:*", "cleanup", 100)
	require.ErrorIs(t, err, ErrNotProtected)
	_, err = h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)

	join := testutils.MakeJoin(room, spammer, t0)
	timeline := []matrix.Event{*join}
	for i := range 3 {
		timeline = append(timeline,
			*testutils.MakeMessage(room, alice, "hello", t0.Add(time.Duration(i)*time.Second)),
			*testutils.MakeMessage(room, spammer, "spam", t0.Add(time.Duration(i)*time.Second)),
		)
	}
	h.hs.SetTimeline(room, timeline)

	n, err := h.engine.RedactHistory(ctx, room, "@spam:*", "cleanup", 100)
	require.NoError(t, err)
	require.Equal(t, 3, n, "the membership event is kept")
	for range 3 {
		c := waitForCall(t, h.hs, "redact")
		require.Equal(t, room, c.RoomID)
	}
}

func TestEngine_HandleReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.HandleReport(ctx, protection.Report{RoomID: room, EventID: "$e"})
	require.ErrorIs(t, err, ErrNotProtected)

	_, err = h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)
	record, err := h.engine.HandleReport(ctx, protection.Report{RoomID: room, EventID: "$e", Reporter: alice})
	require.NoError(t, err)
	require.Empty(t, record.Verdicts)
	require.Equal(t, h.clock.Now(), record.Report.ReceivedAt)
}

func TestEngine_StillNeeded(t *testing.T) {
	h := newHarness(t)
	h.members.AddRoom(room)
	h.members.HandleEvent(room, testutils.MakeJoin(room, alice, t0), t0)
	h.members.HandleEvent(room, testutils.MakeJoin(room, spammer, t0), t0)
	h.members.HandleEvent(room, testutils.MakeMember(room, spammer, spammer, matrix.MembershipLeave, t0.Add(time.Minute)), t0)
	h.members.HandleEvent(room, testutils.MakeJoin(room, "@banned:evil.com", t0), t0)
	h.members.HandleEvent(room, testutils.MakeMember(room, bot, "@banned:evil.com", matrix.MembershipBan, t0.Add(time.Minute)), t0)

	testCases := []struct {
		name   string
		ctype  action.Type
		kind   action.WriteKind
		target string
		want   bool
	}{
		{name: "kick present user", ctype: action.Kick, kind: action.WriteKick, target: alice, want: true},
		{name: "kick departed user", ctype: action.Kick, kind: action.WriteKick, target: spammer},
		{name: "mute departed user", ctype: action.Mute, kind: action.WritePowerLevel, target: spammer},
		{name: "ban departed user", ctype: action.Ban, kind: action.WriteBan, target: spammer, want: true},
		{name: "ban already banned", ctype: action.Ban, kind: action.WriteBan, target: "@banned:evil.com"},
		{name: "redact after ban", ctype: action.Ban, kind: action.WriteRedact, target: "@banned:evil.com", want: true},
		{name: "unknown user", ctype: action.Kick, kind: action.WriteKick, target: "@new:example.org", want: true},
		{name: "power level change of departed user", ctype: action.SetPowerLevel, kind: action.WritePowerLevel, target: spammer, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := action.Consequence{Type: tc.ctype, RoomID: room, Target: tc.target}
			w := action.Write{Kind: tc.kind, RoomID: room, Target: tc.target}
			require.Equal(t, tc.want, h.engine.stillNeeded(context.Background(), c, w))
		})
	}
}

func TestEngine_ManagementRoomMembersAreGuarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const (
		mgmt  = "!mgmt:example.org"
		mod   = "@mod:example.org"
		owner = "@owner:example.org"
	)
	h.hs.SetAlias("#mods:example.org", mgmt)
	h.hs.SetMembers(mgmt, map[string]matrix.Member{bot: {}, alice: {}})

	cfg := config.Default()
	cfg.Engine.ManagementRoom = "#mods:example.org"
	cfg.Engine.ManagementMembers = []string{owner}
	require.NoError(t, h.engine.ApplyConfig(cfg))
	require.NoError(t, h.engine.Start(ctx, cfg))
	_, err := h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)

	for _, userID := range []string{bot, alice, owner} {
		require.True(t, h.guard.IsProtected(room, userID), userID)
	}
	require.False(t, h.guard.IsProtected(room, mod))

	_, err = h.executor.Apply(ctx, action.Consequence{Type: action.Mute, RoomID: room, Target: alice, Reason: "flood"})
	require.ErrorIs(t, err, action.ErrUnsafeAction)
	_, err = h.executor.Apply(ctx, action.Consequence{Type: action.Kick, RoomID: room, Target: owner})
	require.ErrorIs(t, err, action.ErrUnsafeAction)

	// Member events in the management room keep the guarded set current.
	h.engine.HandleTimelineEvent(ctx, mgmt, testutils.MakeJoin(mgmt, mod, t0), t0)
	require.True(t, h.guard.IsProtected(room, mod))
	h.engine.HandleTimelineEvent(ctx, mgmt, testutils.MakeMember(mgmt, alice, alice, matrix.MembershipLeave, t0), t0)
	require.False(t, h.guard.IsProtected(room, alice))

	// Joins elsewhere are not moderators.
	h.engine.HandleTimelineEvent(ctx, room, testutils.MakeJoin(room, spammer, t0), t0)
	require.False(t, h.guard.IsProtected(room, spammer))

	// A reload replaces the configured members and the dry-run mode.
	reloaded := config.Default()
	reloaded.Engine.DryRun = true
	require.NoError(t, h.engine.ApplyConfig(reloaded))
	require.False(t, h.guard.IsProtected(room, owner))
	require.True(t, h.guard.IsProtected(room, mod), "management room members survive a reload")
	require.True(t, h.guard.IsProtected(room, bot))
	require.True(t, h.executor.DryRun())
}

func TestEngine_LeaveCancelsPendingKick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.ProtectRoom(ctx, room)
	require.NoError(t, err)
	h.hs.QueueError("kick", &matrix.Error{Code: matrix.ErrCodeLimitExceeded, StatusCode: 429, RetryAfter: 10 * time.Minute})

	backingOff := make(chan action.Outcome, 1)
	unsubscribe := h.executor.Subscribe(func(o action.Outcome) {
		if o.Status == action.StatusBackingOff {
			backingOff <- o
		}
	})
	defer unsubscribe()

	ticket, err := h.executor.Apply(ctx, action.Consequence{Type: action.Kick, RoomID: room, Target: spammer, EventID: "$flood"})
	require.NoError(t, err)
	select {
	case <-backingOff:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backoff")
	}

	h.engine.HandleTimelineEvent(ctx, room, testutils.MakeMember(room, spammer, spammer, matrix.MembershipLeave, t0), t0)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	outcomes, err := ticket.Wait(wctx)
	require.NoError(t, err)
	require.Equal(t, action.StatusCanceled, outcomes[0].Status)
	require.Len(t, h.hs.CallsTo("kick"), 1)
}

func TestEngine_PeriodicListResync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := config.Default()
	cfg.Engine.PolicyLists = []string{listID}
	cfg.Engine.ListResyncInterval = 20 * time.Millisecond
	cfg.Engine.SyncBansOnChange = false
	require.NoError(t, h.engine.ApplyConfig(cfg))
	require.NoError(t, h.engine.Start(ctx, cfg))
	_, banned := h.lists.FindUserBan(spammer)
	require.False(t, banned)

	// A rule the sync stream never delivered is picked up by the resync.
	h.hs.SetState(listID, testutils.MakeRule(listID, "m.policy.rule.user", spammer, "m.ban", "spam", t0))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.engine.Run(runCtx, time.Hour)

	require.Eventually(t, func() bool {
		_, banned := h.lists.FindUserBan(spammer)
		return banned
	}, 2*time.Second, 10*time.Millisecond)
}
