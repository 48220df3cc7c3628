package protection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/config"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/testutils"
)

const (
	roomID  = testutils.TestRoomID
	spammer = "@spam:evil.com"
	alice   = "@alice:example.org"
)

var t0 = time.Unix(1_700_000_000, 0)

type recordingSink struct {
	mu  sync.Mutex
	got []action.Consequence
	err error
}

func (s *recordingSink) Apply(_ context.Context, c action.Consequence) (*action.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.got = append(s.got, c)
	return new(action.Ticket), nil
}

func (s *recordingSink) consequences() []action.Consequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]action.Consequence(nil), s.got...)
}

type stubProtection struct {
	name     string
	settings *Settings
	handle   func(evt *matrix.Event) (*action.Consequence, error)
	closed   bool
}

func newStub(name string, handle func(evt *matrix.Event) (*action.Consequence, error)) *stubProtection {
	return &stubProtection{
		name:     name,
		settings: NewSettings(NewIntSetting("limit", 5, 1, 10)),
		handle:   handle,
	}
}

func (s *stubProtection) Name() string        { return s.name }
func (s *stubProtection) Description() string { return "stub " + s.name }
func (s *stubProtection) Settings() *Settings { return s.settings }
func (s *stubProtection) Close() error        { s.closed = true; return nil }

func (s *stubProtection) HandleEvent(_ context.Context, _ string, evt *matrix.Event) (*action.Consequence, error) {
	return s.handle(evt)
}

func newTestPipeline(t *testing.T, sink ConsequenceSink, prots ...Protection) *Pipeline {
	t.Helper()
	p := NewPipeline(config.Default(), sink)
	for _, prot := range prots {
		require.NoError(t, p.RegisterProtection(prot))
		require.NoError(t, p.EnableProtection(prot.Name()))
	}
	return p
}

func banSender(*matrix.Event) (*action.Consequence, error) {
	return &action.Consequence{Type: action.Ban, Reason: "stub"}, nil
}

func pass(*matrix.Event) (*action.Consequence, error) { return nil, nil }

func TestPipeline_Registration(t *testing.T) {
	p := NewPipeline(config.Default(), nil)
	require.NoError(t, p.RegisterProtection(newStub("one", pass)))

	err := p.RegisterProtection(newStub("one", pass))
	require.ErrorIs(t, err, ErrDuplicateProtection)

	require.False(t, p.IsEnabled("one"), "protections start disabled")
	require.ErrorIs(t, p.EnableProtection("missing"), ErrUnknownProtection)
	require.ErrorIs(t, p.DisableProtection("missing"), ErrUnknownProtection)

	require.NoError(t, p.EnableProtection("one"))
	require.True(t, p.IsEnabled("one"))

	infos := p.Protections()
	require.Len(t, infos, 1)
	require.Equal(t, Info{Name: "one", Description: "stub one", Enabled: true, Settings: map[string]string{"limit": "5"}}, infos[0])
}

func TestPipeline_DisabledProtectionIsSkipped(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, newStub("banner", banSender))
	require.NoError(t, p.DisableProtection("banner"))

	verdicts := p.HandleEvent(context.Background(), roomID, testutils.MakeMessage(roomID, spammer, "hi", t0))
	require.Empty(t, verdicts)
	require.Empty(t, sink.consequences())
}

func TestPipeline_PanicAndErrorAreContained(t *testing.T) {
	sink := &recordingSink{}
	panicky := newStub("panicky", func(*matrix.Event) (*action.Consequence, error) { panic("boom") })
	failing := newStub("failing", func(*matrix.Event) (*action.Consequence, error) { return nil, errors.New("nope") })
	banner := newStub("banner", banSender)
	p := newTestPipeline(t, sink, panicky, failing, banner)

	evt := testutils.MakeMessage(roomID, spammer, "buy now", t0)
	verdicts := p.HandleEvent(context.Background(), roomID, evt)

	require.Len(t, verdicts, 1)
	require.Equal(t, "banner", verdicts[0].Protection)
	require.NotNil(t, verdicts[0].Ticket)

	got := sink.consequences()
	require.Len(t, got, 1)
	require.Equal(t, action.Consequence{
		Type:   action.Ban,
		RoomID: roomID,
		Target: spammer,
		Reason: "stub",
		Source: "banner",
	}, got[0])

	stats := map[string]Stats{}
	for _, s := range p.Metrics() {
		stats[s.Name] = s
	}
	require.EqualValues(t, 1, stats["panicky"].Panics)
	require.EqualValues(t, 1, stats["failing"].Errors)
	require.EqualValues(t, 1, stats["banner"].Consequences)
	for _, name := range []string{"panicky", "failing", "banner"} {
		require.EqualValues(t, 1, stats[name].Events, name)
	}
}

func TestPipeline_NoneConsequenceIsNotDispatched(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, newStub("quiet", func(*matrix.Event) (*action.Consequence, error) {
		return &action.Consequence{Type: action.None}, nil
	}))
	require.Empty(t, p.HandleEvent(context.Background(), roomID, testutils.MakeMessage(roomID, alice, "hello", t0)))
	require.Empty(t, sink.consequences())
}

func TestPipeline_DryRun(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, newStub("banner", banSender))
	p.SetDryRun(true)

	verdicts := p.HandleEvent(context.Background(), roomID, testutils.MakeMessage(roomID, spammer, "x", t0))
	require.Len(t, verdicts, 1)
	require.Nil(t, verdicts[0].Ticket)
	require.Equal(t, action.Ban, verdicts[0].Consequence.Type)
	require.Empty(t, sink.consequences())

	cfg := config.Default()
	cfg.Engine.DryRun = false
	p.ApplyConfig(cfg)
	p.HandleEvent(context.Background(), roomID, testutils.MakeMessage(roomID, spammer, "x", t0))
	require.Len(t, sink.consequences(), 1)
}

func TestPipeline_SinkErrorIsReported(t *testing.T) {
	sink := &recordingSink{err: action.ErrUnsafeAction}
	p := newTestPipeline(t, sink, newStub("banner", banSender))

	verdicts := p.HandleEvent(context.Background(), roomID, testutils.MakeMessage(roomID, spammer, "x", t0))
	require.Len(t, verdicts, 1)
	require.ErrorIs(t, verdicts[0].Err, action.ErrUnsafeAction)
	require.Nil(t, verdicts[0].Ticket)
}

func TestPipeline_SetSetting(t *testing.T) {
	p := newTestPipeline(t, nil, newStub("stub", pass))

	testCases := []struct {
		name       string
		protection string
		key        string
		value      any
		wantErr    error
		invalid    bool
	}{
		{name: "valid", protection: "stub", key: "limit", value: 7},
		{name: "string number", protection: "stub", key: "limit", value: "8"},
		{name: "unknown protection", protection: "missing", key: "limit", value: 1, wantErr: ErrUnknownProtection},
		{name: "unknown setting", protection: "stub", key: "nope", value: 1, wantErr: ErrUnknownSetting},
		{name: "out of range", protection: "stub", key: "limit", value: 99, invalid: true},
		{name: "wrong type", protection: "stub", key: "limit", value: []string{"a"}, invalid: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.SetSetting(tc.protection, tc.key, tc.value)
			switch {
			case tc.wantErr != nil:
				require.ErrorIs(t, err, tc.wantErr)
			case tc.invalid:
				var invalid *InvalidSettingError
				require.ErrorAs(t, err, &invalid)
				require.Equal(t, "stub", invalid.Protection)
				require.Equal(t, "limit", invalid.Setting)
			default:
				require.NoError(t, err)
			}
		})
	}
	require.Equal(t, "8", p.Protections()[0].Settings["limit"], "failed sets keep the last good value")
}

func TestPipeline_Configure(t *testing.T) {
	a := newStub("a", pass)
	b := newStub("b", pass)
	p := NewPipeline(config.Default(), nil)
	require.NoError(t, p.RegisterProtection(a))
	require.NoError(t, p.RegisterProtection(b))

	err := p.Configure(map[string]config.ProtectionConfig{
		"a":       {Enabled: true, Settings: map[string]any{"limit": int64(3)}},
		"b":       {Enabled: true, Settings: map[string]any{"limit": int64(50)}},
		"unknown": {Enabled: true},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnknownProtection)
	var invalid *InvalidSettingError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "b", invalid.Protection)

	require.True(t, p.IsEnabled("a"))
	require.True(t, p.IsEnabled("b"))
	require.Equal(t, "3", a.Settings().Snapshot()["limit"])
	require.Equal(t, "5", b.Settings().Snapshot()["limit"])

	require.NoError(t, p.Configure(map[string]config.ProtectionConfig{"a": {Enabled: false}}))
	require.False(t, p.IsEnabled("a"))
	require.True(t, p.IsEnabled("b"), "protections missing from the table keep their state")
}

func TestPipeline_HandleReport(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTrustedReporters()
	require.NoError(t, tr.Settings().Set("trusted_reporters", []any{"@mod1:example.org", "@mod2:example.org", "@mod3:example.org"}))
	require.NoError(t, tr.Settings().Set("alert_threshold", 2))
	require.NoError(t, tr.Settings().Set("redact_threshold", 3))
	p := newTestPipeline(t, sink, tr, newStub("events_only", banSender))

	reported := testutils.MakeMessage(roomID, spammer, "scam", t0)
	report := func(reporter string) ReportRecord {
		return p.HandleReport(context.Background(), Report{
			RoomID: roomID, EventID: reported.EventID, Reporter: reporter, Reason: "spam", Event: reported, ReceivedAt: t0,
		})
	}

	first := report("@mod1:example.org")
	require.Empty(t, first.Verdicts)
	require.Empty(t, report("@random:example.org").Verdicts, "untrusted reporters are ignored")

	second := report("@mod2:example.org")
	require.Equal(t, []string{trustedReportersName}, second.Reacted())
	require.Equal(t, action.None, second.Verdicts[0].Consequence.Type)
	require.Empty(t, sink.consequences(), "alerts are recorded, not dispatched")

	// The same reporter twice does not count twice.
	require.Equal(t, action.None, report("@mod2:example.org").Verdicts[0].Consequence.Type)

	third := report("@mod3:example.org")
	require.Len(t, third.Verdicts, 1)
	require.NotNil(t, third.Verdicts[0].Ticket)
	got := sink.consequences()
	require.Len(t, got, 1)
	require.Equal(t, action.Redact, got[0].Type)
	require.Equal(t, reported.EventID, got[0].EventID)
	require.Equal(t, roomID, got[0].RoomID)
	require.Equal(t, trustedReportersName, got[0].Source)
}

func TestPipeline_CloseClosesProtections(t *testing.T) {
	stub := newStub("stub", pass)
	p := newTestPipeline(t, nil, stub)
	require.NoError(t, p.Close())
	require.True(t, stub.closed)
}

func TestRegisterBuiltins(t *testing.T) {
	p := NewPipeline(config.Default(), nil)
	require.NoError(t, RegisterBuiltins(p, Deps{LocalServer: "example.org"}))

	var names []string
	for _, info := range p.Protections() {
		names = append(names, info.Name)
		require.False(t, info.Enabled)
	}
	require.Equal(t, []string{
		policyListName, basicFloodingName, firstMessageIsLinkName, firstMessageIsMediaName,
		mentionSpamName, messageMaxLengthName, wordListName, languageName, trustedReportersName,
	}, names)

	require.ErrorIs(t, RegisterBuiltins(p, Deps{}), ErrDuplicateProtection)
}
