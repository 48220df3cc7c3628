package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/config"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

var (
	ErrDuplicateProtection = errors.New("protection already registered")
	ErrUnknownProtection   = errors.New("unknown protection")
)

type entry struct {
	p       Protection
	enabled atomic.Bool

	events       atomic.Uint64
	consequences atomic.Uint64
	errors       atomic.Uint64
	panics       atomic.Uint64
	nanos        atomic.Int64
}

// Pipeline runs every enabled protection, in registration order, over
// each event. A failing protection never stops the others.
type Pipeline struct {
	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry

	sink   ConsequenceSink
	levels atomic.Pointer[map[string]config.LogLevel]
	dryRun atomic.Bool
	wg     sync.WaitGroup
}

func NewPipeline(cfg *config.Config, sink ConsequenceSink) *Pipeline {
	p := &Pipeline{byName: make(map[string]*entry), sink: sink}
	p.ApplyConfig(cfg)
	return p
}

// ApplyConfig refreshes the log levels and dry-run flag. Protection
// tables are applied separately by Configure.
func (p *Pipeline) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	levels := cfg.Log.ConsequenceLevels
	p.levels.Store(&levels)
	p.dryRun.Store(cfg.Engine.DryRun)
}

func (p *Pipeline) SetDryRun(v bool) { p.dryRun.Store(v) }

// RegisterProtection adds a protection, disabled.
func (p *Pipeline) RegisterProtection(prot Protection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := prot.Name()
	if _, ok := p.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProtection, name)
	}
	e := &entry{p: prot}
	p.entries = append(p.entries, e)
	p.byName[name] = e
	return nil
}

func (p *Pipeline) lookup(name string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtection, name)
	}
	return e, nil
}

func (p *Pipeline) EnableProtection(name string) error {
	e, err := p.lookup(name)
	if err != nil {
		return err
	}
	if !e.enabled.Swap(true) {
		slog.Info("Protection enabled", "protection", name)
	}
	return nil
}

func (p *Pipeline) DisableProtection(name string) error {
	e, err := p.lookup(name)
	if err != nil {
		return err
	}
	if e.enabled.Swap(false) {
		slog.Info("Protection disabled", "protection", name)
	}
	return nil
}

func (p *Pipeline) IsEnabled(name string) bool {
	e, err := p.lookup(name)
	return err == nil && e.enabled.Load()
}

// SetSetting assigns one setting of a registered protection.
func (p *Pipeline) SetSetting(name, key string, value any) error {
	e, err := p.lookup(name)
	if err != nil {
		return err
	}
	if err := e.p.Settings().Set(key, value); err != nil {
		var invalid *InvalidSettingError
		if errors.As(err, &invalid) {
			invalid.Protection = name
			return invalid
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	slog.Info("Protection setting changed", "protection", name, "setting", key, "value", value)
	return nil
}

// Configure applies [protections.<name>] tables. Protections missing from
// cfgs keep their state. Every problem is reported; valid parts still apply.
func (p *Pipeline) Configure(cfgs map[string]config.ProtectionConfig) error {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		pc := cfgs[name]
		if _, err := p.lookup(name); err != nil {
			errs = append(errs, err)
			continue
		}
		keys := make([]string, 0, len(pc.Settings))
		for k := range pc.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := p.SetSetting(name, k, pc.Settings[k]); err != nil {
				errs = append(errs, err)
			}
		}
		if pc.Enabled {
			errs = append(errs, p.EnableProtection(name))
		} else {
			errs = append(errs, p.DisableProtection(name))
		}
	}
	return errors.Join(errs...)
}

// Protections lists every registered protection in registration order.
func (p *Pipeline) Protections() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Info{
			Name:        e.p.Name(),
			Description: e.p.Description(),
			Enabled:     e.enabled.Load(),
			Settings:    e.p.Settings().Snapshot(),
		})
	}
	return out
}

// Metrics returns per-protection counters in registration order.
func (p *Pipeline) Metrics() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Stats{
			Name:          e.p.Name(),
			Events:        e.events.Load(),
			Consequences:  e.consequences.Load(),
			Errors:        e.errors.Load(),
			Panics:        e.panics.Load(),
			TotalDuration: time.Duration(e.nanos.Load()),
		})
	}
	return out
}

func (p *Pipeline) enabled() []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.enabled.Load() {
			out = append(out, e)
		}
	}
	return out
}

// HandleEvent runs every enabled protection over evt and dispatches the
// consequences they yield.
func (p *Pipeline) HandleEvent(ctx context.Context, roomID string, evt *matrix.Event) []Verdict {
	p.wg.Add(1)
	defer p.wg.Done()

	var verdicts []Verdict
	for _, e := range p.enabled() {
		c, ok := p.run(ctx, e, roomID, evt.EventID, func() (*action.Consequence, error) {
			return e.p.HandleEvent(ctx, roomID, evt)
		})
		if !ok || c.IsNone() {
			continue
		}
		p.fill(c, e.p.Name(), roomID, evt.Sender)
		verdicts = append(verdicts, p.dispatch(ctx, e.p.Name(), *c, evt.EventID))
	}
	if len(verdicts) == 0 {
		slog.Debug("Event passed all protections", "room_id", roomID, "event_id", evt.EventID, "sender", evt.Sender)
	}
	return verdicts
}

// HandleReport runs every enabled protection that handles reports. A
// none consequence is recorded as a reaction but not dispatched.
func (p *Pipeline) HandleReport(ctx context.Context, report Report) ReportRecord {
	p.wg.Add(1)
	defer p.wg.Done()

	record := ReportRecord{Report: report}
	for _, e := range p.enabled() {
		handler, ok := e.p.(ReportHandler)
		if !ok {
			continue
		}
		c, ok := p.run(ctx, e, report.RoomID, report.EventID, func() (*action.Consequence, error) {
			return handler.HandleReport(ctx, &report)
		})
		if !ok || c == nil {
			continue
		}
		p.fill(c, e.p.Name(), report.RoomID, report.Target())
		if c.IsNone() {
			record.Verdicts = append(record.Verdicts, Verdict{Protection: e.p.Name(), Consequence: *c})
			continue
		}
		record.Verdicts = append(record.Verdicts, p.dispatch(ctx, e.p.Name(), *c, report.EventID))
	}
	return record
}

// run calls one protection, recovering panics. ok is false when it
// failed or yielded nothing.
func (p *Pipeline) run(ctx context.Context, e *entry, roomID, eventID string, fn func() (*action.Consequence, error)) (c *action.Consequence, ok bool) {
	name := e.p.Name()
	start := time.Now()
	e.events.Add(1)
	runsCounter.WithLabelValues(name).Inc()

	defer func() {
		elapsed := time.Since(start)
		e.nanos.Add(int64(elapsed))
		durationHistogram.WithLabelValues(name).Observe(elapsed.Seconds())
		if r := recover(); r != nil {
			slog.Error("Panic recovered in protection",
				"protection", name, "panic", r, "room_id", roomID, "event_id", eventID, "stack", string(debug.Stack()),
			)
			e.panics.Add(1)
			failuresCounter.WithLabelValues(name, "panic").Inc()
			c, ok = nil, false
		}
	}()

	c, err := fn()
	if err != nil {
		slog.ErrorContext(ctx, "Protection failed", "protection", name, "room_id", roomID, "event_id", eventID, "error", err)
		e.errors.Add(1)
		failuresCounter.WithLabelValues(name, "error").Inc()
		return nil, false
	}
	if c == nil {
		return nil, false
	}
	return c, true
}

func (p *Pipeline) fill(c *action.Consequence, source, roomID, sender string) {
	if c.Source == "" {
		c.Source = source
	}
	if c.RoomID == "" && c.Scope != matrix.QuarantineUser {
		c.RoomID = roomID
	}
	if c.Target == "" {
		switch c.Type {
		case action.Ban, action.Kick, action.Mute:
			c.Target = sender
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, name string, c action.Consequence, eventID string) Verdict {
	e, _ := p.lookup(name)
	if e != nil {
		e.consequences.Add(1)
	}
	consequencesCounter.WithLabelValues(name, string(c.Type)).Inc()

	logAttrs := []slog.Attr{
		slog.String("protection", name),
		slog.String("type", string(c.Type)),
		slog.String("room_id", c.RoomID),
		slog.String("event_id", eventID),
		slog.String("target", c.Target),
		slog.String("reason", c.Reason),
	}
	level := slog.LevelWarn
	if levels := p.levels.Load(); levels != nil {
		if l, ok := (*levels)[name]; ok {
			level = l.ToSlogLevel()
		}
	}
	slog.LogAttrs(ctx, level, "Protection yielded a consequence", logAttrs...)

	v := Verdict{Protection: name, Consequence: c}
	if p.dryRun.Load() {
		slog.LogAttrs(ctx, slog.LevelInfo, "Dry-run: consequence not dispatched", logAttrs...)
		return v
	}
	if p.sink == nil {
		return v
	}
	ticket, err := p.sink.Apply(ctx, c)
	if err != nil {
		slog.Error("Failed to dispatch consequence", "protection", name, "type", c.Type, "target", c.Target, "error", err)
		v.Err = err
		return v
	}
	v.Ticket = ticket
	return v
}

// Close waits for in-flight events and closes protections that hold
// resources.
func (p *Pipeline) Close() error {
	p.wg.Wait()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if closer, ok := e.p.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				slog.Error("Failed to close protection", "protection", e.p.Name(), "error", err)
			}
		}
	}
	return nil
}
