package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const trustedReportersName = "trusted_reporters"

// TrustedReporters counts reports from a configured set of users and
// escalates once enough distinct trusted reporters agree on an event.
// A threshold of zero disables that step.
type TrustedReporters struct {
	settings       *Settings
	reporters      *ListSetting[string]
	alertThreshold *IntSetting
	redactThresh   *IntSetting
	banThreshold   *IntSetting

	mu      sync.Mutex
	reports *lru.LRU[string, map[string]struct{}]
}

func NewTrustedReporters() *TrustedReporters {
	p := &TrustedReporters{
		reporters: NewListSetting("trusted_reporters", func(s string) (string, error) {
			if matrix.Localpart(s) == "" || matrix.ServerName(s) == "" {
				return "", fmt.Errorf("%q is not a user ID", s)
			}
			return s, nil
		}),
		alertThreshold: NewIntSetting("alert_threshold", 3, 0, 1000),
		redactThresh:   NewIntSetting("redact_threshold", 0, 0, 1000),
		banThreshold:   NewIntSetting("ban_threshold", 0, 0, 1000),
		reports:        lru.NewLRU[string, map[string]struct{}](10_000, nil, 24*time.Hour),
	}
	p.settings = NewSettings(p.reporters, p.alertThreshold, p.redactThresh, p.banThreshold)
	return p
}

func (p *TrustedReporters) Name() string { return trustedReportersName }
func (p *TrustedReporters) Description() string {
	return "Escalates events reported by several trusted users"
}
func (p *TrustedReporters) Settings() *Settings { return p.settings }

func (p *TrustedReporters) HandleEvent(context.Context, string, *matrix.Event) (*action.Consequence, error) {
	return nil, nil
}

func (p *TrustedReporters) trusted(userID string) bool {
	for _, r := range p.reporters.Get() {
		if r == userID {
			return true
		}
	}
	return false
}

// count records the report and returns the number of distinct trusted
// reporters for the event.
func (p *TrustedReporters) count(key, reporter string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen, ok := p.reports.Get(key)
	if !ok {
		seen = make(map[string]struct{})
	}
	seen[reporter] = struct{}{}
	p.reports.Add(key, seen)
	return len(seen)
}

func (p *TrustedReporters) HandleReport(_ context.Context, report *Report) (*action.Consequence, error) {
	if !p.trusted(report.Reporter) {
		return nil, nil
	}
	n := p.count(report.RoomID+"|"+report.EventID, report.Reporter)
	reason := fmt.Sprintf("reported by %d trusted users", n)

	reached := func(threshold int) bool { return threshold > 0 && n >= threshold }
	switch {
	case reached(p.banThreshold.Get()) && report.Target() != "":
		return &action.Consequence{Type: action.Ban, Target: report.Target(), EventID: report.EventID, Reason: reason}, nil
	case reached(p.redactThresh.Get()):
		return &action.Consequence{Type: action.Redact, EventID: report.EventID, Reason: reason}, nil
	case reached(p.alertThreshold.Get()):
		return &action.Consequence{Type: action.None, Reason: reason}, nil
	}
	return nil, nil
}
