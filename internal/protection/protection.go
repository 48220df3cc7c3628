// Package protection runs pluggable detectors over room events and abuse
// reports and forwards the consequences they yield.
package protection

import (
	"context"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

// Protection is one detector. HandleEvent returns nil, or a consequence
// of type none, when the event is fine.
type Protection interface {
	Name() string
	Description() string
	Settings() *Settings
	HandleEvent(ctx context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error)
}

// ReportHandler is implemented by protections that react to abuse reports.
type ReportHandler interface {
	HandleReport(ctx context.Context, report *Report) (*action.Consequence, error)
}

// Report is a user-submitted abuse report about one event.
type Report struct {
	RoomID     string
	EventID    string
	Reporter   string
	Reason     string
	Event      *matrix.Event
	ReceivedAt time.Time
}

// Target is the sender of the reported event, when it is known.
func (r *Report) Target() string {
	if r.Event == nil {
		return ""
	}
	return r.Event.Sender
}

// ConsequenceSink receives every consequence the pipeline dispatches.
type ConsequenceSink interface {
	Apply(ctx context.Context, c action.Consequence) (*action.Ticket, error)
}

// Verdict is one protection's reaction to an event or report.
type Verdict struct {
	Protection  string
	Consequence action.Consequence
	// Ticket is nil when nothing was dispatched: dry run, a none
	// consequence on a report, or a sink error.
	Ticket *action.Ticket
	Err    error
}

// ReportRecord is the structured result of handling a report.
type ReportRecord struct {
	Report   Report
	Verdicts []Verdict
}

// Reacted lists the protections that yielded anything for the report.
func (r ReportRecord) Reacted() []string {
	out := make([]string, 0, len(r.Verdicts))
	for _, v := range r.Verdicts {
		out = append(out, v.Protection)
	}
	return out
}

// Info describes a registered protection.
type Info struct {
	Name        string
	Description string
	Enabled     bool
	Settings    map[string]string
}

// Stats are the cumulative counters of one protection.
type Stats struct {
	Name          string
	Events        uint64
	Consequences  uint64
	Errors        uint64
	Panics        uint64
	TotalDuration time.Duration
}
