// Package policylist ingests ban rules published as room state and
// answers "is this entity banned" across every watched list.
package policylist

import (
	"errors"
	"fmt"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/pkg/adresu-kit/match"
)

type Kind string

const (
	KindUser   Kind = "m.policy.rule.user"
	KindRoom   Kind = "m.policy.rule.room"
	KindServer Kind = "m.policy.rule.server"
)

var Kinds = []Kind{KindUser, KindRoom, KindServer}

const (
	RecommendationBan = "m.ban"
	// ShortcodeEventType carries a short human name for a list.
	ShortcodeEventType = "org.matrix.mjolnir.shortcode"
)

var eventTypeKinds = map[string]Kind{
	"m.policy.rule.user":             KindUser,
	"m.room.rule.user":               KindUser,
	"org.matrix.mjolnir.rule.user":   KindUser,
	"m.policy.rule.room":             KindRoom,
	"m.room.rule.room":               KindRoom,
	"org.matrix.mjolnir.rule.room":   KindRoom,
	"m.policy.rule.server":           KindServer,
	"m.room.rule.server":             KindServer,
	"org.matrix.mjolnir.rule.server": KindServer,
}

var recommendationAliases = map[string]string{
	RecommendationBan:        RecommendationBan,
	"org.matrix.mjolnir.ban": RecommendationBan,
}

// KindOf maps a stable or legacy rule event type to its kind.
func KindOf(eventType string) (Kind, bool) {
	k, ok := eventTypeKinds[eventType]
	return k, ok
}

// IsRuleEvent reports whether an event type carries a policy rule.
func IsRuleEvent(eventType string) bool {
	_, ok := eventTypeKinds[eventType]
	return ok
}

// NormalizeRecommendation maps known aliases to the stable value and
// keeps unknown recommendations verbatim.
func NormalizeRecommendation(rec string) string {
	if stable, ok := recommendationAliases[rec]; ok {
		return stable
	}
	return rec
}

// Rule is one parsed policy rule. Rules are immutable.
type Rule struct {
	Kind           Kind
	Entity         string
	Recommendation string
	Reason         string
	SourceList     string
	StateKey       string
	EventType      string
	EventID        string

	matcher *match.Matcher
}

// RuleKey identifies a rule within the union of all lists.
type RuleKey struct {
	SourceList string
	Kind       Kind
	Entity     string
}

func (r *Rule) Key() RuleKey { return RuleKey{SourceList: r.SourceList, Kind: r.Kind, Entity: r.Entity} }

func (r *Rule) IsGlob() bool { return match.HasWildcards(r.Entity) }

func (r *Rule) IsBan() bool { return r.Recommendation == RecommendationBan }

// Matches reports whether subject is covered by the rule entity. Entities
// are anchored globs, so an entity without wildcards must equal the whole
// subject, ignoring case.
func (r *Rule) Matches(subject string) bool {
	return r.matcher.Match(subject)
}

// sameAs compares the parts of a rule a moderator can change.
func (r *Rule) sameAs(o *Rule) bool {
	return r.Kind == o.Kind && r.Entity == o.Entity &&
		r.Recommendation == o.Recommendation && r.Reason == o.Reason
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s %s %s (%s)", r.Kind, r.Recommendation, r.Entity, r.Reason)
}

var (
	ErrNotRuleEvent = errors.New("not a policy rule event")
	ErrEmptyRule    = errors.New("rule has no entity or recommendation")
)

// ParseError describes a rule event that could not be turned into a Rule.
type ParseError struct {
	EventID string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid policy rule %s: %v", e.EventID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseRule builds a Rule from a rule state event. Removed rules carry
// empty content and fail with ErrEmptyRule.
func ParseRule(listID string, evt *matrix.Event) (*Rule, error) {
	kind, ok := KindOf(evt.Type)
	if !ok || !evt.IsState() {
		return nil, &ParseError{EventID: evt.EventID, Err: ErrNotRuleEvent}
	}

	entity := evt.ContentString("entity")
	rec := evt.ContentString("recommendation")
	if entity == "" || rec == "" {
		return nil, &ParseError{EventID: evt.EventID, Err: ErrEmptyRule}
	}

	m, err := match.Compile(entity, match.Glob)
	if err != nil {
		return nil, &ParseError{EventID: evt.EventID, Err: err}
	}

	return &Rule{
		Kind:           kind,
		Entity:         entity,
		Recommendation: NormalizeRecommendation(rec),
		Reason:         evt.ContentString("reason"),
		SourceList:     listID,
		StateKey:       evt.StateKeyValue(),
		EventType:      evt.Type,
		EventID:        evt.EventID,
		matcher:        m,
	}, nil
}
