// Package action turns moderation consequences into homeserver writes,
// serialized per acting account and retried under rate limits.
package action

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

type Type string

const (
	Ban             Type = "ban"
	Kick            Type = "kick"
	Mute            Type = "mute"
	Redact          Type = "redact"
	QuarantineMedia Type = "quarantine_media"
	SetPowerLevel   Type = "set_power_level"
	None            Type = "none"
)

// ParseType accepts the names used in configuration.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case Ban, Kick, Mute, Redact, QuarantineMedia, SetPowerLevel, None:
		return t, nil
	}
	return "", fmt.Errorf("unknown consequence type %q", s)
}

// Consequence is what a protection asks to be done.
type Consequence struct {
	Type    Type
	RoomID  string
	Target  string
	EventID string
	// MediaURI and Scope apply to QuarantineMedia. An empty scope
	// quarantines the single media item.
	MediaURI string
	Scope    matrix.QuarantineScope
	// Level applies to SetPowerLevel.
	Level  int
	Reason string
	// Source names the protection or subsystem that produced it.
	Source string
	// Account selects the acting account; empty means the default one.
	Account string
	// Force bypasses the safety guard.
	Force bool
}

func (c Consequence) IsNone() bool { return c.Type == None || c.Type == "" }

var ErrInvalidConsequence = errors.New("invalid consequence")

func (c Consequence) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidConsequence, c.Type, field)
	}
	switch c.Type {
	case None, "":
		return nil
	case Ban, Kick, Mute, SetPowerLevel:
		if c.RoomID == "" {
			return missing("a room")
		}
		if c.Target == "" {
			return missing("a target user")
		}
	case Redact:
		if c.RoomID == "" {
			return missing("a room")
		}
		if c.EventID == "" {
			return missing("an event")
		}
	case QuarantineMedia:
		switch c.Scope {
		case "", matrix.QuarantineMedia:
			if c.MediaURI == "" {
				return missing("a media URI")
			}
		case matrix.QuarantineUser:
			if c.Target == "" {
				return missing("a target user")
			}
		case matrix.QuarantineRoom:
			if c.RoomID == "" {
				return missing("a room")
			}
		default:
			return fmt.Errorf("%w: unknown quarantine scope %q", ErrInvalidConsequence, c.Scope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConsequence, c.Type)
	}
	return nil
}

type WriteKind string

const (
	WriteBan        WriteKind = "ban"
	WriteKick       WriteKind = "kick"
	WriteRedact     WriteKind = "redact"
	WritePowerLevel WriteKind = "set_power_level"
	WriteQuarantine WriteKind = "quarantine"
)

// Write is one homeserver call derived from a consequence.
type Write struct {
	Kind   WriteKind
	RoomID string
	Target string
	Level  int
	Scope  matrix.QuarantineScope
	Reason string
	// Cause is the event that triggered a kick or power-level change.
	// A later offence has a different cause and is not deduplicated
	// against the earlier one.
	Cause string
}

// Key identifies the write's effect for at-most-once bookkeeping.
func (w Write) Key() string {
	switch w.Kind {
	case WritePowerLevel:
		key := fmt.Sprintf("%s|%s|%s|%d", w.Kind, w.RoomID, w.Target, w.Level)
		if w.Cause != "" {
			key += "|" + w.Cause
		}
		return key
	case WriteKick:
		key := fmt.Sprintf("%s|%s|%s", w.Kind, w.RoomID, w.Target)
		if w.Cause != "" {
			key += "|" + w.Cause
		}
		return key
	case WriteQuarantine:
		return fmt.Sprintf("%s|%s|%s", w.Kind, w.Scope, w.Target)
	default:
		return fmt.Sprintf("%s|%s|%s", w.Kind, w.RoomID, w.Target)
	}
}

var txnNamespace = uuid.MustParse("5b0e7c1e-3c8a-4d35-9f1e-6a2f0d9c4b71")

// TxnID is the client transaction ID for the write. It is derived from
// Key so every attempt of the same write reuses it and the homeserver
// can deduplicate a retried request it already accepted.
func (w Write) TxnID() string {
	return uuid.NewSHA1(txnNamespace, []byte(w.Key())).String()
}

// plan maps a consequence to its writes in execution order. A ban that
// carries an event also redacts it.
func plan(c Consequence, mutedLevel int) []Write {
	switch c.Type {
	case Ban:
		writes := []Write{{Kind: WriteBan, RoomID: c.RoomID, Target: c.Target, Reason: c.Reason}}
		if c.EventID != "" {
			writes = append(writes, Write{Kind: WriteRedact, RoomID: c.RoomID, Target: c.EventID, Reason: c.Reason})
		}
		return writes
	case Kick:
		return []Write{{Kind: WriteKick, RoomID: c.RoomID, Target: c.Target, Reason: c.Reason, Cause: c.EventID}}
	case Mute:
		return []Write{{Kind: WritePowerLevel, RoomID: c.RoomID, Target: c.Target, Level: mutedLevel, Cause: c.EventID}}
	case SetPowerLevel:
		return []Write{{Kind: WritePowerLevel, RoomID: c.RoomID, Target: c.Target, Level: c.Level, Cause: c.EventID}}
	case Redact:
		return []Write{{Kind: WriteRedact, RoomID: c.RoomID, Target: c.EventID, Reason: c.Reason}}
	case QuarantineMedia:
		switch c.Scope {
		case matrix.QuarantineUser:
			return []Write{{Kind: WriteQuarantine, Scope: matrix.QuarantineUser, Target: c.Target}}
		case matrix.QuarantineRoom:
			return []Write{{Kind: WriteQuarantine, Scope: matrix.QuarantineRoom, Target: c.RoomID, RoomID: c.RoomID}}
		default:
			return []Write{{Kind: WriteQuarantine, Scope: matrix.QuarantineMedia, Target: c.MediaURI, RoomID: c.RoomID}}
		}
	}
	return nil
}
