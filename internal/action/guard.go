package action

import (
	"context"
	"fmt"
	"sync"
)

// Guard reports users that moderation must not demote or remove
// without an explicit force.
type Guard interface {
	IsProtected(roomID, userID string) bool
}

// StaticGuard protects a fixed set of users in every room, plus users
// added for single rooms.
type StaticGuard struct {
	mu      sync.RWMutex
	global  map[string]struct{}
	perRoom map[string]map[string]struct{}
}

func NewStaticGuard(users ...string) *StaticGuard {
	g := &StaticGuard{global: make(map[string]struct{}), perRoom: make(map[string]map[string]struct{})}
	for _, u := range users {
		g.global[u] = struct{}{}
	}
	return g
}

// SetGlobal replaces the users protected everywhere.
func (g *StaticGuard) SetGlobal(users []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.global = make(map[string]struct{}, len(users))
	for _, u := range users {
		g.global[u] = struct{}{}
	}
}

func (g *StaticGuard) ProtectInRoom(roomID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.perRoom[roomID] == nil {
		g.perRoom[roomID] = make(map[string]struct{})
	}
	g.perRoom[roomID][userID] = struct{}{}
}

func (g *StaticGuard) IsProtected(roomID, userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.global[userID]; ok {
		return true
	}
	_, ok := g.perRoom[roomID][userID]
	return ok
}

// checkSafety refuses writes that would remove or demote a protected
// user. Power-level writes are allowed when they do not lower the
// user's current level.
func (e *Executor) checkSafety(ctx context.Context, backend Backend, c Consequence, writes []Write) error {
	if c.Force || e.guard == nil {
		return nil
	}
	for _, w := range writes {
		switch w.Kind {
		case WriteBan, WriteKick:
			if e.guard.IsProtected(w.RoomID, w.Target) {
				return fmt.Errorf("%w: %s of %s in %s", ErrUnsafeAction, w.Kind, w.Target, w.RoomID)
			}
		case WritePowerLevel:
			if !e.guard.IsProtected(w.RoomID, w.Target) {
				continue
			}
			levels, err := backend.PowerLevels(ctx, w.RoomID)
			if err != nil {
				return fmt.Errorf("failed to read power levels of %s: %w", w.RoomID, err)
			}
			if current := levels.UserLevel(w.Target); w.Level < current {
				return fmt.Errorf("%w: lowering %s from %d to %d in %s", ErrUnsafeAction, w.Target, current, w.Level, w.RoomID)
			}
		}
	}
	return nil
}
