package matrix

// PowerLevels is the content of m.room.power_levels.
type PowerLevels struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  int            `json:"users_default"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault int            `json:"events_default"`
	StateDefault  int            `json:"state_default"`
	Ban           int            `json:"ban"`
	Kick          int            `json:"kick"`
	Redact        int            `json:"redact"`
	Invite        int            `json:"invite"`
}

// DefaultPowerLevels returns the levels a room has when fields are absent.
func DefaultPowerLevels() PowerLevels {
	return PowerLevels{StateDefault: 50, Ban: 50, Kick: 50, Redact: 50}
}

func (p *PowerLevels) UserLevel(userID string) int {
	if p == nil {
		return 0
	}
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// SetUserLevel sets an explicit level, removing the entry when it equals
// users_default.
func (p *PowerLevels) SetUserLevel(userID string, level int) {
	if p.Users == nil {
		p.Users = make(map[string]int)
	}
	if level == p.UsersDefault {
		delete(p.Users, userID)
		return
	}
	p.Users[userID] = level
}
