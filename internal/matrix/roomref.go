package matrix

import (
	"fmt"
	"net/url"
	"strings"
)

// RoomRef identifies a room by ID or alias, optionally with servers to
// join through.
type RoomRef struct {
	RoomID string
	Alias  string
	Via    []string
}

// ParseRoomRef accepts "!id:server", "#alias:server" and matrix.to
// permalinks for either form.
func ParseRoomRef(raw string) (RoomRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RoomRef{}, fmt.Errorf("empty room reference")
	}

	if strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://") {
		u, err := url.Parse(raw)
		if err != nil {
			return RoomRef{}, fmt.Errorf("invalid permalink %q: %w", raw, err)
		}
		if u.Host != "matrix.to" {
			return RoomRef{}, fmt.Errorf("unsupported permalink host %q", u.Host)
		}
		// matrix.to puts the identifier in the fragment: #/!room:server?via=...
		frag := strings.TrimPrefix(u.Fragment, "/")
		ident, query, _ := strings.Cut(frag, "?")
		ref, err := ParseRoomRef(ident)
		if err != nil {
			return RoomRef{}, err
		}
		if values, err := url.ParseQuery(query); err == nil {
			ref.Via = values["via"]
		}
		return ref, nil
	}

	if ServerName(raw) == "" {
		return RoomRef{}, fmt.Errorf("room reference %q has no server part", raw)
	}
	switch raw[0] {
	case '!':
		return RoomRef{RoomID: raw}, nil
	case '#':
		return RoomRef{Alias: raw}, nil
	default:
		return RoomRef{}, fmt.Errorf("room reference %q must start with '!' or '#'", raw)
	}
}

func (r RoomRef) String() string {
	if r.RoomID != "" {
		return r.RoomID
	}
	return r.Alias
}

// Permalink renders a matrix.to link for the reference.
func (r RoomRef) Permalink() string {
	link := "https://matrix.to/#/" + r.String()
	if len(r.Via) == 0 {
		return link
	}
	q := url.Values{"via": r.Via}
	return link + "?" + q.Encode()
}
