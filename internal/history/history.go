// Package history scans room timelines backwards for events by a sender.
package history

import (
	"context"
	"fmt"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/pkg/adresu-kit/match"
)

const pageSize = 100

// Pager pages through a room timeline.
type Pager interface {
	RoomMessages(ctx context.Context, roomID string, opts matrix.RoomMessagesOptions) (*matrix.RoomMessagesResponse, error)
}

// ScanUserEvents walks back from the newest event through at most limit
// events and calls cb once with every event whose sender matches
// senderGlob, newest first. cb is not called when nothing matched.
func ScanUserEvents(ctx context.Context, pager Pager, roomID, senderGlob string, limit int, cb func([]matrix.Event) error) error {
	if limit <= 0 {
		return nil
	}
	sender, err := match.Compile(senderGlob, match.Glob)
	if err != nil {
		return fmt.Errorf("invalid sender pattern: %w", err)
	}

	var (
		found []matrix.Event
		seen  int
		from  string
	)
	for seen < limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := pager.RoomMessages(ctx, roomID, matrix.RoomMessagesOptions{
			From:      from,
			Direction: "b",
			Limit:     min(pageSize, limit-seen),
		})
		if err != nil {
			return fmt.Errorf("failed to scan history of %s: %w", roomID, err)
		}
		for _, evt := range resp.Chunk {
			if seen == limit {
				break
			}
			seen++
			if sender.Match(evt.Sender) {
				found = append(found, evt)
			}
		}
		if resp.End == "" || resp.End == from || len(resp.Chunk) == 0 {
			break
		}
		from = resp.End
	}

	if len(found) == 0 {
		return nil
	}
	return cb(found)
}
