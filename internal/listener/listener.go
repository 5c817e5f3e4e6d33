// Package listener provides a Postgres LISTEN/NOTIFY consumer for real-time
// gameweek events. It holds a dedicated pgx connection (not from the pool)
// listening on the `gameweek_events` channel.
//
// The app datastore fires pg_notify when a gameweek opens, results are
// finalized, or a fixture approaches kickoff. This consumer maps each payload
// to a notification category, resolves the recipient pool, and hands the
// event to the dispatcher. Event ids are deterministic, so a re-delivered
// NOTIFY or a concurrent replica dedupes against the ledger instead of
// double-sending.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prediktapp/notify/internal/dispatch"
	"github.com/prediktapp/notify/internal/event"
)

const (
	channel          = "gameweek_events"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// GameweekEvent is the JSON payload from pg_notify('gameweek_events', ...).
type GameweekEvent struct {
	Kind      string `json:"kind"` // published, results, kickoff
	Gameweek  int    `json:"gameweek,omitempty"`
	FixtureID int    `json:"fixture_id,omitempty"`
	Home      string `json:"home,omitempty"`
	Away      string `json:"away,omitempty"`
}

// Recipients resolves candidate pools for each event kind.
type Recipients interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
	GameweekParticipants(ctx context.Context, gameweek int) ([]string, error)
	FixtureParticipants(ctx context.Context, fixtureID int) ([]string, error)
}

// Dispatcher fans one event out to candidates.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event, candidates []string) (*dispatch.Summary, error)
}

// Start opens a dedicated connection and listens on the gameweek_events
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, recipients Recipients, d Dispatcher, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, recipients, d, logger)
		if ctx.Err() != nil {
			logger.Info("gameweek listener stopped")
			return
		}

		logger.Error("gameweek listener disconnected, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, recipients Recipients, d Dispatcher, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("gameweek listener connected", "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ev GameweekEvent
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			logger.Warn("unparseable gameweek event",
				"payload", notification.Payload, "error", err)
			continue
		}

		logger.Info("gameweek event received",
			"kind", ev.Kind, "gameweek", ev.Gameweek, "fixture_id", ev.FixtureID)

		// Process asynchronously to keep draining the channel.
		go handleEvent(ctx, recipients, d, ev, logger)
	}
}

// handleEvent maps one payload onto a notification event and dispatches it.
func handleEvent(ctx context.Context, recipients Recipients, d Dispatcher, ge GameweekEvent, logger *slog.Logger) {
	ev, candidates, err := buildEvent(ctx, recipients, ge)
	if err != nil {
		logger.Warn("gameweek event not dispatched",
			"kind", ge.Kind, "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	summary, err := d.Dispatch(ctx, ev, candidates)
	if err != nil {
		logger.Error("gameweek event dispatch failed",
			"kind", ge.Kind, "event_id", ev.EventID, "error", err)
		return
	}
	logger.Info("gameweek event dispatched",
		"kind", ge.Kind,
		"event_id", summary.EventID,
		"accepted", summary.Accepted,
		"deferred", summary.Deferred,
		"suppressed_duplicate", summary.SuppressedDuplicate)
}

// buildEvent translates the NOTIFY payload into a deterministic notification
// event plus its candidate pool.
func buildEvent(ctx context.Context, recipients Recipients, ge GameweekEvent) (event.Event, []string, error) {
	switch ge.Kind {
	case "published":
		if ge.Gameweek <= 0 {
			return event.Event{}, nil, fmt.Errorf("published event missing gameweek")
		}
		users, err := recipients.ActiveUserIDs(ctx)
		if err != nil {
			return event.Event{}, nil, fmt.Errorf("active users: %w", err)
		}
		return event.Event{
			Key:            "new-gameweek",
			Title:          fmt.Sprintf("Gameweek %d is live!", ge.Gameweek),
			Body:           "Make your predictions before the first kickoff.",
			Data:           map[string]any{"screen": "predictions", "gameweek": ge.Gameweek},
			GroupingParams: map[string]any{"gameweek": ge.Gameweek},
		}, users, nil

	case "results":
		if ge.Gameweek <= 0 {
			return event.Event{}, nil, fmt.Errorf("results event missing gameweek")
		}
		users, err := recipients.GameweekParticipants(ctx, ge.Gameweek)
		if err != nil {
			return event.Event{}, nil, fmt.Errorf("gameweek %d participants: %w", ge.Gameweek, err)
		}
		return event.Event{
			Key:            "results-published",
			Title:          fmt.Sprintf("Gameweek %d results are in", ge.Gameweek),
			Body:           "See how your predictions scored.",
			Data:           map[string]any{"screen": "results", "gameweek": ge.Gameweek},
			GroupingParams: map[string]any{"gameweek": ge.Gameweek},
		}, users, nil

	case "kickoff":
		if ge.FixtureID <= 0 {
			return event.Event{}, nil, fmt.Errorf("kickoff event missing fixture_id")
		}
		users, err := recipients.FixtureParticipants(ctx, ge.FixtureID)
		if err != nil {
			return event.Event{}, nil, fmt.Errorf("fixture %d participants: %w", ge.FixtureID, err)
		}
		title := "Kickoff soon"
		if ge.Home != "" && ge.Away != "" {
			title = fmt.Sprintf("%s v %s kicks off soon", ge.Home, ge.Away)
		}
		return event.Event{
			Key:            "kickoff-reminder",
			Title:          title,
			Body:           "Last chance to check your prediction.",
			Data:           map[string]any{"screen": "fixture", "fixture_id": ge.FixtureID},
			GroupingParams: map[string]any{"fixture_id": ge.FixtureID},
		}, users, nil

	default:
		return event.Event{}, nil, fmt.Errorf("unknown event kind %q", ge.Kind)
	}
}
