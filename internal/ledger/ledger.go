// Package ledger implements the durable dispatch dedup ledger.
//
// The ledger holds at most one row per (event_id, user_id), enforced by the
// table's primary key. That uniqueness constraint is the only concurrency
// arbiter in the system: whichever invocation inserts the row first owns the
// delivery, and everyone else observes a duplicate. Rows move through
// pending -> accepted | failed (or pending -> deferred -> pending -> ...);
// accepted is terminal, failed slots can be re-reserved.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prediktapp/notify/internal/db"
)

// ErrUnknownEvent means the ledger holds no rows for the event id.
var ErrUnknownEvent = errors.New("no ledger rows for event")

// Status is the lifecycle state of a ledger row.
type Status string

const (
	StatusPending  Status = "pending"  // reserved, send in flight
	StatusDeferred Status = "deferred" // reserved, waiting out a quiet period
	StatusAccepted Status = "accepted" // handed to the provider; terminal
	StatusFailed   Status = "failed"   // send failed; eligible for re-reservation
)

// Summary counts ledger rows per status for one event.
type Summary map[Status]int

// Deferral carries everything a deferred row needs to be delivered later
// without re-reading the original request.
type Deferral struct {
	DeliverAfter time.Time
	Title        string
	Body         string
	Data         map[string]any
	CollapseID   string
	ThreadID     string
	BadgeCount   *int
}

// DueRow is a deferred row claimed for delivery, payload included.
type DueRow struct {
	EventID    string
	UserID     string
	Category   string
	Title      string
	Body       string
	Data       map[string]any
	CollapseID string
	ThreadID   string
	BadgeCount *int
}

// Store is the Postgres-backed ledger.
type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Reserve claims the (event, user) delivery slot. It returns false when
// another invocation already holds or completed the slot. The statement is a
// single insert-or-reclaim: a failed row is re-claimed atomically so provider
// errors stay retryable, while pending, deferred and accepted rows win the
// conflict and suppress this attempt.
func (s *Store) Reserve(ctx context.Context, eventID, userID, category string) (bool, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, "ledger_reserve", eventID, userID, category).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve %s for %s: %w", eventID, userID, err)
	}
	return true, nil
}

// Defer parks a reserved slot until d.DeliverAfter, persisting the payload so
// the worker can send without the original request.
func (s *Store) Defer(ctx context.Context, eventID, userID string, d Deferral) error {
	var payload []byte
	if len(d.Data) > 0 {
		b, err := json.Marshal(d.Data)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = b
	}

	tag, err := s.pool.Exec(ctx, "ledger_defer",
		eventID, userID, d.DeliverAfter, d.Title, d.Body, payload, d.CollapseID, d.ThreadID, d.BadgeCount)
	if err != nil {
		return fmt.Errorf("defer %s for %s: %w", eventID, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("defer %s for %s: no pending reservation", eventID, userID)
	}
	return nil
}

// MarkAccepted finalizes pending rows as accepted.
func (s *Store) MarkAccepted(ctx context.Context, eventID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "ledger_mark_accepted", eventID, userIDs); err != nil {
		return fmt.Errorf("mark accepted %s: %w", eventID, err)
	}
	return nil
}

// MarkFailed finalizes pending rows as failed with the given reason. Failed
// rows are retryable: a later Reserve for the same pair re-claims them.
func (s *Store) MarkFailed(ctx context.Context, eventID string, userIDs []string, reason string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "ledger_mark_failed", eventID, userIDs, reason); err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	return nil
}

// ClaimDue atomically flips due deferred rows back to pending and returns
// them. FOR UPDATE SKIP LOCKED makes concurrent claimers take disjoint rows.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]DueRow, error) {
	rows, err := s.pool.Query(ctx, "ledger_claim_due", limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var due []DueRow
	for rows.Next() {
		var r DueRow
		var payload []byte
		if err := rows.Scan(&r.EventID, &r.UserID, &r.Category, &r.Title, &r.Body,
			&payload, &r.CollapseID, &r.ThreadID, &r.BadgeCount); err != nil {
			return nil, fmt.Errorf("scan due row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Data); err != nil {
				return nil, fmt.Errorf("unmarshal payload for %s/%s: %w", r.EventID, r.UserID, err)
			}
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

// Summary counts rows per status for one event.
func (s *Store) Summary(ctx context.Context, eventID string) (Summary, error) {
	rows, err := s.pool.Query(ctx, "ledger_summary", eventID)
	if err != nil {
		return nil, fmt.Errorf("summary %s: %w", eventID, err)
	}
	defer rows.Close()

	sum := Summary{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		sum[Status(status)] = count
	}
	return sum, rows.Err()
}

// EventCategory returns the notification category an event was recorded
// under, or ErrUnknownEvent when the ledger has no rows for it.
func (s *Store) EventCategory(ctx context.Context, eventID string) (string, error) {
	var category string
	err := s.pool.QueryRow(ctx, "ledger_event_category", eventID).Scan(&category)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	if err != nil {
		return "", fmt.Errorf("event category %s: %w", eventID, err)
	}
	return category, nil
}

// FailedUsers lists users whose latest attempt for the event failed.
func (s *Store) FailedUsers(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, "ledger_failed_users", eventID)
	if err != nil {
		return nil, fmt.Errorf("failed users %s: %w", eventID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ReclaimStale flips pending rows untouched for longer than olderThan to
// failed. Covers invocations that died between Reserve and MarkAccepted.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, "ledger_reclaim_stale", olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Purge deletes terminal rows older than the retention window. Purged
// accepted rows no longer guard against re-sends; retention is sized so no
// live event is ever re-dispatched that far out.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, "ledger_purge", retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
