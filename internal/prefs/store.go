package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/prediktapp/notify/internal/db"
)

// Postgres unique_violation.
const uniqueViolation = "23505"

var (
	// ErrTokenRegistered means the device token belongs to another user.
	ErrTokenRegistered = errors.New("device token already registered to another user")
	// ErrDeviceNotFound means no device matched the (user, token) pair.
	ErrDeviceNotFound = errors.New("device not found")
)

// Store reads and writes user notification data: explicit preference rows,
// device registrations, email addresses, timezones and recipient pools.
type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// ExplicitFlags returns the explicit enabled flags for one category. Users
// who never touched the setting are absent from the map.
func (s *Store) ExplicitFlags(ctx context.Context, category string, userIDs []string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "pref_flags", category, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load %s flags: %w", category, err)
	}
	defer rows.Close()

	flags := make(map[string]bool, len(userIDs))
	for rows.Next() {
		var id string
		var enabled bool
		if err := rows.Scan(&id, &enabled); err != nil {
			return nil, fmt.Errorf("scan flag row: %w", err)
		}
		flags[id] = enabled
	}
	return flags, rows.Err()
}

// SetFlag upserts one explicit preference row.
func (s *Store) SetFlag(ctx context.Context, userID, category string, enabled bool) error {
	if _, err := s.pool.Exec(ctx, "pref_upsert", userID, category, enabled); err != nil {
		return fmt.Errorf("set %s flag for %s: %w", category, userID, err)
	}
	return nil
}

// ActivePushUsers returns the subset of userIDs that have at least one
// active device registration.
func (s *Store) ActivePushUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "active_push_users", userIDs)
	if err != nil {
		return nil, fmt.Errorf("load active push users: %w", err)
	}
	defer rows.Close()

	active := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		active[id] = true
	}
	return active, rows.Err()
}

// EmailUsers returns userID -> address for users with an email on file.
func (s *Store) EmailUsers(ctx context.Context, userIDs []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "email_users", userIDs)
	if err != nil {
		return nil, fmt.Errorf("load email users: %w", err)
	}
	defer rows.Close()

	emails := make(map[string]string)
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan email row: %w", err)
		}
		emails[id] = email
	}
	return emails, rows.Err()
}

// Timezones returns userID -> IANA timezone name, "" when the user never set
// one.
func (s *Store) Timezones(ctx context.Context, userIDs []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "user_timezones", userIDs)
	if err != nil {
		return nil, fmt.Errorf("load timezones: %w", err)
	}
	defer rows.Close()

	zones := make(map[string]string, len(userIDs))
	for rows.Next() {
		var id, tz string
		if err := rows.Scan(&id, &tz); err != nil {
			return nil, fmt.Errorf("scan timezone row: %w", err)
		}
		zones[id] = tz
	}
	return zones, rows.Err()
}

// RegisterDevice records an active device token for the user. Re-registering
// a token the user already owns refreshes it; a token owned by someone else
// is rejected with ErrTokenRegistered.
func (s *Store) RegisterDevice(ctx context.Context, userID, token, platform string) error {
	tag, err := s.pool.Exec(ctx, "device_touch", userID, token, platform)
	if err != nil {
		return fmt.Errorf("refresh device: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.pool.Exec(ctx, "device_insert", userID, token, platform); err != nil {
		if isUniqueViolation(err) {
			return ErrTokenRegistered
		}
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// DeactivateDevice marks the (user, token) registration inactive.
func (s *Store) DeactivateDevice(ctx context.Context, userID, token string) error {
	tag, err := s.pool.Exec(ctx, "device_deactivate", userID, token)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ActiveUserIDs returns every user with at least one active device. Recipient
// pool for app-wide events (new gameweek, admin broadcasts).
func (s *Store) ActiveUserIDs(ctx context.Context) ([]string, error) {
	return s.userIDQuery(ctx, "active_user_ids")
}

// GameweekParticipants returns users who submitted predictions for the
// gameweek. Recipient pool for results notifications.
func (s *Store) GameweekParticipants(ctx context.Context, gameweek int) ([]string, error) {
	return s.userIDQuery(ctx, "gameweek_participants", gameweek)
}

// FixtureParticipants returns users who predicted the fixture. Recipient pool
// for kickoff reminders.
func (s *Store) FixtureParticipants(ctx context.Context, fixtureID int) ([]string, error) {
	return s.userIDQuery(ctx, "fixture_participants", fixtureID)
}

func (s *Store) userIDQuery(ctx context.Context, stmt string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stmt, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", stmt, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
