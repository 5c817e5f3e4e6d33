// Package dispatch turns logical notification events into at-most-once
// deliveries per (event, user).
//
// Every entry point (HTTP handler, listener callback, CLI run, deferred-send
// worker tick) is an independent invocation. The only coordination between
// them is the dedup ledger's uniqueness constraint; there are no in-process
// locks guarding dispatch state, because nothing guarantees a single
// instance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/event"
	"github.com/prediktapp/notify/internal/ledger"
	"github.com/prediktapp/notify/internal/metrics"
	"github.com/prediktapp/notify/internal/prefs"
	"github.com/prediktapp/notify/internal/provider"
)

var (
	// ErrPushNotConfigured means a push-channel dispatch was attempted
	// without provider credentials. Surfaced before any ledger write.
	ErrPushNotConfigured = errors.New("push delivery not configured")
	// ErrMailNotConfigured is the email-channel equivalent.
	ErrMailNotConfigured = errors.New("email delivery not configured")
)

// Outcome is the per-user result of one dispatch run.
type Outcome string

const (
	OutcomeAccepted             Outcome = "accepted"
	OutcomeFailed               Outcome = "failed"
	OutcomeSuppressedDuplicate  Outcome = "suppressed_duplicate"
	OutcomeSuppressedPreference Outcome = "suppressed_preference"
	OutcomeDeferred             Outcome = "deferred"
)

// UserResult pairs one candidate with its outcome. Detail carries the
// suppression reason or failure cause when there is one.
type UserResult struct {
	UserID string
	Result Outcome
	Detail string
}

// Summary aggregates one dispatch run. UserResults follows candidate order.
type Summary struct {
	EventID              string
	Accepted             int
	Failed               int
	SuppressedDuplicate  int
	SuppressedPreference int
	Deferred             int
	UserResults          []UserResult
}

// Ledger is the reservation store the dispatcher writes through.
type Ledger interface {
	Reserve(ctx context.Context, eventID, userID, category string) (bool, error)
	Defer(ctx context.Context, eventID, userID string, d ledger.Deferral) error
	MarkAccepted(ctx context.Context, eventID string, userIDs []string) error
	MarkFailed(ctx context.Context, eventID string, userIDs []string, reason string) error
}

// Resolver decides candidate eligibility for a category.
type Resolver interface {
	Resolve(ctx context.Context, key string, candidates []string) (prefs.Resolution, error)
}

// Zones provides user timezones for quiet-period checks.
type Zones interface {
	Timezones(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Mailer delivers email-channel sends.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config wires a Dispatcher. Push and Mail may be nil when the matching
// channel is not configured; dispatching on that channel then fails fast.
type Config struct {
	Ledger Ledger
	Prefs  Resolver
	Zones  Zones
	Push   provider.Sender
	Mail   Mailer
	Quiet  QuietWindow
	Stats  *metrics.Collector
	Logger *slog.Logger
	Now    func() time.Time
}

// Dispatcher orchestrates resolve -> reserve -> defer-or-send -> record.
type Dispatcher struct {
	ledger Ledger
	prefs  Resolver
	zones  Zones
	push   provider.Sender
	mail   Mailer
	quiet  QuietWindow
	stats  *metrics.Collector
	logger *slog.Logger
	now    func() time.Time
}

func New(c Config) *Dispatcher {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Dispatcher{
		ledger: c.Ledger,
		prefs:  c.Prefs,
		zones:  c.Zones,
		push:   c.Push,
		mail:   c.Mail,
		quiet:  c.Quiet,
		stats:  c.Stats,
		logger: c.Logger,
		now:    c.Now,
	}
}

// Dispatch fans the event out to the candidates. Re-invoking with the same
// event id is safe: accepted users are suppressed as duplicates, failed
// users are retried.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event, candidates []string) (*Summary, error) {
	cat, ok := config.Category(ev.Key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", prefs.ErrUnknownCategory, ev.Key)
	}
	if cat.Channel == config.ChannelPush && d.push == nil {
		return nil, ErrPushNotConfigured
	}
	if cat.Channel == config.ChannelEmail && d.mail == nil {
		return nil, ErrMailNotConfigured
	}

	if ev.EventID == "" {
		ev.EventID = event.BuildEventID(ev.Key, ev.GroupingParams)
	}
	group := event.Grouping(ev.Key, ev.GroupingParams)

	log := d.logger.With("run_id", uuid.NewString(), "event_id", ev.EventID, "category", ev.Key)

	users := uniq(candidates)
	res, err := d.prefs.Resolve(ctx, ev.Key, users)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if res.Unavailable != nil {
		log.Warn("preference store degraded, failing closed", "error", res.Unavailable)
	}

	outcomes := make(map[string]UserResult, len(users))
	for id, reason := range res.Suppressed {
		outcomes[id] = UserResult{UserID: id, Result: OutcomeSuppressedPreference, Detail: string(reason)}
	}

	// Reserve a ledger slot per eligible user. Losing the reservation is the
	// expected duplicate path, not an error.
	var reserved []string
	for _, id := range res.Eligible {
		won, err := d.ledger.Reserve(ctx, ev.EventID, id, ev.Key)
		if err != nil {
			log.Error("reserve failed", "user_id", id, "error", err)
			outcomes[id] = UserResult{UserID: id, Result: OutcomeFailed, Detail: "reservation unavailable"}
			continue
		}
		if !won {
			outcomes[id] = UserResult{UserID: id, Result: OutcomeSuppressedDuplicate}
			continue
		}
		reserved = append(reserved, id)
	}

	sendNow := reserved
	if cat.Channel == config.ChannelPush {
		sendNow = d.deferQuiet(ctx, log, ev, group, reserved, outcomes)
	}

	if cat.Channel == config.ChannelEmail {
		d.sendEmail(ctx, log, ev, res.Emails, sendNow, outcomes)
	} else {
		d.sendPush(ctx, log, ev, group, sendNow, outcomes)
	}

	s := summarize(ev.EventID, users, outcomes)
	d.stats.ObserveDispatch(s.Accepted, s.Failed, s.SuppressedDuplicate, s.SuppressedPreference, s.Deferred)
	log.Info("dispatch complete",
		"candidates", len(users),
		"accepted", s.Accepted,
		"failed", s.Failed,
		"suppressed_duplicate", s.SuppressedDuplicate,
		"suppressed_preference", s.SuppressedPreference,
		"deferred", s.Deferred)
	return s, nil
}

// deferQuiet parks reserved users whose local clock is inside the quiet
// window and returns the users to send immediately. A failed timezone lookup
// skips deferral entirely: sending now beats guessing at local time.
func (d *Dispatcher) deferQuiet(ctx context.Context, log *slog.Logger, ev event.Event, group event.Group, reserved []string, outcomes map[string]UserResult) []string {
	if !d.quiet.Enabled() || len(reserved) == 0 {
		return reserved
	}

	zones, err := d.zones.Timezones(ctx, reserved)
	if err != nil {
		log.Warn("timezone lookup failed, skipping quiet-period deferral", "error", err)
		return reserved
	}

	now := d.now()
	var sendNow []string
	for _, id := range reserved {
		at := d.quiet.NextAllowed(now, zones[id])
		if !at.After(now) {
			sendNow = append(sendNow, id)
			continue
		}
		err := d.ledger.Defer(ctx, ev.EventID, id, ledger.Deferral{
			DeliverAfter: at,
			Title:        ev.Title,
			Body:         ev.Body,
			Data:         ev.Data,
			CollapseID:   group.CollapseID,
			ThreadID:     group.ThreadID,
			BadgeCount:   ev.BadgeCount,
		})
		if err != nil {
			log.Error("defer failed", "user_id", id, "error", err)
			d.markFailed(ctx, log, ev.EventID, []string{id}, "deferral failed")
			outcomes[id] = UserResult{UserID: id, Result: OutcomeFailed, Detail: "deferral failed"}
			continue
		}
		outcomes[id] = UserResult{UserID: id, Result: OutcomeDeferred}
	}
	return sendNow
}

// sendPush delivers to users in provider-size chunks. Chunks are independent:
// a failing chunk never touches users already accepted this run.
func (d *Dispatcher) sendPush(ctx context.Context, log *slog.Logger, ev event.Event, group event.Group, users []string, outcomes map[string]UserResult) {
	maxBatch := d.push.MaxBatch()
	for start := 0; start < len(users); start += maxBatch {
		chunk := users[start:min(start+maxBatch, len(users))]

		res, err := d.push.Send(ctx, &provider.Notification{
			ExternalUserIDs: chunk,
			Title:           ev.Title,
			Body:            ev.Body,
			Data:            ev.Data,
			CollapseID:      group.CollapseID,
			ThreadID:        group.ThreadID,
			BadgeCount:      ev.BadgeCount,
		})
		if err != nil {
			log.Error("push send failed", "users", len(chunk), "error", err)
			d.markFailed(ctx, log, ev.EventID, chunk, err.Error())
			for _, id := range chunk {
				outcomes[id] = UserResult{UserID: id, Result: OutcomeFailed, Detail: "provider unavailable"}
			}
			continue
		}

		var accepted, rejected []string
		for _, id := range chunk {
			if why, bad := res.Rejected[id]; bad {
				rejected = append(rejected, id)
				outcomes[id] = UserResult{UserID: id, Result: OutcomeFailed, Detail: why}
				continue
			}
			accepted = append(accepted, id)
			outcomes[id] = UserResult{UserID: id, Result: OutcomeAccepted}
		}
		d.markAccepted(ctx, log, ev.EventID, accepted)
		d.markFailed(ctx, log, ev.EventID, rejected, "rejected by provider")
	}
}

// sendEmail delivers one message per user through the SMTP mailer.
func (d *Dispatcher) sendEmail(ctx context.Context, log *slog.Logger, ev event.Event, emails map[string]string, users []string, outcomes map[string]UserResult) {
	for _, id := range users {
		addr := emails[id]
		if addr == "" {
			d.markFailed(ctx, log, ev.EventID, []string{id}, "no email address")
			outcomes[id] = UserResult{UserID: id, Result: OutcomeFailed, Detail: "no email address"}
			continue
		}
		if err := d.mail.Send(ctx, addr, ev.Title, ev.Body); err != nil {
			log.Warn("mail send failed", "user_id", id, "error", err)
			d.markFailed(ctx, log, ev.EventID, []string{id}, err.Error())
			outcomes[id] = UserResult{UserID: id, Result: OutcomeFailed, Detail: "mail send failed"}
			continue
		}
		d.markAccepted(ctx, log, ev.EventID, []string{id})
		outcomes[id] = UserResult{UserID: id, Result: OutcomeAccepted}
	}
}

func (d *Dispatcher) markAccepted(ctx context.Context, log *slog.Logger, eventID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := d.ledger.MarkAccepted(ctx, eventID, ids); err != nil {
		log.Error("mark accepted failed", "users", len(ids), "error", err)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, log *slog.Logger, eventID string, ids []string, reason string) {
	if len(ids) == 0 {
		return
	}
	if err := d.ledger.MarkFailed(ctx, eventID, ids, reason); err != nil {
		log.Error("mark failed failed", "users", len(ids), "error", err)
	}
}

// summarize builds the run summary in candidate order.
func summarize(eventID string, order []string, outcomes map[string]UserResult) *Summary {
	s := &Summary{EventID: eventID, UserResults: make([]UserResult, 0, len(order))}
	for _, id := range order {
		r, ok := outcomes[id]
		if !ok {
			continue
		}
		s.UserResults = append(s.UserResults, r)
		switch r.Result {
		case OutcomeAccepted:
			s.Accepted++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSuppressedDuplicate:
			s.SuppressedDuplicate++
		case OutcomeSuppressedPreference:
			s.SuppressedPreference++
		case OutcomeDeferred:
			s.Deferred++
		}
	}
	return s
}

// uniq drops empty and repeated ids, preserving first-seen order.
func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
