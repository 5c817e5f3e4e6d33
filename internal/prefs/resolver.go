// Package prefs decides which candidate recipients a notification category
// may be delivered to.
//
// Policy: an explicit per-(user, category) row always wins. Without a row,
// push categories default to opted in and email categories to opted out.
// Push additionally requires an active device, email an address on file.
// When the preference store cannot answer, the affected users are treated as
// ineligible for this run (fail-closed) instead of blocking the batch.
package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/prediktapp/notify/internal/config"
)

// ErrUnknownCategory is returned for keys missing from the category registry.
var ErrUnknownCategory = errors.New("unknown notification category")

// Reason says why resolution suppressed a candidate.
type Reason string

const (
	ReasonOptedOut   Reason = "opted_out"         // explicit disabled row
	ReasonDefaultOff Reason = "default_off"       // opt-in category, never enabled
	ReasonNoDevice   Reason = "no_device"         // push with no active registration
	ReasonNoEmail    Reason = "no_email"          // email with no address on file
	ReasonStoreDown  Reason = "store_unavailable" // fail-closed
)

// Resolution partitions candidates by eligibility. Eligible preserves
// candidate order so dispatch output stays deterministic.
type Resolution struct {
	Eligible   []string
	Suppressed map[string]Reason
	Emails     map[string]string // eligible userID -> address, email channel only

	// Unavailable carries the store error when part of the resolution was
	// decided fail-closed. Dispatch proceeds for the users that resolved.
	Unavailable error
}

// FlagSource is the slice of Store the resolver reads from.
type FlagSource interface {
	ExplicitFlags(ctx context.Context, category string, userIDs []string) (map[string]bool, error)
	ActivePushUsers(ctx context.Context, userIDs []string) (map[string]bool, error)
	EmailUsers(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Resolver applies category preference policy. Read-only: it never writes
// preference state.
type Resolver struct {
	src   FlagSource
	cache *Cache
}

func NewResolver(src FlagSource, cache *Cache) *Resolver {
	return &Resolver{src: src, cache: cache}
}

// Resolve evaluates every candidate against the category's policy.
func (r *Resolver) Resolve(ctx context.Context, key string, candidates []string) (Resolution, error) {
	cat, ok := config.Category(key)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownCategory, key)
	}

	res := Resolution{Suppressed: make(map[string]Reason)}
	users := dedupe(candidates)
	if len(users) == 0 {
		return res, nil
	}

	flags, _, miss := r.cache.GetFlags(ctx, key, users)
	if flags == nil {
		flags = make(map[string]bool)
	}

	failed := make(map[string]bool)
	if len(miss) > 0 {
		loaded, err := r.src.ExplicitFlags(ctx, key, miss)
		if err != nil {
			res.Unavailable = fmt.Errorf("preference flags: %w", err)
			for _, id := range miss {
				failed[id] = true
			}
		} else {
			var noRow []string
			for _, id := range miss {
				if v, found := loaded[id]; found {
					flags[id] = v
				} else {
					noRow = append(noRow, id)
				}
			}
			r.cache.SetFlags(ctx, key, loaded, noRow)
		}
	}

	// Preference policy pass.
	var enabled []string
	for _, id := range users {
		if failed[id] {
			res.Suppressed[id] = ReasonStoreDown
			continue
		}
		v, explicit := flags[id]
		switch {
		case explicit && !v:
			res.Suppressed[id] = ReasonOptedOut
		case !explicit && !cat.DefaultOn:
			res.Suppressed[id] = ReasonDefaultOff
		default:
			enabled = append(enabled, id)
		}
	}
	if len(enabled) == 0 {
		return res, nil
	}

	// Channel reachability pass. Not cached: device and address churn should
	// be visible immediately, and both lookups are single indexed queries.
	if cat.Channel == config.ChannelEmail {
		emails, err := r.src.EmailUsers(ctx, enabled)
		if err != nil {
			res.Unavailable = errors.Join(res.Unavailable, fmt.Errorf("email lookup: %w", err))
			for _, id := range enabled {
				res.Suppressed[id] = ReasonStoreDown
			}
			return res, nil
		}
		res.Emails = make(map[string]string, len(enabled))
		for _, id := range enabled {
			addr, found := emails[id]
			if !found {
				res.Suppressed[id] = ReasonNoEmail
				continue
			}
			res.Emails[id] = addr
			res.Eligible = append(res.Eligible, id)
		}
		return res, nil
	}

	active, err := r.src.ActivePushUsers(ctx, enabled)
	if err != nil {
		res.Unavailable = errors.Join(res.Unavailable, fmt.Errorf("device lookup: %w", err))
		for _, id := range enabled {
			res.Suppressed[id] = ReasonStoreDown
		}
		return res, nil
	}
	for _, id := range enabled {
		if !active[id] {
			res.Suppressed[id] = ReasonNoDevice
			continue
		}
		res.Eligible = append(res.Eligible, id)
	}
	return res, nil
}

// dedupe drops empty and repeated ids, preserving first-seen order.
func dedupe(ids []string) []string {
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
