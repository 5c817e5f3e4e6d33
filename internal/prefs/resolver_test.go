package prefs

import (
	"context"
	"errors"
	"testing"
)

// fakeSource serves canned preference data, or fails wholesale.
type fakeSource struct {
	flags   map[string]bool   // userID -> explicit flag (category-agnostic for tests)
	devices map[string]bool   // userID -> has active device
	emails  map[string]string // userID -> address
	err     error
}

func (f *fakeSource) ExplicitFlags(_ context.Context, _ string, userIDs []string) (map[string]bool, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool)
	for _, id := range userIDs {
		if v, ok := f.flags[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeSource) ActivePushUsers(_ context.Context, userIDs []string) (map[string]bool, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool)
	for _, id := range userIDs {
		if f.devices[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeSource) EmailUsers(_ context.Context, userIDs []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	for _, id := range userIDs {
		if addr, ok := f.emails[id]; ok {
			out[id] = addr
		}
	}
	return out, nil
}

func TestResolveUnknownCategory(t *testing.T) {
	r := NewResolver(&fakeSource{}, nil)
	_, err := r.Resolve(context.Background(), "no-such-key", []string{"u1"})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestResolvePushPolicy(t *testing.T) {
	src := &fakeSource{
		flags:   map[string]bool{"opted-out": false, "opted-in": true},
		devices: map[string]bool{"opted-in": true, "default-on": true, "opted-out": true},
	}
	r := NewResolver(src, nil)

	res, err := r.Resolve(context.Background(), "results-published",
		[]string{"opted-in", "opted-out", "default-on", "no-device"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Unavailable != nil {
		t.Fatalf("Unavailable = %v, want nil", res.Unavailable)
	}

	wantEligible := []string{"opted-in", "default-on"}
	if len(res.Eligible) != len(wantEligible) {
		t.Fatalf("Eligible = %v, want %v", res.Eligible, wantEligible)
	}
	for i, id := range wantEligible {
		if res.Eligible[i] != id {
			t.Errorf("Eligible[%d] = %q, want %q", i, res.Eligible[i], id)
		}
	}

	if got := res.Suppressed["opted-out"]; got != ReasonOptedOut {
		t.Errorf("opted-out reason = %q, want %q", got, ReasonOptedOut)
	}
	if got := res.Suppressed["no-device"]; got != ReasonNoDevice {
		t.Errorf("no-device reason = %q, want %q", got, ReasonNoDevice)
	}
}

func TestResolveEmailPolicy(t *testing.T) {
	src := &fakeSource{
		flags:  map[string]bool{"subscribed": true, "no-address": true},
		emails: map[string]string{"subscribed": "fan@example.com", "never-asked": "idle@example.com"},
	}
	r := NewResolver(src, nil)

	res, err := r.Resolve(context.Background(), "weekly-digest",
		[]string{"subscribed", "never-asked", "no-address"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(res.Eligible) != 1 || res.Eligible[0] != "subscribed" {
		t.Fatalf("Eligible = %v, want [subscribed]", res.Eligible)
	}
	if res.Emails["subscribed"] != "fan@example.com" {
		t.Errorf("Emails[subscribed] = %q", res.Emails["subscribed"])
	}
	// Email categories are opt-in: silence means no digest.
	if got := res.Suppressed["never-asked"]; got != ReasonDefaultOff {
		t.Errorf("never-asked reason = %q, want %q", got, ReasonDefaultOff)
	}
	if got := res.Suppressed["no-address"]; got != ReasonNoEmail {
		t.Errorf("no-address reason = %q, want %q", got, ReasonNoEmail)
	}
}

func TestResolveFailsClosed(t *testing.T) {
	storeDown := errors.New("connection refused")
	r := NewResolver(&fakeSource{err: storeDown}, nil)

	res, err := r.Resolve(context.Background(), "new-gameweek", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Unavailable == nil || !errors.Is(res.Unavailable, storeDown) {
		t.Fatalf("Unavailable = %v, want wrapped store error", res.Unavailable)
	}
	if len(res.Eligible) != 0 {
		t.Errorf("Eligible = %v, want none when the store is down", res.Eligible)
	}
	for _, id := range []string{"u1", "u2"} {
		if got := res.Suppressed[id]; got != ReasonStoreDown {
			t.Errorf("%s reason = %q, want %q", id, got, ReasonStoreDown)
		}
	}
}

func TestResolveDedupesCandidates(t *testing.T) {
	src := &fakeSource{devices: map[string]bool{"u1": true}}
	r := NewResolver(src, nil)

	res, err := r.Resolve(context.Background(), "new-gameweek", []string{"u1", "u1", "", "u1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Eligible) != 1 {
		t.Errorf("Eligible = %v, want exactly one u1", res.Eligible)
	}
}

func TestResolveEmptyCandidates(t *testing.T) {
	r := NewResolver(&fakeSource{}, nil)
	res, err := r.Resolve(context.Background(), "new-gameweek", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Eligible) != 0 || len(res.Suppressed) != 0 {
		t.Errorf("resolution not empty: %+v", res)
	}
}

func TestNilCacheDegradesToMiss(t *testing.T) {
	var c *Cache
	flags, absent, miss := c.GetFlags(context.Background(), "new-gameweek", []string{"u1", "u2"})
	if flags != nil || absent != nil {
		t.Error("nil cache returned data")
	}
	if len(miss) != 2 {
		t.Errorf("miss = %v, want both users", miss)
	}
	// No-ops must not panic.
	c.SetFlags(context.Background(), "new-gameweek", map[string]bool{"u1": true}, nil)
	c.Invalidate(context.Background(), "u1", "new-gameweek")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("nil cache Ping = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("nil cache Close = %v", err)
	}
}
