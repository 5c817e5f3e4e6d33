// Package provider delivers push notifications through OneSignal.
//
// Exactly one endpoint and one auth scheme are used: POST
// {base}/notifications with "Authorization: Basic <REST API key>". The
// client never falls back to alternate endpoints or header schemes; a
// delivery either succeeds through this contract or is reported failed.
package provider

import (
	"context"
	"errors"
)

// ErrNotConfigured means no OneSignal credentials were provided.
var ErrNotConfigured = errors.New("push provider not configured")

// Notification is one provider call fanning out to a set of users.
type Notification struct {
	ExternalUserIDs []string
	Title           string
	Body            string
	Data            map[string]any
	CollapseID      string
	ThreadID        string
	BadgeCount      *int
}

// Result is the provider's verdict for one call. Rejected holds per-user
// failures attributed by the provider (unsubscribed, unknown id); users not
// listed there were accepted for delivery.
type Result struct {
	ProviderID string
	Rejected   map[string]string
}

// Sender is the push delivery seam. An error return means the whole call
// failed; per-user problems come back in Result.Rejected instead.
type Sender interface {
	Send(ctx context.Context, n *Notification) (*Result, error)
	// MaxBatch is the largest recipient count a single Send may carry.
	MaxBatch() int
}
