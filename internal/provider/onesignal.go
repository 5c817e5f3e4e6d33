package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/prediktapp/notify/internal/config"
)

// OneSignal caps include_external_user_ids per create-notification call.
const defaultMaxBatch = 2000

// OneSignal sends through the OneSignal REST API with bounded retries and a
// circuit breaker in front of the HTTP call.
type OneSignal struct {
	httpClient  *http.Client
	baseURL     string
	appID       string
	apiKey      string
	maxAttempts int
	batchSize   int
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

// NewOneSignal builds the client, or returns nil when credentials are
// absent. Callers treat a nil client as push delivery being disabled.
func NewOneSignal(cfg *config.Config, logger *slog.Logger) *OneSignal {
	if !cfg.PushConfigured() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:    "onesignal",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &OneSignal{
		httpClient:  &http.Client{Timeout: cfg.PushTimeout},
		baseURL:     strings.TrimRight(cfg.OneSignalAPIURL, "/"),
		appID:       cfg.OneSignalAppID,
		apiKey:      cfg.OneSignalAPIKey,
		maxAttempts: cfg.PushMaxAttempts,
		batchSize:   cfg.PushBatchSize,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		logger:      logger,
	}
}

// MaxBatch returns the per-call recipient cap.
func (o *OneSignal) MaxBatch() int {
	if o == nil || o.batchSize <= 0 || o.batchSize > defaultMaxBatch {
		return defaultMaxBatch
	}
	return o.batchSize
}

// Send posts one notification. Retries are bounded and only follow failures
// that can heal on their own (network errors, 429, 5xx); contract errors
// (4xx) and an open circuit abort immediately.
func (o *OneSignal) Send(ctx context.Context, n *Notification) (*Result, error) {
	if o == nil {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(o.payload(n))
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}

		out, err := o.breaker.Execute(func() (any, error) {
			return o.post(ctx, body, n.ExternalUserIDs)
		})
		if err == nil {
			res := out.(*Result)
			o.logger.Debug("onesignal send",
				"provider_id", res.ProviderID,
				"recipients", len(n.ExternalUserIDs),
				"rejected", len(res.Rejected))
			return res, nil
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if !isRetryable(err) {
			break
		}
		o.logger.Warn("onesignal send retrying", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// payload renders the single pinned request shape.
func (o *OneSignal) payload(n *Notification) map[string]any {
	p := map[string]any{
		"app_id":                        o.appID,
		"include_external_user_ids":     n.ExternalUserIDs,
		"channel_for_external_user_ids": "push",
		"headings":                      map[string]string{"en": n.Title},
		"contents":                      map[string]string{"en": n.Body},
	}
	if len(n.Data) > 0 {
		p["data"] = n.Data
	}
	if n.CollapseID != "" {
		p["collapse_id"] = n.CollapseID
	}
	if n.ThreadID != "" {
		p["thread_id"] = n.ThreadID
		p["android_group"] = n.ThreadID
	}
	if n.BadgeCount != nil {
		p["ios_badgeType"] = "SetTo"
		p["ios_badgeCount"] = *n.BadgeCount
	}
	return p
}

func (o *OneSignal) post(ctx context.Context, body []byte, userIDs []string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{status: resp.StatusCode, body: truncate(respBody, 200)}
	}

	var decoded struct {
		ID     string          `json:"id"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Result{
		ProviderID: decoded.ID,
		Rejected:   parseRejections(decoded.Errors, userIDs),
	}, nil
}

// parseRejections maps OneSignal's two error shapes onto per-user failures.
// An object names the offending ids; a bare message array on a 200 response
// ("All included players are not subscribed") means nobody was deliverable.
func parseRejections(raw json.RawMessage, userIDs []string) map[string]string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var byField struct {
		InvalidExternalUserIDs []string `json:"invalid_external_user_ids"`
		InvalidPlayerIDs       []string `json:"invalid_player_ids"`
	}
	if err := json.Unmarshal(raw, &byField); err == nil {
		if len(byField.InvalidExternalUserIDs)+len(byField.InvalidPlayerIDs) == 0 {
			return nil
		}
		rejected := make(map[string]string)
		for _, id := range byField.InvalidExternalUserIDs {
			rejected[id] = "invalid external user id"
		}
		for _, id := range byField.InvalidPlayerIDs {
			rejected[id] = "invalid player id"
		}
		return rejected
	}

	var messages []string
	if err := json.Unmarshal(raw, &messages); err == nil && len(messages) > 0 {
		reason := strings.Join(messages, "; ")
		rejected := make(map[string]string, len(userIDs))
		for _, id := range userIDs {
			rejected[id] = reason
		}
		return rejected
	}
	return nil
}

// httpError tags non-2xx responses so retry logic can tell provider outages
// from contract errors.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("onesignal returned %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status == http.StatusTooManyRequests || he.status >= 500
	}
	return true
}

func retryDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
