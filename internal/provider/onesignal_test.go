package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prediktapp/notify/internal/config"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		OneSignalAppID:  "app-id",
		OneSignalAPIKey: "rest-key",
		OneSignalAPIURL: url,
		PushTimeout:     2 * time.Second,
		PushMaxAttempts: 3,
		PushBatchSize:   2000,
	}
}

func TestNewOneSignalWithoutCredentials(t *testing.T) {
	if c := NewOneSignal(&config.Config{}, nil); c != nil {
		t.Fatal("expected nil client without credentials")
	}
}

func TestSendPinsEndpointAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "n-123", "recipients": 2})
	}))
	defer srv.Close()

	client := NewOneSignal(testConfig(srv.URL), nil)
	res, err := client.Send(context.Background(), &Notification{
		ExternalUserIDs: []string{"u1", "u2"},
		Title:           "Gameweek 17 is live",
		Body:            "Make your predictions",
		CollapseID:      "new_gw:gameweek=17",
		ThreadID:        "new_gw:17",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/notifications" {
		t.Errorf("path = %q, want /notifications", gotPath)
	}
	if gotAuth != "Basic rest-key" {
		t.Errorf("auth = %q, want Basic rest-key", gotAuth)
	}
	if gotBody["app_id"] != "app-id" {
		t.Errorf("app_id = %v", gotBody["app_id"])
	}
	if gotBody["collapse_id"] != "new_gw:gameweek=17" {
		t.Errorf("collapse_id = %v", gotBody["collapse_id"])
	}
	if res.ProviderID != "n-123" {
		t.Errorf("ProviderID = %q", res.ProviderID)
	}
	if len(res.Rejected) != 0 {
		t.Errorf("Rejected = %v, want none", res.Rejected)
	}
}

func TestSendAttributesPartialFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "n-456",
			"errors": map[string]any{"invalid_external_user_ids": []string{"u2"}},
		})
	}))
	defer srv.Close()

	client := NewOneSignal(testConfig(srv.URL), nil)
	res, err := client.Send(context.Background(), &Notification{
		ExternalUserIDs: []string{"u1", "u2"},
		Title:           "t", Body: "b",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Rejected) != 1 {
		t.Fatalf("Rejected = %v, want exactly u2", res.Rejected)
	}
	if _, ok := res.Rejected["u2"]; !ok {
		t.Errorf("u2 missing from Rejected: %v", res.Rejected)
	}
}

func TestSendAllUnsubscribed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "",
			"errors": []string{"All included players are not subscribed"},
		})
	}))
	defer srv.Close()

	client := NewOneSignal(testConfig(srv.URL), nil)
	res, err := client.Send(context.Background(), &Notification{
		ExternalUserIDs: []string{"u1", "u2"},
		Title:           "t", Body: "b",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Rejected) != 2 {
		t.Errorf("Rejected = %v, want both users", res.Rejected)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "n-789"})
	}))
	defer srv.Close()

	client := NewOneSignal(testConfig(srv.URL), nil)
	res, err := client.Send(context.Background(), &Notification{
		ExternalUserIDs: []string{"u1"},
		Title:           "t", Body: "b",
	})
	if err != nil {
		t.Fatalf("Send after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if res.ProviderID != "n-789" {
		t.Errorf("ProviderID = %q", res.ProviderID)
	}
}

func TestSendDoesNotRetryContractErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":["Notification content must not be empty"]}`))
	}))
	defer srv.Close()

	client := NewOneSignal(testConfig(srv.URL), nil)
	_, err := client.Send(context.Background(), &Notification{
		ExternalUserIDs: []string{"u1"},
		Title:           "t", Body: "b",
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PushMaxAttempts = 1
	client := NewOneSignal(cfg, nil)

	n := &Notification{ExternalUserIDs: []string{"u1"}, Title: "t", Body: "b"}
	for i := 0; i < 5; i++ {
		if _, err := client.Send(context.Background(), n); err == nil {
			t.Fatalf("send %d unexpectedly succeeded", i)
		}
	}

	// Circuit is now open: the failing server must not even be reached.
	_, err := client.Send(context.Background(), n)
	if err == nil {
		t.Fatal("expected error from open circuit")
	}
	var he *httpError
	if errors.As(err, &he) {
		t.Errorf("got http error %v, want breaker error without an HTTP round trip", he)
	}
}

func TestSendNilClient(t *testing.T) {
	var client *OneSignal
	if _, err := client.Send(context.Background(), &Notification{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	if got := client.MaxBatch(); got != defaultMaxBatch {
		t.Errorf("MaxBatch = %d, want %d", got, defaultMaxBatch)
	}
}
