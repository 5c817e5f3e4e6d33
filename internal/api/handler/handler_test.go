package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/prediktapp/notify/internal/cache"
	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/dispatch"
	"github.com/prediktapp/notify/internal/event"
	"github.com/prediktapp/notify/internal/ledger"
	"github.com/prediktapp/notify/internal/metrics"
	"github.com/prediktapp/notify/internal/prefs"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeDispatcher struct {
	summary    *dispatch.Summary
	err        error
	gotEvent   event.Event
	gotUserIDs []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev event.Event, candidates []string) (*dispatch.Summary, error) {
	f.gotEvent = ev
	f.gotUserIDs = candidates
	if f.err != nil {
		return nil, f.err
	}
	if f.summary != nil {
		return f.summary, nil
	}
	s := &dispatch.Summary{EventID: ev.EventID}
	if s.EventID == "" {
		s.EventID = event.BuildEventID(ev.Key, ev.GroupingParams)
	}
	for _, id := range candidates {
		s.Accepted++
		s.UserResults = append(s.UserResults, dispatch.UserResult{UserID: id, Result: dispatch.OutcomeAccepted})
	}
	return s, nil
}

type fakeLedgerReader struct {
	summaries map[string]ledger.Summary
	err       error
	calls     int
}

func (f *fakeLedgerReader) Summary(_ context.Context, eventID string) (ledger.Summary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.summaries[eventID], nil
}

type fakePrefWriter struct {
	flags     map[string]bool // userID+"/"+category -> enabled
	devices   map[string]string
	flagErr   error
	deviceErr error
}

func (f *fakePrefWriter) SetFlag(_ context.Context, userID, category string, enabled bool) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	if f.flags == nil {
		f.flags = make(map[string]bool)
	}
	f.flags[userID+"/"+category] = enabled
	return nil
}

func (f *fakePrefWriter) RegisterDevice(_ context.Context, userID, token, platform string) error {
	if f.deviceErr != nil {
		return f.deviceErr
	}
	if f.devices == nil {
		f.devices = make(map[string]string)
	}
	f.devices[userID+"/"+token] = platform
	return nil
}

func (f *fakePrefWriter) DeactivateDevice(_ context.Context, userID, token string) error {
	if f.deviceErr != nil {
		return f.deviceErr
	}
	delete(f.devices, userID+"/"+token)
	return nil
}

type fakeInvalidator struct {
	invalidated []string
	pingErr     error
}

func (f *fakeInvalidator) Invalidate(_ context.Context, userID, category string) {
	f.invalidated = append(f.invalidated, userID+"/"+category)
}

func (f *fakeInvalidator) Ping(_ context.Context) error { return f.pingErr }

type fakeDB struct{ err error }

func (f *fakeDB) HealthCheck(_ context.Context) error { return f.err }

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type testEnv struct {
	h      *Handler
	d      *fakeDispatcher
	led    *fakeLedgerReader
	pw     *fakePrefWriter
	fi     *fakeInvalidator
	cache  *cache.Cache
	router http.Handler
}

func newTestEnv() *testEnv {
	e := &testEnv{
		d:     &fakeDispatcher{},
		led:   &fakeLedgerReader{summaries: make(map[string]ledger.Summary)},
		pw:    &fakePrefWriter{},
		fi:    &fakeInvalidator{},
		cache: cache.New(true),
	}
	e.h = New(e.d, e.led, e.pw, e.fi, &fakeDB{}, e.cache, metrics.NewCollector(), &config.Config{})

	r := chi.NewRouter()
	r.Get("/health", e.h.HealthCheck)
	r.Get("/health/db", e.h.HealthCheckDB)
	r.Post("/dispatch", e.h.Dispatch)
	r.Get("/dispatch/{eventID}", e.h.GetDispatchSummary)
	r.Get("/categories", e.h.ListCategories)
	r.Put("/users/{userID}/preferences", e.h.UpdatePreferences)
	r.Post("/users/{userID}/devices", e.h.RegisterDevice)
	r.Delete("/users/{userID}/devices/{token}", e.h.DeactivateDevice)
	e.router = r
	return e
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body not JSON: %v: %s", err, rec.Body.String())
	}
	return resp.Error.Code
}

// ----------------------------------------------------------------------------
// POST /dispatch
// ----------------------------------------------------------------------------

func TestDispatchEndpoint(t *testing.T) {
	e := newTestEnv()
	body := `{
		"notification_key": "new-gameweek",
		"user_ids": ["A", "B"],
		"title": "Gameweek 17 is live!",
		"body": "Get your predictions in.",
		"grouping_params": {"gameweek": 17}
	}`
	rec := e.do(http.MethodPost, "/dispatch", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp DispatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.EventID != "new_gw:17" {
		t.Errorf("event_id = %q, want new_gw:17", resp.EventID)
	}
	if resp.Results.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", resp.Results.Accepted)
	}
	if len(e.d.gotUserIDs) != 2 || e.d.gotEvent.Key != "new-gameweek" {
		t.Errorf("dispatcher received event=%+v users=%v", e.d.gotEvent, e.d.gotUserIDs)
	}
}

func TestDispatchEndpointValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{not json`, "INVALID_BODY"},
		{"missing key", `{"user_ids":["A"],"title":"t","body":"b"}`, "MISSING_FIELD"},
		{"unknown key", `{"notification_key":"not-a-category","user_ids":["A"],"title":"t","body":"b"}`, "UNKNOWN_CATEGORY"},
		{"empty users", `{"notification_key":"new-gameweek","user_ids":[],"title":"t","body":"b"}`, "MISSING_FIELD"},
		{"missing title", `{"notification_key":"new-gameweek","user_ids":["A"],"body":"b"}`, "MISSING_FIELD"},
		{"missing body", `{"notification_key":"new-gameweek","user_ids":["A"],"title":"t"}`, "MISSING_FIELD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv()
			rec := e.do(http.MethodPost, "/dispatch", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
			if e.d.gotUserIDs != nil {
				t.Error("invalid request must not reach the dispatcher")
			}
		})
	}
}

func TestDispatchEndpointChannelNotConfigured(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
	}{
		{dispatch.ErrPushNotConfigured, "PUSH_NOT_CONFIGURED"},
		{dispatch.ErrMailNotConfigured, "MAIL_NOT_CONFIGURED"},
	}
	for _, tt := range tests {
		e := newTestEnv()
		e.d.err = tt.err
		rec := e.do(http.MethodPost, "/dispatch",
			`{"notification_key":"new-gameweek","user_ids":["A"],"title":"t","body":"b"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		if got := errorCode(t, rec); got != tt.wantCode {
			t.Errorf("code = %q, want %q", got, tt.wantCode)
		}
	}
}

func TestDispatchEndpointDropsStaleSummaryCache(t *testing.T) {
	e := newTestEnv()
	e.cache.Set("summary:new_gw:17", []byte(`{"stale":true}`), cache.TTLSummary)

	rec := e.do(http.MethodPost, "/dispatch",
		`{"notification_key":"new-gameweek","user_ids":["A"],"title":"t","body":"b","grouping_params":{"gameweek":17}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, _, ok := e.cache.Get("summary:new_gw:17"); ok {
		t.Error("dispatch must evict the cached summary it just changed")
	}
}

// ----------------------------------------------------------------------------
// GET /dispatch/{eventID}
// ----------------------------------------------------------------------------

func TestGetDispatchSummary(t *testing.T) {
	e := newTestEnv()
	e.led.summaries["new_gw:17"] = ledger.Summary{
		ledger.StatusAccepted: 2,
		ledger.StatusFailed:   1,
	}

	rec := e.do(http.MethodGet, "/dispatch/new_gw:17", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag header")
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
	}

	var resp struct {
		EventID string         `json:"event_id"`
		Results map[string]int `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Results["accepted"] != 2 || resp.Results["failed"] != 1 {
		t.Errorf("results = %v", resp.Results)
	}

	// Second read is served from cache without touching the ledger.
	rec = e.do(http.MethodGet, "/dispatch/new_gw:17", "")
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", rec.Header().Get("X-Cache"))
	}
	if e.led.calls != 1 {
		t.Errorf("ledger reads = %d, want 1", e.led.calls)
	}

	// Conditional read with the captured ETag short-circuits to 304.
	req := httptest.NewRequest(http.MethodGet, "/dispatch/new_gw:17", nil)
	req.Header.Set("If-None-Match", etag)
	rec304 := httptest.NewRecorder()
	e.router.ServeHTTP(rec304, req)
	if rec304.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", rec304.Code)
	}
}

func TestGetDispatchSummaryNotFound(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodGet, "/dispatch/new_gw:99", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := errorCode(t, rec); got != "NOT_FOUND" {
		t.Errorf("code = %q", got)
	}
}

func TestGetDispatchSummaryLedgerDown(t *testing.T) {
	e := newTestEnv()
	e.led.err = errors.New("pool exhausted")
	rec := e.do(http.MethodGet, "/dispatch/new_gw:1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorCode(t, rec); got != "LEDGER_UNAVAILABLE" {
		t.Errorf("code = %q", got)
	}
}

// ----------------------------------------------------------------------------
// GET /categories
// ----------------------------------------------------------------------------

func TestListCategories(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodGet, "/categories", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Categories []struct {
			Key       string `json:"key"`
			Channel   string `json:"channel"`
			DefaultOn bool   `json:"default_on"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Categories) != len(config.CategoryRegistry) {
		t.Fatalf("categories = %d, want %d", len(resp.Categories), len(config.CategoryRegistry))
	}
	found := false
	for _, c := range resp.Categories {
		if c.Key == "weekly-digest" {
			found = true
			if c.Channel != "email" || c.DefaultOn {
				t.Errorf("weekly-digest = %+v, want opt-in email", c)
			}
		}
	}
	if !found {
		t.Error("weekly-digest missing from listing")
	}
}

// ----------------------------------------------------------------------------
// Preference and device endpoints
// ----------------------------------------------------------------------------

func TestUpdatePreferences(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodPut, "/users/u1/preferences",
		`{"preferences":{"new-gameweek":false,"weekly-digest":true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if v, ok := e.pw.flags["u1/new-gameweek"]; !ok || v {
		t.Errorf("new-gameweek flag = %v/%v, want explicit false", v, ok)
	}
	if v := e.pw.flags["u1/weekly-digest"]; !v {
		t.Error("weekly-digest flag not stored as true")
	}
	if len(e.fi.invalidated) != 2 {
		t.Errorf("invalidations = %v, want one per category", e.fi.invalidated)
	}
}

func TestUpdatePreferencesRejectsUnknownCategory(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodPut, "/users/u1/preferences",
		`{"preferences":{"new-gameweek":true,"not-a-category":true}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := errorCode(t, rec); got != "UNKNOWN_CATEGORY" {
		t.Errorf("code = %q", got)
	}
	if len(e.pw.flags) != 0 {
		t.Error("no flag may be written when any category is unknown")
	}
}

func TestUpdatePreferencesEmptyBody(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodPut, "/users/u1/preferences", `{"preferences":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRegisterDevice(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodPost, "/users/u1/devices", `{"token":"tok-1","platform":"ios"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if e.pw.devices["u1/tok-1"] != "ios" {
		t.Errorf("devices = %v", e.pw.devices)
	}
}

func TestRegisterDeviceDefaultsPlatform(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodPost, "/users/u1/devices", `{"token":"tok-2"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.pw.devices["u1/tok-2"] != "unknown" {
		t.Errorf("platform = %q, want unknown", e.pw.devices["u1/tok-2"])
	}
}

func TestRegisterDeviceConflict(t *testing.T) {
	e := newTestEnv()
	e.pw.deviceErr = prefs.ErrTokenRegistered
	rec := e.do(http.MethodPost, "/users/u1/devices", `{"token":"taken"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if got := errorCode(t, rec); got != "TOKEN_CONFLICT" {
		t.Errorf("code = %q", got)
	}
}

func TestRegisterDeviceMissingToken(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodPost, "/users/u1/devices", `{"platform":"ios"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeactivateDevice(t *testing.T) {
	e := newTestEnv()
	e.pw.devices = map[string]string{"u1/tok-1": "ios"}
	rec := e.do(http.MethodDelete, "/users/u1/devices/tok-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, ok := e.pw.devices["u1/tok-1"]; ok {
		t.Error("device still active")
	}
}

func TestDeactivateDeviceNotFound(t *testing.T) {
	e := newTestEnv()
	e.pw.deviceErr = prefs.ErrDeviceNotFound
	rec := e.do(http.MethodDelete, "/users/u1/devices/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// ----------------------------------------------------------------------------
// Health
// ----------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	e := newTestEnv()
	rec := e.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestHealthCheckDBDown(t *testing.T) {
	e := newTestEnv()
	e.h.db = &fakeDB{err: errors.New("dial tcp: connection refused")}
	rec := e.do(http.MethodGet, "/health/db", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
