package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestObserveDispatch(t *testing.T) {
	c := NewCollector()
	c.ObserveDispatch(2, 1, 0, 1, 0)
	c.ObserveDispatch(3, 0, 2, 0, 1)

	s := c.Snapshot()
	if s.Dispatches != 2 {
		t.Errorf("Dispatches = %d, want 2", s.Dispatches)
	}
	if s.Accepted != 5 || s.Failed != 1 || s.SuppressedDuplicate != 2 || s.SuppressedPreference != 1 || s.Deferred != 1 {
		t.Errorf("counts = %+v", s)
	}
}

func TestMiddlewareCountsErrors(t *testing.T) {
	c := NewCollector()
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/ok", "/ok", "/boom"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	s := c.Snapshot()
	if s.Requests != 3 {
		t.Errorf("Requests = %d, want 3", s.Requests)
	}
	if s.RequestErrors != 1 {
		t.Errorf("RequestErrors = %d, want 1", s.RequestErrors)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveDispatch(1, 0, 0, 0, 0)
	if s := c.Snapshot(); s.Dispatches != 0 {
		t.Errorf("nil collector recorded data: %+v", s)
	}

	called := false
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil collector middleware did not pass through")
	}
}
