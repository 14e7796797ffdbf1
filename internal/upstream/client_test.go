package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Query().Get("q") != "shelter" {
			t.Errorf("expected query to be forwarded, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("expected api key header")
		}
		_, _ = w.Write([]byte(`{"name":"Shelter"}`))
	}))
	defer server.Close()

	client := New(Options{Service: "charity", BaseURL: server.URL, APIKey: "secret", MaxTries: 3})
	var out struct {
		Name string `json:"name"`
	}
	if err := client.Get(context.Background(), "search", "/charities", url.Values{"q": {"shelter"}}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Name != "Shelter" {
		t.Fatalf("unexpected body %+v", out)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(Options{Service: "grants", BaseURL: server.URL, MaxTries: 5})
	err := client.Get(context.Background(), "discover", "/opportunities", nil, nil)

	var upstreamErr *Error
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if upstreamErr.Status != http.StatusBadRequest || upstreamErr.Service != "grants" || upstreamErr.Op != "discover" {
		t.Fatalf("unexpected error fields %+v", upstreamErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestGetMapsNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := New(Options{Service: "charity", BaseURL: server.URL})
	err := client.Get(context.Background(), "lookup", "/charities/123456789", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnconfiguredClientFails(t *testing.T) {
	client := New(Options{Service: "charity"})
	if client.Configured() {
		t.Fatal("expected unconfigured client")
	}
	var upstreamErr *Error
	if err := client.Ping(context.Background()); !errors.As(err, &upstreamErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}
