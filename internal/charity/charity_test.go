package charity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"clarvoy/api/internal/upstream"
)

func TestValidEIN(t *testing.T) {
	for _, ein := range []string{"81-1874043", "811874043"} {
		if !ValidEIN(ein) {
			t.Errorf("expected %q to be valid", ein)
		}
	}
	for _, ein := range []string{"8-11874043", "81187404", "81-18740433", "ab-cdefghi", ""} {
		if ValidEIN(ein) {
			t.Errorf("expected %q to be invalid", ein)
		}
	}
	if NormalizeEIN("81-1874043") != "811874043" {
		t.Fatal("expected hyphen to be removed")
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *miniredis.Miniredis) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	api := upstream.New(upstream.Options{Service: "charity", BaseURL: server.URL, MaxTries: 1})
	return NewHTTPClient(api, rdb, nil), mr
}

func TestLookupCachesInRedis(t *testing.T) {
	var calls atomic.Int32
	client, mr := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/charities/811874043" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ein":       "811874043",
			"name":      "Community Partners",
			"city":      "Phoenixville",
			"state":     "PA",
			"taxStatus": "501(c)(3)",
		})
	}))

	ctx := context.Background()
	first, err := client.Lookup(ctx, "81-1874043")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if first.Name != "Community Partners" || first.City == nil || *first.City != "Phoenixville" {
		t.Fatalf("unexpected result %+v", first)
	}

	second, err := client.Lookup(ctx, "811874043")
	if err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if second.Name != first.Name {
		t.Fatalf("cached result differs: %+v", second)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}

	ttl := mr.TTL("charity:lookup:811874043")
	if ttl <= 0 || ttl > 24*time.Hour {
		t.Fatalf("unexpected cache ttl %v", ttl)
	}

	mr.FastForward(25 * time.Hour)
	if _, err := client.Lookup(ctx, "811874043"); err != nil {
		t.Fatalf("lookup after expiry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", calls.Load())
	}
}

func TestLookupRejectsIncompleteResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ein":"811874043"}`))
	}))
	if _, err := client.Lookup(context.Background(), "811874043"); err == nil {
		t.Fatal("expected error for response without a name")
	}
}

func TestSearchForwardsParams(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("query") != "food bank" || q.Get("state") != "PA" || q.Get("limit") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"total":1,"hasMore":false,"results":[{"ein":"123456789","name":"Food Bank"}]}`))
	}))

	result, err := client.Search(context.Background(), SearchParams{Query: "food bank", State: "PA", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Total != 1 || len(result.Results) != 1 || result.Results[0].Name != "Food Bank" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestVerify(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charities/811874043/verification" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"ein":"811874043","organizationName":"Community Partners","isPublicCharity":true,"isTaxDeductible":true,"status":"active"}`))
	}))

	v, err := client.Verify(context.Background(), "81-1874043")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.IsPublicCharity || !v.IsTaxDeductible || v.Status != "active" {
		t.Fatalf("unexpected verification %+v", v)
	}
}
