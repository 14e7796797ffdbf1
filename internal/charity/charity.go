// Package charity looks up nonprofit registration data by EIN.
package charity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"clarvoy/api/internal/upstream"
)

var einPattern = regexp.MustCompile(`^\d{2}-?\d{7}$`)

// ValidEIN reports whether raw is nine digits with an optional hyphen
// after the second.
func ValidEIN(raw string) bool {
	return einPattern.MatchString(raw)
}

// NormalizeEIN drops the hyphen.
func NormalizeEIN(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
}

type LookupResult struct {
	EIN                 string          `json:"ein"`
	Name                string          `json:"name"`
	City                *string         `json:"city,omitempty"`
	State               *string         `json:"state,omitempty"`
	ZipCode             *string         `json:"zipCode,omitempty"`
	TaxStatus           *string         `json:"taxStatus,omitempty"`
	Deductibility       *string         `json:"deductibility,omitempty"`
	ClassificationCodes map[string]any  `json:"classificationCodes,omitempty"`
	NTEECode            *string         `json:"nteeCode,omitempty"`
	FilingRequirement   *string         `json:"filingRequirement,omitempty"`
	RulingDate          *string         `json:"rulingDate,omitempty"`
	RawData             json.RawMessage `json:"rawData,omitempty"`
}

type SearchParams struct {
	Query  string
	City   string
	State  string
	Limit  int
	Offset int
}

type SearchItem struct {
	EIN      string  `json:"ein"`
	Name     string  `json:"name"`
	City     *string `json:"city,omitempty"`
	State    *string `json:"state,omitempty"`
	NTEECode *string `json:"nteeCode,omitempty"`
}

type SearchResult struct {
	Results []SearchItem `json:"results"`
	Total   int          `json:"total"`
	HasMore bool         `json:"hasMore"`
}

type Verification struct {
	EIN              string `json:"ein"`
	OrganizationName string `json:"organizationName"`
	IsPublicCharity  bool   `json:"isPublicCharity"`
	IsTaxDeductible  bool   `json:"isTaxDeductible"`
	Status           string `json:"status"`
}

// Client is the charity data source used by handlers and the coach.
type Client interface {
	Lookup(ctx context.Context, ein string) (LookupResult, error)
	Search(ctx context.Context, params SearchParams) (SearchResult, error)
	Verify(ctx context.Context, ein string) (Verification, error)
	Ping(ctx context.Context) error
}

const lookupCacheTTL = 24 * time.Hour

// HTTPClient talks to the charity data API. Lookups are cached in redis
// when a cache client is supplied.
type HTTPClient struct {
	api    *upstream.Client
	cache  *redis.Client
	prefix string
	logger *zap.Logger
}

func NewHTTPClient(api *upstream.Client, cache *redis.Client, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{api: api, cache: cache, prefix: "charity:lookup:", logger: logger}
}

func (c *HTTPClient) Lookup(ctx context.Context, ein string) (LookupResult, error) {
	ein = NormalizeEIN(ein)
	if cached, ok := c.cached(ctx, ein); ok {
		return cached, nil
	}

	var result LookupResult
	if err := c.api.Get(ctx, "lookup", "/charities/"+url.PathEscape(ein), nil, &result); err != nil {
		return LookupResult{}, err
	}
	if result.EIN == "" || result.Name == "" {
		return LookupResult{}, &upstream.Error{Service: "charity", Op: "lookup", Err: errors.New("incomplete lookup response")}
	}

	if c.cache != nil {
		encoded, err := json.Marshal(result)
		if err == nil {
			if err := c.cache.Set(ctx, c.prefix+ein, encoded, lookupCacheTTL).Err(); err != nil {
				c.logger.Warn("charity cache write failed", zap.String("ein", ein), zap.Error(err))
			}
		}
	}
	return result, nil
}

func (c *HTTPClient) cached(ctx context.Context, ein string) (LookupResult, bool) {
	if c.cache == nil {
		return LookupResult{}, false
	}
	raw, err := c.cache.Get(ctx, c.prefix+ein).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("charity cache read failed", zap.String("ein", ein), zap.Error(err))
		}
		return LookupResult{}, false
	}
	var result LookupResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return LookupResult{}, false
	}
	return result, true
}

func (c *HTTPClient) Search(ctx context.Context, params SearchParams) (SearchResult, error) {
	query := url.Values{}
	query.Set("query", params.Query)
	if params.City != "" {
		query.Set("city", params.City)
	}
	if params.State != "" {
		query.Set("state", params.State)
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		query.Set("offset", strconv.Itoa(params.Offset))
	}

	var result SearchResult
	if err := c.api.Get(ctx, "search", "/charities", query, &result); err != nil {
		return SearchResult{}, err
	}
	if result.Results == nil {
		result.Results = []SearchItem{}
	}
	return result, nil
}

func (c *HTTPClient) Verify(ctx context.Context, ein string) (Verification, error) {
	var result Verification
	path := fmt.Sprintf("/charities/%s/verification", url.PathEscape(NormalizeEIN(ein)))
	if err := c.api.Get(ctx, "verify", path, nil, &result); err != nil {
		return Verification{}, err
	}
	return result, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.api.Ping(ctx)
}
