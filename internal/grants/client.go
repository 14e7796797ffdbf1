// Package grants discovers federal funding opportunities, scores them
// against the organisation's mission and raises alerts for good matches.
package grants

import (
	"context"
	"encoding/json"

	"clarvoy/api/internal/upstream"
)

type Opportunity struct {
	ExternalID      *string         `json:"externalId,omitempty"`
	Title           string          `json:"title"`
	Agency          *string         `json:"agency,omitempty"`
	FundingCategory *string         `json:"fundingCategory,omitempty"`
	AwardFloor      *int64          `json:"awardFloor,omitempty"`
	AwardCeiling    *int64          `json:"awardCeiling,omitempty"`
	OpenDate        *string         `json:"openDate,omitempty"`
	CloseDate       *string         `json:"closeDate,omitempty"`
	Description     *string         `json:"description,omitempty"`
	RawData         json.RawMessage `json:"rawData,omitempty"`
}

type DiscoverInput struct {
	Query         string         `json:"query"`
	Filters       map[string]any `json:"filters,omitempty"`
	MaxResults    int            `json:"max_results,omitempty"`
	Page          int            `json:"page,omitempty"`
	GrantsPerPage int            `json:"grants_per_page,omitempty"`
}

type DiscoverResult struct {
	Opportunities []Opportunity `json:"opportunities"`
	Total         int           `json:"total"`
	Page          int           `json:"page"`
}

type AgenciesInput struct {
	IncludeOpportunities bool     `json:"include_opportunities"`
	FocusAgencies        []string `json:"focus_agencies,omitempty"`
	FundingCategory      string   `json:"funding_category,omitempty"`
	MaxAgencies          int      `json:"max_agencies,omitempty"`
}

type AgencyInfo struct {
	Name             string        `json:"name"`
	FocusAreas       []string      `json:"focusAreas,omitempty"`
	TotalFunding     *float64      `json:"totalFunding,omitempty"`
	OpportunityCount *int          `json:"opportunityCount,omitempty"`
	Opportunities    []Opportunity `json:"opportunities,omitempty"`
}

type AgenciesResult struct {
	Agencies []AgencyInfo `json:"agencies"`
}

type TrendsInput struct {
	TimeWindowDays    int    `json:"time_window_days,omitempty"`
	CategoryFilter    string `json:"category_filter,omitempty"`
	AgencyFilter      string `json:"agency_filter,omitempty"`
	MinAwardAmount    *int64 `json:"min_award_amount,omitempty"`
	IncludeForecasted bool   `json:"include_forecasted"`
}

type FundingTrend struct {
	Category         string   `json:"category"`
	TotalAmount      *float64 `json:"totalAmount,omitempty"`
	OpportunityCount *int     `json:"opportunityCount,omitempty"`
	AverageAward     *float64 `json:"averageAward,omitempty"`
	Trend            *string  `json:"trend,omitempty"`
}

type TrendSummary struct {
	TotalOpportunities int     `json:"totalOpportunities"`
	TotalFunding       float64 `json:"totalFunding"`
	TopCategory        *string `json:"topCategory,omitempty"`
	TimeWindowDays     int     `json:"timeWindowDays"`
}

type TrendsResult struct {
	Trends  []FundingTrend `json:"trends"`
	Summary TrendSummary   `json:"summary"`
}

// Client is the grants data source.
type Client interface {
	Discover(ctx context.Context, in DiscoverInput) (DiscoverResult, error)
	Agencies(ctx context.Context, in AgenciesInput) (AgenciesResult, error)
	Trends(ctx context.Context, in TrendsInput) (TrendsResult, error)
	Ping(ctx context.Context) error
}

type HTTPClient struct {
	api *upstream.Client
}

func NewHTTPClient(api *upstream.Client) *HTTPClient {
	return &HTTPClient{api: api}
}

func (c *HTTPClient) Discover(ctx context.Context, in DiscoverInput) (DiscoverResult, error) {
	var out DiscoverResult
	if err := c.api.Post(ctx, "discover", "/opportunities/search", in, &out); err != nil {
		return DiscoverResult{}, err
	}
	if out.Opportunities == nil {
		out.Opportunities = []Opportunity{}
	}
	return out, nil
}

func (c *HTTPClient) Agencies(ctx context.Context, in AgenciesInput) (AgenciesResult, error) {
	var out AgenciesResult
	if err := c.api.Post(ctx, "agencies", "/agencies/landscape", in, &out); err != nil {
		return AgenciesResult{}, err
	}
	if out.Agencies == nil {
		out.Agencies = []AgencyInfo{}
	}
	return out, nil
}

func (c *HTTPClient) Trends(ctx context.Context, in TrendsInput) (TrendsResult, error) {
	var out TrendsResult
	if err := c.api.Post(ctx, "trends", "/funding/trends", in, &out); err != nil {
		return TrendsResult{}, err
	}
	if out.Trends == nil {
		out.Trends = []FundingTrend{}
	}
	return out, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.api.Ping(ctx)
}
