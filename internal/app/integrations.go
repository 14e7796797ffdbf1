package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"clarvoy/api/internal/charity"
	"clarvoy/api/internal/grants"
	"clarvoy/api/internal/store"
	"clarvoy/api/internal/upstream"
)

const (
	serviceCharity = "Charity"
	serviceGrants  = "Grants"

	orgProfileStaleAfter = 24 * time.Hour
	orgGrantHistoryLimit = 50
)

var grantAlertStatuses = map[string]bool{
	"new":       true,
	"reviewed":  true,
	"dismissed": true,
	"applied":   true,
}

// cleanText replaces control characters from third-party payloads with
// spaces before they reach a client.
func cleanText(value string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, value))
}

func cleanPtr(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := cleanText(*value)
	return &cleaned
}

// upstreamFailure logs the real cause and hides it from the caller.
func (s *Service) upstreamFailure(service string, err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.metrics.UpstreamError(strings.ToLower(service))
	s.logger.Warn("upstream call failed", zap.String("service", service), zap.Error(err))
	return upstreamError(service)
}

func validEIN(raw string) (string, error) {
	ein := strings.TrimSpace(raw)
	if !charity.ValidEIN(ein) {
		return "", validationError("ein", "EIN must be 9 digits, optionally formatted as XX-XXXXXXX")
	}
	return ein, nil
}

// Charity

func (s *Service) LookupCharity(ctx context.Context, rawEIN string) (charity.LookupResult, error) {
	ein, err := validEIN(rawEIN)
	if err != nil {
		return charity.LookupResult{}, err
	}
	if s.charity == nil {
		return charity.LookupResult{}, upstreamError(serviceCharity)
	}
	result, err := s.charity.Lookup(ctx, ein)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return charity.LookupResult{}, notFoundError("Nonprofit")
		}
		return charity.LookupResult{}, s.upstreamFailure(serviceCharity, err)
	}

	if _, err := s.saveNonprofit(ctx, charity.NormalizeEIN(ein), result); err != nil {
		s.logger.Warn("cache nonprofit profile failed", zap.String("ein", ein), zap.Error(err))
	}

	result.RawData = nil
	result.Name = cleanText(result.Name)
	result.City = cleanPtr(result.City)
	result.State = cleanPtr(result.State)
	result.ZipCode = cleanPtr(result.ZipCode)
	result.TaxStatus = cleanPtr(result.TaxStatus)
	result.Deductibility = cleanPtr(result.Deductibility)
	result.NTEECode = cleanPtr(result.NTEECode)
	result.FilingRequirement = cleanPtr(result.FilingRequirement)
	result.RulingDate = cleanPtr(result.RulingDate)
	return result, nil
}

func (s *Service) saveNonprofit(ctx context.Context, ein string, result charity.LookupResult) (store.NonprofitProfile, error) {
	return s.store.UpsertNonprofitProfile(ctx, store.NonprofitProfile{
		EIN:       ein,
		Name:      result.Name,
		City:      result.City,
		State:     result.State,
		TaxStatus: result.TaxStatus,
		NTEECode:  result.NTEECode,
		RawData:   result.RawData,
	})
}

func (s *Service) SearchCharities(ctx context.Context, params charity.SearchParams) (charity.SearchResult, error) {
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return charity.SearchResult{}, validationError("q", "Search query is required")
	}
	if len([]rune(params.Query)) > 200 {
		return charity.SearchResult{}, validationError("q", "Search query must be at most 200 characters")
	}
	if params.State != "" && len(params.State) != 2 {
		return charity.SearchResult{}, validationError("state", "State must be a two-letter code")
	}
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 25
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if s.charity == nil {
		return charity.SearchResult{}, upstreamError(serviceCharity)
	}
	result, err := s.charity.Search(ctx, params)
	if err != nil {
		return charity.SearchResult{}, s.upstreamFailure(serviceCharity, err)
	}
	for i := range result.Results {
		item := &result.Results[i]
		item.Name = cleanText(item.Name)
		item.City = cleanPtr(item.City)
		item.State = cleanPtr(item.State)
		item.NTEECode = cleanPtr(item.NTEECode)
	}
	if result.Results == nil {
		result.Results = []charity.SearchItem{}
	}
	return result, nil
}

func (s *Service) VerifyCharity(ctx context.Context, rawEIN string) (charity.Verification, error) {
	ein, err := validEIN(rawEIN)
	if err != nil {
		return charity.Verification{}, err
	}
	if s.charity == nil {
		return charity.Verification{}, upstreamError(serviceCharity)
	}
	result, err := s.charity.Verify(ctx, ein)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return charity.Verification{}, notFoundError("Nonprofit")
		}
		return charity.Verification{}, s.upstreamFailure(serviceCharity, err)
	}
	result.OrganizationName = cleanText(result.OrganizationName)
	result.Status = cleanText(result.Status)
	return result, nil
}

// LinkNonprofit attaches a cached or freshly looked-up profile to a
// decision so the coach can cite it.
func (s *Service) LinkNonprofit(ctx context.Context, session Session, decisionID int64, rawEIN string) (store.NonprofitProfile, error) {
	ein, err := validEIN(rawEIN)
	if err != nil {
		return store.NonprofitProfile{}, err
	}
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return store.NonprofitProfile{}, err
	}
	normalized := charity.NormalizeEIN(ein)
	profile, err := s.store.GetNonprofitByEIN(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		if s.charity == nil {
			return store.NonprofitProfile{}, upstreamError(serviceCharity)
		}
		result, lookupErr := s.charity.Lookup(ctx, ein)
		if lookupErr != nil {
			if errors.Is(lookupErr, upstream.ErrNotFound) {
				return store.NonprofitProfile{}, notFoundError("Nonprofit")
			}
			return store.NonprofitProfile{}, s.upstreamFailure(serviceCharity, lookupErr)
		}
		profile, err = s.saveNonprofit(ctx, normalized, result)
	}
	if err != nil {
		return store.NonprofitProfile{}, err
	}
	if err := s.store.LinkNonprofitToDecision(ctx, decisionID, profile.ID); err != nil {
		return store.NonprofitProfile{}, err
	}
	s.audit(ctx, session.UserID, "nonprofit_linked", "decision", decisionID, map[string]any{"ein": profile.EIN})
	return profile, nil
}

func (s *Service) ListDecisionNonprofits(ctx context.Context, decisionID int64) ([]store.NonprofitProfile, error) {
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	return s.store.ListDecisionNonprofits(ctx, decisionID)
}

// Grants

func cleanOpportunity(opp grants.Opportunity) grants.Opportunity {
	opp.RawData = nil
	opp.Title = cleanText(opp.Title)
	opp.Agency = cleanPtr(opp.Agency)
	opp.FundingCategory = cleanPtr(opp.FundingCategory)
	opp.Description = cleanPtr(opp.Description)
	return opp
}

func (s *Service) DiscoverGrants(ctx context.Context, in grants.DiscoverInput) (grants.DiscoverResult, error) {
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return grants.DiscoverResult{}, validationError("query", "Query is required")
	}
	if in.MaxResults < 0 || in.MaxResults > 100 {
		return grants.DiscoverResult{}, validationError("max_results", "max_results must be between 1 and 100")
	}
	if s.grants == nil {
		return grants.DiscoverResult{}, upstreamError(serviceGrants)
	}
	result, err := s.grants.Discover(ctx, in)
	if err != nil {
		return grants.DiscoverResult{}, s.upstreamFailure(serviceGrants, err)
	}
	opportunities := make([]grants.Opportunity, 0, len(result.Opportunities))
	for _, opp := range result.Opportunities {
		opportunities = append(opportunities, cleanOpportunity(opp))
	}
	result.Opportunities = opportunities
	return result, nil
}

func (s *Service) GrantAgencies(ctx context.Context, in grants.AgenciesInput) (grants.AgenciesResult, error) {
	if in.MaxAgencies < 0 || in.MaxAgencies > 50 {
		return grants.AgenciesResult{}, validationError("max_agencies", "max_agencies must be between 1 and 50")
	}
	if s.grants == nil {
		return grants.AgenciesResult{}, upstreamError(serviceGrants)
	}
	result, err := s.grants.Agencies(ctx, in)
	if err != nil {
		return grants.AgenciesResult{}, s.upstreamFailure(serviceGrants, err)
	}
	for i := range result.Agencies {
		agency := &result.Agencies[i]
		agency.Name = cleanText(agency.Name)
		for j := range agency.FocusAreas {
			agency.FocusAreas[j] = cleanText(agency.FocusAreas[j])
		}
		for j := range agency.Opportunities {
			agency.Opportunities[j] = cleanOpportunity(agency.Opportunities[j])
		}
	}
	if result.Agencies == nil {
		result.Agencies = []grants.AgencyInfo{}
	}
	return result, nil
}

func (s *Service) GrantTrends(ctx context.Context, in grants.TrendsInput) (grants.TrendsResult, error) {
	if in.TimeWindowDays < 0 || in.TimeWindowDays > 730 {
		return grants.TrendsResult{}, validationError("time_window_days", "time_window_days must be between 1 and 730")
	}
	if s.grants == nil {
		return grants.TrendsResult{}, upstreamError(serviceGrants)
	}
	result, err := s.grants.Trends(ctx, in)
	if err != nil {
		return grants.TrendsResult{}, s.upstreamFailure(serviceGrants, err)
	}
	for i := range result.Trends {
		result.Trends[i].Category = cleanText(result.Trends[i].Category)
	}
	if result.Trends == nil {
		result.Trends = []grants.FundingTrend{}
	}
	result.Summary.TopCategory = cleanPtr(result.Summary.TopCategory)
	return result, nil
}

func (s *Service) ListGrantAlerts(ctx context.Context, status string, limit, offset int) (store.GrantAlertPage, error) {
	status = strings.TrimSpace(status)
	if status != "" && !grantAlertStatuses[status] {
		return store.GrantAlertPage{}, validationError("status", "status must be one of new, reviewed, dismissed, applied")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListGrantAlerts(ctx, status, limit, offset)
}

func (s *Service) UpdateGrantAlertStatus(ctx context.Context, session Session, alertID int64, status string) (store.GrantAlert, error) {
	if !grantAlertStatuses[status] {
		return store.GrantAlert{}, validationError("status", "status must be one of new, reviewed, dismissed, applied")
	}
	if _, err := s.store.GetGrantAlert(ctx, alertID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.GrantAlert{}, notFoundError("Grant alert")
		}
		return store.GrantAlert{}, err
	}
	if err := s.store.UpdateGrantAlertStatus(ctx, alertID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.GrantAlert{}, notFoundError("Grant alert")
		}
		return store.GrantAlert{}, err
	}
	s.audit(ctx, session.UserID, "grant_alert_"+status, "grant_alert", alertID, nil)
	return s.store.GetGrantAlert(ctx, alertID)
}

func (s *Service) ScanGrants(ctx context.Context, session Session) (grants.ScanResult, error) {
	if err := s.requireAdmin(session); err != nil {
		return grants.ScanResult{}, err
	}
	if s.scanner == nil {
		return grants.ScanResult{}, upstreamError(serviceGrants)
	}
	result, err := s.scanner.ScanOnce(ctx)
	if err != nil {
		return grants.ScanResult{}, s.upstreamFailure(serviceGrants, err)
	}
	s.audit(ctx, session.UserID, "grant_scan", "grant_alert", 0, map[string]any{
		"scanned":   result.Scanned,
		"newAlerts": result.NewAlerts,
	})
	return result, nil
}

// Organisation profile

type OrgProfile struct {
	EIN             string                  `json:"ein"`
	Name            string                  `json:"name"`
	City            *string                 `json:"city"`
	State           *string                 `json:"state"`
	TaxStatus       *string                 `json:"taxStatus"`
	IsPublicCharity *bool                   `json:"isPublicCharity"`
	IsTaxDeductible *bool                   `json:"isTaxDeductible"`
	NTEECode        *string                 `json:"nteeCode"`
	Revenue         *int64                  `json:"revenue"`
	Expenses        *int64                  `json:"expenses"`
	Assets          *int64                  `json:"assets"`
	EmployeeCount   *int                    `json:"employeeCount"`
	GrantHistory    []store.OrgGrantHistory `json:"-"`
	AlertCount      int                     `json:"alertCount"`
}

// OrgProfile serves the cached profile, refreshing it once a day. A stale
// copy is still served when the charity service is down.
func (s *Service) OrgProfile(ctx context.Context) (OrgProfile, error) {
	ein := s.cfg.OrgEIN
	normalized := charity.NormalizeEIN(ein)

	profile, err := s.store.GetNonprofitByEIN(ctx, normalized)
	cached := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return OrgProfile{}, err
	}

	stale := !cached || profile.FetchedAt == nil || s.now().Sub(*profile.FetchedAt) > orgProfileStaleAfter
	if stale {
		refreshed, refreshErr := s.refreshOrgProfile(ctx, ein, normalized)
		switch {
		case refreshErr == nil:
			profile = refreshed
		case !cached:
			s.logger.Warn("org profile unavailable", zap.Error(refreshErr))
			return OrgProfile{}, domainError(http.StatusBadGateway, CodeUpstream, "Charity data service unavailable and no cached data", nil)
		default:
			s.logger.Info("serving cached org profile", zap.Error(refreshErr))
		}
	}

	history, err := s.store.ListOrgGrantHistory(ctx, orgGrantHistoryLimit)
	if err != nil {
		return OrgProfile{}, err
	}
	alerts, err := s.store.CountNewGrantAlerts(ctx)
	if err != nil {
		return OrgProfile{}, err
	}

	out := OrgProfile{
		EIN:             profile.EIN,
		Name:            profile.Name,
		City:            profile.City,
		State:           profile.State,
		TaxStatus:       profile.TaxStatus,
		IsPublicCharity: profile.IsPublicCharity,
		IsTaxDeductible: profile.IsTaxDeductible,
		NTEECode:        profile.NTEECode,
		Revenue:         profile.Revenue,
		Expenses:        profile.Expenses,
		Assets:          profile.Assets,
		EmployeeCount:   profile.EmployeeCount,
		GrantHistory:    history,
		AlertCount:      alerts,
	}
	if out.IsPublicCharity == nil && s.charity != nil {
		if v, err := s.charity.Verify(ctx, ein); err == nil {
			out.IsPublicCharity = &v.IsPublicCharity
			out.IsTaxDeductible = &v.IsTaxDeductible
		}
	}
	return out, nil
}

func (s *Service) refreshOrgProfile(ctx context.Context, ein, normalized string) (store.NonprofitProfile, error) {
	if s.charity == nil {
		return store.NonprofitProfile{}, errors.New("charity client not configured")
	}
	result, err := s.charity.Lookup(ctx, ein)
	if err != nil {
		return store.NonprofitProfile{}, err
	}
	return s.saveNonprofit(ctx, normalized, result)
}

// Integration status

type IntegrationStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// IntegrationStatuses pings each external data service. Errors are reduced
// to a fixed string.
func (s *Service) IntegrationStatuses(ctx context.Context) []IntegrationStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	check := func(name string, ping func(context.Context) error) IntegrationStatus {
		if ping == nil {
			return IntegrationStatus{Name: name, Error: "not configured"}
		}
		if err := ping(ctx); err != nil {
			s.logger.Debug("integration ping failed", zap.String("service", name), zap.Error(err))
			return IntegrationStatus{Name: name, Error: "unreachable"}
		}
		return IntegrationStatus{Name: name, Connected: true}
	}

	var charityPing, grantsPing func(context.Context) error
	if s.charity != nil {
		charityPing = s.charity.Ping
	}
	if s.grants != nil {
		grantsPing = s.grants.Ping
	}
	return []IntegrationStatus{
		check("charity", charityPing),
		check("grants", grantsPing),
	}
}
