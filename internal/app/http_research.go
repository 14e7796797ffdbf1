package app

import (
	"net/http"
	"strings"

	"clarvoy/api/internal/charity"
	"clarvoy/api/internal/grants"
	"clarvoy/api/internal/search"
)

func (s *HTTPServer) routeResearch(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		q := search.Query{
			Text:   strings.TrimSpace(r.URL.Query().Get("q")),
			Limit:  queryInt(r, "limit", 20),
			Offset: queryInt(r, "offset", 0),
		}
		if raw := r.URL.Query().Get("type"); raw != "" {
			filter, ok := search.ParseResultType(raw)
			if !ok {
				s.fail(w, r, validationError("type", "type must be decision or comment"))
				return
			}
			q.FilterType = filter
		}
		resp, err := s.service.Search(ctx, q)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case len(parts) == 3 && parts[0] == "charity" && parts[1] == "lookup" && r.Method == http.MethodGet:
		result, err := s.service.LookupCharity(ctx, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 3 && parts[0] == "charity" && parts[1] == "verify" && r.Method == http.MethodGet:
		result, err := s.service.VerifyCharity(ctx, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[0] == "charity" && parts[1] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		result, err := s.service.SearchCharities(ctx, charity.SearchParams{
			Query:  query.Get("q"),
			City:   strings.TrimSpace(query.Get("city")),
			State:  strings.ToUpper(strings.TrimSpace(query.Get("state"))),
			Limit:  queryInt(r, "limit", 25),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[0] == "grants" && parts[1] == "discover" && r.Method == http.MethodPost:
		var body grants.DiscoverInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.DiscoverGrants(ctx, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[0] == "grants" && parts[1] == "agencies" && r.Method == http.MethodPost:
		var body grants.AgenciesInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.GrantAgencies(ctx, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[0] == "grants" && parts[1] == "trends" && r.Method == http.MethodPost:
		var body grants.TrendsInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.GrantTrends(ctx, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[0] == "grants" && parts[1] == "alerts" && r.Method == http.MethodGet:
		page, err := s.service.ListGrantAlerts(ctx, r.URL.Query().Get("status"), queryInt(r, "limit", 20), queryInt(r, "offset", 0))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"alerts":   mapSlice(page.Alerts, grantAlertJSON),
			"total":    page.Total,
			"newCount": page.NewCount,
		})

	case len(parts) == 4 && parts[0] == "grants" && parts[1] == "alerts" && parts[3] == "status" && r.Method == http.MethodPost:
		alertID, ok := parseID(w, parts[2], "alert")
		if !ok {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		alert, err := s.service.UpdateGrantAlertStatus(ctx, session, alertID, body.Status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grantAlertJSON(alert))

	case len(parts) == 2 && parts[0] == "org" && parts[1] == "profile" && r.Method == http.MethodGet:
		profile, err := s.service.OrgProfile(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ein":             profile.EIN,
			"name":            profile.Name,
			"city":            profile.City,
			"state":           profile.State,
			"taxStatus":       profile.TaxStatus,
			"isPublicCharity": profile.IsPublicCharity,
			"isTaxDeductible": profile.IsTaxDeductible,
			"nteeCode":        profile.NTEECode,
			"revenue":         profile.Revenue,
			"expenses":        profile.Expenses,
			"assets":          profile.Assets,
			"employeeCount":   profile.EmployeeCount,
			"grantHistory":    grantHistoryJSON(profile.GrantHistory),
			"alertCount":      profile.AlertCount,
		})

	case len(parts) == 2 && parts[0] == "admin" && parts[1] == "audit-logs" && r.Method == http.MethodGet:
		logs, err := s.service.ListAuditLogs(ctx, session, queryInt(r, "limit", 100))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(logs, auditJSON))

	case len(parts) == 2 && parts[0] == "admin" && parts[1] == "scan-grants" && r.Method == http.MethodPost:
		result, err := s.service.ScanGrants(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}
