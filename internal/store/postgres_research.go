package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Nonprofit profiles

const nonprofitColumns = `id, ein, name, city, state, tax_status, ntee_code, is_public_charity, is_tax_deductible, revenue, expenses, assets, employee_count, raw_data, fetched_at`

func scanNonprofit(row interface{ Scan(...any) error }) (NonprofitProfile, error) {
	var item NonprofitProfile
	err := row.Scan(
		&item.ID,
		&item.EIN,
		&item.Name,
		&item.City,
		&item.State,
		&item.TaxStatus,
		&item.NTEECode,
		&item.IsPublicCharity,
		&item.IsTaxDeductible,
		&item.Revenue,
		&item.Expenses,
		&item.Assets,
		&item.EmployeeCount,
		&item.RawData,
		&item.FetchedAt,
	)
	return item, err
}

// NormalizeEIN strips the hyphen so "12-3456789" and "123456789" key the same row.
func NormalizeEIN(ein string) string {
	return strings.ReplaceAll(strings.TrimSpace(ein), "-", "")
}

func (s *PostgresStore) GetNonprofitByEIN(ctx context.Context, ein string) (NonprofitProfile, error) {
	item, err := scanNonprofit(s.db.QueryRowContext(ctx, `SELECT `+nonprofitColumns+` FROM nonprofit_profiles WHERE ein=$1`, NormalizeEIN(ein)))
	if err != nil {
		return NonprofitProfile{}, translate("get nonprofit", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertNonprofitProfile(ctx context.Context, item NonprofitProfile) (NonprofitProfile, error) {
	raw := item.RawData
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO nonprofit_profiles (
			ein, name, city, state, tax_status, ntee_code, is_public_charity, is_tax_deductible,
			revenue, expenses, assets, employee_count, raw_data, fetched_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, NOW())
		ON CONFLICT (ein) DO UPDATE SET
			name = EXCLUDED.name,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			tax_status = EXCLUDED.tax_status,
			ntee_code = EXCLUDED.ntee_code,
			is_public_charity = EXCLUDED.is_public_charity,
			is_tax_deductible = EXCLUDED.is_tax_deductible,
			revenue = EXCLUDED.revenue,
			expenses = EXCLUDED.expenses,
			assets = EXCLUDED.assets,
			employee_count = EXCLUDED.employee_count,
			raw_data = EXCLUDED.raw_data,
			fetched_at = NOW()
		RETURNING `+nonprofitColumns,
		NormalizeEIN(item.EIN), item.Name, item.City, item.State, item.TaxStatus, item.NTEECode,
		item.IsPublicCharity, item.IsTaxDeductible, item.Revenue, item.Expenses, item.Assets,
		item.EmployeeCount, string(raw),
	)
	saved, err := scanNonprofit(row)
	if err != nil {
		return NonprofitProfile{}, translate("upsert nonprofit", err)
	}
	return saved, nil
}

func (s *PostgresStore) LinkNonprofitToDecision(ctx context.Context, decisionID, nonprofitID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_nonprofits (decision_id, nonprofit_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, decisionID, nonprofitID)
	return translate("link nonprofit", err)
}

func (s *PostgresStore) ListDecisionNonprofits(ctx context.Context, decisionID int64) ([]NonprofitProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT np.id, np.ein, np.name, np.city, np.state, np.tax_status, np.ntee_code, np.is_public_charity,
			np.is_tax_deductible, np.revenue, np.expenses, np.assets, np.employee_count, np.raw_data, np.fetched_at
		FROM decision_nonprofits dn
		JOIN nonprofit_profiles np ON np.id = dn.nonprofit_id
		WHERE dn.decision_id = $1
		ORDER BY np.name
	`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list decision nonprofits: %w", err)
	}
	defer rows.Close()

	items := make([]NonprofitProfile, 0)
	for rows.Next() {
		item, err := scanNonprofit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan nonprofit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nonprofits: %w", err)
	}
	return items, nil
}

// Grant opportunities and alerts

const grantColumns = `id, external_id, title, agency, funding_category, award_floor, award_ceiling, open_date, close_date, description, raw_data, relevance_score, fetched_at`

func scanGrant(row interface{ Scan(...any) error }) (GrantOpportunity, error) {
	var item GrantOpportunity
	err := row.Scan(
		&item.ID,
		&item.ExternalID,
		&item.Title,
		&item.Agency,
		&item.FundingCategory,
		&item.AwardFloor,
		&item.AwardCeiling,
		&item.OpenDate,
		&item.CloseDate,
		&item.Description,
		&item.RawData,
		&item.RelevanceScore,
		&item.FetchedAt,
	)
	return item, err
}

// GetGrantOpportunityByExternalID returns ErrNotFound for opportunities the
// scanner has not stored yet.
func (s *PostgresStore) GetGrantOpportunityByExternalID(ctx context.Context, externalID string) (GrantOpportunity, error) {
	item, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grant_opportunities WHERE external_id=$1`, externalID))
	if err != nil {
		return GrantOpportunity{}, translate("get grant opportunity", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertGrantOpportunity(ctx context.Context, item GrantOpportunity) (GrantOpportunity, error) {
	raw := item.RawData
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO grant_opportunities (
			external_id, title, agency, funding_category, award_floor, award_ceiling,
			open_date, close_date, description, raw_data, relevance_score, fetched_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, NOW())
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			agency = EXCLUDED.agency,
			funding_category = EXCLUDED.funding_category,
			award_floor = EXCLUDED.award_floor,
			award_ceiling = EXCLUDED.award_ceiling,
			open_date = EXCLUDED.open_date,
			close_date = EXCLUDED.close_date,
			description = EXCLUDED.description,
			raw_data = EXCLUDED.raw_data,
			relevance_score = EXCLUDED.relevance_score,
			fetched_at = NOW()
		RETURNING `+grantColumns,
		item.ExternalID, item.Title, item.Agency, item.FundingCategory, item.AwardFloor, item.AwardCeiling,
		item.OpenDate, item.CloseDate, item.Description, string(raw), item.RelevanceScore,
	)
	saved, err := scanGrant(row)
	if err != nil {
		return GrantOpportunity{}, translate("upsert grant opportunity", err)
	}
	return saved, nil
}

// HasGrantAlert reports whether an alert already exists for an opportunity.
func (s *PostgresStore) HasGrantAlert(ctx context.Context, opportunityID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM grant_alerts WHERE grant_opportunity_id=$1)`, opportunityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check grant alert: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateGrantAlert(ctx context.Context, alert GrantAlert) (GrantAlert, error) {
	keywords := alert.MatchedKeywords
	if keywords == nil {
		keywords = []string{}
	}
	encoded, err := json.Marshal(keywords)
	if err != nil {
		return GrantAlert{}, fmt.Errorf("marshal matched keywords: %w", err)
	}
	if alert.Status == "" {
		alert.Status = "new"
	}

	var created GrantAlert
	var keywordsRaw []byte
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO grant_alerts (grant_opportunity_id, relevance_score, relevance_reason, matched_keywords, status)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING id, grant_opportunity_id, relevance_score, relevance_reason, matched_keywords, status, created_at
	`, alert.GrantOpportunityID, alert.RelevanceScore, alert.RelevanceReason, string(encoded), alert.Status).Scan(
		&created.ID, &created.GrantOpportunityID, &created.RelevanceScore, &created.RelevanceReason,
		&keywordsRaw, &created.Status, &created.CreatedAt,
	)
	if err != nil {
		return GrantAlert{}, translate("insert grant alert", err)
	}
	_ = json.Unmarshal(keywordsRaw, &created.MatchedKeywords)
	return created, nil
}

const alertJoinSelect = `
	SELECT a.id, a.grant_opportunity_id, a.relevance_score, a.relevance_reason, a.matched_keywords, a.status, a.created_at,
		g.id, g.external_id, g.title, g.agency, g.funding_category, g.award_floor, g.award_ceiling,
		g.open_date, g.close_date, g.description, g.raw_data, g.relevance_score, g.fetched_at
	FROM grant_alerts a
	JOIN grant_opportunities g ON g.id = a.grant_opportunity_id
`

func scanAlertWithOpportunity(row interface{ Scan(...any) error }) (GrantAlert, error) {
	var alert GrantAlert
	var opp GrantOpportunity
	var keywordsRaw []byte
	err := row.Scan(
		&alert.ID, &alert.GrantOpportunityID, &alert.RelevanceScore, &alert.RelevanceReason, &keywordsRaw, &alert.Status, &alert.CreatedAt,
		&opp.ID, &opp.ExternalID, &opp.Title, &opp.Agency, &opp.FundingCategory, &opp.AwardFloor, &opp.AwardCeiling,
		&opp.OpenDate, &opp.CloseDate, &opp.Description, &opp.RawData, &opp.RelevanceScore, &opp.FetchedAt,
	)
	if err != nil {
		return GrantAlert{}, err
	}
	_ = json.Unmarshal(keywordsRaw, &alert.MatchedKeywords)
	alert.Opportunity = &opp
	return alert, nil
}

// ListGrantAlerts pages alerts by relevance. An empty status lists all.
func (s *PostgresStore) ListGrantAlerts(ctx context.Context, status string, limit, offset int) (GrantAlertPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, alertJoinSelect+`
		WHERE ($1 = '' OR a.status = $1)
		ORDER BY a.relevance_score DESC, a.created_at DESC, a.id DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return GrantAlertPage{}, fmt.Errorf("list grant alerts: %w", err)
	}
	defer rows.Close()

	page := GrantAlertPage{Alerts: make([]GrantAlert, 0)}
	for rows.Next() {
		alert, err := scanAlertWithOpportunity(rows)
		if err != nil {
			return GrantAlertPage{}, fmt.Errorf("scan grant alert: %w", err)
		}
		page.Alerts = append(page.Alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return GrantAlertPage{}, fmt.Errorf("iterate grant alerts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE $1 = '' OR status = $1),
			COUNT(*) FILTER (WHERE status = 'new')
		FROM grant_alerts
	`, status).Scan(&page.Total, &page.NewCount)
	if err != nil {
		return GrantAlertPage{}, fmt.Errorf("count grant alerts: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) GetGrantAlert(ctx context.Context, alertID int64) (GrantAlert, error) {
	alert, err := scanAlertWithOpportunity(s.db.QueryRowContext(ctx, alertJoinSelect+` WHERE a.id = $1`, alertID))
	if err != nil {
		return GrantAlert{}, translate("get grant alert", err)
	}
	return alert, nil
}

func (s *PostgresStore) UpdateGrantAlertStatus(ctx context.Context, alertID int64, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE grant_alerts SET status=$2 WHERE id=$1`, alertID, status)
	if err != nil {
		return fmt.Errorf("update grant alert status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update grant alert rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update grant alert status: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CountNewGrantAlerts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grant_alerts WHERE status='new'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count new grant alerts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListOrgGrantHistory(ctx context.Context, limit int) ([]OrgGrantHistory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, funder_name, amount, year, source_url, notes
		FROM org_grant_history
		ORDER BY amount DESC, year DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list org grant history: %w", err)
	}
	defer rows.Close()

	items := make([]OrgGrantHistory, 0)
	for rows.Next() {
		var item OrgGrantHistory
		if err := rows.Scan(&item.ID, &item.FunderName, &item.Amount, &item.Year, &item.SourceURL, &item.Notes); err != nil {
			return nil, fmt.Errorf("scan org grant history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate org grant history: %w", err)
	}
	return items, nil
}
