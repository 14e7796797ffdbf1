package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PgFTS implements Fallback using PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildQuery assembles the UNION ALL over decisions and comments with
// plainto_tsquery, ranking by ts_rank and snippets from ts_headline.
func buildQuery(q Query) (countSQL, dataSQL string, args []any) {
	tsQuery := "plainto_tsquery('english', $1)"
	args = []any{q.Text}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultDecision {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'decision'::text AS type, d.id AS id, d.id AS decision_id, d.title,
				ts_headline('english', coalesce(d.description, '') || ' ' || coalesce(d.outcome, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.status,
				ts_rank(d.fts, %s) AS rank
			FROM decisions d
			WHERE d.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id AS id, c.decision_id, d.title,
				ts_headline('english', c.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.status,
				ts_rank(c.fts, %s) AS rank
			FROM comments c
			JOIN decisions d ON d.id = c.decision_id
			WHERE c.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}
	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, decision_id, title, snippet, status
		FROM (%s) sub
		ORDER BY rank DESC, id DESC
		LIMIT %d OFFSET %d`, union, q.Limit, q.Offset)
	return countSQL, dataSQL, args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	countSQL, dataSQL, args := buildQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		var id int64
		if err := rows.Scan(&typ, &id, &r.DecisionID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		r.ID = strconv.FormatInt(id, 10)
		if r.Type == ResultComment {
			r.Status = ""
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DecisionRecord, []CommentRecord, error) {
	decisionRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, coalesce(outcome, ''), category, status
		FROM decisions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load decisions: %w", err)
	}
	defer decisionRows.Close()

	decisions := make([]DecisionRecord, 0)
	for decisionRows.Next() {
		var d DecisionRecord
		if err := decisionRows.Scan(&d.DecisionID, &d.Title, &d.Description, &d.Outcome, &d.Category, &d.Status); err != nil {
			return nil, nil, fmt.Errorf("scan decision: %w", err)
		}
		d.ID = strconv.FormatInt(d.DecisionID, 10)
		decisions = append(decisions, d)
	}
	if err := decisionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate decisions: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.decision_id, d.title, c.content
		FROM comments c
		JOIN decisions d ON d.id = c.decision_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		var id int64
		if err := commentRows.Scan(&id, &c.DecisionID, &c.DecisionTitle, &c.Content); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		c.ID = strconv.FormatInt(id, 10)
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return decisions, comments, nil
}
