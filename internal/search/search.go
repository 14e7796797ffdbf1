// Package search finds decisions and discussion comments. Judgments are
// never indexed so search cannot reveal blind input.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDecision ResultType = "decision"
	ResultComment  ResultType = "comment"
)

// ParseResultType accepts an empty value as "all types".
func ParseResultType(raw string) (ResultType, bool) {
	switch t := ResultType(raw); t {
	case "", ResultDecision, ResultComment:
		return t, true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	DecisionID int64      `json:"decisionId"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer is a Searcher whose index is pushed to explicitly.
type Indexer interface {
	Searcher
	IndexDecisions(records []DecisionRecord) error
	IndexComments(records []CommentRecord) error
	DeleteDecision(id string) error
}

// Fallback is the always-available searcher that also owns the source
// records.
type Fallback interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]DecisionRecord, []CommentRecord, error)
}

// DecisionRecord is the data we index for a decision.
type DecisionRecord struct {
	ID          string `json:"id"`
	DecisionID  int64  `json:"decisionId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Outcome     string `json:"outcome"`
	Category    string `json:"category"`
	Status      string `json:"status"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID            string `json:"id"`
	DecisionID    int64  `json:"decisionId"`
	DecisionTitle string `json:"decisionTitle"`
	Content       string `json:"content"`
}
