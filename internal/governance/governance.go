// Package governance holds the blind-judgment rules: who may see which
// judgments and attachments, which status transitions are legal, and what
// counts as a well-formed judgment.
package governance

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"

	"clarvoy/api/internal/store"
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusDraft, StatusOpen, StatusClosed:
		return s, nil
	default:
		return "", &ValidationError{Field: "status", Rule: "enum", Message: "status must be one of draft, open, closed"}
	}
}

type AttachmentContext string

const (
	ContextDecision AttachmentContext = "decision"
	ContextJudgment AttachmentContext = "judgment"
	ContextComment  AttachmentContext = "comment"
	ContextCoaching AttachmentContext = "coaching"
)

// ParseAttachmentContext treats an empty value as ContextDecision.
func ParseAttachmentContext(raw string) (AttachmentContext, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ContextDecision, nil
	}
	switch c := AttachmentContext(value); c {
	case ContextDecision, ContextJudgment, ContextComment, ContextCoaching:
		return c, nil
	default:
		return "", &ValidationError{Field: "context", Rule: "enum", Message: "context must be one of decision, judgment, comment, coaching"}
	}
}

// CanRevealPeerJudgments is the only authority on whether a viewer sees
// judgments other than their own.
func CanRevealPeerJudgments(status Status) bool {
	return status == StatusClosed
}

type AttachmentAccess struct {
	DecisionStatus   Status
	Context          AttachmentContext
	OwnerUserID      string
	RequestingUserID string
}

// CanViewAttachment hides judgment evidence from peers until the decision
// closes. Every other context is visible to everyone.
func CanViewAttachment(a AttachmentAccess) bool {
	if a.DecisionStatus == StatusClosed {
		return true
	}
	if a.Context == ContextJudgment {
		return a.OwnerUserID != "" && a.OwnerUserID == a.RequestingUserID
	}
	return true
}

// IsAdminByEmail checks email against a comma separated allowlist. An empty
// allowlist denies everyone.
func IsAdminByEmail(email, allowlist string) bool {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return false
	}
	for _, entry := range strings.Split(allowlist, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" && entry == normalized {
			return true
		}
	}
	return false
}

const sqlStateUniqueViolation = "23505"

// IsUniqueViolation recognises a unique-constraint failure from the store,
// whether already tagged as store.ErrDuplicateKey or still a raw driver
// error carrying SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrDuplicateKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}
	var withState interface{ SQLState() string }
	if errors.As(err, &withState) {
		return withState.SQLState() == sqlStateUniqueViolation
	}
	var withCode interface{ Code() string }
	if errors.As(err, &withCode) {
		return withCode.Code() == sqlStateUniqueViolation
	}
	return false
}

// CanTransition reports whether a decision may move from one status to
// another. Closing is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusDraft:
		return to == StatusOpen || to == StatusClosed
	case StatusOpen:
		return to == StatusClosed
	default:
		return false
	}
}

const (
	ScoreMin           = 1
	ScoreMax           = 10
	RationaleMinLength = 20
)

// ValidationError names the field and rule a request broke.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func ValidateJudgment(score int, rationale string) error {
	if score < ScoreMin || score > ScoreMax {
		return &ValidationError{
			Field:   "score",
			Rule:    "range",
			Message: fmt.Sprintf("Score must be an integer between %d and %d.", ScoreMin, ScoreMax),
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(rationale)) < RationaleMinLength {
		return &ValidationError{
			Field:   "rationale",
			Rule:    "min_length",
			Message: fmt.Sprintf("Rationale must be at least %d characters.", RationaleMinLength),
		}
	}
	return nil
}

// Authored is anything attributable to a single user.
type Authored interface {
	AuthorID() string
}

// FilterVisibleJudgments returns every item once status is closed and only
// the requester's own items before that. The input slice is not modified.
func FilterVisibleJudgments[T Authored](status Status, requestingUserID string, items []T) []T {
	if CanRevealPeerJudgments(status) {
		out := make([]T, len(items))
		copy(out, items)
		return out
	}
	out := make([]T, 0, 1)
	if requestingUserID == "" {
		return out
	}
	for _, item := range items {
		if item.AuthorID() == requestingUserID {
			out = append(out, item)
		}
	}
	return out
}
