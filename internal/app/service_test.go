package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarvoy/api/internal/search"
	"clarvoy/api/internal/store"
)

const validRationale = "The budget impact is modest and the program fits our mission."

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %v", err)
	assert.Equal(t, status, domainErr.Status)
	assert.Equal(t, code, domainErr.Code)
	return domainErr
}

func TestCreateDecisionAppliesDefaults(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session := Session{UserID: "user-1", Role: "member"}

	decision, err := svc.CreateDecision(context.Background(), session, DecisionInput{
		Title:       strPtr("  Fund the literacy program  "),
		Description: strPtr("Year one pilot"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Fund the literacy program", decision.Title)
	assert.Equal(t, "general", decision.Category)
	assert.Equal(t, "draft", decision.Status)
	require.NotNil(t, decision.AuthorID)
	assert.Equal(t, "user-1", *decision.AuthorID)
	assert.Equal(t, 1, fs.countAudits("decision_created"))
}

func TestCreateDecisionValidation(t *testing.T) {
	svc := newTestService(newFakeStore())
	session := Session{UserID: "user-1", Role: "member"}
	long := make([]rune, 201)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name   string
		input  DecisionInput
		status int
		code   string
	}{
		{name: "missing title", input: DecisionInput{}, status: http.StatusBadRequest, code: CodeValidation},
		{name: "title too long", input: DecisionInput{Title: strPtr(string(long))}, status: http.StatusBadRequest, code: CodeValidation},
		{name: "unknown status", input: DecisionInput{Title: strPtr("Ok"), Status: strPtr("archived")}, status: http.StatusBadRequest, code: CodeValidation},
		{name: "created closed", input: DecisionInput{Title: strPtr("Ok"), Status: strPtr("closed")}, status: http.StatusConflict, code: CodeInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateDecision(context.Background(), session, tt.input)
			requireDomainError(t, err, tt.status, tt.code)
		})
	}
}

func TestUpdateDecisionStatusTransitions(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	author := "user-1"
	session := Session{UserID: author, Role: "member"}
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "draft", AuthorID: &author})

	updated, err := svc.UpdateDecision(context.Background(), session, decision.ID, DecisionInput{Status: strPtr("open")})
	require.NoError(t, err)
	assert.Equal(t, "open", updated.Status)

	_, err = svc.UpdateDecision(context.Background(), session, decision.ID, DecisionInput{Status: strPtr("draft")})
	requireDomainError(t, err, http.StatusConflict, CodeInvalidTransition)

	closed, err := svc.UpdateDecision(context.Background(), session, decision.ID, DecisionInput{Status: strPtr("closed")})
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, 1, fs.countAudits("decision_closed"))

	_, err = svc.UpdateDecision(context.Background(), session, decision.ID, DecisionInput{Status: strPtr("open")})
	requireDomainError(t, err, http.StatusConflict, CodeInvalidTransition)

	_, err = svc.UpdateDecision(context.Background(), session, decision.ID, DecisionInput{Title: strPtr("Renamed")})
	requireDomainError(t, err, http.StatusConflict, CodeInvalidTransition)
}

func TestUpdateDecisionRequiresAuthorOrManager(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	author := "user-1"
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open", AuthorID: &author})

	_, err := svc.UpdateDecision(context.Background(), Session{UserID: "user-2", Role: "member"}, decision.ID, DecisionInput{Title: strPtr("Mine now")})
	requireDomainError(t, err, http.StatusForbidden, CodeForbidden)

	_, err = svc.UpdateDecision(context.Background(), Session{UserID: "user-3", Role: "chair"}, decision.ID, DecisionInput{Title: strPtr("Chair edit")})
	require.NoError(t, err)
}

func TestStoredAdminRoleDoesNotGrantAdmin(t *testing.T) {
	svc := newTestService(newFakeStore())

	assert.False(t, svc.IsAdmin(Session{Email: "someone@example.org", Role: "admin"}))
	assert.True(t, svc.IsAdmin(Session{Email: "ADMIN@example.org", Role: "member"}))

	_, err := svc.ListAuditLogs(context.Background(), Session{Email: "someone@example.org", Role: "admin"}, 10)
	requireDomainError(t, err, http.StatusForbidden, CodeForbidden)
}

func TestDeleteDecisionRequiresAuthorOrAdmin(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	author := "user-1"
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open", AuthorID: &author})

	err := svc.DeleteDecision(context.Background(), Session{UserID: "user-2", Role: "chair"}, decision.ID)
	requireDomainError(t, err, http.StatusForbidden, CodeForbidden)

	require.NoError(t, svc.DeleteDecision(context.Background(), Session{UserID: "user-9", Email: "admin@example.org"}, decision.ID))
	_, err = svc.GetDecision(context.Background(), decision.ID)
	requireDomainError(t, err, http.StatusNotFound, CodeNotFound)
	assert.Equal(t, 1, fs.countAudits("decision_deleted"))
}

func TestSubmitJudgmentValidation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})

	_, err := svc.SubmitJudgment(context.Background(), decision.ID, "user-1", 11, validRationale)
	domainErr := requireDomainError(t, err, http.StatusBadRequest, CodeValidation)
	assert.Equal(t, "Score must be an integer between 1 and 10.", domainErr.Message)

	_, err = svc.SubmitJudgment(context.Background(), decision.ID, "user-1", 5, "too short")
	domainErr = requireDomainError(t, err, http.StatusBadRequest, CodeValidation)
	assert.Equal(t, "Rationale must be at least 20 characters.", domainErr.Message)

	_, err = svc.SubmitJudgment(context.Background(), 999, "user-1", 5, validRationale)
	requireDomainError(t, err, http.StatusNotFound, CodeNotFound)
}

func TestSubmitJudgmentOnClosedDecisionConflicts(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "closed"})

	_, err := svc.SubmitJudgment(context.Background(), decision.ID, "user-1", 5, validRationale)
	requireDomainError(t, err, http.StatusConflict, CodeInvalidTransition)
}

func TestDuplicateJudgmentErrorIsIdenticalAcrossPaths(t *testing.T) {
	precheckStore := newFakeStore()
	decision := precheckStore.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	precheckStore.addJudgment(decision.ID, "user-1", 6)
	_, precheckErr := newTestService(precheckStore).SubmitJudgment(context.Background(), decision.ID, "user-1", 7, validRationale)

	constraintErrors := []error{
		&store.DuplicateKeyError{Constraint: "judgments_decision_id_user_id_key"},
		&pgconn.PgError{Code: "23505", ConstraintName: "judgments_decision_id_user_id_key"},
	}
	for _, raw := range constraintErrors {
		constraintStore := newFakeStore()
		constraintStore.addDecision(decision)
		constraintStore.createJudgmentFn = func(context.Context, store.Judgment) (store.Judgment, error) {
			return store.Judgment{}, raw
		}
		_, constraintErr := newTestService(constraintStore).SubmitJudgment(context.Background(), decision.ID, "user-1", 7, validRationale)

		first := requireDomainError(t, precheckErr, http.StatusBadRequest, CodeDuplicateJudgment)
		second := requireDomainError(t, constraintErr, http.StatusBadRequest, CodeDuplicateJudgment)
		assert.Equal(t, first, second)
		assert.Equal(t, DuplicateJudgmentMessage, second.Message)
	}
}

func TestConcurrentJudgmentSubmissionsAcceptExactlyOne(t *testing.T) {
	fs := newFakeStore()
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	// Every caller passes the pre-check, as if they all raced past it.
	fs.getUserJudgmentFn = func(context.Context, int64, string) (*store.Judgment, error) {
		return nil, nil
	}
	svc := newTestService(fs)

	const callers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = svc.SubmitJudgment(context.Background(), decision.ID, "user-1", 4+i%5, validRationale)
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		domainErr := requireDomainError(t, err, http.StatusBadRequest, CodeDuplicateJudgment)
		assert.Equal(t, DuplicateJudgmentMessage, domainErr.Message)
	}
	assert.Equal(t, 1, accepted)

	stored, err := fs.ListJudgments(context.Background(), decision.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, 1, fs.countAudits("judgment_submitted"))
	for _, entry := range fs.audits {
		if entry.Action == "judgment_submitted" {
			assert.Equal(t, map[string]any{"decisionId": decision.ID}, entry.Details)
		}
	}
}

func TestListJudgmentsIsBlindUntilClosed(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	fs.addJudgment(decision.ID, "user-1", 3)
	fs.addJudgment(decision.ID, "user-2", 8)

	mine, err := svc.ListJudgments(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "user-1", mine[0].UserID)

	anonymous, err := svc.ListJudgments(context.Background(), decision.ID, "")
	require.NoError(t, err)
	assert.Empty(t, anonymous)

	_, err = svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)

	all, err := svc.ListJudgments(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCloseDecisionIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	fs.addJudgment(decision.ID, "user-1", 7)
	fs.addJudgment(decision.ID, "user-2", 7)
	fs.addJudgment(decision.ID, "user-3", 8)

	first, err := svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "closed", first.Status)
	assert.True(t, first.ConsensusReached)

	second, err := svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 1, fs.countAudits("decision_closed"))
	assert.Equal(t, 1, fs.countAudits("consensus_reached"))
}

func TestCloseDecisionWithHighNoiseHasNoConsensus(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	fs.addJudgment(decision.ID, "user-1", 2)
	fs.addJudgment(decision.ID, "user-2", 9)

	closed, err := svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, closed.ConsensusReached)
	assert.Equal(t, 0, fs.countAudits("consensus_reached"))
}

func TestCloseDecisionWithoutJudgmentsHasNoConsensus(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "draft"})

	closed, err := svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.False(t, closed.ConsensusReached)
}

func TestComputeNoiseFlagsBiasOnceAfterClose(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	fs.addJudgment(decision.ID, "user-1", 2)
	fs.addJudgment(decision.ID, "user-2", 9)

	noise, err := svc.ComputeNoise(context.Background(), decision.ID)
	require.NoError(t, err)
	assert.True(t, noise.IsHighNoise)
	assert.Equal(t, 2, noise.ScoreCount)
	assert.Equal(t, 0, fs.countAudits("bias_detected"), "open decisions are not flagged")

	_, err = svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.ComputeNoise(context.Background(), decision.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fs.countAudits("bias_detected"))
}

func TestAuditFailureDoesNotFailTheOperation(t *testing.T) {
	fs := newFakeStore()
	fs.insertAuditLogFn = func(context.Context, store.AuditLog) error {
		return errors.New("audit table unavailable")
	}
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})

	_, err := svc.SubmitJudgment(context.Background(), decision.ID, "user-1", 6, validRationale)
	require.NoError(t, err)
	_, err = svc.CloseDecision(context.Background(), decision.ID, "user-1")
	require.NoError(t, err)
}

func TestCreateCommentValidation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	decision := fs.addDecision(store.Decision{Title: "Roof repair", Status: "open"})
	session := Session{UserID: "user-1"}

	_, err := svc.CreateComment(context.Background(), session, decision.ID, "   ")
	requireDomainError(t, err, http.StatusBadRequest, CodeValidation)

	comment, err := svc.CreateComment(context.Background(), session, decision.ID, "  Looks reasonable  ")
	require.NoError(t, err)
	assert.Equal(t, "Looks reasonable", comment.Content)

	comments, err := svc.ListComments(context.Background(), decision.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestSearchWithBlankQueryReturnsNothing(t *testing.T) {
	svc := newTestService(newFakeStore())
	resp, err := svc.Search(context.Background(), search.Query{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, resp.Total)
}
