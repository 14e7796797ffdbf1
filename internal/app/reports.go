package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"clarvoy/api/internal/export"
	"clarvoy/api/internal/governance"
	"clarvoy/api/internal/store"
)

// ExportDecision renders the report of a closed decision. Open decisions
// are refused because their judgments are still sealed.
func (s *Service) ExportDecision(ctx context.Context, session Session, decisionID int64, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, validationError("format", "format must be pdf or docx")
	}
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if governance.Status(decision.Status) != governance.StatusClosed {
		return nil, domainError(http.StatusConflict, CodeInvalidTransition, "Only closed decisions can be exported", nil)
	}

	judgments, err := s.store.ListJudgments(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	entries := make([]export.JudgmentEntry, 0, len(judgments))
	names := map[string]string{}
	for _, j := range judgments {
		entries = append(entries, export.JudgmentEntry{
			Judge:       s.displayName(ctx, names, j.UserID),
			Score:       j.Score,
			Rationale:   j.Rationale,
			SubmittedAt: j.SubmittedAt,
		})
	}

	result, err := s.export.Export(ctx, export.Report{
		Decision:    decision,
		Judgments:   entries,
		Variance:    s.noiseOf(judgments),
		GeneratedAt: s.now().UTC(),
	}, format)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrDecisionOpen):
			return nil, domainError(http.StatusConflict, CodeInvalidTransition, "Only closed decisions can be exported", nil)
		case errors.Is(err, export.ErrUnsupportedFormat):
			return nil, validationError("format", "format must be pdf or docx")
		case errors.Is(err, export.ErrPDFDependencyMissing):
			s.logger.Error("pdf export unavailable", zap.Error(err))
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
		}
		return nil, err
	}
	s.audit(ctx, session.UserID, "decision_exported", "decision", decisionID, map[string]any{"format": string(format)})
	return result, nil
}

func (s *Service) displayName(ctx context.Context, cache map[string]string, userID string) string {
	if name, ok := cache[userID]; ok {
		return name
	}
	name := "Committee member"
	user, err := s.store.GetUserByID(ctx, userID)
	switch {
	case err == nil && user.DisplayName != "":
		name = user.DisplayName
	case err == nil && user.Username != "":
		name = user.Username
	case err != nil && !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("resolve judge name failed", zap.String("user_id", userID), zap.Error(err))
	}
	cache[userID] = name
	return name
}
