package app

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"clarvoy/api/internal/email"
	"clarvoy/api/internal/governance"
	"clarvoy/api/internal/store"
	"clarvoy/api/internal/variance"
)

// SubmitJudgment seals one score for the user. A second submission fails
// with the same error whether the pre-check or the unique index catches it.
func (s *Service) SubmitJudgment(ctx context.Context, decisionID int64, userID string, score int, rationale string) (store.Judgment, error) {
	if err := governance.ValidateJudgment(score, rationale); err != nil {
		return store.Judgment{}, toDomain(err)
	}
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return store.Judgment{}, err
	}
	if governance.Status(decision.Status) == governance.StatusClosed {
		return store.Judgment{}, invalidTransitionError(decision.Status, decision.Status)
	}

	existing, err := s.store.GetUserJudgment(ctx, decisionID, userID)
	if err != nil {
		return store.Judgment{}, err
	}
	if existing != nil {
		s.metrics.DuplicateJudgment("precheck")
		return store.Judgment{}, duplicateJudgmentError()
	}

	judgment, err := s.store.CreateJudgment(ctx, store.Judgment{
		DecisionID: decisionID,
		UserID:     userID,
		Score:      score,
		Rationale:  rationale,
	})
	if err != nil {
		if governance.IsUniqueViolation(err) {
			s.metrics.DuplicateJudgment("constraint")
			return store.Judgment{}, duplicateJudgmentError()
		}
		return store.Judgment{}, err
	}

	s.metrics.JudgmentSubmitted()
	// Audit details are readable while the decision is open, so they never
	// carry the score or rationale.
	s.audit(ctx, userID, "judgment_submitted", "judgment", judgment.ID, map[string]any{
		"decisionId": decisionID,
	})
	return judgment, nil
}

// ListJudgments returns what the requester may see: their own judgment
// while the decision is blind, everyone's once it closes.
func (s *Service) ListJudgments(ctx context.Context, decisionID int64, requestingUserID string) ([]store.Judgment, error) {
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	judgments, err := s.store.ListJudgments(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return governance.FilterVisibleJudgments(governance.Status(decision.Status), requestingUserID, judgments), nil
}

// CloseDecision reveals every judgment. Closing twice returns the closed
// decision without repeating any side effect.
func (s *Service) CloseDecision(ctx context.Context, decisionID int64, actorID string) (store.Decision, error) {
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return store.Decision{}, err
	}
	if governance.Status(decision.Status) == governance.StatusClosed {
		return decision, nil
	}

	judgments, err := s.store.ListJudgments(ctx, decisionID)
	if err != nil {
		return store.Decision{}, err
	}
	noise := s.noiseOf(judgments)
	consensus := noise.ScoreCount > 0 && !noise.IsHighNoise

	closed, err := s.store.CloseDecision(ctx, decisionID, consensus)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with another close, or the row is gone.
			return s.GetDecision(ctx, decisionID)
		}
		return store.Decision{}, err
	}

	s.metrics.DecisionClosed()
	s.audit(ctx, actorID, "decision_closed", "decision", decisionID, map[string]any{
		"judgmentCount": noise.ScoreCount,
		"mean":          noise.Mean,
		"stdDev":        noise.StdDev,
		"isHighNoise":   noise.IsHighNoise,
	})
	if consensus {
		s.audit(ctx, actorID, "consensus_reached", "decision", decisionID, map[string]any{
			"mean":   noise.Mean,
			"stdDev": noise.StdDev,
		})
	}

	s.notifyJudges(ctx, closed, noise)
	s.indexDecision(closed)
	return closed, nil
}

func (s *Service) notifyJudges(ctx context.Context, decision store.Decision, noise variance.Result) {
	if !s.email.IsConfigured() {
		return
	}
	recipients, err := s.store.ListJudgeEmails(ctx, decision.ID)
	if err != nil {
		s.logger.Warn("list judge emails failed", zap.Int64("decision_id", decision.ID), zap.Error(err))
		return
	}
	if len(recipients) == 0 {
		return
	}
	data := email.DecisionClosedData{
		DecisionTitle: decision.Title,
		JudgmentCount: noise.ScoreCount,
		Mean:          noise.Mean,
		StdDev:        noise.StdDev,
		HighNoise:     noise.IsHighNoise,
		DecisionURL:   s.cfg.AppURL + "/decisions/" + strconv.FormatInt(decision.ID, 10),
	}
	if err := s.email.SendDecisionClosed(recipients, data); err != nil {
		s.logger.Warn("decision closed email failed", zap.Int64("decision_id", decision.ID), zap.Error(err))
	}
}

// ComputeNoise runs the variance engine over every submitted score. A noisy
// closed decision is flagged in the audit log once.
func (s *Service) ComputeNoise(ctx context.Context, decisionID int64) (variance.Result, error) {
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return variance.Result{}, err
	}
	judgments, err := s.store.ListJudgments(ctx, decisionID)
	if err != nil {
		return variance.Result{}, err
	}
	noise := s.noiseOf(judgments)

	if noise.IsHighNoise && governance.Status(decision.Status) == governance.StatusClosed {
		flagged, err := s.store.HasAuditLog(ctx, "bias_detected", "decision", decisionID)
		if err != nil {
			s.logger.Warn("bias audit lookup failed", zap.Int64("decision_id", decisionID), zap.Error(err))
		} else if !flagged {
			s.audit(ctx, "", "bias_detected", "decision", decisionID, map[string]any{
				"stdDev":    noise.StdDev,
				"cv":        noise.CV,
				"threshold": s.cfg.NoiseThreshold,
			})
		}
	}
	return noise, nil
}

func (s *Service) noiseOf(judgments []store.Judgment) variance.Result {
	scores := make([]int, 0, len(judgments))
	for _, j := range judgments {
		scores = append(scores, j.Score)
	}
	return variance.CalculateWithThreshold(variance.FromInts(scores), s.cfg.NoiseThreshold)
}
