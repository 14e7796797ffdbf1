package app

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"clarvoy/api/internal/coach"
	"clarvoy/api/internal/llm"
)

const maxCoachMessageChars = 4000

var errCoachDisabled = domainError(http.StatusServiceUnavailable, "COACH_UNAVAILABLE", coach.UnavailableMessage, nil)

type CoachInput struct {
	Message    string `json:"message"`
	DecisionID *int64 `json:"decisionId"`
	Provider   string `json:"provider"`
	Enrich     bool   `json:"enrich"`
}

func (s *Service) CoachProviders() []llm.Info {
	if s.coach == nil {
		return []llm.Info{}
	}
	return s.coach.Providers()
}

// CheckCoachInput runs every check that must fail before the stream opens.
func (s *Service) CheckCoachInput(ctx context.Context, input CoachInput) error {
	if s.coach == nil {
		return errCoachDisabled
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return validationError("message", "Message is required")
	}
	if utf8.RuneCountInString(message) > maxCoachMessageChars {
		return validationError("message", "Message must be at most 4000 characters")
	}
	if input.DecisionID != nil {
		if _, err := s.GetDecision(ctx, *input.DecisionID); err != nil {
			return err
		}
	}
	return nil
}

// Coach streams one answer into sink. By the time it is called the
// response is already an event stream, so failures reach the client
// through sink.Error.
func (s *Service) Coach(ctx context.Context, session Session, input CoachInput, sink coach.Sink) error {
	return s.coach.Run(ctx, coach.Request{
		Message:     strings.TrimSpace(input.Message),
		DecisionID:  input.DecisionID,
		RequesterID: session.UserID,
		Provider:    input.Provider,
		Enrich:      input.Enrich,
	}, sink)
}
