package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeDuplicateJudgment = "DUPLICATE_JUDGMENT"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeUpstream          = "UPSTREAM_UNAVAILABLE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeRateLimited       = "RATE_LIMITED"
)

// DuplicateJudgmentMessage is returned for every second submission, however
// it was detected.
const DuplicateJudgmentMessage = "You have already submitted a judgment for this decision."

func validationError(field, message string) *DomainError {
	return domainError(http.StatusBadRequest, CodeValidation, message, map[string]any{"field": field})
}

func duplicateJudgmentError() *DomainError {
	return domainError(http.StatusBadRequest, CodeDuplicateJudgment, DuplicateJudgmentMessage, nil)
}

func notFoundError(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func forbiddenError() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

// upstreamError never carries the upstream's own message.
func upstreamError(service string) *DomainError {
	return domainError(http.StatusBadGateway, CodeUpstream, service+" data service unavailable", nil)
}

func invalidTransitionError(from, to string) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidTransition,
		fmt.Sprintf("Cannot move a decision from %s to %s", from, to),
		map[string]any{"from": from, "to": to})
}
