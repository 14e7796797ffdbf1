package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"clarvoy/api/internal/auth"
	"clarvoy/api/internal/charity"
	"clarvoy/api/internal/objectstore"
	"clarvoy/api/internal/ratelimit"
	"clarvoy/api/internal/store"
)

const maxJSONBodyBytes = 1 << 20

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	coachLimiter *ratelimit.Limiter
}

type ServerOption func(*HTTPServer)

// WithCoachLimiter throttles the coaching stream per user.
func WithCoachLimiter(l *ratelimit.Limiter) ServerOption {
	return func(s *HTTPServer) { s.coachLimiter = l }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if s.service.metrics == nil {
			writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
			return
		}
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body RegisterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Register(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Username string `json:"username"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		identifier := body.Username
		if strings.TrimSpace(identifier) == "" {
			identifier = body.Email
		}
		session, err := s.service.Login(r.Context(), identifier, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"email":         session.Email,
			"role":          session.Role,
			"isAdmin":       s.service.IsAdmin(session),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Refresh token invalid", nil)
				return
			}
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	parts = parts[1:]

	// Public reads.
	if r.Method == http.MethodGet && s.routePublic(w, r, parts) {
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[0] {
	case "decisions":
		s.routeDecisions(w, r, session, parts)
	case "uploads", "attachments":
		s.routeAttachments(w, r, session, parts)
	case "charity", "grants", "org", "admin", "search":
		s.routeResearch(w, r, session, parts)
	case "coaching":
		if len(parts) == 2 && parts[1] == "chat" && r.Method == http.MethodPost {
			s.handleCoachChat(w, r, session)
			return
		}
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

// routePublic serves the reads that need no session. It reports whether
// the request was handled.
func (s *HTTPServer) routePublic(w http.ResponseWriter, r *http.Request, parts []string) bool {
	switch {
	case len(parts) == 1 && parts[0] == "decisions":
		items, err := s.service.ListDecisions(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, items)
		return true

	case len(parts) == 2 && parts[0] == "decisions":
		decisionID, ok := parseID(w, parts[1], "Decision")
		if !ok {
			return true
		}
		decision, err := s.service.GetDecision(r.Context(), decisionID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, decisionJSON(decision))
		return true

	case len(parts) == 3 && parts[0] == "decisions" && parts[2] == "comments":
		decisionID, ok := parseID(w, parts[1], "Decision")
		if !ok {
			return true
		}
		comments, err := s.service.ListComments(r.Context(), decisionID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, mapSlice(comments, commentJSON))
		return true

	case len(parts) == 3 && parts[0] == "decisions" && parts[2] == "variance":
		decisionID, ok := parseID(w, parts[1], "Decision")
		if !ok {
			return true
		}
		result, err := s.service.ComputeNoise(r.Context(), decisionID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, result)
		return true

	case len(parts) == 2 && parts[0] == "coaching" && parts[1] == "providers":
		writeJSON(w, http.StatusOK, s.service.CoachProviders())
		return true

	case len(parts) == 2 && parts[0] == "integrations" && parts[1] == "status":
		writeJSON(w, http.StatusOK, map[string]any{"services": s.service.IntegrationStatuses(r.Context())})
		return true
	}
	return false
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"role":         session.Role,
		"isAdmin":      s.service.IsAdmin(session),
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		s.service.logger.Error("session lookup failed", zap.String("request_id", requestID(r)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail writes err as a JSON error. Unexpected errors are logged and
// reported without detail.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.service.logger.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.service.metrics.ObserveRequest(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		s.service.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the coaching stream push events through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

var knownResources = map[string]bool{
	"health": true, "ready": true, "auth": true, "session": true,
	"decisions": true, "uploads": true, "attachments": true,
	"charity": true, "grants": true, "org": true, "admin": true,
	"coaching": true, "search": true, "integrations": true,
}

// routeLabel collapses identifiers so request metrics keep a small label
// set.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) == 1 && parts[0] == "metrics" {
		return "/metrics"
	}
	if len(parts) < 2 || parts[0] != "api" || !knownResources[parts[1]] || len(parts) > 6 {
		return "other"
	}
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil || objectstore.IsSafeObjectName(p) || charity.ValidEIN(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(w http.ResponseWriter, raw, what string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid "+what+" ID", map[string]any{"field": "id"})
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
