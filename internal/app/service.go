package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"clarvoy/api/internal/auth"
	"clarvoy/api/internal/authpw"
	"clarvoy/api/internal/charity"
	"clarvoy/api/internal/coach"
	"clarvoy/api/internal/config"
	"clarvoy/api/internal/email"
	"clarvoy/api/internal/export"
	"clarvoy/api/internal/governance"
	"clarvoy/api/internal/grants"
	"clarvoy/api/internal/metrics"
	"clarvoy/api/internal/objectstore"
	"clarvoy/api/internal/rbac"
	"clarvoy/api/internal/search"
	"clarvoy/api/internal/store"
	"clarvoy/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)

	ListDecisions(context.Context) ([]store.Decision, error)
	GetDecision(context.Context, int64) (store.Decision, error)
	CreateDecision(context.Context, store.Decision) (store.Decision, error)
	UpdateDecision(context.Context, int64, store.DecisionUpdate) (store.Decision, error)
	CloseDecision(context.Context, int64, bool) (store.Decision, error)
	DeleteDecision(context.Context, int64) error

	CreateJudgment(context.Context, store.Judgment) (store.Judgment, error)
	ListJudgments(context.Context, int64) ([]store.Judgment, error)
	GetUserJudgment(context.Context, int64, string) (*store.Judgment, error)
	ListJudgeEmails(context.Context, int64) ([]string, error)

	CreateComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, int64) ([]store.Comment, error)

	CreateAttachment(context.Context, store.Attachment) (store.Attachment, error)
	ListAttachments(context.Context, int64) ([]store.Attachment, error)
	GetAttachment(context.Context, int64) (store.Attachment, error)
	GetAttachmentByObjectPath(context.Context, string) (store.Attachment, error)
	DeleteAttachment(context.Context, int64) error

	InsertAuditLog(context.Context, store.AuditLog) error
	HasAuditLog(context.Context, string, string, int64) (bool, error)
	ListAuditLogs(context.Context, int) ([]store.AuditLog, error)

	GetNonprofitByEIN(context.Context, string) (store.NonprofitProfile, error)
	UpsertNonprofitProfile(context.Context, store.NonprofitProfile) (store.NonprofitProfile, error)
	LinkNonprofitToDecision(context.Context, int64, int64) error
	ListDecisionNonprofits(context.Context, int64) ([]store.NonprofitProfile, error)

	ListGrantAlerts(context.Context, string, int, int) (store.GrantAlertPage, error)
	GetGrantAlert(context.Context, int64) (store.GrantAlert, error)
	UpdateGrantAlertStatus(context.Context, int64, string) error
	CountNewGrantAlerts(context.Context) (int, error)
	ListOrgGrantHistory(context.Context, int) ([]store.OrgGrantHistory, error)

	Ping(ctx context.Context) error

	sessionStore
}

// sessionStore holds refresh tokens and the access-token denylist. The
// data store satisfies it; redis is preferred when configured.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type grantScanner interface {
	ScanOnce(ctx context.Context) (grants.ScanResult, error)
}

// Deps are the collaborators a Service is built from. Only Store is
// required; every other nil field disables the feature behind it.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Objects  objectstore.Store
	Search   *search.Service
	Charity  charity.Client
	Grants   grants.Client
	Scanner  grantScanner
	Coach    *coach.Session
	Export   *export.Service
	Email    *email.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	objects   objectstore.Store
	search    *search.Service
	charity   charity.Client
	grants    grants.Client
	scanner   grantScanner
	coach     *coach.Session
	export    *export.Service
	email     *email.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = deps.Store
	}
	if cfg.NoiseThreshold <= 0 {
		cfg.NoiseThreshold = 1.5
	}
	exporter := deps.Export
	if exporter == nil {
		exporter = export.NewService()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  sessions,
		passwords: authpw.NewService(deps.Store),
		objects:   deps.Objects,
		search:    deps.Search,
		charity:   deps.Charity,
		grants:    deps.Grants,
		scanner:   deps.Scanner,
		coach:     deps.Coach,
		export:    exporter,
		email:     deps.Email,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Auth

type RegisterInput struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Email:     input.Email,
		Username:  input.Username,
		Password:  input.Password,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	})
	if err != nil {
		return Session{}, mapAuthError(err)
	}
	s.audit(ctx, user.ID, "user_registered", "user", 0, map[string]any{"username": user.Username})
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, identifier, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, identifier, password)
	if err != nil {
		return Session{}, mapAuthError(err)
	}
	return s.issueSession(ctx, user)
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return validationError("credentials", "Email, username and password are required")
	case errors.Is(err, authpw.ErrInvalidEmail):
		return validationError("email", "Email address is invalid")
	case errors.Is(err, authpw.ErrWeakPassword):
		return validationError("password", "Password must be at least 8 characters")
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrUsernameTaken):
		return domainError(http.StatusConflict, "USERNAME_EXISTS", "Username already taken", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	default:
		return err
	}
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token failed", zap.Error(err))
		}
	}
	return nil
}

// IsAdmin checks the email allowlist. Roles stored on the user never grant
// admin on their own.
func (s *Service) IsAdmin(session Session) bool {
	return governance.IsAdminByEmail(session.Email, s.cfg.AdminEmails)
}

// Can combines the committee role with the admin allowlist.
func (s *Service) Can(session Session, action rbac.Action) bool {
	if s.IsAdmin(session) {
		return true
	}
	role := rbac.Normalize(session.Role)
	if role == rbac.RoleAdmin {
		role = rbac.RoleChair
	}
	return rbac.Can(role, action)
}

func (s *Service) requireAdmin(session Session) error {
	if !s.IsAdmin(session) {
		return forbiddenError()
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Decisions

type DecisionInput struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Category    *string    `json:"category"`
	Status      *string    `json:"status"`
	Deadline    *time.Time `json:"deadline"`
	Outcome     *string    `json:"outcome"`
}

func (s *Service) ListDecisions(ctx context.Context) ([]map[string]any, error) {
	decisions, err := s.store.ListDecisions(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		items = append(items, decisionJSON(d))
	}
	return items, nil
}

func (s *Service) GetDecision(ctx context.Context, decisionID int64) (store.Decision, error) {
	decision, err := s.store.GetDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Decision{}, notFoundError("Decision")
		}
		return store.Decision{}, err
	}
	return decision, nil
}

const (
	maxTitleLength       = 200
	maxDescriptionLength = 10000
)

func (s *Service) CreateDecision(ctx context.Context, session Session, input DecisionInput) (store.Decision, error) {
	if !s.Can(session, rbac.ActionPropose) {
		return store.Decision{}, forbiddenError()
	}
	title := strings.TrimSpace(deref(input.Title))
	if title == "" {
		return store.Decision{}, validationError("title", "Title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return store.Decision{}, validationError("title", "Title must be at most 200 characters")
	}
	description := strings.TrimSpace(deref(input.Description))
	if len([]rune(description)) > maxDescriptionLength {
		return store.Decision{}, validationError("description", "Description must be at most 10000 characters")
	}
	category := strings.TrimSpace(deref(input.Category))
	if category == "" {
		category = "general"
	}
	status := governance.StatusDraft
	if input.Status != nil {
		parsed, err := governance.ParseStatus(*input.Status)
		if err != nil {
			return store.Decision{}, toDomain(err)
		}
		if parsed == governance.StatusClosed {
			return store.Decision{}, invalidTransitionError(string(governance.StatusDraft), string(parsed))
		}
		status = parsed
	}

	authorID := session.UserID
	decision, err := s.store.CreateDecision(ctx, store.Decision{
		Title:       title,
		Description: description,
		Category:    category,
		Status:      string(status),
		Deadline:    input.Deadline,
		AuthorID:    &authorID,
		Outcome:     input.Outcome,
	})
	if err != nil {
		return store.Decision{}, err
	}
	s.audit(ctx, session.UserID, "decision_created", "decision", decision.ID, map[string]any{"title": decision.Title})
	s.indexDecision(decision)
	return decision, nil
}

func (s *Service) canManageDecision(session Session, decision store.Decision) bool {
	if decision.AuthorID != nil && *decision.AuthorID == session.UserID {
		return true
	}
	return s.Can(session, rbac.ActionManage)
}

// UpdateDecision applies a partial update. A move to closed is delegated to
// CloseDecision so the reveal side effects run exactly once.
func (s *Service) UpdateDecision(ctx context.Context, session Session, decisionID int64, input DecisionInput) (store.Decision, error) {
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return store.Decision{}, err
	}
	if !s.canManageDecision(session, decision) {
		return store.Decision{}, forbiddenError()
	}

	update := store.DecisionUpdate{Description: input.Description, Category: input.Category, Deadline: input.Deadline, Outcome: input.Outcome}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" || len([]rune(title)) > maxTitleLength {
			return store.Decision{}, validationError("title", "Title must be between 1 and 200 characters")
		}
		update.Title = &title
	}
	if input.Description != nil && len([]rune(*input.Description)) > maxDescriptionLength {
		return store.Decision{}, validationError("description", "Description must be at most 10000 characters")
	}

	closing := false
	if input.Status != nil {
		target, err := governance.ParseStatus(*input.Status)
		if err != nil {
			return store.Decision{}, toDomain(err)
		}
		current := governance.Status(decision.Status)
		if !governance.CanTransition(current, target) {
			return store.Decision{}, invalidTransitionError(string(current), string(target))
		}
		if target == governance.StatusClosed && current != governance.StatusClosed {
			closing = true
		} else if target != current {
			value := string(target)
			update.Status = &value
		}
	}
	if governance.Status(decision.Status) == governance.StatusClosed && (update.Title != nil || update.Description != nil || update.Category != nil || update.Deadline != nil) {
		return store.Decision{}, invalidTransitionError(decision.Status, decision.Status)
	}

	if update != (store.DecisionUpdate{}) {
		decision, err = s.store.UpdateDecision(ctx, decisionID, update)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Decision{}, notFoundError("Decision")
			}
			return store.Decision{}, err
		}
		s.audit(ctx, session.UserID, "decision_updated", "decision", decisionID, nil)
		s.indexDecision(decision)
	}
	if closing {
		return s.CloseDecision(ctx, decisionID, session.UserID)
	}
	return decision, nil
}

func (s *Service) DeleteDecision(ctx context.Context, session Session, decisionID int64) error {
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	isAuthor := decision.AuthorID != nil && *decision.AuthorID == session.UserID
	if !isAuthor && !s.IsAdmin(session) {
		return forbiddenError()
	}
	if err := s.store.DeleteDecision(ctx, decisionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("Decision")
		}
		return err
	}
	s.audit(ctx, session.UserID, "decision_deleted", "decision", decisionID, map[string]any{"title": decision.Title})
	if s.search != nil {
		s.search.DeleteDecision(itoa(decisionID))
	}
	return nil
}

// Comments

const maxCommentLength = 5000

func (s *Service) ListComments(ctx context.Context, decisionID int64) ([]store.Comment, error) {
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, decisionID)
}

func (s *Service) CreateComment(ctx context.Context, session Session, decisionID int64, content string) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" || len([]rune(content)) > maxCommentLength {
		return store.Comment{}, validationError("content", "Comment must be between 1 and 5000 characters")
	}
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return store.Comment{}, err
	}
	comment, err := s.store.CreateComment(ctx, store.Comment{DecisionID: decisionID, UserID: session.UserID, Content: content})
	if err != nil {
		return store.Comment{}, err
	}
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:            itoa(comment.ID),
			DecisionID:    decisionID,
			DecisionTitle: decision.Title,
			Content:       comment.Content,
		})
	}
	return comment, nil
}

// Audit

func (s *Service) ListAuditLogs(ctx context.Context, session Session, limit int) ([]store.AuditLog, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	return s.store.ListAuditLogs(ctx, limit)
}

// audit is best effort; a failed write is logged and never fails the
// request that caused it.
func (s *Service) audit(ctx context.Context, userID, action, entityType string, entityID int64, details map[string]any) {
	var actor *string
	if userID != "" {
		actor = &userID
	}
	err := s.store.InsertAuditLog(ctx, store.AuditLog{
		UserID:     actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	})
	if err != nil {
		s.logger.Warn("audit log write failed", zap.String("action", action), zap.Int64("entity_id", entityID), zap.Error(err))
	}
}

// Search

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) indexDecision(d store.Decision) {
	if s.search == nil {
		return
	}
	s.search.IndexDecision(search.DecisionRecord{
		ID:          itoa(d.ID),
		DecisionID:  d.ID,
		Title:       d.Title,
		Description: d.Description,
		Outcome:     deref(d.Outcome),
		Category:    d.Category,
		Status:      d.Status,
	})
}

// toDomain turns rule violations from the governance package into 400s.
func toDomain(err error) error {
	var vErr *governance.ValidationError
	if errors.As(err, &vErr) {
		return domainError(http.StatusBadRequest, CodeValidation, vErr.Message, map[string]any{"field": vErr.Field, "rule": vErr.Rule})
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
