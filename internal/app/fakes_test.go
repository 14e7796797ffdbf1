package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clarvoy/api/internal/config"
	"clarvoy/api/internal/store"
)

func strPtr(s string) *string { return &s }

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

// fakeStore is an in-memory dataStore and sessionStore. The func fields
// override individual methods.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	users       map[string]store.User
	decisions   map[int64]store.Decision
	judgments   []store.Judgment
	comments    []store.Comment
	attachments map[int64]store.Attachment
	audits      []store.AuditLog
	nonprofits  map[string]store.NonprofitProfile
	links       map[int64][]int64
	alerts      map[int64]store.GrantAlert
	history     []store.OrgGrantHistory
	refresh     map[string]refreshEntry
	revoked     map[string]time.Time

	pingFn            func(context.Context) error
	getUserJudgmentFn func(context.Context, int64, string) (*store.Judgment, error)
	createJudgmentFn  func(context.Context, store.Judgment) (store.Judgment, error)
	insertAuditLogFn  func(context.Context, store.AuditLog) error
	getNonprofitFn    func(context.Context, string) (store.NonprofitProfile, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		decisions:   map[int64]store.Decision{},
		attachments: map[int64]store.Attachment{},
		nonprofits:  map[string]store.NonprofitProfile{},
		links:       map[int64][]int64{},
		alerts:      map[int64]store.GrantAlert{},
		refresh:     map[string]refreshEntry{},
		revoked:     map[string]time.Time{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

// addUser seeds a member with a cheap password hash.
func (f *fakeStore) addUser(t *testing.T, id, username, email, password string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := store.User{ID: id, Email: email, Username: username, DisplayName: username, PasswordHash: string(hash), Role: "member"}
	f.mu.Lock()
	f.users[id] = user
	f.mu.Unlock()
	return user
}

func (f *fakeStore) addDecision(d store.Decision) store.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == 0 {
		d.ID = f.id()
	}
	if d.Category == "" {
		d.Category = "general"
	}
	f.decisions[d.ID] = d
	return d
}

func (f *fakeStore) addJudgment(decisionID int64, userID string, score int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.judgments = append(f.judgments, store.Judgment{
		ID:          f.id(),
		DecisionID:  decisionID,
		UserID:      userID,
		Score:       score,
		Rationale:   "A rationale long enough to pass validation.",
		SubmittedAt: time.Now(),
	})
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audits))
	for _, a := range f.audits {
		out = append(out, a.Action)
	}
	return out
}

func (f *fakeStore) countAudits(action string) int {
	n := 0
	for _, a := range f.auditActions() {
		if a == action {
			n++
		}
	}
	return n
}

// Users

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == user.Email {
			return &store.DuplicateKeyError{Constraint: "users_email_key"}
		}
		if u.Username == user.Username {
			return &store.DuplicateKeyError{Constraint: "users_username_key"}
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, fmt.Errorf("get user: %w", store.ErrNotFound)
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, fmt.Errorf("get user: %w", store.ErrNotFound)
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return store.User{}, fmt.Errorf("get user: %w", store.ErrNotFound)
}

// Decisions

func (f *fakeStore) ListDecisions(context.Context) ([]store.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Decision, 0, len(f.decisions))
	for _, d := range f.decisions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeStore) GetDecision(_ context.Context, id int64) (store.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	if !ok {
		return store.Decision{}, fmt.Errorf("get decision: %w", store.ErrNotFound)
	}
	return d, nil
}

func (f *fakeStore) CreateDecision(_ context.Context, d store.Decision) (store.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = f.id()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	f.decisions[d.ID] = d
	return d, nil
}

func (f *fakeStore) UpdateDecision(_ context.Context, id int64, u store.DecisionUpdate) (store.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	if !ok {
		return store.Decision{}, fmt.Errorf("update decision: %w", store.ErrNotFound)
	}
	if u.Title != nil {
		d.Title = *u.Title
	}
	if u.Description != nil {
		d.Description = *u.Description
	}
	if u.Category != nil {
		d.Category = *u.Category
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.Deadline != nil {
		d.Deadline = u.Deadline
	}
	if u.Outcome != nil {
		d.Outcome = u.Outcome
	}
	f.decisions[id] = d
	return d, nil
}

// CloseDecision mirrors the conditional update: an already closed row is
// reported as not found.
func (f *fakeStore) CloseDecision(_ context.Context, id int64, consensus bool) (store.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	if !ok || d.Status == "closed" {
		return store.Decision{}, fmt.Errorf("close decision: %w", store.ErrNotFound)
	}
	d.Status = "closed"
	d.ConsensusReached = consensus
	f.decisions[id] = d
	return d, nil
}

func (f *fakeStore) DeleteDecision(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.decisions[id]; !ok {
		return fmt.Errorf("delete decision: %w", store.ErrNotFound)
	}
	delete(f.decisions, id)
	return nil
}

// Judgments

func (f *fakeStore) CreateJudgment(ctx context.Context, j store.Judgment) (store.Judgment, error) {
	if f.createJudgmentFn != nil {
		return f.createJudgmentFn(ctx, j)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.judgments {
		if existing.DecisionID == j.DecisionID && existing.UserID == j.UserID {
			return store.Judgment{}, &store.DuplicateKeyError{Constraint: "judgments_decision_id_user_id_key"}
		}
	}
	j.ID = f.id()
	j.SubmittedAt = time.Now()
	f.judgments = append(f.judgments, j)
	return j, nil
}

func (f *fakeStore) ListJudgments(_ context.Context, decisionID int64) ([]store.Judgment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Judgment
	for _, j := range f.judgments {
		if j.DecisionID == decisionID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetUserJudgment(ctx context.Context, decisionID int64, userID string) (*store.Judgment, error) {
	if f.getUserJudgmentFn != nil {
		return f.getUserJudgmentFn(ctx, decisionID, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.judgments {
		if j.DecisionID == decisionID && j.UserID == userID {
			found := j
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListJudgeEmails(_ context.Context, decisionID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.judgments {
		if u, ok := f.users[j.UserID]; ok && j.DecisionID == decisionID {
			out = append(out, u.Email)
		}
	}
	return out, nil
}

// Comments

func (f *fakeStore) CreateComment(_ context.Context, c store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = f.id()
	c.CreatedAt = time.Now()
	f.comments = append(f.comments, c)
	return c, nil
}

func (f *fakeStore) ListComments(_ context.Context, decisionID int64) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Comment{}
	for _, c := range f.comments {
		if c.DecisionID == decisionID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Attachments

func (f *fakeStore) CreateAttachment(_ context.Context, a store.Attachment) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = f.id()
	a.CreatedAt = time.Now()
	f.attachments[a.ID] = a
	return a, nil
}

func (f *fakeStore) ListAttachments(_ context.Context, decisionID int64) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Attachment
	for _, a := range f.attachments {
		if a.DecisionID != nil && *a.DecisionID == decisionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetAttachment(_ context.Context, id int64) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[id]
	if !ok {
		return store.Attachment{}, fmt.Errorf("get attachment: %w", store.ErrNotFound)
	}
	return a, nil
}

func (f *fakeStore) GetAttachmentByObjectPath(_ context.Context, objectPath string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attachments {
		if a.ObjectPath == objectPath {
			return a, nil
		}
	}
	return store.Attachment{}, fmt.Errorf("get attachment: %w", store.ErrNotFound)
}

func (f *fakeStore) DeleteAttachment(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attachments, id)
	return nil
}

// Audit

func (f *fakeStore) InsertAuditLog(ctx context.Context, entry store.AuditLog) error {
	if f.insertAuditLogFn != nil {
		return f.insertAuditLogFn(ctx, entry)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = f.id()
	entry.CreatedAt = time.Now()
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) HasAuditLog(_ context.Context, action, entityType string, entityID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.audits {
		if a.Action == action && a.EntityType == entityType && a.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListAuditLogs(_ context.Context, limit int) ([]store.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AuditLog, 0, len(f.audits))
	for i := len(f.audits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.audits[i])
	}
	return out, nil
}

// Research

func (f *fakeStore) GetNonprofitByEIN(ctx context.Context, ein string) (store.NonprofitProfile, error) {
	if f.getNonprofitFn != nil {
		return f.getNonprofitFn(ctx, ein)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.nonprofits[ein]
	if !ok {
		return store.NonprofitProfile{}, fmt.Errorf("get nonprofit: %w", store.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) UpsertNonprofitProfile(_ context.Context, p store.NonprofitProfile) (store.NonprofitProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.nonprofits[p.EIN]; ok {
		p.ID = existing.ID
	} else {
		p.ID = f.id()
	}
	now := time.Now()
	p.FetchedAt = &now
	f.nonprofits[p.EIN] = p
	return p, nil
}

func (f *fakeStore) LinkNonprofitToDecision(_ context.Context, decisionID, nonprofitID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.links[decisionID] {
		if id == nonprofitID {
			return nil
		}
	}
	f.links[decisionID] = append(f.links[decisionID], nonprofitID)
	return nil
}

func (f *fakeStore) ListDecisionNonprofits(_ context.Context, decisionID int64) ([]store.NonprofitProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.NonprofitProfile
	for _, id := range f.links[decisionID] {
		for _, p := range f.nonprofits {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListGrantAlerts(_ context.Context, status string, limit, offset int) (store.GrantAlertPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := store.GrantAlertPage{}
	for _, a := range f.alerts {
		if a.Status == "new" {
			page.NewCount++
		}
		if status != "" && a.Status != status {
			continue
		}
		page.Total++
		page.Alerts = append(page.Alerts, a)
	}
	sort.Slice(page.Alerts, func(i, j int) bool { return page.Alerts[i].ID < page.Alerts[j].ID })
	if offset >= len(page.Alerts) {
		page.Alerts = nil
	} else {
		page.Alerts = page.Alerts[offset:]
	}
	if len(page.Alerts) > limit {
		page.Alerts = page.Alerts[:limit]
	}
	return page, nil
}

func (f *fakeStore) GetGrantAlert(_ context.Context, id int64) (store.GrantAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return store.GrantAlert{}, fmt.Errorf("get grant alert: %w", store.ErrNotFound)
	}
	return a, nil
}

func (f *fakeStore) UpdateGrantAlertStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return fmt.Errorf("update grant alert: %w", store.ErrNotFound)
	}
	a.Status = status
	f.alerts[id] = a
	return nil
}

func (f *fakeStore) CountNewGrantAlerts(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.Status == "new" {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListOrgGrantHistory(_ context.Context, limit int) ([]store.OrgGrantHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// Sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", store.ErrNotFound)
	}
	return store.User{ID: entry.userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = expiresAt
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[jti]
	return ok, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		AdminEmails:    "admin@example.org",
		AppURL:         "http://app.test",
		NoiseThreshold: 1.5,
		OrgEIN:         "81-1874043",
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(testConfig(), Deps{Store: fs})
}

// login issues a session for a seeded user without going through bcrypt.
func login(t *testing.T, svc *Service, user store.User) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeObject(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func decodeList(t *testing.T, rr *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var payload []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}
