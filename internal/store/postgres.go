package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `id, email, username, display_name, password_hash, role, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if user.Role == "" {
		user.Role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, display_name, password_hash, role)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
	`, user.ID, user.Email, user.Username, user.DisplayName, user.PasswordHash, user.Role)
	return translate("insert user", err)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, translate("get user", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
	if err != nil {
		return User{}, translate("get user by email", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
	if err != nil {
		return User{}, translate("get user by username", err)
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.username, u.display_name, u.password_hash, u.role, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	user, err := scanUser(row)
	if err != nil {
		return User{}, translate("lookup refresh session", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// Decisions

const decisionColumns = `id, title, description, category, status, deadline, author_id, outcome, consensus_reached, is_demo, created_at, updated_at`

func scanDecision(row interface{ Scan(...any) error }) (Decision, error) {
	var item Decision
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Category,
		&item.Status,
		&item.Deadline,
		&item.AuthorID,
		&item.Outcome,
		&item.ConsensusReached,
		&item.IsDemo,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]Decision, 0)
	for rows.Next() {
		item, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, decisionID int64) (Decision, error) {
	item, err := scanDecision(s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=$1`, decisionID))
	if err != nil {
		return Decision{}, translate("get decision", err)
	}
	return item, nil
}

func (s *PostgresStore) CreateDecision(ctx context.Context, item Decision) (Decision, error) {
	if item.Status == "" {
		item.Status = "draft"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO decisions (title, description, category, status, deadline, author_id, outcome, is_demo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+decisionColumns,
		item.Title, item.Description, item.Category, item.Status, item.Deadline, item.AuthorID, item.Outcome, item.IsDemo,
	)
	created, err := scanDecision(row)
	if err != nil {
		return Decision{}, translate("insert decision", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateDecision(ctx context.Context, decisionID int64, update DecisionUpdate) (Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE decisions SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			category = COALESCE($4, category),
			status = COALESCE($5, status),
			deadline = COALESCE($6, deadline),
			outcome = COALESCE($7, outcome),
			consensus_reached = COALESCE($8, consensus_reached),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+decisionColumns,
		decisionID, update.Title, update.Description, update.Category, update.Status, update.Deadline, update.Outcome, update.ConsensusReached,
	)
	updated, err := scanDecision(row)
	if err != nil {
		return Decision{}, translate("update decision", err)
	}
	return updated, nil
}

// CloseDecision moves a decision to closed. The status guard keeps the
// transition one-directional even under concurrent writers.
func (s *PostgresStore) CloseDecision(ctx context.Context, decisionID int64, consensusReached bool) (Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE decisions
		SET status='closed', consensus_reached=$2, updated_at=NOW()
		WHERE id=$1 AND status <> 'closed'
		RETURNING `+decisionColumns,
		decisionID, consensusReached,
	)
	updated, err := scanDecision(row)
	if err != nil {
		return Decision{}, translate("close decision", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteDecision(ctx context.Context, decisionID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE id=$1`, decisionID)
	if err != nil {
		return fmt.Errorf("delete decision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete decision rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete decision: %w", ErrNotFound)
	}
	return nil
}

// Judgments

const judgmentColumns = `id, decision_id, user_id, score, rationale, submitted_at`

func scanJudgment(row interface{ Scan(...any) error }) (Judgment, error) {
	var item Judgment
	err := row.Scan(&item.ID, &item.DecisionID, &item.UserID, &item.Score, &item.Rationale, &item.SubmittedAt)
	return item, err
}

// CreateJudgment inserts a sealed judgment. A second row for the same
// (decision, user) pair fails with a DuplicateKeyError from the
// judgments_decision_user_key constraint.
func (s *PostgresStore) CreateJudgment(ctx context.Context, item Judgment) (Judgment, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO judgments (decision_id, user_id, score, rationale)
		VALUES ($1, $2, $3, $4)
		RETURNING `+judgmentColumns,
		item.DecisionID, item.UserID, item.Score, item.Rationale,
	)
	created, err := scanJudgment(row)
	if err != nil {
		return Judgment{}, translate("insert judgment", err)
	}
	return created, nil
}

func (s *PostgresStore) ListJudgments(ctx context.Context, decisionID int64) ([]Judgment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+judgmentColumns+` FROM judgments WHERE decision_id=$1 ORDER BY submitted_at ASC, id ASC`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list judgments: %w", err)
	}
	defer rows.Close()

	items := make([]Judgment, 0)
	for rows.Next() {
		item, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan judgment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate judgments: %w", err)
	}
	return items, nil
}

// GetUserJudgment returns nil when the user has not judged the decision yet.
func (s *PostgresStore) GetUserJudgment(ctx context.Context, decisionID int64, userID string) (*Judgment, error) {
	item, err := scanJudgment(s.db.QueryRowContext(ctx, `SELECT `+judgmentColumns+` FROM judgments WHERE decision_id=$1 AND user_id=$2`, decisionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user judgment: %w", err)
	}
	return &item, nil
}

// ListJudgeEmails returns the addresses of everyone who judged a decision.
func (s *PostgresStore) ListJudgeEmails(ctx context.Context, decisionID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT u.email
		FROM judgments j
		JOIN users u ON u.id = j.user_id
		WHERE j.decision_id=$1 AND u.email <> ''
		ORDER BY u.email
	`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list judge emails: %w", err)
	}
	defer rows.Close()

	emails := make([]string, 0)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan judge email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// Comments

func (s *PostgresStore) CreateComment(ctx context.Context, item Comment) (Comment, error) {
	var created Comment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (decision_id, user_id, content, is_ai_generated)
		VALUES ($1, $2, $3, $4)
		RETURNING id, decision_id, user_id, content, is_ai_generated, created_at
	`, item.DecisionID, item.UserID, item.Content, item.IsAIGenerated).Scan(
		&created.ID, &created.DecisionID, &created.UserID, &created.Content, &created.IsAIGenerated, &created.CreatedAt,
	)
	if err != nil {
		return Comment{}, translate("insert comment", err)
	}
	return created, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, decisionID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, user_id, content, is_ai_generated, created_at
		FROM comments
		WHERE decision_id=$1
		ORDER BY created_at ASC, id ASC
	`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.DecisionID, &item.UserID, &item.Content, &item.IsAIGenerated, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// Attachments

const attachmentColumns = `id, decision_id, user_id, file_name, file_type, file_size, object_path, extracted_text, context, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (Attachment, error) {
	var item Attachment
	err := row.Scan(
		&item.ID,
		&item.DecisionID,
		&item.UserID,
		&item.FileName,
		&item.FileType,
		&item.FileSize,
		&item.ObjectPath,
		&item.ExtractedText,
		&item.Context,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) CreateAttachment(ctx context.Context, item Attachment) (Attachment, error) {
	if item.Context == "" {
		item.Context = "decision"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attachments (decision_id, user_id, file_name, file_type, file_size, object_path, extracted_text, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+attachmentColumns,
		item.DecisionID, item.UserID, item.FileName, item.FileType, item.FileSize, item.ObjectPath, item.ExtractedText, item.Context,
	)
	created, err := scanAttachment(row)
	if err != nil {
		return Attachment{}, translate("insert attachment", err)
	}
	return created, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, decisionID int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE decision_id=$1 ORDER BY created_at ASC, id ASC`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		item, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID int64) (Attachment, error) {
	item, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=$1`, attachmentID))
	if err != nil {
		return Attachment{}, translate("get attachment", err)
	}
	return item, nil
}

func (s *PostgresStore) GetAttachmentByObjectPath(ctx context.Context, objectPath string) (Attachment, error) {
	item, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE object_path=$1`, objectPath))
	if err != nil {
		return Attachment{}, translate("get attachment by object path", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// Audit log

func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditLog) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasAuditLog(ctx context.Context, action, entityType string, entityID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM audit_logs WHERE action=$1 AND entity_type=$2 AND entity_id=$3)
	`, action, entityType, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check audit log: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, entity_type, entity_id, details, created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	items := make([]AuditLog, 0)
	for rows.Next() {
		var item AuditLog
		var detailsRaw []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.Action, &item.EntityType, &item.EntityID, &detailsRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		_ = json.Unmarshal(detailsRaw, &item.Details)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
