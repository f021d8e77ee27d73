package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

var _ core.DbClient = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config, log logger.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Users, roles and departments

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, first_name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := c.db.ExecContext(ctx, q,
		user.ID, user.FirstName, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if hasCode(err, uniqueViolation) {
		return apperr.Conflict("email %s already registered", user.Email)
	}
	return err
}

// SQLSTATE codes mapped onto apperr.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, first_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", email)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *DatabaseClient) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	const q = `
		SELECT id, first_name, email, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	const rq = `
		SELECT r.id, r.name, r.base_permission_level, r.is_admin
		FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`
	rows, err := c.db.QueryContext(ctx, rq, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.BasePermissionLevel, &r.IsAdmin); err != nil {
			rows.Close()
			return nil, err
		}
		u.Roles = append(u.Roles, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const dq = `SELECT department_id FROM user_departments WHERE user_id = $1 ORDER BY department_id`
	drows, err := c.db.QueryContext(ctx, dq, id)
	if err != nil {
		return nil, err
	}
	defer drows.Close()
	for drows.Next() {
		var dept string
		if err := drows.Scan(&dept); err != nil {
			return nil, err
		}
		u.DepartmentIDs = append(u.DepartmentIDs, dept)
	}
	return &u, drows.Err()
}

func (c *DatabaseClient) CreateRole(ctx context.Context, role *models.Role) error {
	const q = `INSERT INTO roles (id, name, base_permission_level, is_admin) VALUES ($1, $2, $3, $4)`
	_, err := c.db.ExecContext(ctx, q, role.ID, role.Name, role.BasePermissionLevel, role.IsAdmin)
	return err
}

func (c *DatabaseClient) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	const q = `SELECT id, name, base_permission_level, is_admin FROM roles WHERE name = $1`
	var r models.Role
	err := c.db.QueryRowContext(ctx, q, name).Scan(&r.ID, &r.Name, &r.BasePermissionLevel, &r.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("role %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *DatabaseClient) AssignRole(ctx context.Context, userID, roleID string) error {
	const q = `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := c.db.ExecContext(ctx, q, userID, roleID)
	if hasCode(err, foreignKeyViolation) {
		return apperr.NotFound("user %s or role %s not found", userID, roleID)
	}
	return err
}

func (c *DatabaseClient) CreateDepartment(ctx context.Context, dept *models.Department) error {
	const q = `INSERT INTO departments (id, name) VALUES ($1, $2)`
	_, err := c.db.ExecContext(ctx, q, dept.ID, dept.Name)
	if hasCode(err, uniqueViolation) {
		return apperr.Conflict("department %s already exists", dept.ID)
	}
	return err
}

func (c *DatabaseClient) AddDepartmentMember(ctx context.Context, departmentID, userID string) error {
	const q = `INSERT INTO user_departments (user_id, department_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := c.db.ExecContext(ctx, q, userID, departmentID)
	if hasCode(err, foreignKeyViolation) {
		return apperr.NotFound("user %s or department %s not found", userID, departmentID)
	}
	return err
}

// Documents

const documentColumns = `id, uploader_id, file_name, file_size, content_type, storage_url, storage_key,
	purpose, status, security_level, department_id, is_department_only, approval_mode,
	approval_reason, rejection_reason, processing_error, chunks_created, decided_by,
	uploaded_at, processed_at, updated_at`

func scanDocument(s rowScanner) (*models.Document, error) {
	var (
		d    models.Document
		dept sql.NullString
	)
	if err := s.Scan(
		&d.ID, &d.UploaderID, &d.FileName, &d.FileSize, &d.ContentType, &d.StorageURL, &d.StorageKey,
		&d.Purpose, &d.Status, &d.SecurityLevel, &dept, &d.IsDepartmentOnly, &d.ApprovalMode,
		&d.ApprovalReason, &d.RejectionReason, &d.ProcessingError, &d.ChunksCreated, &d.DecidedBy,
		&d.UploadedAt, &d.ProcessedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.DepartmentID = dept.String
	return &d, nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	q := `INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UploaderID, doc.FileName, doc.FileSize, doc.ContentType, doc.StorageURL, doc.StorageKey,
		doc.Purpose, string(doc.Status), doc.SecurityLevel, nullString(doc.DepartmentID), doc.IsDepartmentOnly,
		string(doc.ApprovalMode), doc.ApprovalReason, doc.RejectionReason, doc.ProcessingError,
		doc.ChunksCreated, doc.DecidedBy, doc.UploadedAt, doc.ProcessedAt, doc.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document %s not found", id)
	}
	return d, err
}

func (c *DatabaseClient) ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]models.Document, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UploaderID != "" {
		args = append(args, filter.UploaderID)
		where = append(where, fmt.Sprintf("uploader_id = $%d", len(args)))
	}
	q := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY uploaded_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateDocumentIf(ctx context.Context, doc *models.Document, expected models.DocumentStatus) (bool, error) {
	const q = `
		UPDATE documents SET
			status = $3, security_level = $4, department_id = $5, is_department_only = $6,
			approval_mode = $7, approval_reason = $8, rejection_reason = $9, processing_error = $10,
			chunks_created = $11, decided_by = $12, processed_at = $13, updated_at = $14
		WHERE id = $1 AND status = $2
	`
	res, err := c.db.ExecContext(ctx, q,
		doc.ID, string(expected), string(doc.Status), doc.SecurityLevel, nullString(doc.DepartmentID),
		doc.IsDepartmentOnly, string(doc.ApprovalMode), doc.ApprovalReason, doc.RejectionReason,
		doc.ProcessingError, doc.ChunksCreated, doc.DecidedBy, doc.ProcessedAt, doc.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document %s not found", id)
	}
	return nil
}

func (c *DatabaseClient) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	const q = `
		INSERT INTO audit_events (id, document_id, actor, action, from_status, to_status, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := c.db.ExecContext(ctx, q,
		ev.ID, ev.DocumentID, ev.Actor, ev.Action, string(ev.FromStatus), string(ev.ToStatus), ev.Detail, ev.At)
	return err
}

func (c *DatabaseClient) ListAuditEvents(ctx context.Context, documentID string) ([]models.AuditEvent, error) {
	const q = `
		SELECT id, document_id, actor, action, from_status, to_status, detail, at
		FROM audit_events WHERE document_id = $1
		ORDER BY at ASC, id ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &ev.Actor, &ev.Action, &ev.FromStatus, &ev.ToStatus, &ev.Detail, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Document chunks

// InsertDocumentChunks inserts chunks in a single transaction.
func (c *DatabaseClient) InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, position, text, embedding, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.Position, ch.Text, pgvector.NewVector(ch.Embedding), ch.TokenCount, ch.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	const q = `
		SELECT id, document_id, position, text, embedding, token_count, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY position ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var (
			ch  models.DocumentChunk
			emb pgvector.Vector
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Position, &ch.Text, &emb, &ch.TokenCount, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	return err
}

// SearchDocumentChunks finds top-k similar chunks within a document for a query embedding.
func (c *DatabaseClient) SearchDocumentChunks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.DocumentChunk, error) {
	const q = `
		SELECT id, document_id, position, text, embedding, token_count, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY embedding <-> $2
		LIMIT $3
	`
	return c.searchChunks(ctx, q, docID, pgvector.NewVector(queryVec), limit)
}

func (c *DatabaseClient) SearchChunks(ctx context.Context, queryVec []float32, limit int) ([]models.DocumentChunk, error) {
	const q = `
		SELECT dc.id, dc.document_id, dc.position, dc.text, dc.embedding, dc.token_count, dc.created_at
		FROM document_chunks dc JOIN documents d ON d.id = dc.document_id
		WHERE d.status = 'processed'
		ORDER BY dc.embedding <-> $1
		LIMIT $2
	`
	return c.searchChunks(ctx, q, pgvector.NewVector(queryVec), limit)
}

func (c *DatabaseClient) searchChunks(ctx context.Context, q string, args ...any) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var (
			ch  models.DocumentChunk
			emb pgvector.Vector
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Position, &ch.Text, &emb, &ch.TokenCount, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Override requests and grants

const overrideColumns = `id, user_id, override_type, override_permission_level, department_id,
	valid_from, valid_until, trigger_query, trigger_file_id, status, auto_escalated, reason,
	decision_notes, denial_reason, decided_by, decided_at, created_at`

func scanOverrideRequest(s rowScanner) (*models.OverrideRequest, error) {
	var (
		r    models.OverrideRequest
		dept sql.NullString
	)
	if err := s.Scan(
		&r.ID, &r.UserID, &r.Type, &r.Level, &dept,
		&r.ValidFrom, &r.ValidUntil, &r.TriggerQuery, &r.TriggerFileID, &r.Status, &r.AutoEscalated, &r.Reason,
		&r.DecisionNotes, &r.DenialReason, &r.DecidedBy, &r.DecidedAt, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.DepartmentID = dept.String
	return &r, nil
}

func (c *DatabaseClient) CreateOverrideRequest(ctx context.Context, req *models.OverrideRequest) error {
	q := `INSERT INTO override_requests (` + overrideColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := c.db.ExecContext(ctx, q,
		req.ID, req.UserID, string(req.Type), req.Level, nullString(req.DepartmentID),
		req.ValidFrom, req.ValidUntil, req.TriggerQuery, req.TriggerFileID, string(req.Status), req.AutoEscalated,
		req.Reason, req.DecisionNotes, req.DenialReason, req.DecidedBy, req.DecidedAt, req.CreatedAt)
	return err
}

func (c *DatabaseClient) GetOverrideRequest(ctx context.Context, id string) (*models.OverrideRequest, error) {
	q := `SELECT ` + overrideColumns + ` FROM override_requests WHERE id = $1`
	r, err := scanOverrideRequest(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("override request %s not found", id)
	}
	return r, err
}

func (c *DatabaseClient) ListOverrideRequests(ctx context.Context, filter models.OverrideRequestFilter) ([]models.OverrideRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.TriggerFileID != "" {
		args = append(args, filter.TriggerFileID)
		where = append(where, fmt.Sprintf("trigger_file_id = $%d", len(args)))
	}
	q := `SELECT ` + overrideColumns + ` FROM override_requests`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OverrideRequest
	for rows.Next() {
		r, err := scanOverrideRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DecideOverrideRequest flips a pending request and inserts its grant in one
// transaction. The status guard in the UPDATE makes concurrent decisions
// race safely: exactly one of them sees a row affected.
func (c *DatabaseClient) DecideOverrideRequest(ctx context.Context, req *models.OverrideRequest, grant *models.OverrideGrant) (bool, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, err
	}

	const uq = `
		UPDATE override_requests SET
			status = $2, decision_notes = $3, denial_reason = $4, decided_by = $5, decided_at = $6
		WHERE id = $1 AND status = 'pending'
	`
	res, err := tx.ExecContext(ctx, uq,
		req.ID, string(req.Status), req.DecisionNotes, req.DenialReason, req.DecidedBy, req.DecidedAt)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if n == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if grant != nil {
		const gq = `
			INSERT INTO override_grants
				(id, request_id, user_id, scope, department_id, granted_level, valid_from, valid_until, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.ExecContext(ctx, gq,
			grant.ID, grant.RequestID, grant.UserID, string(grant.Scope), nullString(grant.DepartmentID),
			grant.Level, grant.ValidFrom, grant.ValidUntil, grant.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *DatabaseClient) ListOverrideGrantsByUser(ctx context.Context, userID string) ([]models.OverrideGrant, error) {
	const q = `
		SELECT id, request_id, user_id, scope, department_id, granted_level, valid_from, valid_until, created_at
		FROM override_grants WHERE user_id = $1
		ORDER BY valid_from ASC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OverrideGrant
	for rows.Next() {
		var (
			g    models.OverrideGrant
			dept sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.RequestID, &g.UserID, &g.Scope, &dept, &g.Level, &g.ValidFrom, &g.ValidUntil, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.DepartmentID = dept.String
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteExpiredOverrideGrants(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM override_grants WHERE valid_until < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
