package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/secretapproval/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// Ping checks that the database is reachable.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Approval requests ---

func (p *PostgresBackend) CreateRequest(ctx context.Context, req *models.ApprovalRequest) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Numbers are assigned per workspace; serialize allocation on it.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.Workspace); err != nil {
		return fmt.Errorf("locking workspace: %w", err)
	}

	if req.IdempotencyKey != "" {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE workspace = $1 AND idempotency_key = $2)`,
			req.Workspace, req.IdempotencyKey,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking idempotency key: %w", err)
		}
		if exists {
			return ErrAlreadyExists
		}
	}

	var maxNum int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(number), 0) FROM approval_requests WHERE workspace = $1`,
		req.Workspace,
	).Scan(&maxNum)
	if err != nil {
		return fmt.Errorf("fetching max request number: %w", err)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Number = maxNum + 1
	req.RequestID = fmt.Sprintf("%s%d", RequestNumberPrefix, req.Number)
	req.Revision = 1

	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO approval_requests
		   (id, request_id, number, workspace, environment, requested_by, idempotency_key, status, revision, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.RequestID, req.Number, req.Workspace, req.Environment, req.RequestedBy,
		nullableString(req.IdempotencyKey), string(req.Status), req.Revision, doc, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting request: %w", err)
	}
	return tx.Commit(ctx)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *PostgresBackend) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx,
		`SELECT document, revision FROM approval_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresBackend) FindRequestByIdempotencyKey(ctx context.Context, workspace, key string) (*models.ApprovalRequest, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT document, revision FROM approval_requests WHERE workspace = $1 AND idempotency_key = $2`,
		workspace, key)
	return scanRequest(row)
}

func scanRequest(row pgx.Row) (*models.ApprovalRequest, error) {
	var doc []byte
	var revision int64
	if err := row.Scan(&doc, &revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	req.Revision = revision
	return &req, nil
}

func (p *PostgresBackend) UpdateRequest(ctx context.Context, req *models.ApprovalRequest, expectedRevision int64) error {
	next := *req
	next.Revision = expectedRevision + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE approval_requests
		 SET document = $1, status = $2, revision = $3, updated_at = $4
		 WHERE id = $5 AND revision = $6`,
		doc, string(next.Status), next.Revision, next.UpdatedAt, req.ID, expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("updating request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrRevisionConflict
	}
	req.Revision = next.Revision
	return nil
}

func (p *PostgresBackend) ListRequests(ctx context.Context, filter RequestFilter) ([]*models.ApprovalRequest, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT document, revision FROM approval_requests WHERE 1=1`)
	args := []any{}
	n := 1
	add := func(clause string, v any) {
		fmt.Fprintf(&query, clause, n)
		args = append(args, v)
		n++
	}
	if filter.Workspace != "" {
		add(` AND workspace = $%d`, filter.Workspace)
	}
	if filter.Environment != "" {
		add(` AND environment = $%d`, filter.Environment)
	}
	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	if filter.RequestedBy != "" {
		add(` AND requested_by = $%d`, filter.RequestedBy)
	}
	query.WriteString(` ORDER BY created_at DESC, number DESC`)
	if filter.Limit > 0 {
		add(` LIMIT $%d`, filter.Limit)
	}
	if filter.Offset > 0 {
		add(` OFFSET $%d`, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// --- Secrets ---

const secretColumns = `id, workspace, environment, key, value, comment, version, created_at, updated_at`

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	err := row.Scan(&s.ID, &s.Workspace, &s.Environment, &s.Key, &s.Value, &s.Comment,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresBackend) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	return scanSecret(row)
}

func (p *PostgresBackend) ListSecrets(ctx context.Context, workspace, environment string) ([]*models.Secret, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE workspace = $1 AND environment = $2 ORDER BY key`,
		workspace, environment,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func opaque(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (p *PostgresBackend) CreateSecret(ctx context.Context, snap models.SecretSnapshot) (*models.Secret, error) {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO secrets (id, workspace, environment, key, value, comment, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, NOW(), NOW())
		 RETURNING `+secretColumns,
		uuid.NewString(), snap.Workspace, snap.Environment, snap.Key, opaque(snap.Value), snap.Comment,
	)
	s, err := scanSecret(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting secret: %w", err)
	}
	return s, nil
}

func (p *PostgresBackend) UpdateSecret(ctx context.Context, id string, snap models.SecretSnapshot, expectedVersion int64) (*models.Secret, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx,
		`UPDATE secrets
		 SET key = $1, value = $2, comment = $3, version = version + 1, updated_at = NOW()
		 WHERE id = $4 AND version = $5
		 RETURNING `+secretColumns,
		snap.Key, opaque(snap.Value), snap.Comment, id, expectedVersion,
	)
	s, err := scanSecret(row)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, ErrNotFound):
		return nil, p.missOrMismatch(ctx, id)
	case isUniqueViolation(err):
		return nil, ErrAlreadyExists
	default:
		return nil, fmt.Errorf("updating secret: %w", err)
	}
}

func (p *PostgresBackend) DeleteSecret(ctx context.Context, id string, expectedVersion int64) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM secrets WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missOrMismatch(ctx, id)
	}
	return nil
}

// missOrMismatch explains why a conditional write touched no rows.
func (p *PostgresBackend) missOrMismatch(ctx context.Context, id string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM secrets WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionMismatch
}

// --- Tokens ---

// WriteToken persists a token under the hash of its plaintext.
func (p *PostgresBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	ttlSec := int64(token.TTL.Seconds())
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tokens (id, token_hash, user_id, display_name, policies, ttl_seconds, created_at, expires_at, parent_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     policies = EXCLUDED.policies,
		     ttl_seconds = EXCLUDED.ttl_seconds,
		     expires_at = EXCLUDED.expires_at`,
		token.ID, tokenHash, token.UserID, token.DisplayName, token.Policies,
		ttlSec, token.CreatedAt, nullableTime(token.ExpiresAt), token.ParentID,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, user_id, display_name, policies, ttl_seconds, created_at, expires_at, revoked_at, parent_id
		 FROM tokens WHERE token_hash = $1`,
		tokenHash,
	)
	return scanToken(row)
}

func scanToken(row pgx.Row) (*models.Token, error) {
	var t models.Token
	var ttlSec int64
	var expiresAt *time.Time
	err := row.Scan(&t.ID, &t.UserID, &t.DisplayName, &t.Policies, &ttlSec,
		&t.CreatedAt, &expiresAt, &t.RevokedAt, &t.ParentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.TTL = time.Duration(ttlSec) * time.Second
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	return &t, nil
}

func (p *PostgresBackend) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = NOW() WHERE id = $1`,
		tokenID,
	)
	return err
}

func (p *PostgresBackend) RevokeTokenChildren(ctx context.Context, parentID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = NOW() WHERE parent_id = $1 AND revoked_at IS NULL`,
		parentID,
	)
	return err
}

func (p *PostgresBackend) CountActiveTokens(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tokens WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`,
	).Scan(&count)
	return count, err
}

// --- Policies ---

func (p *PostgresBackend) WritePolicy(ctx context.Context, policy *models.Policy) error {
	rulesJSON, err := json.Marshal(policy.Rules)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO policies (name, rules, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE SET rules = EXCLUDED.rules, updated_at = NOW()`,
		policy.Name, rulesJSON,
	)
	return err
}

func (p *PostgresBackend) GetPolicy(ctx context.Context, name string) (*models.Policy, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT name, rules, created_at, updated_at FROM policies WHERE name = $1`,
		name,
	)
	var pol models.Policy
	var rulesJSON []byte
	err := row.Scan(&pol.Name, &rulesJSON, &pol.CreatedAt, &pol.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &pol.Rules); err != nil {
		return nil, err
	}
	return &pol, nil
}

func (p *PostgresBackend) DeletePolicy(ctx context.Context, name string) error {
	if name == "root" || name == "default" {
		return ErrBuiltinPolicy
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM policies WHERE name = $1`, name)
	return err
}

func (p *PostgresBackend) ListPolicies(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM policies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, token_hash, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.TokenHash, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, token_hash, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.TokenHash, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ Backend = (*PostgresBackend)(nil)
