package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/repository"
)

// AuthRequestRepository implements port.AuthRequestRepository backed by PostgreSQL.
type AuthRequestRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAuthRequestRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewAuthRequestRepository(exec pgExecutor) *AuthRequestRepository {
	return &AuthRequestRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var authRequestColumns = []string{
	"oauth_state",
	"issuer",
	"did",
	"nonce",
	"pkce_verifier",
	"secret_jwk_id",
	"dpop_jwk",
	"destination",
	"created_at",
	"expires_at",
}

// Create persists a pushed authorization request awaiting its callback.
func (r *AuthRequestRepository) Create(ctx context.Context, request domain.AuthRequest) error {
	stmt, args, err := r.builder.Insert("oauth_requests").
		Columns(authRequestColumns...).
		Values(
			request.State,
			request.Issuer,
			request.DID,
			request.Nonce,
			request.PKCEVerifier,
			request.SigningKeyID,
			request.DpopKey,
			optionalString(request.Destination),
			request.CreatedAt,
			request.ExpiresAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert oauth request sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert oauth request: %w", err)
	}

	return nil
}

// GetByState fetches a pending authorization request by its state parameter.
func (r *AuthRequestRepository) GetByState(ctx context.Context, state string) (*domain.AuthRequest, error) {
	stmt, args, err := r.builder.
		Select(authRequestColumns...).
		From("oauth_requests").
		Where(squirrel.Eq{"oauth_state": state}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select oauth request sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)
	request, err := scanAuthRequest(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan oauth request: %w", err)
	}

	return request, nil
}

// Delete removes a consumed or abandoned authorization request.
func (r *AuthRequestRepository) Delete(ctx context.Context, state string) error {
	tag, err := r.exec.Exec(ctx, "DELETE FROM oauth_requests WHERE oauth_state = $1", state)
	if err != nil {
		return fmt.Errorf("delete oauth request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteExpired sweeps requests whose callback never arrived.
func (r *AuthRequestRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.exec.Exec(ctx, "DELETE FROM oauth_requests WHERE expires_at < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired oauth requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuthRequest(row pgx.Row) (*domain.AuthRequest, error) {
	var (
		request     domain.AuthRequest
		destination sql.NullString
	)

	if err := row.Scan(
		&request.State,
		&request.Issuer,
		&request.DID,
		&request.Nonce,
		&request.PKCEVerifier,
		&request.SigningKeyID,
		&request.DpopKey,
		&destination,
		&request.CreatedAt,
		&request.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	request.Destination = nullableStringPtr(destination)

	return &request, nil
}

// SessionRepository implements port.SessionRepository backed by PostgreSQL.
type SessionRepository struct {
	exec    pgTxExecutor
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any executor that satisfies pgTxExecutor.
func NewSessionRepository(exec pgTxExecutor) *SessionRepository {
	return &SessionRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var sessionColumns = []string{
	"session_group",
	"did",
	"issuer",
	"access_token",
	"refresh_token",
	"secret_jwk_id",
	"dpop_jwk",
	"created_at",
	"access_token_expires_at",
	"not_after",
}

// Promote consumes the authorization request identified by state and inserts
// the session in one transaction, so a failed insert leaves the request
// available for a retry and a consumed request can never yield two sessions.
func (r *SessionRepository) Promote(ctx context.Context, state string, session domain.Session) error {
	tx, err := r.exec.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM oauth_requests WHERE oauth_state = $1", state)
	if err != nil {
		return fmt.Errorf("consume oauth request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	stmt, args, err := r.insertSQL(session)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert oauth session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit promote tx: %w", err)
	}

	return nil
}

func (r *SessionRepository) insertSQL(session domain.Session) (string, []any, error) {
	stmt, args, err := r.builder.Insert("oauth_sessions").
		Columns(sessionColumns...).
		Values(
			session.Group,
			session.DID,
			session.Issuer,
			session.AccessToken,
			session.RefreshToken,
			session.SigningKeyID,
			session.DpopKey,
			session.CreatedAt,
			session.ExpiresAt,
			session.NotAfter,
		).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build insert oauth session sql: %w", err)
	}
	return stmt, args, nil
}

// GetByGroup fetches a session by its group identifier.
func (r *SessionRepository) GetByGroup(ctx context.Context, group string) (*domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From("oauth_sessions").
		Where(squirrel.Eq{"session_group": group}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select oauth session sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan oauth session: %w", err)
	}

	return session, nil
}

// UpdateTokens replaces the token pair after a refresh.
func (r *SessionRepository) UpdateTokens(ctx context.Context, session domain.Session) error {
	stmt, args, err := r.builder.Update("oauth_sessions").
		Set("access_token", session.AccessToken).
		Set("refresh_token", session.RefreshToken).
		Set("access_token_expires_at", session.ExpiresAt).
		Where(squirrel.Eq{"session_group": session.Group}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update oauth session sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update oauth session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Delete removes a session by its group identifier.
func (r *SessionRepository) Delete(ctx context.Context, group string) error {
	tag, err := r.exec.Exec(ctx, "DELETE FROM oauth_sessions WHERE session_group = $1", group)
	if err != nil {
		return fmt.Errorf("delete oauth session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByDID retrieves all sessions owned by the supplied DID, newest first.
func (r *SessionRepository) ListByDID(ctx context.Context, did string) ([]domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From("oauth_sessions").
		Where(squirrel.Eq{"did": did}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list oauth sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query oauth sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oauth session: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oauth sessions: %w", err)
	}

	return sessions, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var session domain.Session

	if err := row.Scan(
		&session.Group,
		&session.DID,
		&session.Issuer,
		&session.AccessToken,
		&session.RefreshToken,
		&session.SigningKeyID,
		&session.DpopKey,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.NotAfter,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return &session, nil
}

var (
	_ port.AuthRequestRepository = (*AuthRequestRepository)(nil)
	_ port.SessionRepository     = (*SessionRepository)(nil)
)
