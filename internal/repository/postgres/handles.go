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

// IdentityRepository implements port.IdentityRepository backed by PostgreSQL.
type IdentityRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewIdentityRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewIdentityRepository(exec pgExecutor) *IdentityRepository {
	return &IdentityRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var identityColumns = []string{
	"did",
	"handle",
	"pds",
	"language",
	"tz",
	"created_at",
	"updated_at",
	"active_at",
}

// GetByDID fetches a cached identity by its DID.
func (r *IdentityRepository) GetByDID(ctx context.Context, did string) (*domain.Identity, error) {
	return r.getWhere(ctx, squirrel.Eq{"did": did})
}

// GetByHandle fetches a cached identity by its current handle.
func (r *IdentityRepository) GetByHandle(ctx context.Context, handle string) (*domain.Identity, error) {
	return r.getWhere(ctx, squirrel.Eq{"handle": handle})
}

func (r *IdentityRepository) getWhere(ctx context.Context, cond squirrel.Eq) (*domain.Identity, error) {
	stmt, args, err := r.builder.
		Select(identityColumns...).
		From("handles").
		Where(cond).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select handle sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan handle: %w", err)
	}

	return identity, nil
}

// Upsert inserts the identity or refreshes an existing row for the same DID.
func (r *IdentityRepository) Upsert(ctx context.Context, identity domain.Identity) error {
	stmt, args, err := r.builder.Insert("handles").
		Columns(identityColumns...).
		Values(
			identity.DID,
			identity.Handle,
			identity.PDS,
			optionalString(identity.Language),
			optionalString(identity.Timezone),
			identity.CreatedAt,
			identity.UpdatedAt,
			identity.ActiveAt,
		).
		Suffix(`ON CONFLICT (did) DO UPDATE SET
			handle = EXCLUDED.handle,
			pds = EXCLUDED.pds,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert handle sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert handle: %w", err)
	}

	return nil
}

// TouchActive records identity activity without disturbing the resolution timestamps.
func (r *IdentityRepository) TouchActive(ctx context.Context, did string, at time.Time) error {
	tag, err := r.exec.Exec(ctx, "UPDATE handles SET active_at = $2 WHERE did = $1", did, at.UTC())
	if err != nil {
		return fmt.Errorf("touch handle activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var (
		identity domain.Identity
		language sql.NullString
		tz       sql.NullString
		activeAt sql.NullTime
	)

	if err := row.Scan(
		&identity.DID,
		&identity.Handle,
		&identity.PDS,
		&language,
		&tz,
		&identity.CreatedAt,
		&identity.UpdatedAt,
		&activeAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	identity.Language = nullableStringPtr(language)
	identity.Timezone = nullableStringPtr(tz)
	identity.ActiveAt = nullableTimePtr(activeAt)

	return &identity, nil
}

var _ port.IdentityRepository = (*IdentityRepository)(nil)
