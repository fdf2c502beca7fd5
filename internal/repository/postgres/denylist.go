package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/repository"
)

// DenylistRepository implements port.DenylistRepository backed by PostgreSQL.
// Subjects are stored hashed so a database dump doesn't double as a list of
// moderated identities.
type DenylistRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewDenylistRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewDenylistRepository(exec pgExecutor) *DenylistRepository {
	return &DenylistRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// SubjectKey derives the stored key for a raw subject. Hashing must stay
// stable across releases; existing rows are unreadable under a new scheme.
func SubjectKey(subject string) string {
	normalized := strings.ToLower(strings.TrimSpace(subject))
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}

// Contains reports whether the subject is denylisted.
func (r *DenylistRepository) Contains(ctx context.Context, subject string) (bool, error) {
	var exists bool
	err := r.exec.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM denylist WHERE subject = $1)",
		SubjectKey(subject),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return exists, nil
}

// Upsert adds the subject or updates the block reason.
func (r *DenylistRepository) Upsert(ctx context.Context, subject, reason string) error {
	stmt, args, err := r.builder.Insert("denylist").
		Columns("subject", "reason", "updated_at").
		Values(SubjectKey(subject), reason, time.Now().UTC()).
		Suffix(`ON CONFLICT (subject) DO UPDATE SET
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert denylist sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert denylist entry: %w", err)
	}

	return nil
}

// Remove lifts the block for a subject.
func (r *DenylistRepository) Remove(ctx context.Context, subject string) error {
	tag, err := r.exec.Exec(ctx, "DELETE FROM denylist WHERE subject = $1", SubjectKey(subject))
	if err != nil {
		return fmt.Errorf("delete denylist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List retrieves denylist entries, most recently touched first.
func (r *DenylistRepository) List(ctx context.Context, limit int) ([]domain.DenylistEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	stmt, args, err := r.builder.
		Select("subject", "reason", "updated_at").
		From("denylist").
		OrderBy("updated_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list denylist sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query denylist: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DenylistEntry, 0)
	for rows.Next() {
		var (
			entry  domain.DenylistEntry
			reason sql.NullString
		)
		if err := rows.Scan(&entry.Subject, &reason, &entry.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
				return nil, repository.ErrNotFound
			}
			return nil, fmt.Errorf("scan denylist entry: %w", err)
		}
		if reason.Valid {
			entry.Reason = reason.String
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate denylist: %w", err)
	}

	return entries, nil
}

var _ port.DenylistRepository = (*DenylistRepository)(nil)
