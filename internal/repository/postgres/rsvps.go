package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/repository"
)

// RsvpRepository implements port.RsvpRepository backed by PostgreSQL.
type RsvpRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewRsvpRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewRsvpRepository(exec pgExecutor) *RsvpRepository {
	return &RsvpRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var rsvpColumns = []string{
	"aturi",
	"cid",
	"did",
	"lexicon",
	"record",
	"event_aturi",
	"event_cid",
	"status",
	"updated_at",
}

// Upsert inserts the RSVP or refreshes an existing row, newest updated_at wins.
func (r *RsvpRepository) Upsert(ctx context.Context, rsvp domain.RsvpRecord) error {
	stmt, args, err := r.builder.Insert("rsvps").
		Columns(rsvpColumns...).
		Values(
			rsvp.URI,
			rsvp.CID,
			rsvp.DID,
			string(rsvp.Collection),
			[]byte(rsvp.Record),
			rsvp.EventURI,
			rsvp.EventCID,
			rsvp.Status,
			rsvp.UpdatedAt,
		).
		Suffix(`ON CONFLICT (aturi) DO UPDATE SET
			cid = EXCLUDED.cid,
			lexicon = EXCLUDED.lexicon,
			record = EXCLUDED.record,
			event_aturi = EXCLUDED.event_aturi,
			event_cid = EXCLUDED.event_cid,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
			WHERE rsvps.updated_at <= EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert rsvp sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert rsvp: %w", err)
	}

	return nil
}

// GetByURI fetches an indexed RSVP by its AT-URI.
func (r *RsvpRepository) GetByURI(ctx context.Context, uri string) (*domain.RsvpRecord, error) {
	stmt, args, err := r.builder.
		Select(rsvpColumns...).
		From("rsvps").
		Where(squirrel.Eq{"aturi": uri}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select rsvp sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)
	rsvp, err := scanRsvp(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rsvp: %w", err)
	}

	return rsvp, nil
}

// ListForEvent retrieves every RSVP referencing the event, newest first.
func (r *RsvpRepository) ListForEvent(ctx context.Context, eventURI string) ([]domain.RsvpRecord, error) {
	return r.list(ctx, squirrel.Eq{"event_aturi": eventURI})
}

// GetForEventByDID retrieves one owner's RSVPs for the event; the owner may
// hold one under each lexicon version.
func (r *RsvpRepository) GetForEventByDID(ctx context.Context, eventURI, did string) ([]domain.RsvpRecord, error) {
	return r.list(ctx, squirrel.Eq{"event_aturi": eventURI, "did": did})
}

func (r *RsvpRepository) list(ctx context.Context, cond squirrel.Eq) ([]domain.RsvpRecord, error) {
	stmt, args, err := r.builder.
		Select(rsvpColumns...).
		From("rsvps").
		Where(cond).
		OrderBy("updated_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list rsvps sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query rsvps: %w", err)
	}
	defer rows.Close()

	rsvps := make([]domain.RsvpRecord, 0)
	for rows.Next() {
		rsvp, err := scanRsvp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rsvp: %w", err)
		}
		rsvps = append(rsvps, *rsvp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rsvps: %w", err)
	}

	return rsvps, nil
}

// CountByStatus tallies RSVPs per status value for an event.
func (r *RsvpRepository) CountByStatus(ctx context.Context, eventURI string) (map[string]int64, error) {
	stmt, args, err := r.builder.
		Select("status", "COUNT(*)").
		From("rsvps").
		Where(squirrel.Eq{"event_aturi": eventURI}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count rsvps sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("count rsvps: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan rsvp count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rsvp counts: %w", err)
	}

	return counts, nil
}

// Delete removes an indexed RSVP.
func (r *RsvpRepository) Delete(ctx context.Context, uri string) error {
	tag, err := r.exec.Exec(ctx, "DELETE FROM rsvps WHERE aturi = $1", uri)
	if err != nil {
		return fmt.Errorf("delete rsvp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanRsvp(row pgx.Row) (*domain.RsvpRecord, error) {
	var (
		rsvp    domain.RsvpRecord
		lexicon string
		record  []byte
	)

	if err := row.Scan(
		&rsvp.URI,
		&rsvp.CID,
		&rsvp.DID,
		&lexicon,
		&record,
		&rsvp.EventURI,
		&rsvp.EventCID,
		&rsvp.Status,
		&rsvp.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	rsvp.Collection = domain.Collection(lexicon)
	rsvp.Record = record

	return &rsvp, nil
}

var _ port.RsvpRepository = (*RsvpRepository)(nil)
