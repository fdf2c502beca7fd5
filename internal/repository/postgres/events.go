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

// EventRepository implements port.EventRepository backed by PostgreSQL.
type EventRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewEventRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewEventRepository(exec pgExecutor) *EventRepository {
	return &EventRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var eventColumns = []string{
	"aturi",
	"cid",
	"did",
	"lexicon",
	"record",
	"name",
	"updated_at",
}

// Upsert inserts the event or refreshes an existing row, newest updated_at
// wins. An older write arriving late never regresses the row; the single
// statement keeps cancelled callers from leaving partial state.
func (r *EventRepository) Upsert(ctx context.Context, event domain.EventRecord) error {
	stmt, args, err := r.builder.Insert("events").
		Columns(eventColumns...).
		Values(
			event.URI,
			event.CID,
			event.DID,
			string(event.Collection),
			[]byte(event.Record),
			event.Name,
			event.UpdatedAt,
		).
		Suffix(`ON CONFLICT (aturi) DO UPDATE SET
			cid = EXCLUDED.cid,
			lexicon = EXCLUDED.lexicon,
			record = EXCLUDED.record,
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at
			WHERE events.updated_at <= EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert event sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}

	return nil
}

// GetByURI fetches an indexed event by its AT-URI.
func (r *EventRepository) GetByURI(ctx context.Context, uri string) (*domain.EventRecord, error) {
	stmt, args, err := r.builder.
		Select(eventColumns...).
		From("events").
		Where(squirrel.Eq{"aturi": uri}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select event sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}

	return event, nil
}

// ListByDID retrieves events owned by the supplied DID, newest first.
func (r *EventRepository) ListByDID(ctx context.Context, did string, limit int) ([]domain.EventRecord, error) {
	return r.list(ctx, squirrel.Eq{"did": did}, limit)
}

// ListRecent retrieves the most recently updated events across all owners.
func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]domain.EventRecord, error) {
	return r.list(ctx, nil, limit)
}

func (r *EventRepository) list(ctx context.Context, cond squirrel.Eq, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.builder.
		Select(eventColumns...).
		From("events").
		OrderBy("updated_at DESC").
		Limit(uint64(limit))
	if cond != nil {
		query = query.Where(cond)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list events sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.EventRecord, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// Delete removes an indexed event.
func (r *EventRepository) Delete(ctx context.Context, uri string) error {
	tag, err := r.exec.Exec(ctx, "DELETE FROM events WHERE aturi = $1", uri)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (*domain.EventRecord, error) {
	var (
		event   domain.EventRecord
		lexicon string
		record  []byte
	)

	if err := row.Scan(
		&event.URI,
		&event.CID,
		&event.DID,
		&lexicon,
		&record,
		&event.Name,
		&event.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	event.Collection = domain.Collection(lexicon)
	event.Record = record

	return &event, nil
}

var _ port.EventRepository = (*EventRepository)(nil)
