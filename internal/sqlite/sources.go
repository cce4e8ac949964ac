package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/okewood/harvest/internal/news"
)

const sourceNamespace = "-src"

// sqlite extended error code for a unique constraint violation.
const sqliteUniqueViolation = 2067

// Source fetches one source by id.
func (s *Store) Source(ctx context.Context, id string) (news.Source, error) {
	const q = `SELECT * FROM sources WHERE id = ?;`

	var src news.Source
	err := s.db.GetContext(ctx, &src, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return news.Source{}, news.ErrNotFound
	}
	if err != nil {
		return news.Source{}, fmt.Errorf("error fetching source: %s", err)
	}

	return src, nil
}

// AllSources lists every configured source, enabled or not.
func (s *Store) AllSources(ctx context.Context) ([]news.Source, error) {
	const q = `SELECT * FROM sources ORDER BY priority ASC, name ASC;`

	var sources []news.Source
	if err := s.db.SelectContext(ctx, &sources, q); err != nil {
		return nil, fmt.Errorf("error selecting sources: %s", err)
	}

	return sources, nil
}

// EnabledSources lists the sources a collection run should visit,
// ordered by priority. Priority affects result ordering only, not
// scheduling.
func (s *Store) EnabledSources(ctx context.Context) ([]news.Source, error) {
	const q = `SELECT * FROM sources WHERE enabled = 1 ORDER BY priority ASC, name ASC;`

	var sources []news.Source
	if err := s.db.SelectContext(ctx, &sources, q); err != nil {
		return nil, fmt.Errorf("error selecting enabled sources: %s", err)
	}

	return sources, nil
}

// InsertSource creates a new source row.
func (s *Store) InsertSource(ctx context.Context, src news.Source) (news.Source, error) {
	const q = `INSERT INTO sources (id, name, type, url, credential, max_items, priority, enabled, default_author, scrape_config)
	VALUES (:id, :name, :type, :url, :credential, :max_items, :priority, :enabled, :default_author, :scrape_config);`

	src.ID = uuid.NewString() + sourceNamespace
	_, err := s.db.NamedExecContext(ctx, q, src)
	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) && sqliteErr.Code() == sqliteUniqueViolation {
		return news.Source{}, fmt.Errorf("source already exists: %w", news.ErrConflict)
	}
	if err != nil {
		return news.Source{}, fmt.Errorf("error inserting source: %s", err)
	}

	return s.Source(ctx, src.ID)
}

// UpdateSourceHealth writes a collection attempt's outcome onto the
// source row. Last-checked always advances; success resets the failure
// counter and error text, failure increments the counter.
func (s *Store) UpdateSourceHealth(ctx context.Context, id string, health news.SourceHealth) error {
	q := sq.Update("sources").
		Set("last_checked_at", health.CheckedAt).
		Set("updated_at", health.CheckedAt)

	switch {
	case health.Succeeded:
		q = q.Set("last_success_at", health.CheckedAt).
			Set("consecutive_failures", 0).
			Set("last_error", nil)
	case health.Error != "":
		q = q.Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
			Set("last_error", health.Error)
	}
	q = q.Where(sq.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error updating source health: %s", err)
	}

	return nil
}
