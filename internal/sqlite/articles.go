package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/okewood/harvest/internal/coordinator"
	"github.com/okewood/harvest/internal/news"
)

// Article fetches one persisted article by id.
func (s *Store) Article(ctx context.Context, id string) (news.Article, error) {
	const q = `SELECT * FROM articles WHERE id = ?;`

	var article news.Article
	err := s.db.GetContext(ctx, &article, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return news.Article{}, news.ErrNotFound
	}
	if err != nil {
		return news.Article{}, fmt.Errorf("error fetching article: %s", err)
	}

	return article, nil
}

// CountArticles reports how many articles have been persisted.
func (s *Store) CountArticles(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM articles;`

	var count int
	if err := s.db.GetContext(ctx, &count, q); err != nil {
		return 0, fmt.Errorf("error counting articles: %s", err)
	}

	return count, nil
}

// BeginBatch opens the per-source persistence transaction. Every
// source's writes live in their own batch so a failure rolls back only
// that source's items.
func (s *Store) BeginBatch(ctx context.Context) (coordinator.ArticleBatch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening transaction: %s", err)
	}

	return &articleBatch{tx: tx}, nil
}

type articleBatch struct {
	tx *sqlx.Tx
}

func (b *articleBatch) ExistsByFingerprint(ctx context.Context, fp string) (bool, error) {
	const q = `SELECT COUNT(*) FROM articles WHERE fingerprint = ?;`

	var count int
	if err := b.tx.GetContext(ctx, &count, q, fp); err != nil {
		return false, fmt.Errorf("error checking fingerprint: %s", err)
	}

	return count > 0, nil
}

// RecentSimhashes returns the fuzzy fingerprints of articles fetched
// since the cutoff, ascending by id so the first match is
// deterministic.
func (b *articleBatch) RecentSimhashes(ctx context.Context, since time.Time) ([]news.SimhashRow, error) {
	const q = `SELECT id, simhash FROM articles
	WHERE fetched_at >= ? AND simhash IS NOT NULL
	ORDER BY id ASC;`

	var rows []news.SimhashRow
	if err := b.tx.SelectContext(ctx, &rows, q, since); err != nil {
		return nil, fmt.Errorf("error selecting recent fingerprints: %s", err)
	}

	return rows, nil
}

func (b *articleBatch) Insert(ctx context.Context, article news.Article) error {
	const q = `INSERT INTO articles (id, source_id, title, url, content, raw_html, author, language, published_at, content_origin, full_text, fingerprint, simhash, fetched_at, status, duplicate)
	VALUES (:id, :source_id, :title, :url, :content, :raw_html, :author, :language, :published_at, :content_origin, :full_text, :fingerprint, :simhash, :fetched_at, :status, :duplicate);`

	_, err := b.tx.NamedExecContext(ctx, q, article)
	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) && sqliteErr.Code() == sqliteUniqueViolation {
		return fmt.Errorf("article already exists: %w", news.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("error inserting article: %s", err)
	}

	return nil
}

func (b *articleBatch) Commit() error   { return b.tx.Commit() }
func (b *articleBatch) Rollback() error { return b.tx.Rollback() }
