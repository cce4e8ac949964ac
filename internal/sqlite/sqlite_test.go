package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okewood/harvest/internal/migrations"
	"github.com/okewood/harvest/internal/news"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	dbx, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	require.NoError(t, migrations.Run(dbx))
	return New(dbx)
}

func testSource(name string) news.Source {
	return news.Source{
		Name:     name,
		Type:     news.SourceTypeFeed,
		URL:      "https://example.com/" + name + ".xml",
		MaxItems: 50,
		Priority: 100,
		Enabled:  true,
	}
}

func testArticle(id, title, url string) news.Article {
	sim := int64(0x0f0f0f0f)
	return news.Article{
		ID:          id,
		SourceID:    "src-a",
		Title:       title,
		URL:         url,
		Content:     "Some collected body text for " + title,
		Language:    "en",
		PublishedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Origin:      news.OriginFeedSummary,
		Fingerprint: "fp-" + id,
		Simhash:     &sim,
		FetchedAt:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Status:      news.StatusRaw,
	}
}

func TestInsertSource(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created, err := store.InsertSource(ctx, testSource("daily-feed"))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(created.ID, sourceNamespace))
	assert.Equal(t, "daily-feed", created.Name)
	assert.True(t, created.Enabled)
	assert.Equal(t, 0, created.ConsecutiveFailures)
	assert.Nil(t, created.LastCheckedAt)
	assert.False(t, created.CreatedAt.IsZero())

	fetched, err := store.Source(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	// Names are unique.
	_, err = store.InsertSource(ctx, testSource("daily-feed"))
	assert.ErrorIs(t, err, news.ErrConflict)
}

func TestSource_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.Source(context.Background(), "nope")
	assert.ErrorIs(t, err, news.ErrNotFound)
}

func TestEnabledSources(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := testSource("zebra")
	first.Priority = 10
	second := testSource("aardvark")
	second.Priority = 20
	disabled := testSource("dormant")
	disabled.Enabled = false

	for _, src := range []news.Source{second, disabled, first} {
		_, err := store.InsertSource(ctx, src)
		require.NoError(t, err)
	}

	got, err := store.EnabledSources(ctx)
	require.NoError(t, err)

	// Ordered by priority; the disabled one never shows up.
	require.Len(t, got, 2)
	assert.Equal(t, "zebra", got[0].Name)
	assert.Equal(t, "aardvark", got[1].Name)

	all, err := store.AllSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateSourceHealth(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created, err := store.InsertSource(ctx, testSource("flaky"))
	require.NoError(t, err)

	checked := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// Two failures in a row.
	for i := 0; i < 2; i++ {
		err = store.UpdateSourceHealth(ctx, created.ID, news.SourceHealth{
			CheckedAt: checked,
			Succeeded: false,
			Error:     "connection refused",
		})
		require.NoError(t, err)
	}

	src, err := store.Source(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.ConsecutiveFailures)
	require.NotNil(t, src.LastError)
	assert.Equal(t, "connection refused", *src.LastError)
	require.NotNil(t, src.LastCheckedAt)
	assert.Nil(t, src.LastSuccessAt)

	// A success resets the streak.
	err = store.UpdateSourceHealth(ctx, created.ID, news.SourceHealth{
		CheckedAt: checked.Add(time.Hour),
		Succeeded: true,
	})
	require.NoError(t, err)

	src, err = store.Source(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, src.ConsecutiveFailures)
	assert.Nil(t, src.LastError)
	require.NotNil(t, src.LastSuccessAt)
}

func TestArticleBatch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)

	exists, err := batch.ExistsByFingerprint(ctx, "fp-a1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, batch.Insert(ctx, testArticle("a1", "First", "https://example.com/1")))

	// The batch sees its own staged rows.
	exists, err = batch.ExistsByFingerprint(ctx, "fp-a1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Same fingerprint under a different id conflicts.
	clash := testArticle("a2", "First Again", "https://example.com/1-mirror")
	clash.Fingerprint = "fp-a1"
	err = batch.Insert(ctx, clash)
	assert.ErrorIs(t, err, news.ErrConflict)

	require.NoError(t, batch.Commit())

	got, err := store.Article(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
	assert.Equal(t, news.StatusRaw, got.Status)
	require.NotNil(t, got.Simhash)

	count, err := store.CountArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestArticleBatch_Rollback(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Insert(ctx, testArticle("a1", "Discarded", "https://example.com/1")))
	require.NoError(t, batch.Rollback())

	_, err = store.Article(ctx, "a1")
	assert.ErrorIs(t, err, news.ErrNotFound)
}

func TestRecentSimhashes(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	recent := testArticle("a1", "Recent", "https://example.com/recent")
	recent.FetchedAt = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	old := testArticle("a2", "Old", "https://example.com/old")
	old.FetchedAt = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	noSim := testArticle("a3", "Hashless", "https://example.com/hashless")
	noSim.FetchedAt = recent.FetchedAt
	noSim.Simhash = nil

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	for _, a := range []news.Article{recent, old, noSim} {
		require.NoError(t, batch.Insert(ctx, a))
	}
	require.NoError(t, batch.Commit())

	batch, err = store.BeginBatch(ctx)
	require.NoError(t, err)
	defer batch.Rollback()

	rows, err := batch.RecentSimhashes(ctx, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Only the recent article with a fingerprint qualifies.
	require.Len(t, rows, 1)
	assert.Equal(t, "a1", rows[0].ID)
	assert.Equal(t, int64(0x0f0f0f0f), rows[0].Simhash)
}
