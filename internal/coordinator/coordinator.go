// Package coordinator orchestrates a collection run: it fans out over
// every enabled source, dedupes the candidates each collector returns,
// persists the survivors, and reports aggregated stats with per-source
// error isolation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okewood/harvest/internal/collector"
	"github.com/okewood/harvest/internal/fingerprint"
	"github.com/okewood/harvest/internal/news"
	"github.com/okewood/harvest/logger"
)

// DefaultWindow bounds the similarity scan: articles fetched further
// back are unlikely re-syndication targets.
const DefaultWindow = 7 * 24 * time.Hour

type (
	// SourceStore is the coordinator's view of source configuration.
	// Only health fields are ever written back.
	SourceStore interface {
		EnabledSources(ctx context.Context) ([]news.Source, error)
		UpdateSourceHealth(ctx context.Context, id string, health news.SourceHealth) error
	}

	// ArticleStore opens one persistence batch per source. Each batch
	// is an isolated transaction so a write failure only rolls back
	// that source's pending items.
	ArticleStore interface {
		BeginBatch(ctx context.Context) (ArticleBatch, error)
	}

	ArticleBatch interface {
		ExistsByFingerprint(ctx context.Context, fp string) (bool, error)
		RecentSimhashes(ctx context.Context, since time.Time) ([]news.SimhashRow, error)
		Insert(ctx context.Context, article news.Article) error
		Commit() error
		Rollback() error
	}
)

// Stats is the JSON-serializable result of a collection run.
type Stats struct {
	TotalCollected  int                     `json:"total_collected"`
	TotalNew        int                     `json:"total_new"`
	TotalDuplicates int                     `json:"total_duplicates"`
	Errors          []string                `json:"errors"`
	BySource        map[string]SourceReport `json:"by_source"`
}

// SourceReport is one source's line in the stats. Status is "error"
// for failed sources and empty otherwise.
type SourceReport struct {
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Collected  int    `json:"collected"`
	New        int    `json:"new"`
	Duplicates int    `json:"duplicates"`
}

// Coordinator runs collections.
type Coordinator struct {
	sources  SourceStore
	articles ArticleStore
	registry *collector.Registry

	window           time.Duration
	hammingThreshold int

	now func() time.Time
}

// Option tweaks coordinator construction.
type Option func(*Coordinator)

// WithWindow changes the similarity-scan lookback window.
func WithWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.window = d }
}

// WithHammingThreshold changes the near-duplicate bit distance.
func WithHammingThreshold(n int) Option {
	return func(c *Coordinator) { c.hammingThreshold = n }
}

// withNow pins the clock in tests.
func withNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(sources SourceStore, articles ArticleStore, registry *collector.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		sources:          sources,
		articles:         articles,
		registry:         registry,
		window:           DefaultWindow,
		hammingThreshold: fingerprint.DefaultHammingThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sourceResult carries one source's outcome back from its task.
type sourceResult struct {
	name       string
	collected  int
	newItems   int
	duplicates int
	err        error
}

// CollectAll collects from every enabled source concurrently. A single
// source failing is captured in the stats, never propagated; the only
// error return is failing to load the sources at all.
func (c *Coordinator) CollectAll(ctx context.Context) (Stats, error) {
	sources, err := c.sources.EnabledSources(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("error loading sources: %w", err)
	}

	slog.Info("collection run starting", "sources", len(sources))

	// One task per source; results land by index so reporting keeps
	// priority order.
	results := make([]sourceResult, len(sources))
	g, gCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = c.collectSource(gCtx, src)
			return nil
		})
	}
	// Tasks never return errors; they capture them as data.
	_ = g.Wait()

	stats := Stats{
		Errors:   []string{},
		BySource: make(map[string]SourceReport, len(sources)),
	}
	for _, res := range results {
		if res.err != nil {
			stats.Errors = append(stats.Errors, res.err.Error())
			stats.BySource[res.name] = SourceReport{Status: "error", Error: res.err.Error()}
			continue
		}
		stats.TotalCollected += res.collected
		stats.TotalNew += res.newItems
		stats.TotalDuplicates += res.duplicates
		stats.BySource[res.name] = SourceReport{
			Collected:  res.collected,
			New:        res.newItems,
			Duplicates: res.duplicates,
		}
	}

	slog.Info("collection run finished",
		"collected", stats.TotalCollected,
		"new", stats.TotalNew,
		"duplicates", stats.TotalDuplicates,
		"errors", len(stats.Errors),
	)

	return stats, nil
}

// collectSource runs one source end to end: collect, dedup, persist,
// and report health. All failure paths resolve to a sourceResult, not
// a panic or a propagated error.
func (c *Coordinator) collectSource(ctx context.Context, src news.Source) sourceResult {
	ctx = logger.Ctx(ctx, slog.String("source", src.Name))
	res := sourceResult{name: src.Name}

	col, ok := c.registry.For(src.Type)
	if !ok {
		res.err = &collector.ConfigurationError{Source: src.Name, Reason: fmt.Sprintf("no collector for source type %q", src.Type)}
		c.reportHealth(ctx, src, res)
		return res
	}

	items, err := col.Collect(ctx, src)
	if err != nil {
		res.err = err
		c.reportHealth(ctx, src, res)
		return res
	}

	res = c.processItems(ctx, src, items)
	c.reportHealth(ctx, src, res)
	return res
}

// processItems dedupes and persists one source's batch inside a single
// transaction. Items are handled in collection order so a later item's
// duplicate check sees earlier items from the same batch.
func (c *Coordinator) processItems(ctx context.Context, src news.Source, items []news.Candidate) sourceResult {
	res := sourceResult{name: src.Name}
	if len(items) == 0 {
		return res
	}

	batch, err := c.articles.BeginBatch(ctx)
	if err != nil {
		res.err = fmt.Errorf("error opening batch for %s: %w", src.Name, err)
		return res
	}

	// Staged state for in-batch dedup: the transaction may not surface
	// our own uncommitted rows depending on isolation, so track them
	// here as well.
	stagedFPs := make(map[string]struct{})
	var stagedSims []int64

	now := c.now().UTC()
	for _, item := range items {
		if item.Title == "" || item.URL == "" {
			slog.WarnContext(ctx, "skipping malformed item", "title", item.Title, "url", item.URL)
			continue
		}
		res.collected++

		fp := fingerprint.Exact(item.Title, item.URL)

		// Fast path: exact key already persisted or staged.
		if _, ok := stagedFPs[fp]; ok {
			res.duplicates++
			continue
		}
		exists, err := batch.ExistsByFingerprint(ctx, fp)
		if err != nil {
			return c.failBatch(batch, src, res, err)
		}
		if exists {
			res.duplicates++
			continue
		}

		// Fuzzy path: near-duplicate content under a different key.
		sim := fingerprint.Simhash(item.Content)
		if sim != 0 {
			dup, err := c.nearDuplicate(ctx, batch, sim, stagedSims, now)
			if err != nil {
				return c.failBatch(batch, src, res, err)
			}
			if dup {
				res.duplicates++
				continue
			}
		}

		article := news.Article{
			ID:          uuid.NewString() + "-art",
			SourceID:    src.ID,
			Title:       item.Title,
			URL:         item.URL,
			Content:     item.Content,
			Author:      item.Author,
			Language:    item.Language,
			PublishedAt: item.PublishedAt,
			Origin:      item.Origin,
			FullText:    item.FullText,
			Fingerprint: fp,
			FetchedAt:   now,
			Status:      news.StatusRaw,
			Duplicate:   false,
		}
		if item.RawHTML != "" {
			raw := item.RawHTML
			article.RawHTML = &raw
		}
		if sim != 0 {
			signed := int64(sim)
			article.Simhash = &signed
		}

		if err := batch.Insert(ctx, article); err != nil {
			if errors.Is(err, news.ErrConflict) {
				// Raced another source to the same fingerprint.
				res.duplicates++
				stagedFPs[fp] = struct{}{}
				continue
			}
			return c.failBatch(batch, src, res, err)
		}

		stagedFPs[fp] = struct{}{}
		if sim != 0 {
			stagedSims = append(stagedSims, int64(sim))
		}
		res.newItems++
	}

	if err := batch.Commit(); err != nil {
		// Release the transaction handle; the driver usually has
		// already torn it down, so a rollback error is expected here.
		if rbErr := batch.Rollback(); rbErr != nil {
			slog.Debug("rollback after failed commit", "source", src.Name, "error", rbErr)
		}
		res.err = fmt.Errorf("error committing batch for %s: %w", src.Name, err)
		res.newItems = 0
		res.duplicates = 0
		res.collected = 0
		return res
	}

	return res
}

// nearDuplicate scans recently fetched articles (and items staged
// earlier in this batch) for a fingerprint within the Hamming
// threshold. First match by query order wins.
func (c *Coordinator) nearDuplicate(ctx context.Context, batch ArticleBatch, sim uint64, staged []int64, now time.Time) (bool, error) {
	rows, err := batch.RecentSimhashes(ctx, now.Add(-c.window))
	if err != nil {
		return false, fmt.Errorf("error scanning recent fingerprints: %w", err)
	}
	for _, row := range rows {
		if fingerprint.HammingDistance(sim, uint64(row.Simhash)) <= c.hammingThreshold {
			return true, nil
		}
	}
	for _, s := range staged {
		if fingerprint.HammingDistance(sim, uint64(s)) <= c.hammingThreshold {
			return true, nil
		}
	}
	return false, nil
}

// failBatch rolls back the source's pending writes and converts the
// failure into a source-level result. Other sources' committed data is
// unaffected.
func (c *Coordinator) failBatch(batch ArticleBatch, src news.Source, res sourceResult, err error) sourceResult {
	if rbErr := batch.Rollback(); rbErr != nil {
		slog.Error("rollback failed", "source", src.Name, "error", rbErr)
	}
	res.err = fmt.Errorf("error persisting batch for %s: %w", src.Name, err)
	res.collected = 0
	res.newItems = 0
	res.duplicates = 0
	return res
}

// reportHealth writes the attempt's outcome onto the source row. The
// fetch counts as a success when it produced any item, new or
// duplicate.
func (c *Coordinator) reportHealth(ctx context.Context, src news.Source, res sourceResult) {
	health := news.SourceHealth{
		CheckedAt: c.now().UTC(),
		Succeeded: res.err == nil && res.collected+res.duplicates > 0,
	}
	if res.err != nil {
		health.Error = res.err.Error()
	}
	if err := c.sources.UpdateSourceHealth(ctx, src.ID, health); err != nil {
		slog.ErrorContext(ctx, "error updating source health", "error", err)
	}
}
