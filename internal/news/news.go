// Package news holds the domain types shared across the collection
// pipeline: source configurations, the ephemeral candidate items that
// collectors produce, and the persisted article record.
package news

import (
	"errors"
	"time"
)

var (
	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")
)

// SourceType selects which collector handles a source.
type SourceType string

const (
	SourceTypeFeed     SourceType = "feed"
	SourceTypeCrawler  SourceType = "crawler"
	SourceTypeTimeline SourceType = "timeline"
	SourceTypeAPI      SourceType = "api"
	SourceTypeEmail    SourceType = "email"
)

// ContentOrigin records where an item's content came from.
type ContentOrigin string

const (
	OriginFeedSummary     ContentOrigin = "feed-summary"
	OriginFetchedFullText ContentOrigin = "fetched-full-text"
)

// StatusRaw is the processing status every article starts in. Later
// stages (scoring, review, publishing) advance it outside this core.
const StatusRaw = "raw"

type (
	// Source is a configured upstream to collect from. The pipeline
	// only ever mutates its health fields; creation and editing happen
	// through the ops API or externally.
	Source struct {
		ID            string     `db:"id"`
		Name          string     `db:"name"`
		Type          SourceType `db:"type"`
		URL           string     `db:"url"`
		Credential    string     `db:"credential"`
		MaxItems      int        `db:"max_items"`
		Priority      int        `db:"priority"`
		Enabled       bool       `db:"enabled"`
		DefaultAuthor string     `db:"default_author"`

		// Free-form JSON consumed by the crawler collector
		// (selectors, pagination). Null for other source types.
		ScrapeConfig *string `db:"scrape_config"`

		LastCheckedAt       *time.Time `db:"last_checked_at"`
		LastSuccessAt       *time.Time `db:"last_success_at"`
		ConsecutiveFailures int        `db:"consecutive_failures"`
		LastError           *string    `db:"last_error"`

		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// Candidate is a single normalized item produced by a collector.
	// Candidates are never persisted as-is: the coordinator fingerprints
	// them and either discards them as duplicates or promotes them to
	// an Article.
	Candidate struct {
		Title       string
		URL         string
		Content     string
		RawHTML     string
		Author      string
		Language    string
		PublishedAt time.Time
		Origin      ContentOrigin
		FullText    bool
	}

	// Article is the persisted, deduplicated record.
	Article struct {
		ID          string        `db:"id"`
		SourceID    string        `db:"source_id"`
		Title       string        `db:"title"`
		URL         string        `db:"url"`
		Content     string        `db:"content"`
		RawHTML     *string       `db:"raw_html"`
		Author      string        `db:"author"`
		Language    string        `db:"language"`
		PublishedAt time.Time     `db:"published_at"`
		Origin      ContentOrigin `db:"content_origin"`
		FullText    bool          `db:"full_text"`

		// Fingerprint is the exact dedup key (sha256 of normalized
		// title+url) and is unique across all articles. Simhash is the
		// fuzzy content fingerprint; null when the content was empty.
		Fingerprint string `db:"fingerprint"`
		Simhash     *int64 `db:"simhash"`

		FetchedAt time.Time `db:"fetched_at"`
		Status    string    `db:"status"`
		Duplicate bool      `db:"duplicate"`
		CreatedAt time.Time `db:"created_at"`
	}

	// SimhashRow is the projection used by the similarity scan.
	SimhashRow struct {
		ID      string `db:"id"`
		Simhash int64  `db:"simhash"`
	}

	// SourceHealth is what a collection attempt reports back onto the
	// source row.
	SourceHealth struct {
		CheckedAt time.Time
		Succeeded bool
		Error     string
	}
)
