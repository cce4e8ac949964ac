// Package collector implements the per-source-type adapters that pull
// candidate items from configured upstreams.
package collector

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/okewood/harvest/internal/news"
)

// Collector pulls candidate items for a single configured source. A
// legitimately empty source returns an empty slice, not an error.
// Implementations must honor the source's MaxItems cap.
type Collector interface {
	Collect(ctx context.Context, src news.Source) ([]news.Candidate, error)
}

// CollectionError is an unrecoverable fetch or parse failure for one
// source. It is isolated at the coordinator's task boundary and never
// propagates to other sources.
type CollectionError struct {
	Source string
	Err    error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collecting %s: %s", e.Source, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// ConfigurationError is a missing or invalid source configuration:
// missing URL, missing selector, missing credential. Fatal to that
// source's run and never retried automatically.
type ConfigurationError struct {
	Source string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("source %s misconfigured: %s", e.Source, e.Reason)
}

// Registry maps source types to their collector.
type Registry struct {
	byType map[news.SourceType]Collector
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[news.SourceType]Collector)}
}

func (r *Registry) Register(t news.SourceType, c Collector) {
	r.byType[t] = c
}

// For returns the collector handling the given source type.
func (r *Registry) For(t news.SourceType) (Collector, bool) {
	c, ok := r.byType[t]
	return c, ok
}

// DefaultRegistry wires the built-in collectors over a shared HTTP
// client. Source types without an adapter (api, email) are left
// unregistered and reported as configuration errors at collection time.
func DefaultRegistry(client *http.Client) *Registry {
	r := NewRegistry()
	r.Register(news.SourceTypeFeed, NewFeedCollector(client))
	r.Register(news.SourceTypeCrawler, NewScrapeCollector(client))
	r.Register(news.SourceTypeTimeline, NewTimelineCollector(client, ""))
	return r
}

const userAgent = "harvest/1.0"

// defaultClient is used when a collector is constructed without one.
// Per-source fetches need their own timeout independent of the overall
// collection deadline.
func defaultClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

const minDetectableRunes = 10

// detectLanguage returns the two-letter code for the content's
// language, or "unknown" when the text is too short or the classifier
// is not confident.
func detectLanguage(content string) string {
	if utf8.RuneCountInString(content) < minDetectableRunes {
		return "unknown"
	}
	info := whatlanggo.Detect(content)
	code := info.Lang.Iso6391()
	if code == "" || !info.IsReliable() {
		return "unknown"
	}
	return code
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}
