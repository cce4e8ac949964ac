package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/sym01/htmlsanitizer"

	"github.com/okewood/harvest/internal/htmltext"
	"github.com/okewood/harvest/internal/news"
)

const (
	// Entries whose normalized content runs shorter than this many
	// characters are dropped as low-quality.
	minContentLength = 50

	// Feed content under this many characters triggers a full-text
	// fetch of the article page.
	backfillThreshold = 500

	// The fetched text is only adopted when it beats the feed content
	// by this factor; extractors that fail quietly tend to return
	// boilerplate shorter than the real article.
	backfillRatio = 1.5

	maxFeedBytes = 4 << 20 // 4MB

	extractCacheSize = 256
)

// Inline strings (titles, author names) get the strict strip treatment.
var stripPolicy = bluemonday.StrictPolicy()

// extraction is a cached readability result for one article URL.
type extraction struct {
	text string
	html string
}

// FeedCollector pulls entries from RSS/Atom feeds.
type FeedCollector struct {
	client *http.Client
	parser *gofeed.Parser

	// Readability fetches are the expensive part of a run; cache them
	// per URL so overlapping feeds don't refetch the same article.
	extractCache *lru.Cache[string, extraction]
}

func NewFeedCollector(client *http.Client) *FeedCollector {
	if client == nil {
		client = defaultClient()
	}
	cache, _ := lru.New[string, extraction](extractCacheSize)
	return &FeedCollector{
		client:       client,
		parser:       gofeed.NewParser(),
		extractCache: cache,
	}
}

func (f *FeedCollector) Collect(ctx context.Context, src news.Source) ([]news.Candidate, error) {
	if src.URL == "" {
		return nil, &ConfigurationError{Source: src.Name, Reason: "missing feed url"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, &ConfigurationError{Source: src.Name, Reason: fmt.Sprintf("bad feed url: %s", err)}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &CollectionError{Source: src.Name, Err: fmt.Errorf("error fetching feed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &CollectionError{Source: src.Name, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	feed, err := f.parser.Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, &CollectionError{Source: src.Name, Err: fmt.Errorf("error parsing feed: %w", err)}
	}

	candidates := make([]news.Candidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		if src.MaxItems > 0 && len(candidates) >= src.MaxItems {
			break
		}

		raw := chooseContent(item)
		content := htmltext.Flatten(raw)
		// Thresholds count characters, not bytes: multi-byte scripts
		// must not skew them.
		contentLen := utf8.RuneCountInString(content)
		if contentLen < minContentLength {
			slog.Debug("dropping low-quality entry", "source", src.Name, "url", item.Link, "length", contentLen)
			continue
		}

		cand := news.Candidate{
			Title:       stripPolicy.Sanitize(item.Title),
			URL:         item.Link,
			Content:     content,
			RawHTML:     sanitizeHTML(raw),
			Author:      resolveAuthor(item, src.DefaultAuthor),
			PublishedAt: publishedAt(item),
			Origin:      news.OriginFeedSummary,
		}

		if contentLen < backfillThreshold {
			if full, ok := f.fetchFullText(ctx, item.Link); ok && float64(utf8.RuneCountInString(full.text)) > backfillRatio*float64(contentLen) {
				cand.Content = full.text
				cand.RawHTML = sanitizeHTML(full.html)
				cand.Origin = news.OriginFetchedFullText
				cand.FullText = true
			}
		}

		cand.Language = detectLanguage(cand.Content)
		candidates = append(candidates, cand)
	}

	return candidates, nil
}

// chooseContent walks the entry's fallback chain: full content first,
// then the summary/description.
func chooseContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

// resolveAuthor falls back through the entry's author field, the first
// named contributor, then the source's configured default.
func resolveAuthor(item *gofeed.Item, fallback string) string {
	if item.Author != nil && item.Author.Name != "" {
		return stripPolicy.Sanitize(item.Author.Name)
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return stripPolicy.Sanitize(a.Name)
		}
	}
	return fallback
}

func publishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Now().UTC()
}

// fetchFullText pulls the article page and runs it through readability.
// Failures are logged and swallowed: backfill is opportunistic and must
// never fail a collection.
func (f *FeedCollector) fetchFullText(ctx context.Context, articleURL string) (extraction, bool) {
	if articleURL == "" {
		return extraction{}, false
	}
	if cached, ok := f.extractCache.Get(articleURL); ok {
		return cached, cached.text != ""
	}

	ex, err := f.extract(ctx, articleURL)
	if err != nil {
		slog.Debug("full-text backfill failed", "url", articleURL, "error", err)
		// Negative-cache so a broken page isn't refetched per feed.
		f.extractCache.Add(articleURL, extraction{})
		return extraction{}, false
	}

	f.extractCache.Add(articleURL, ex)
	return ex, true
}

func (f *FeedCollector) extract(ctx context.Context, articleURL string) (extraction, error) {
	u, err := url.Parse(articleURL)
	if err != nil {
		return extraction{}, fmt.Errorf("error with the entry's url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return extraction{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return extraction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return extraction{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	parser := readability.NewParser()
	article, err := parser.Parse(io.LimitReader(resp.Body, maxFeedBytes), u)
	if err != nil {
		return extraction{}, err
	}

	return extraction{
		text: htmltext.Flatten(article.Content),
		html: article.Content,
	}, nil
}

// readableFromHTML runs readability over markup already in hand.
func readableFromHTML(rawHTML string, u *url.URL) (extraction, error) {
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(rawHTML), u)
	if err != nil {
		return extraction{}, err
	}
	return extraction{
		text: htmltext.Flatten(article.Content),
		html: article.Content,
	}, nil
}

// sanitizeHTML strips dangerous markup from raw HTML kept alongside the
// plain text.
func sanitizeHTML(raw string) string {
	if raw == "" {
		return ""
	}
	s := htmlsanitizer.NewHTMLSanitizer()
	out, err := s.SanitizeString(raw)
	if err != nil {
		return ""
	}
	return out
}
