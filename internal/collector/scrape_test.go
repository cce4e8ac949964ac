package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okewood/harvest/internal/news"
)

const testListPage = `<!DOCTYPE html>
<html><body>
<article class="item">
  <h2>Council Approves Budget</h2>
  <a href="/story/budget">read</a>
  <span class="date">2024-03-05</span>
  <span class="byline">Pat Reporter</span>
  <div class="body"><p>The council approved the budget after months of negotiation.</p></div>
</article>
<article class="item">
  <h2>Bridge Reopens Early</h2>
  <a href="https://other.example.com/bridge">read</a>
  <div class="body"><p>The bridge reopened two weeks ahead of schedule.</p></div>
</article>
<article class="item">
  <h2>Section Header With No Link</h2>
  <div class="body"><p>Filler that should be skipped.</p></div>
</article>
</body></html>`

func scrapeSource(t *testing.T, name string, cfg ScrapeConfig) news.Source {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	blob := string(raw)
	return news.Source{Name: name, Type: news.SourceTypeCrawler, ScrapeConfig: &blob}
}

func newTestScraper(client *http.Client) *ScrapeCollector {
	c := NewScrapeCollector(client)
	c.sleep = func(context.Context, time.Duration) {}
	return c
}

func TestScrapeCollector_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testListPage))
	}))
	defer srv.Close()

	c := newTestScraper(srv.Client())
	src := scrapeSource(t, "test-crawl", ScrapeConfig{
		ListURL:         srv.URL,
		ItemSelector:    "article.item",
		TitleSelector:   "h2",
		DateSelector:    ".date",
		AuthorSelector:  ".byline",
		ContentSelector: ".body",
	})
	src.DefaultAuthor = "Staff"

	got, err := c.Collect(context.Background(), src)
	require.NoError(t, err)

	// The third block has no link and is skipped.
	require.Len(t, got, 2)

	assert.Equal(t, "Council Approves Budget", got[0].Title)
	assert.Equal(t, srv.URL+"/story/budget", got[0].URL)
	assert.Equal(t, "Pat Reporter", got[0].Author)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), got[0].PublishedAt)
	assert.Equal(t, "The council approved the budget after months of negotiation.", got[0].Content)
	assert.Equal(t, news.OriginFeedSummary, got[0].Origin)

	// Absolute links pass through; missing author and date fall back.
	assert.Equal(t, "https://other.example.com/bridge", got[1].URL)
	assert.Equal(t, "Staff", got[1].Author)
	assert.WithinDuration(t, time.Now().UTC(), got[1].PublishedAt, time.Minute)
}

func TestScrapeCollector_QueryPagination(t *testing.T) {
	page := func(n int) string {
		return fmt.Sprintf(`<html><body>
<div class="item"><h3>Story %d</h3><a href="/story/%d">go</a></div>
</body></html>`, n, n)
	}

	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.String())
		switch r.URL.Query().Get("p") {
		case "", "1":
			w.Write([]byte(page(1)))
		case "2":
			w.Write([]byte(page(2)))
		default:
			w.Write([]byte(page(3)))
		}
	}))
	defer srv.Close()

	c := newTestScraper(srv.Client())
	cfg := ScrapeConfig{
		ListURL:       srv.URL,
		ItemSelector:  "div.item",
		TitleSelector: "h3",
	}
	cfg.Pagination.Type = PaginationQuery
	cfg.Pagination.Param = "p"
	cfg.Pagination.MaxPages = 3

	got, err := c.Collect(context.Background(), scrapeSource(t, "test-crawl", cfg))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "Story 1", got[0].Title)
	assert.Equal(t, "Story 2", got[1].Title)
	assert.Equal(t, "Story 3", got[2].Title)
	require.Len(t, requested, 3)
	assert.Contains(t, requested[1], "p=2")
	assert.Contains(t, requested[2], "p=3")
}

func TestScrapeCollector_NextLinkPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
<div class="item"><h3>First</h3><a href="/story/1">go</a></div>
<a rel="next" href="/archive">older</a>
</body></html>`))
	})
	mux.HandleFunc("/archive", func(w http.ResponseWriter, r *http.Request) {
		// No next link here, so pagination stops.
		w.Write([]byte(`<html><body>
<div class="item"><h3>Second</h3><a href="/story/2">go</a></div>
</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestScraper(srv.Client())
	cfg := ScrapeConfig{
		ListURL:       srv.URL + "/",
		ItemSelector:  "div.item",
		TitleSelector: "h3",
	}
	cfg.Pagination.Type = PaginationNext
	cfg.Pagination.MaxPages = 5

	got, err := c.Collect(context.Background(), scrapeSource(t, "test-crawl", cfg))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "First", got[0].Title)
	assert.Equal(t, "Second", got[1].Title)
	assert.Equal(t, srv.URL+"/story/2", got[1].URL)
}

func TestScrapeCollector_MaxItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testListPage))
	}))
	defer srv.Close()

	c := newTestScraper(srv.Client())
	src := scrapeSource(t, "test-crawl", ScrapeConfig{
		ListURL:       srv.URL,
		ItemSelector:  "article.item",
		TitleSelector: "h2",
	})
	src.MaxItems = 1

	got, err := c.Collect(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "Council Approves Budget", got[0].Title)
}

func TestScrapeCollector_FirstPageUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestScraper(srv.Client())
	src := scrapeSource(t, "test-crawl", ScrapeConfig{
		ListURL:      srv.URL,
		ItemSelector: "div.item",
	})

	_, err := c.Collect(context.Background(), src)

	var cerr *CollectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "test-crawl", cerr.Source)
}

func TestScrapeCollector_BadConfig(t *testing.T) {
	c := newTestScraper(nil)

	tests := []struct {
		name string
		src  news.Source
	}{
		{
			name: "missing config",
			src:  news.Source{Name: "test-crawl", Type: news.SourceTypeCrawler},
		},
		{
			name: "invalid json",
			src: func() news.Source {
				blob := "{not json"
				return news.Source{Name: "test-crawl", ScrapeConfig: &blob}
			}(),
		},
		{
			name: "missing item selector",
			src:  scrapeSource(t, "test-crawl", ScrapeConfig{ListURL: "https://example.com"}),
		},
		{
			name: "missing list url",
			src:  scrapeSource(t, "test-crawl", ScrapeConfig{ItemSelector: "div.item"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Collect(context.Background(), tt.src)
			var cfg *ConfigurationError
			assert.True(t, errors.As(err, &cfg))
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
	}{
		{"2024-03-05", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"2024-03-05T10:30:00Z", time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)},
		{"March 5, 2024", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"05 Mar 2024", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		ts, ok := parseDate(tt.input)
		require.True(t, ok, tt.input)
		assert.Equal(t, tt.expected, ts)
	}

	_, ok := parseDate("not a date")
	assert.False(t, ok)
	_, ok = parseDate("")
	assert.False(t, ok)
}
