package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/okewood/harvest/internal/htmltext"
	"github.com/okewood/harvest/internal/news"
)

// Pagination behaviors for the scraper.
const (
	PaginationNone  = "none"
	PaginationQuery = "query"
	PaginationNext  = "next"
)

const (
	defaultPageCap   = 3
	defaultPageDelay = 500 * time.Millisecond
)

// ScrapeConfig is the per-source blob driving the page scraper. It
// lives in the source's scrape_config column as JSON.
type ScrapeConfig struct {
	ListURL string `json:"list_url"`

	ItemSelector    string `json:"item_selector"`
	TitleSelector   string `json:"title_selector"`
	URLSelector     string `json:"url_selector"`
	DateSelector    string `json:"date_selector"`
	AuthorSelector  string `json:"author_selector"`
	ContentSelector string `json:"content_selector"`

	// FetchDetail pulls each item's own page for full content instead
	// of settling for whatever the list page shows.
	FetchDetail bool `json:"fetch_detail"`

	Pagination struct {
		Type         string `json:"type"` // none | query | next
		Param        string `json:"param"`
		NextSelector string `json:"next_selector"`
		MaxPages     int    `json:"max_pages"`
	} `json:"pagination"`

	// Fixed delay between page requests so we don't hammer the host.
	DelayMS int `json:"delay_ms"`
}

// ScrapeCollector walks configured list pages and extracts items with
// CSS selectors.
type ScrapeCollector struct {
	client *http.Client

	// Replaceable so tests don't sleep for real.
	sleep func(context.Context, time.Duration)
}

func NewScrapeCollector(client *http.Client) *ScrapeCollector {
	if client == nil {
		client = defaultClient()
	}
	return &ScrapeCollector{
		client: client,
		sleep:  sleepCtx,
	}
}

func (s *ScrapeCollector) Collect(ctx context.Context, src news.Source) ([]news.Candidate, error) {
	cfg, err := parseScrapeConfig(src)
	if err != nil {
		return nil, err
	}

	var (
		candidates []news.Candidate
		pageURL    = cfg.ListURL
		pageCap    = cfg.Pagination.MaxPages
		delay      = defaultPageDelay
	)
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	if cfg.Pagination.Type == PaginationNone || cfg.Pagination.Type == "" {
		pageCap = 1
	}
	if cfg.DelayMS > 0 {
		delay = time.Duration(cfg.DelayMS) * time.Millisecond
	}

	for page := 1; page <= pageCap && pageURL != ""; page++ {
		if page > 1 {
			s.sleep(ctx, delay)
		}

		doc, err := s.fetchDocument(ctx, pageURL)
		if err != nil {
			// The first page failing means the source is unreachable;
			// later pages failing just ends pagination early.
			if page == 1 {
				return nil, &CollectionError{Source: src.Name, Err: err}
			}
			slog.Debug("stopping pagination", "source", src.Name, "page", page, "error", err)
			break
		}

		full := false
		doc.Find(cfg.ItemSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if src.MaxItems > 0 && len(candidates) >= src.MaxItems {
				full = true
				return false
			}
			cand, ok := s.extractItem(ctx, cfg, src, sel, pageURL, delay)
			if ok {
				candidates = append(candidates, cand)
			}
			return true
		})
		if full {
			break
		}

		pageURL = nextPageURL(cfg, doc, pageURL, page)
	}

	return candidates, nil
}

func parseScrapeConfig(src news.Source) (ScrapeConfig, error) {
	var cfg ScrapeConfig
	if src.ScrapeConfig == nil || strings.TrimSpace(*src.ScrapeConfig) == "" {
		return cfg, &ConfigurationError{Source: src.Name, Reason: "missing scrape config"}
	}
	if err := json.Unmarshal([]byte(*src.ScrapeConfig), &cfg); err != nil {
		return cfg, &ConfigurationError{Source: src.Name, Reason: fmt.Sprintf("invalid scrape config: %s", err)}
	}
	if cfg.ListURL == "" {
		cfg.ListURL = src.URL
	}
	if cfg.ListURL == "" {
		return cfg, &ConfigurationError{Source: src.Name, Reason: "missing list url"}
	}
	if cfg.ItemSelector == "" {
		return cfg, &ConfigurationError{Source: src.Name, Reason: "missing item selector"}
	}
	return cfg, nil
}

func (s *ScrapeCollector) extractItem(ctx context.Context, cfg ScrapeConfig, src news.Source, sel *goquery.Selection, baseURL string, delay time.Duration) (news.Candidate, bool) {
	title := strings.TrimSpace(selText(sel, cfg.TitleSelector))
	href := selHref(sel, cfg.URLSelector)
	if title == "" || href == "" {
		// Not an error: list pages carry ads and section headers that
		// match the item selector.
		slog.Debug("skipping item without title or url", "source", src.Name)
		return news.Candidate{}, false
	}

	itemURL := resolveURL(baseURL, href)

	cand := news.Candidate{
		Title:       title,
		URL:         itemURL,
		Author:      src.DefaultAuthor,
		PublishedAt: time.Now().UTC(),
		Origin:      news.OriginFeedSummary,
	}

	if cfg.AuthorSelector != "" {
		if author := strings.TrimSpace(selText(sel, cfg.AuthorSelector)); author != "" {
			cand.Author = author
		}
	}
	if cfg.DateSelector != "" {
		if ts, ok := parseDate(selText(sel, cfg.DateSelector)); ok {
			cand.PublishedAt = ts
		}
	}
	if cfg.ContentSelector != "" {
		if html, err := sel.Find(cfg.ContentSelector).Html(); err == nil {
			cand.RawHTML = sanitizeHTML(html)
			cand.Content = htmltext.Flatten(html)
		}
	}
	if cand.Content == "" {
		cand.Content = htmltext.Flatten(selText(sel, ""))
	}

	if cfg.FetchDetail {
		s.sleep(ctx, delay)
		if text, raw, ok := s.fetchDetail(ctx, cfg, itemURL); ok && len(text) > len(cand.Content) {
			cand.Content = text
			cand.RawHTML = sanitizeHTML(raw)
			cand.Origin = news.OriginFetchedFullText
			cand.FullText = true
		}
	}

	cand.Language = detectLanguage(cand.Content)
	return cand, true
}

// fetchDetail pulls the item's own page. Readability extraction runs
// first; the configured content selector is the fallback for pages
// readability can't make sense of.
func (s *ScrapeCollector) fetchDetail(ctx context.Context, cfg ScrapeConfig, itemURL string) (text, raw string, ok bool) {
	u, err := url.Parse(itemURL)
	if err != nil {
		return "", "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL, nil)
	if err != nil {
		return "", "", false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Debug("detail fetch failed", "url", itemURL, "error", err)
		return "", "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", false
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", "", false
	}

	if html, err := goquery.OuterHtml(doc.Selection); err == nil {
		if ex, exErr := readableFromHTML(html, u); exErr == nil && ex.text != "" {
			return ex.text, ex.html, true
		}
	}

	if cfg.ContentSelector != "" {
		if html, err := doc.Find(cfg.ContentSelector).Html(); err == nil && html != "" {
			return htmltext.Flatten(html), html, true
		}
	}
	return "", "", false
}

func (s *ScrapeCollector) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error parsing page: %w", err)
	}
	return doc, nil
}

// nextPageURL computes where pagination continues, or "" when done.
func nextPageURL(cfg ScrapeConfig, doc *goquery.Document, current string, page int) string {
	switch cfg.Pagination.Type {
	case PaginationQuery:
		param := cfg.Pagination.Param
		if param == "" {
			param = "page"
		}
		u, err := url.Parse(current)
		if err != nil {
			return ""
		}
		q := u.Query()
		q.Set(param, strconv.Itoa(page+1))
		u.RawQuery = q.Encode()
		return u.String()
	case PaginationNext:
		selector := cfg.Pagination.NextSelector
		if selector == "" {
			selector = "a[rel=next]"
		}
		href, ok := doc.Find(selector).First().Attr("href")
		if !ok || href == "" {
			return ""
		}
		return resolveURL(current, href)
	default:
		return ""
	}
}

func selText(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return sel.Text()
	}
	return sel.Find(selector).First().Text()
}

func selHref(sel *goquery.Selection, selector string) string {
	target := sel
	if selector != "" {
		target = sel.Find(selector).First()
	} else if goquery.NodeName(sel) != "a" {
		target = sel.Find("a").First()
	}
	if href, ok := target.Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	return ""
}

func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"02 Jan 2006",
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
