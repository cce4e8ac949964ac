package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/okewood/harvest/internal/coordinator"
	harverrs "github.com/okewood/harvest/internal/errors"
	"github.com/okewood/harvest/internal/news"
	"github.com/okewood/harvest/internal/sqlite"
)

// Runner triggers a collection run; implemented by the coordinator.
type Runner interface {
	CollectAll(ctx context.Context) (coordinator.Stats, error)
}

// Handlers hold the dependencies the routes need.
type Handlers struct {
	Store  *sqlite.Store
	Runner Runner

	// Cap on how long a triggered run may take.
	RunTimeout time.Duration
}

func (h Handlers) runCollection(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	if h.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RunTimeout)
		defer cancel()
	}

	stats, err := h.Runner.CollectAll(ctx)
	if err != nil {
		return harverrs.E(fmt.Errorf("error running collection: %w", err))
	}

	return WriteJSON(w, http.StatusOK, stats)
}

func (h Handlers) listSources(w http.ResponseWriter, r *http.Request) error {
	sources, err := h.Store.AllSources(r.Context())
	if err != nil {
		return err
	}

	resp := make([]sourceResp, 0, len(sources))
	for _, src := range sources {
		resp = append(resp, toSourceResp(src))
	}
	return WriteJSON(w, http.StatusOK, resp)
}

type createSourceRequest struct {
	Name          string          `json:"name"`
	Type          news.SourceType `json:"type"`
	URL           string          `json:"url"`
	Credential    string          `json:"credential"`
	MaxItems      int             `json:"max_items"`
	Priority      int             `json:"priority"`
	Enabled       *bool           `json:"enabled"`
	DefaultAuthor string          `json:"default_author"`
	ScrapeConfig  *string         `json:"scrape_config"`
}

func (c createSourceRequest) Validate() error {
	var details []harverrs.Detail
	if c.Name == "" {
		details = append(details, harverrs.Detail{Field: "name", Error: "required"})
	}
	switch c.Type {
	case news.SourceTypeFeed, news.SourceTypeCrawler, news.SourceTypeTimeline, news.SourceTypeAPI, news.SourceTypeEmail:
	default:
		details = append(details, harverrs.Detail{Field: "type", Error: "unknown source type"})
	}
	if c.Type != news.SourceTypeCrawler && c.URL == "" {
		details = append(details, harverrs.Detail{Field: "url", Error: "required"})
	}
	if len(details) > 0 {
		return harverrs.E(http.StatusBadRequest, "invalid source", details)
	}
	return nil
}

func (h Handlers) createSource(w http.ResponseWriter, r *http.Request) error {
	body, err := DecodeValid[createSourceRequest](r.Body)
	if err != nil {
		sErr := &harverrs.Error{}
		if errors.As(err, &sErr) {
			return sErr
		}
		return harverrs.E(http.StatusBadRequest, err)
	}

	src := news.Source{
		Name:          body.Name,
		Type:          body.Type,
		URL:           body.URL,
		Credential:    body.Credential,
		MaxItems:      body.MaxItems,
		Priority:      body.Priority,
		Enabled:       body.Enabled == nil || *body.Enabled,
		DefaultAuthor: body.DefaultAuthor,
		ScrapeConfig:  body.ScrapeConfig,
	}
	if src.MaxItems <= 0 {
		src.MaxItems = 50
	}
	if src.Priority <= 0 {
		src.Priority = 100
	}

	created, err := h.Store.InsertSource(r.Context(), src)
	if errors.Is(err, news.ErrConflict) {
		return harverrs.E(http.StatusConflict, err)
	}
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusCreated, toSourceResp(created))
}

func (h Handlers) getArticle(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["articleID"]

	article, err := h.Store.Article(r.Context(), id)
	if errors.Is(err, news.ErrNotFound) {
		return harverrs.E(http.StatusNotFound, err)
	}
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, articleResp{
		ID:          article.ID,
		SourceID:    article.SourceID,
		Title:       article.Title,
		URL:         article.URL,
		Content:     article.Content,
		Author:      article.Author,
		Language:    article.Language,
		PublishedAt: article.PublishedAt,
		Origin:      string(article.Origin),
		FullText:    article.FullText,
		Fingerprint: article.Fingerprint,
		FetchedAt:   article.FetchedAt,
		Status:      article.Status,
	})
}

func (h Handlers) getStats(w http.ResponseWriter, r *http.Request) error {
	count, err := h.Store.CountArticles(r.Context())
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, map[string]any{
		"articles": count,
	})
}

type sourceResp struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Type                string     `json:"type"`
	URL                 string     `json:"url"`
	MaxItems            int        `json:"max_items"`
	Priority            int        `json:"priority"`
	Enabled             bool       `json:"enabled"`
	DefaultAuthor       string     `json:"default_author,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           *string    `json:"last_error,omitempty"`
}

func toSourceResp(src news.Source) sourceResp {
	return sourceResp{
		ID:                  src.ID,
		Name:                src.Name,
		Type:                string(src.Type),
		URL:                 src.URL,
		MaxItems:            src.MaxItems,
		Priority:            src.Priority,
		Enabled:             src.Enabled,
		DefaultAuthor:       src.DefaultAuthor,
		LastCheckedAt:       src.LastCheckedAt,
		LastSuccessAt:       src.LastSuccessAt,
		ConsecutiveFailures: src.ConsecutiveFailures,
		LastError:           src.LastError,
	}
}

type articleResp struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	Author      string    `json:"author,omitempty"`
	Language    string    `json:"language"`
	PublishedAt time.Time `json:"published_at"`
	Origin      string    `json:"content_origin"`
	FullText    bool      `json:"full_text"`
	Fingerprint string    `json:"fingerprint"`
	FetchedAt   time.Time `json:"fetched_at"`
	Status      string    `json:"status"`
}
