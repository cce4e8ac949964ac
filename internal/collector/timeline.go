package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okewood/harvest/internal/news"
)

const (
	defaultTimelineBaseURL = "https://api.twitter.com/2"

	// The platform caps a single timeline request at 100 entries.
	timelineRequestCap = 100

	timelineTitleLimit = 200

	maxTimelineBytes = 1 << 20 // 1MB
)

// TimelineCollector maps short-form social timeline entries to
// candidate items. The source URL holds the account handle; the
// credential is a bearer token.
type TimelineCollector struct {
	client  *http.Client
	baseURL string
}

func NewTimelineCollector(client *http.Client, baseURL string) *TimelineCollector {
	if client == nil {
		client = defaultClient()
	}
	if baseURL == "" {
		baseURL = defaultTimelineBaseURL
	}
	return &TimelineCollector{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

type timelineUserResp struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

type timelineEntriesResp struct {
	Data []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
		Lang      string `json:"lang"`
	} `json:"data"`
}

func (t *TimelineCollector) Collect(ctx context.Context, src news.Source) ([]news.Candidate, error) {
	if src.Credential == "" {
		return nil, &ConfigurationError{Source: src.Name, Reason: "missing bearer token"}
	}
	handle := strings.TrimPrefix(strings.TrimSpace(src.URL), "@")
	if handle == "" {
		return nil, &ConfigurationError{Source: src.Name, Reason: "missing account handle"}
	}

	userID, err := t.resolveHandle(ctx, handle, src.Credential)
	if err != nil {
		return nil, &CollectionError{Source: src.Name, Err: err}
	}

	limit := timelineRequestCap
	if src.MaxItems > 0 && src.MaxItems < limit {
		limit = src.MaxItems
	}

	var entries timelineEntriesResp
	url := fmt.Sprintf("%s/users/%s/tweets?max_results=%d&tweet.fields=created_at,lang", t.baseURL, userID, limit)
	if err := t.getJSON(ctx, url, src.Credential, &entries); err != nil {
		return nil, &CollectionError{Source: src.Name, Err: err}
	}

	candidates := make([]news.Candidate, 0, len(entries.Data))
	for _, e := range entries.Data {
		if len(candidates) >= limit {
			break
		}
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}

		publishedAt := time.Now().UTC()
		if ts, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
			publishedAt = ts.UTC()
		}

		lang := e.Lang
		if lang == "" {
			lang = detectLanguage(text)
		}

		// Timeline entries are inherently short-form: the text serves
		// as both title and content, and there is nothing to backfill.
		candidates = append(candidates, news.Candidate{
			Title:       truncate(text, timelineTitleLimit),
			URL:         fmt.Sprintf("https://twitter.com/%s/status/%s", handle, e.ID),
			Content:     text,
			Author:      handle,
			Language:    lang,
			PublishedAt: publishedAt,
			Origin:      news.OriginFeedSummary,
		})
	}

	return candidates, nil
}

// resolveHandle turns an account handle into the platform's numeric
// user id.
func (t *TimelineCollector) resolveHandle(ctx context.Context, handle, token string) (string, error) {
	var user timelineUserResp
	url := fmt.Sprintf("%s/users/by/username/%s", t.baseURL, handle)
	if err := t.getJSON(ctx, url, token, &user); err != nil {
		return "", fmt.Errorf("error resolving handle %s: %w", handle, err)
	}
	if user.Data.ID == "" {
		return "", fmt.Errorf("handle %s did not resolve to a user id", handle)
	}
	return user.Data.ID, nil
}

func (t *TimelineCollector) getJSON(ctx context.Context, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTimelineBytes)).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
