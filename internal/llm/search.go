package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

type ImageSearcher interface {
	SearchImages(ctx context.Context, query string, limit int) ([]model.SearchResult, error)
}

// HTTPImageSearcher queries a SearXNG-compatible JSON endpoint.
type HTTPImageSearcher struct {
	endpoint string
	client   *http.Client
}

func NewHTTPImageSearcher(endpoint string, client *http.Client) *HTTPImageSearcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPImageSearcher{endpoint: endpoint, client: client}
}

func (s *HTTPImageSearcher) SearchImages(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("categories", "images")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Transient(apperr.CodeLLMError, fmt.Errorf("image search: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read image search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image search: unexpected status %d", resp.StatusCode)
	}
	return ParseImageResults(body, limit), nil
}

// ParseImageResults extracts results[].img_src/url/title from a SearXNG
// response. Entries without an image are skipped.
func ParseImageResults(body []byte, limit int) []model.SearchResult {
	var out []model.SearchResult
	gjson.GetBytes(body, "results").ForEach(func(_, item gjson.Result) bool {
		img := item.Get("img_src").String()
		if img == "" {
			return true
		}
		out = append(out, model.SearchResult{
			URL:       img,
			Thumbnail: item.Get("thumbnail_src").String(),
			Title:     item.Get("title").String(),
			Source:    item.Get("url").String(),
		})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// QueryFromArguments reads the query argument of a search_images call.
func QueryFromArguments(args string) string {
	return gjson.Get(args, "query").String()
}
