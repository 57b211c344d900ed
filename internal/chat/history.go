package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
	"github.com/MateGozner/SNIF-sub000/internal/util"
)

// HistoryClient fetches the persisted message page for a conversation from
// the REST API. It satisfies HistoryFetcher.
type HistoryClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHistoryClient creates a history client for the given API base URL.
func NewHistoryClient(baseURL string) *HistoryClient {
	return &HistoryClient{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// FetchPage returns the server-side message page for matchID, oldest first.
// A 404 means the conversation has no history yet and yields an empty page.
func (c *HistoryClient) FetchPage(ctx context.Context, matchID string) ([]proto.Message, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	u := c.BaseURL + "/api/matches/" + url.PathEscape(matchID) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %s", u, resp.Status)
	}

	var page []proto.Message
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return page, nil
}
