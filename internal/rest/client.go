// Package rest wraps the one-time hydration fetch against the PawMap
// REST API. The comment sync engine only handles live updates; the
// initial thread contents come from here and are seeded into a store.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pawmap/comment-sync-go/internal/protocol"
)

// Client fetches comment threads from the REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// New constructs a REST client. httpClient may be nil; pass one with a
// cookie jar shared with the socket config when the API needs the
// caller's session.
func New(baseURL string, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rest base url must be provided")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With().Str("component", "comment_rest").Logger(),
	}, nil
}

// ListComments returns the current flat collection for a target.
func (c *Client) ListComments(ctx context.Context, target protocol.Target) ([]protocol.Comment, error) {
	endpoint := fmt.Sprintf("%s/comments/%s/%s", c.baseURL, url.PathEscape(string(target.Type)), url.PathEscape(target.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch comments: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch comments: unexpected status %d", resp.StatusCode)
	}

	var comments []protocol.Comment
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}

	c.logger.Debug().Str("target_id", target.ID).Int("count", len(comments)).Msg("fetched initial comments")

	return comments, nil
}
