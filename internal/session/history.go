package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wardlink/wardlink/internal/protocol"
)

// HTTPHistory fetches room backlogs from the server's history endpoint.
type HTTPHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPHistory creates a fetcher for the given server base URL.
func NewHTTPHistory(baseURL, token string) *HTTPHistory {
	return &HTTPHistory{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client:  http.DefaultClient,
	}
}

// Fetch implements HistoryFetcher.
func (h *HTTPHistory) Fetch(ctx context.Context, room string) ([]protocol.Message, error) {
	endpoint := h.BaseURL + "/api/rooms/" + url.PathEscape(room) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history fetch rejected: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var msgs []protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}
