package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is one ranked web search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher is the single operation the orchestrator needs from the web.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Client calls the Serper search API. Stateless; cancellation of ctx aborts
// the outbound call.
type Client struct {
	BaseURL    string
	APIKey     string
	NumResults int
	HTTP       *http.Client
}

func NewClient(baseURL, apiKey string, numResults int) *Client {
	if baseURL == "" {
		baseURL = "https://google.serper.dev"
	}
	if numResults <= 0 {
		numResults = 10
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		NumResults: numResults,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
}

type serperReq struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResp struct {
	Organic []Result `json:"organic"`
}

func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.HTTP == nil {
		return nil, errors.New("serper: http client is nil")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("serper: api key is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("serper: empty query")
	}

	b, err := json.Marshal(serperReq{Q: query, Num: c.NumResults})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/search", strings.TrimRight(c.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("serper: %s", msg)
	}

	var decoded serperResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Organic, nil
}
