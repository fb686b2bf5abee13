// Package cascade is the HTTP client for the downstream retrieval API.
// Request and response shapes mirror the API contract; normalization
// into the evidence model happens in the tool layer.
package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cascade-search/rlm/pkg/version"
)

// Client talks to one cascade API deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the given base URL. An empty apiKey
// sends no auth header.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RawHit is one hit as returned by the API, before normalization.
type RawHit struct {
	ID       any            `json:"id"`
	Score    float64        `json:"score"`
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Metadata map[string]any `json:"metadata"`
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query      string         `json:"query"`
	Collection string         `json:"collection,omitempty"`
	TopK       int            `json:"top_k,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
}

// SearchResponse is the body of a /search or /search/multi reply.
type SearchResponse struct {
	Hits  []RawHit `json:"hits"`
	Total int      `json:"total"`
}

// MultiSearchRequest is the body of POST /search/multi.
type MultiSearchRequest struct {
	Query               string         `json:"query"`
	Collections         []string       `json:"collections"`
	TopKPerCollection   int            `json:"top_k_per_collection,omitempty"`
	TopK                int            `json:"top_k,omitempty"`
	Filters             map[string]any `json:"filters,omitempty"`
}

// BrowseRequest is the body of POST /browse.
type BrowseRequest struct {
	Collection    string         `json:"collection"`
	Filters       map[string]any `json:"filters,omitempty"`
	Offset        int            `json:"offset"`
	Limit         int            `json:"limit"`
	SortBy        string         `json:"sort_by,omitempty"`
	GroupBy       string         `json:"group_by,omitempty"`
	GroupLimit    int            `json:"group_limit,omitempty"`
	IncludeFacets bool           `json:"include_facets"`
}

// BrowseResponse is the body of a /browse reply.
type BrowseResponse struct {
	Hits           []RawHit            `json:"hits"`
	Total          int                 `json:"total"`
	HasMore        bool                `json:"has_more"`
	Facets         map[string]any      `json:"facets,omitempty"`
	GroupedResults map[string][]RawHit `json:"grouped_results,omitempty"`
}

// BridgeResponse is the body of GET /bridge.
type BridgeResponse struct {
	Bridges []string `json:"bridges"`
	Related []string `json:"related"`
}

// Search runs POST /search.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchMulti runs POST /search/multi with server-side rerank across
// collections.
func (c *Client) SearchMulti(ctx context.Context, req MultiSearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/search/multi", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Browse runs POST /browse.
func (c *Client) Browse(ctx context.Context, req BrowseRequest) (*BrowseResponse, error) {
	var resp BrowseResponse
	if err := c.post(ctx, "/browse", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bridge runs GET /bridge?q=.
func (c *Client) Bridge(ctx context.Context, query string) (*BridgeResponse, error) {
	u := c.baseURL + "/bridge?q=" + url.QueryEscape(query)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bridge request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge request: status %d", httpResp.StatusCode)
	}
	var resp BridgeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("bridge decode: %w", err)
	}
	return &resp, nil
}

// Health probes GET /health. Any response at all counts as reachable;
// only a connection-level failure reports unhealthy.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cascade unreachable: %w", err)
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("%s request: status %d: %s", path, httpResp.StatusCode, string(snippet))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
