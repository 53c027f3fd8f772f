// Package lookup queries the ticketing service for context attached to
// a new session. Enrichment is optional: a missing or failing service
// degrades to an unenriched session, never to a failed open.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Ticket is the subset of ticket fields the broker cares about.
type Ticket struct {
	Ref       string `json:"ref"`
	ClientRef string `json:"client_ref"`
	Subject   string `json:"subject"`
	Priority  string `json:"priority"`
}

// Client talks to the ticketing service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New builds a lookup client. An empty baseURL returns nil, which
// callers treat as enrichment disabled.
func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ticket fetches one ticket by reference.
func (c *Client) Ticket(ctx context.Context, ref string) (*Ticket, error) {
	endpoint := c.baseURL + "/api/tickets/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ticket request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ticket service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("ticket service returned status %d", resp.StatusCode)
	}

	var ticket Ticket
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ticket); err != nil {
		return nil, fmt.Errorf("decode ticket response: %w", err)
	}
	return &ticket, nil
}
