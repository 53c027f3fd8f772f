package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEngine calls an external anonymizer service over HTTP. The
// service contract is a single POST endpoint taking the text and
// profile and returning the scrubbed text.
type RemoteEngine struct {
	url    string
	client *http.Client
}

// NewRemoteEngine builds a client for the anonymizer at url.
func NewRemoteEngine(url string, timeout time.Duration) *RemoteEngine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteEngine{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type anonymizeRequest struct {
	Text    string `json:"text"`
	Profile string `json:"profile"`
}

type anonymizeResponse struct {
	Text     string `json:"text"`
	Modified bool   `json:"modified"`
}

// Anonymize sends text to the remote service.
func (e *RemoteEngine) Anonymize(ctx context.Context, text string, profile Profile) (string, bool, error) {
	body, err := json.Marshal(anonymizeRequest{Text: text, Profile: string(profile)})
	if err != nil {
		return "", false, fmt.Errorf("encode anonymize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/anonymize", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build anonymize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("call anonymizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("anonymizer returned status %d", resp.StatusCode)
	}

	var decoded anonymizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&decoded); err != nil {
		return "", false, fmt.Errorf("decode anonymize response: %w", err)
	}
	return decoded.Text, decoded.Modified, nil
}
