package vision

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

	"github.com/MrWong99/visiontalk/internal/resilience"
)

// Client asks a remote relay that serves POST /analyze-image.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
}

var _ Asker = (*Client)(nil)

// NewClient returns a Client for the relay at baseURL. timeout <= 0 means no
// client-side timeout beyond ctx.
func NewClient(baseURL string, timeout time.Duration, breaker resilience.CircuitBreakerConfig) *Client {
	if breaker.Name == "" {
		breaker.Name = "vision-relay"
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/analyze-image",
		http:     &http.Client{Timeout: timeout},
		breaker:  resilience.NewCircuitBreaker(breaker),
	}
}

// Analyze posts the snapshot and question to the relay. Transport failures,
// non-200 responses and an open breaker all wrap [ErrNetworkFailure].
func (c *Client) Analyze(ctx context.Context, imageB64, question string) (string, error) {
	body, err := json.Marshal(AnalyzeRequest{Image: imageB64, Question: question})
	if err != nil {
		return "", fmt.Errorf("vision: encode request: %w", err)
	}

	var answer string
	err = c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		answer, err = c.post(ctx, body)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	return answer, err
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: HTTP error! status: %d", ErrNetworkFailure, resp.StatusCode)
	}

	var out AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrNetworkFailure, err)
	}
	return out.Answer, nil
}
