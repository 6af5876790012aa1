// Package grader implements the client side of the push-grader protocol.
package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gradeflow/xqueue/internal/domain"
)

// HTTPGrader posts submissions to one external grading endpoint and returns
// the raw reply body.
type HTTPGrader struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPGrader builds a grader client for url with the grading timeout.
func NewHTTPGrader(url string, timeout time.Duration) *HTTPGrader {
	return &HTTPGrader{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

// Respond delivers the payload and returns the grader's reply verbatim.
// Any connection error or non-200 status is a failed exchange.
func (g *HTTPGrader) Respond(ctx context.Context, p domain.GraderPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("op=grader.respond url=%s: %w", g.URL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("op=grader.respond url=%s: %w", g.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=grader.respond url=%s: %w", g.URL, domain.ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=grader.respond url=%s: %w", g.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=grader.respond url=%s status=%d: %w", g.URL, resp.StatusCode, domain.ErrUpstream)
	}
	return string(body), nil
}
