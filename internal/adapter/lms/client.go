// Package lms posts grading verdicts back to the LMS callback URLs.
package lms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// failureBody is the verdict substituted when the grading exchange failed.
// The LMS renders msg directly to the student.
const failureBody = `{"correct": null, "score": 0, "msg": "<div class=\"capa_alert\">Your submission could not be graded. Please recheck your submission and try again. If the problem persists, please notify the course staff.</div>"}`

// maxAttempts covers abrupt LMS disconnects during deploys. Each attempt is
// an independent POST; only a 200 counts as delivered.
const maxAttempts = 5

// Client delivers verdicts as form-encoded POSTs.
type Client struct {
	HTTP *http.Client

	// Optional basic auth applied to every outbound request.
	BasicUser string
	BasicPass string

	// RetryInterval separates delivery attempts.
	RetryInterval time.Duration
}

// NewClient builds a Client with per-attempt timeout.
func NewClient(timeout time.Duration, basicUser, basicPass string) *Client {
	return &Client{
		HTTP:          &http.Client{Timeout: timeout},
		BasicUser:     basicUser,
		BasicPass:     basicPass,
		RetryInterval: 500 * time.Millisecond,
	}
}

// PostVerdict sends the grader reply to the callback URL named in header.
// Delivery failures are reported, never returned as errors: the caller
// records the outcome on the submission.
func (c *Client) PostVerdict(ctx context.Context, header, body string) bool {
	callbackURL, err := callbackFromHeader(header)
	if err != nil {
		slog.Error("lms callback url missing", slog.Any("error", err))
		return false
	}

	form := url.Values{}
	form.Set("xqueue_header", header)
	form.Set("xqueue_body", body)

	var delivered bool
	attempt := 0
	op := func() error {
		attempt++
		if err := c.post(ctx, callbackURL, form); err != nil {
			slog.Warn("lms delivery attempt failed",
				slog.String("url", callbackURL),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return err
		}
		delivered = true
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryInterval), maxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("unable to return to lms",
			slog.String("url", callbackURL),
			slog.Int("attempts", attempt))
	}
	return delivered
}

// PostFailure notifies the LMS (and the student) that grading failed and the
// problem should be resubmitted.
func (c *Client) PostFailure(ctx context.Context, header string) bool {
	return c.PostVerdict(ctx, header, failureBody)
}

func (c *Client) post(ctx context.Context, callbackURL string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=lms.post: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.BasicUser != "" {
		req.SetBasicAuth(c.BasicUser, c.BasicPass)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=lms.post url=%s: %w", callbackURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=lms.post url=%s: unexpected status %d", callbackURL, resp.StatusCode)
	}
	return nil
}

func callbackFromHeader(header string) (string, error) {
	var h struct {
		LMSCallbackURL string `json:"lms_callback_url"`
	}
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return "", fmt.Errorf("op=lms.callback_from_header: %w", err)
	}
	if h.LMSCallbackURL == "" {
		return "", fmt.Errorf("op=lms.callback_from_header: empty lms_callback_url")
	}
	return h.LMSCallbackURL, nil
}
