package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/backoff"
)

// LogChannel writes notifications to the log. It is the channel used when
// no webhook endpoint is configured.
type LogChannel struct {
	Log *zap.Logger
}

// Deliver implements Channel.
func (c LogChannel) Deliver(ctx context.Context, t Task) error {
	c.Log.Info("notification",
		zap.String("id", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("user", t.UserID),
		zap.String("campaign", t.CampaignID),
		zap.String("meeting", t.MeetingID),
		zap.String("message", t.Message))
	return nil
}

// payload is the HTTP channel body.
type payload struct {
	Task
	HTML string `json:"html"`
}

// HTTPChannel POSTs notifications as JSON to a user-facing endpoint.
type HTTPChannel struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPChannel creates an HTTPChannel. A nil client gets a 10s timeout.
func NewHTTPChannel(url, apiKey string, client *http.Client) *HTTPChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPChannel{url: url, apiKey: apiKey, client: client}
}

// RenderHTML converts a markdown message to HTML.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Deliver implements Channel. Client errors other than 429 are permanent.
func (c *HTTPChannel) Deliver(ctx context.Context, t Task) error {
	html, err := RenderHTML(t.Message)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("render message: %w", err))
	}
	body, err := json.Marshal(payload{Task: t, HTML: html})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.ID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("notification endpoint returned %d", resp.StatusCode))
	}
}
