package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client posts messages to a Slack incoming webhook.
type Client struct {
	webhookURL string
	http       *http.Client
}

// New validates the webhook URL and returns a ready client.
func New(webhookURL string) (*Client, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack: webhook url is required")
	}
	if _, err := url.Parse(webhookURL); err != nil {
		return nil, fmt.Errorf("slack: invalid webhook url: %w", err)
	}
	return &Client{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Send posts a mrkdwn-formatted message to the webhook channel.
func (c *Client) Send(ctx context.Context, text string) error {
	buf, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("slack: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack: webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return nil
}
