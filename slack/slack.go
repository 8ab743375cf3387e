// Package slack posts moderation notices to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Escape replaces the characters Slack's message format treats as control
// sequences. Per the Slack docs only these three need escaping.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func Escape(s string) string {
	return escaper.Replace(s)
}

// Attachment is one context block under a message.
type Attachment struct {
	Text string `json:"text"`
}

// Client sends messages to one incoming webhook URL. A Client with an empty
// URL is valid and drops all messages, so the notifier can run with Slack
// unconfigured.
type Client struct {
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

func New(webhookURL string, log *slog.Logger) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

type payload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Send posts one message. Text must already be escaped by the caller.
func (c *Client) Send(ctx context.Context, text string, attachments []Attachment) error {
	if c.webhookURL == "" {
		c.log.Debug("slack webhook not configured, dropping message", slog.String("text", text))
		return nil
	}
	body, err := json.Marshal(payload{Text: text, Attachments: attachments})
	if err != nil {
		return fmt.Errorf("slack: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
