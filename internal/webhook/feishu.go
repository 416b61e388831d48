// Package webhook posts operator notifications to a Feishu bot webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// textMessage is the Feishu bot text message payload.
type textMessage struct {
	MsgType string      `json:"msg_type"`
	Content textContent `json:"content"`
}

type textContent struct {
	Text string `json:"text"`
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Sink posts text messages to a configured webhook URL. Stateless; safe for
// concurrent use.
type Sink struct {
	client *http.Client
}

// NewSink creates a sink with the given per-request timeout.
// timeout <= 0 defaults to 10 seconds.
func NewSink(timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sink{
		client: &http.Client{Timeout: timeout},
	}
}

// Post sends text to url as a Feishu text message. A non-2xx response
// returns a *StatusError; transport failures return the underlying error.
func (s *Sink) Post(ctx context.Context, url, text string) error {
	payload := textMessage{
		MsgType: "text",
		Content: textContent{Text: text},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
