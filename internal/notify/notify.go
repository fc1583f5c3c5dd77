// Package notify wraps the external SMS gateway. The gateway is a black
// box: it accepts (recipient, message) and reports success or failure.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Sender delivers a text message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, message string) error
}

type httpSender struct {
	baseURL string
	from    string
	client  *http.Client
}

// NewHTTPSender talks to an SMS gateway that accepts POST /messages with a
// JSON body.
func NewHTTPSender(baseURL, from string) Sender {
	return &httpSender{
		baseURL: baseURL,
		from:    from,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *httpSender) Send(ctx context.Context, recipient, message string) error {
	body, err := json.Marshal(sendRequest{From: s.from, To: recipient, Message: message})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

type noopSender struct{}

// NewNoopSender logs instead of sending; used when no gateway is configured.
func NewNoopSender() Sender {
	return noopSender{}
}

func (noopSender) Send(_ context.Context, recipient, message string) error {
	log.Info().Str("recipient", recipient).Str("message", message).Msg("sms sending disabled, dropping message")
	return nil
}
