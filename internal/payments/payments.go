// Package payments models the external payment processor boundary: issuing
// a payment link for an occurrence and verifying the webhook that reports a
// completed payment. The processor itself is a black box.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrIssuerDisabled means no payment processor is configured for issuing
// links; webhooks can still be verified.
var ErrIssuerDisabled = errors.New("payment link issuance disabled")

// Link is a hosted checkout page the processor created for one occurrence.
type Link struct {
	URL       string    `json:"url"`
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LinkIssuer asks the processor to create a payment link for an occurrence.
type LinkIssuer interface {
	Issue(ctx context.Context, occurrenceID uuid.UUID, amountCents int64, description string) (*Link, error)
}

type httpIssuer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIssuer talks to a processor that accepts POST /payment-links with a
// JSON body and returns the created link.
func NewHTTPIssuer(baseURL string) LinkIssuer {
	return &httpIssuer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type issueRequest struct {
	OccurrenceID uuid.UUID `json:"occurrence_id"`
	AmountCents  int64     `json:"amount_cents"`
	Description  string    `json:"description"`
}

func (i *httpIssuer) Issue(ctx context.Context, occurrenceID uuid.UUID, amountCents int64, description string) (*Link, error) {
	body, err := json.Marshal(issueRequest{
		OccurrenceID: occurrenceID,
		AmountCents:  amountCents,
		Description:  description,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal link request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/payment-links", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issue payment link: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment processor returned status %d", resp.StatusCode)
	}

	var link Link
	if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
		return nil, fmt.Errorf("decode payment link: %w", err)
	}
	return &link, nil
}

type disabledIssuer struct{}

// NewDisabledIssuer refuses every issue call; used when no processor is
// configured.
func NewDisabledIssuer() LinkIssuer {
	return disabledIssuer{}
}

func (disabledIssuer) Issue(context.Context, uuid.UUID, int64, string) (*Link, error) {
	return nil, ErrIssuerDisabled
}

// WebhookEvent is the payload the processor POSTs when a payment completes.
type WebhookEvent struct {
	OccurrenceID uuid.UUID `json:"occurrence_id"`
	AmountCents  int64     `json:"amount_cents"`
	PaidAt       time.Time `json:"paid_at"`
	Reference    string    `json:"reference"`
}

// Signature computes the hex HMAC-SHA256 of a webhook body under the shared
// secret. The processor sends it in the X-Payment-Signature header.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether the header matches the body under the
// shared secret, in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	want := Signature(secret, body)
	return hmac.Equal([]byte(want), []byte(header))
}
