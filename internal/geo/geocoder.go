// Package geo wraps the external geocoding API. Free-text addresses go in,
// candidate (label, coordinate) pairs come out; recurrence correctness never
// depends on it.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Candidate is one possible resolution of a free-text address.
type Candidate struct {
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Geocoder interface {
	Lookup(ctx context.Context, address string) ([]Candidate, error)
}

type httpGeocoder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGeocoder talks to a geocoding service that accepts GET /search?q=.
func NewHTTPGeocoder(baseURL string) Geocoder {
	return &httpGeocoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *httpGeocoder) Lookup(ctx context.Context, address string) ([]Candidate, error) {
	u := fmt.Sprintf("%s/search?q=%s", g.baseURL, url.QueryEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build geocode request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var out []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	return out, nil
}

type disabledGeocoder struct{}

// NewDisabledGeocoder returns empty candidate lists; used when no geocoding
// service is configured.
func NewDisabledGeocoder() Geocoder {
	return disabledGeocoder{}
}

func (disabledGeocoder) Lookup(context.Context, string) ([]Candidate, error) {
	return nil, nil
}
