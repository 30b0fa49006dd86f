// Package callback requests outbound phone calls from the telephony voice agent.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned when no dispatcher URL is set.
	ErrNotConfigured = errors.New("callback dispatcher not configured")
	// ErrInvalidPhone is returned for phone numbers that cannot be dialled.
	ErrInvalidPhone = errors.New("invalid phone number")

	phoneDigits   = regexp.MustCompile(`^[0-9]{6,15}$`)
	countryCode   = regexp.MustCompile(`^\+?[0-9]{1,4}$`)
	phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// CallRequest asks the voice agent to phone a visitor.
type CallRequest struct {
	PhoneNumber string `json:"phone_number"`
	CountryCode string `json:"country_code"`
	SessionID   string `json:"session_id,omitempty"`
	Language    string `json:"language,omitempty"`
}

// CallResult is the dispatcher's acknowledgement.
type CallResult struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Dispatcher places callback requests.
type Dispatcher interface {
	RequestCall(ctx context.Context, req CallRequest) (CallResult, error)
}

// Config configures the HTTP dispatcher client.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// Client posts callback requests to the dispatcher as JSON.
type Client struct {
	cfg Config
}

// New creates a dispatcher client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg}
}

// Normalize strips formatting from the phone number and validates both parts.
func (r CallRequest) Normalize() (CallRequest, error) {
	r.PhoneNumber = phoneStripper.Replace(strings.TrimSpace(r.PhoneNumber))
	r.CountryCode = strings.TrimSpace(r.CountryCode)
	if !phoneDigits.MatchString(r.PhoneNumber) {
		return r, fmt.Errorf("%w: expected 6 to 15 digits", ErrInvalidPhone)
	}
	if !countryCode.MatchString(r.CountryCode) {
		return r, fmt.Errorf("%w: bad country code %q", ErrInvalidPhone, r.CountryCode)
	}
	if !strings.HasPrefix(r.CountryCode, "+") {
		r.CountryCode = "+" + r.CountryCode
	}
	if r.Language == "" {
		r.Language = "en"
	}
	return r, nil
}

// RequestCall implements Dispatcher.
func (c *Client) RequestCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if c.cfg.URL == "" {
		return CallResult{}, ErrNotConfigured
	}
	req, err := req.Normalize()
	if err != nil {
		return CallResult{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("encode callback request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return CallResult{}, fmt.Errorf("build callback request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return CallResult{}, fmt.Errorf("request callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return CallResult{}, fmt.Errorf("request callback: dispatcher returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out CallResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CallResult{}, fmt.Errorf("decode callback response: %w", err)
	}
	if out.Status == "" {
		out.Status = "queued"
	}
	return out, nil
}

var _ Dispatcher = (*Client)(nil)
