// internal/voice/client.go
// Package voice provides a client for the external AI voice-synthesis provider.
// The provider's quota is shared by every user of the service, so callers gate
// requests with the rate limiter before reaching this client.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Errors returned by the client.
var (
	ErrNotConfigured = errors.New("voice provider not configured")
	ErrTimeout       = errors.New("voice provider timed out")
	ErrRejected      = errors.New("voice provider rejected the request")
)

// Synthesizer is the voice provider contract.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// Request describes one synthesis call.
type Request struct {
	Text      string `json:"text"`                // Text to speak
	VoiceID   string `json:"voiceId,omitempty"`   // Provider voice, empty for default
	Obfuscate bool   `json:"obfuscate,omitempty"` // Alter the speaker's voice
}

// Result is the provider's answer.
type Result struct {
	AudioURL   string  `json:"audioUrl"`   // Where the generated audio can be fetched
	Characters int     `json:"characters"` // Billed characters
	Cost       float64 `json:"cost"`       // Provider credits consumed
}

// Client for interacting with the voice provider's HTTP API.
type Client struct {
	base   string        // Base URL of the provider
	apiKey string        // Provider API key
	hc     *http.Client  // HTTP client with custom configuration
	pacer  *rate.Limiter // Smooths bursts toward the provider
}

// New creates a new voice client.
// Parameters:
//   - baseURL: Base URL of the provider
//   - apiKey: Provider API key, sent as a bearer token
//   - timeout: Upper bound for one synthesis call
//   - perSecond: Outbound pacing; zero disables pacing
//
// Returns:
//   - *Client: Initialized voice client
func New(baseURL, apiKey string, timeout time.Duration, perSecond float64) *Client {
	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 8,
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}

	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		hc:     &http.Client{Transport: transport, Timeout: timeout},
		pacer:  pacer,
	}
}

// Synthesize asks the provider to generate audio for req.
// Timeouts are reported as ErrTimeout so callers can mark them retryable.
func (c *Client) Synthesize(ctx context.Context, req Request) (Result, error) {
	if c.base == "" {
		return Result{}, ErrNotConfigured
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	u, err := url.Parse(c.base + "/v1/synthesize")
	if err != nil {
		return Result{}, fmt.Errorf("invalid voice provider URL: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Result{}, fmt.Errorf("voice provider request failed: %w", err)
	}
	defer resp.Body.Close()

	// Handle different response status codes
	switch {
	case resp.StatusCode == http.StatusOK:
		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, fmt.Errorf("failed to decode voice provider response: %w", err)
		}
		return res, nil
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return Result{}, fmt.Errorf("%w: %s", ErrTimeout, resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	default:
		return Result{}, fmt.Errorf("voice provider failed: %s", resp.Status)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
