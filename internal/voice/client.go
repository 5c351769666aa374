// Package voice talks to the outbound voice-call provider. The provider's
// asynchronous delivery confirmation is out of scope; a placement resolves to
// a synchronous result for scheduling purposes.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/cartcall/internal/config"
)

// Transient errors go back through the retry/backoff path; permanent ones
// terminate the campaign for that cart immediately.
var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider rejection")

	// ErrNotConfigured is a configuration error: the whole cycle must fail,
	// no useful partial work is possible without credentials.
	ErrNotConfigured = errors.New("voice provider is not configured")
)

// PlacementRequest describes one outbound call to place.
type PlacementRequest struct {
	OrgID         string
	PhoneNumber   string
	VoiceAgentRef string
	Greeting      string
}

// Result is the provider's synchronous placement outcome.
type Result struct {
	CallRef         string
	Outcome         string
	DurationSeconds int64
}

// Client places outbound calls.
type Client interface {
	PlaceCall(ctx context.Context, req PlacementRequest) (Result, error)
}

// HTTPClient is the production implementation against the provider's REST
// API. Every placement is bounded by the configured timeout and throttled by
// a shared rate limiter to respect provider limits.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg config.Config) *HTTPClient {
	ratePerSecond := cfg.Voice.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	burst := cfg.Voice.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Voice.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.Voice.APIKey),
		timeout: cfg.Voice.CallTimeout,
		http:    &http.Client{Timeout: cfg.Voice.CallTimeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

type placementBody struct {
	PhoneNumber    string `json:"phone_number"`
	AgentRef       string `json:"agent_ref"`
	Greeting       string `json:"greeting,omitempty"`
	OrgRef         string `json:"org_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

type placementResponse struct {
	CallRef         string `json:"call_ref"`
	Outcome         string `json:"outcome"`
	DurationSeconds int64  `json:"duration_seconds"`
	Error           string `json:"error"`
	Retryable       *bool  `json:"retryable"`
}

// PlaceCall sends one placement. Timeouts, 5xx responses, and any other
// non-2xx status classify as transient; 4xx responses as permanent unless the
// provider marks them retryable.
func (c *HTTPClient) PlaceCall(ctx context.Context, req PlacementRequest) (Result, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return Result{}, ErrNotConfigured
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return Result{}, fmt.Errorf("%w: missing destination number", ErrPermanent)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	body, err := json.Marshal(placementBody{
		PhoneNumber:    req.PhoneNumber,
		AgentRef:       req.VoiceAgentRef,
		Greeting:       req.Greeting,
		OrgRef:         req.OrgID,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Network failures and deadline hits both retry.
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var parsed placementResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && resp.StatusCode < 300 {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: provider returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		if parsed.Retryable != nil && *parsed.Retryable {
			return Result{}, fmt.Errorf("%w: %s", ErrTransient, parsed.Error)
		}
		return Result{}, fmt.Errorf("%w: %s", ErrPermanent, parsed.Error)
	case resp.StatusCode >= 300:
		// Redirects carry no placement outcome; never treat one as a
		// completed call.
		return Result{}, fmt.Errorf("%w: provider returned %d", ErrTransient, resp.StatusCode)
	}

	return Result{
		CallRef:         parsed.CallRef,
		Outcome:         parsed.Outcome,
		DurationSeconds: parsed.DurationSeconds,
	}, nil
}

// Configured reports whether provider credentials are present. A cycle
// aborts up front when they are not.
func (c *HTTPClient) Configured() error {
	if c.baseURL == "" || c.apiKey == "" {
		return ErrNotConfigured
	}
	return nil
}

// IsTransient reports whether the error should go through the retry path.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether the provider rejected the call for good.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
