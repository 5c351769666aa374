// Package commerce reads abandoned checkouts from the external commerce
// platform. One operation is consumed: list abandoned checkouts since T.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/cartcall/internal/config"
)

// ErrNotConfigured is a configuration error; a scan cycle aborts immediately
// on it.
var ErrNotConfigured = errors.New("commerce platform is not configured")

// CheckoutLine is one line item on an abandoned checkout.
type CheckoutLine struct {
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Checkout is one abandoned checkout record from the platform.
type Checkout struct {
	CheckoutRef     string         `json:"checkout_ref"`
	TotalCents      int64          `json:"total_cents"`
	Currency        string         `json:"currency"`
	Lines           []CheckoutLine `json:"line_items"`
	DiscountCodes   []string       `json:"discount_codes"`
	ShippingCountry string         `json:"shipping_country"`
	ShippingRegion  string         `json:"shipping_region"`
	CustomerRef     string         `json:"customer_ref"`
	CustomerName    string         `json:"customer_name"`
	CustomerPhone   string         `json:"customer_phone"`
	CustomerType    string         `json:"customer_type"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
}

// Client lists abandoned checkouts.
type Client interface {
	ListAbandonedCheckouts(ctx context.Context, orgRef string, since time.Time) ([]Checkout, error)
}

// HTTPClient is the production implementation against the platform's REST
// API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(cfg config.Config) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Commerce.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.Commerce.APIKey),
		http:    &http.Client{Timeout: cfg.Commerce.Timeout},
	}
}

type listResponse struct {
	Checkouts []Checkout `json:"checkouts"`
}

func (c *HTTPClient) ListAbandonedCheckouts(ctx context.Context, orgRef string, since time.Time) ([]Checkout, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	query := url.Values{}
	query.Set("status", "abandoned")
	query.Set("org_ref", orgRef)
	query.Set("updated_since", since.UTC().Format(time.RFC3339))

	endpoint := c.baseURL + "/v1/checkouts?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("commerce platform returned %d", resp.StatusCode)
	}

	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode checkouts: %w", err)
	}
	return parsed.Checkouts, nil
}
