// Package kb talks to the KB real-estate price API.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// SessionProvider supplies request headers (cookies, user agent) for the KB
// API. The headless bootstrap implements it; a nil provider sends plain
// requests.
type SessionProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// Config controls the KB client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client is a JSON-over-HTTP client for KB price and listing endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	session    SessionProvider
}

// NewClient constructs a Client. session may be nil.
func NewClient(cfg Config, session SessionProvider) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		session:    session,
	}
}

// PriceQuote is the parsed per-area price snapshot.
type PriceQuote struct {
	GeneralPrice int64 `json:"dealAvgPrice"`
	HighAvgPrice int64 `json:"dealHighAvgPrice"`
	LowAvgPrice  int64 `json:"dealLowAvgPrice"`
}

// ListingItem is one asking-price listing row.
type ListingItem struct {
	ListingID   string  `json:"atclNo"`
	AskPrice    int64   `json:"dealPrice"`
	ExclusiveM2 float64 `json:"exclusiveSpace"`
	Floor       int     `json:"floor"`
}

type priceResponse struct {
	Data PriceQuote `json:"dataBody"`
}

type listingResponse struct {
	Data struct {
		Items []ListingItem `json:"list"`
	} `json:"dataBody"`
}

// FetchPrice pulls the current price snapshot for one complex area. The raw
// response body is returned alongside for archiving.
func (c *Client) FetchPrice(ctx context.Context, kbComplexID, kbAreaCode string) (PriceQuote, []byte, error) {
	payload := map[string]string{
		"complexNo": kbComplexID,
		"areaNo":    kbAreaCode,
	}
	raw, err := c.post(ctx, "/land-price/price/complex", payload)
	if err != nil {
		return PriceQuote{}, nil, err
	}
	var parsed priceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return PriceQuote{}, nil, &collect.UpstreamFetchError{
			Source: "kb", Err: fmt.Errorf("decode price response: %w", err),
		}
	}
	return parsed.Data, raw, nil
}

// FetchListings pulls the active listings for one complex.
func (c *Client) FetchListings(ctx context.Context, kbComplexID string) ([]ListingItem, []byte, error) {
	payload := map[string]string{
		"complexNo": kbComplexID,
	}
	raw, err := c.post(ctx, "/land-property/propList/complex", payload)
	if err != nil {
		return nil, nil, err
	}
	var parsed listingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, &collect.UpstreamFetchError{
			Source: "kb", Err: fmt.Errorf("decode listing response: %w", err),
		}
	}
	return parsed.Data.Items, raw, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.session != nil {
		headers, err := c.session.Headers(ctx)
		if err != nil {
			return nil, &collect.UpstreamFetchError{
				Source: "kb", Temporary: true, Err: fmt.Errorf("session headers: %w", err),
			}
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &collect.UpstreamFetchError{Source: "kb", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &collect.UpstreamFetchError{Source: "kb", Temporary: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("kb responded 429: %w", collect.ErrRateLimitExceeded)
	case resp.StatusCode >= 500:
		return nil, &collect.UpstreamFetchError{
			Source: "kb", StatusCode: resp.StatusCode, Temporary: true,
			Err: fmt.Errorf("server error"),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &collect.UpstreamFetchError{
			Source: "kb", StatusCode: resp.StatusCode, Temporary: false,
			Err: fmt.Errorf("unexpected status"),
		}
	}
	return raw, nil
}
