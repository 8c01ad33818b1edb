// Package molit talks to the MOLIT apartment transaction open API.
package molit

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// Config controls the MOLIT client.
type Config struct {
	BaseURL    string
	ServiceKey string
	Timeout    time.Duration
}

// Client is an XML-over-HTTP client for the transaction endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Transaction is one recorded apartment sale.
type Transaction struct {
	AptName      string
	ContractDate time.Time
	Price        int64
	ExclusiveM2  float64
	Floor        int
}

type xmlItem struct {
	AptName     string `xml:"aptNm"`
	DealYear    int    `xml:"dealYear"`
	DealMonth   int    `xml:"dealMonth"`
	DealDay     int    `xml:"dealDay"`
	DealAmount  string `xml:"dealAmount"`
	ExcluUseAr  string `xml:"excluUseAr"`
	Floor       int    `xml:"floor"`
	CancelState string `xml:"cdealType"`
}

type xmlResponse struct {
	Header struct {
		ResultCode string `xml:"resultCode"`
		ResultMsg  string `xml:"resultMsg"`
	} `xml:"header"`
	Body struct {
		Items struct {
			Item []xmlItem `xml:"item"`
		} `xml:"items"`
	} `xml:"body"`
}

// FetchTransactions pulls recorded sales for a legal-dong code (first five
// digits of the region code) and a deal month in YYYYMM form. Cancelled
// deals are dropped. The raw response is returned for archiving.
func (c *Client) FetchTransactions(ctx context.Context, lawdCd, dealYmd string) ([]Transaction, []byte, error) {
	query := url.Values{}
	query.Set("serviceKey", c.cfg.ServiceKey)
	query.Set("LAWD_CD", lawdCd)
	query.Set("DEAL_YMD", dealYmd)
	query.Set("numOfRows", "1000")

	endpoint := c.cfg.BaseURL + "/getRTMSDataSvcAptTradeDev?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &collect.UpstreamFetchError{Source: "molit", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &collect.UpstreamFetchError{Source: "molit", Temporary: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, fmt.Errorf("molit responded 429: %w", collect.ErrRateLimitExceeded)
	case resp.StatusCode >= 500:
		return nil, nil, &collect.UpstreamFetchError{
			Source: "molit", StatusCode: resp.StatusCode, Temporary: true,
			Err: fmt.Errorf("server error"),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, nil, &collect.UpstreamFetchError{
			Source: "molit", StatusCode: resp.StatusCode, Temporary: false,
			Err: fmt.Errorf("unexpected status"),
		}
	}

	var parsed xmlResponse
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, &collect.UpstreamFetchError{
			Source: "molit", Err: fmt.Errorf("decode transaction response: %w", err),
		}
	}
	if code := parsed.Header.ResultCode; code != "" && code != "00" && code != "000" {
		// The open API signals quota exhaustion in-band with HTTP 200.
		if code == "22" {
			return nil, nil, fmt.Errorf("molit quota exceeded: %w", collect.ErrRateLimitExceeded)
		}
		return nil, nil, &collect.UpstreamFetchError{
			Source: "molit", Temporary: false,
			Err: fmt.Errorf("result code %s: %s", code, parsed.Header.ResultMsg),
		}
	}

	out := make([]Transaction, 0, len(parsed.Body.Items.Item))
	for _, item := range parsed.Body.Items.Item {
		if item.CancelState != "" {
			continue
		}
		tx, err := item.toTransaction()
		if err != nil {
			return nil, nil, &collect.UpstreamFetchError{Source: "molit", Err: err}
		}
		out = append(out, tx)
	}
	return out, raw, nil
}

func (i xmlItem) toTransaction() (Transaction, error) {
	amount := strings.ReplaceAll(strings.TrimSpace(i.DealAmount), ",", "")
	price, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse deal amount %q: %w", i.DealAmount, err)
	}
	area, err := strconv.ParseFloat(strings.TrimSpace(i.ExcluUseAr), 64)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse exclusive area %q: %w", i.ExcluUseAr, err)
	}
	return Transaction{
		AptName:      i.AptName,
		ContractDate: time.Date(i.DealYear, time.Month(i.DealMonth), i.DealDay, 0, 0, 0, 0, time.UTC),
		Price:        price,
		ExclusiveM2:  area,
		Floor:        i.Floor,
	}, nil
}
