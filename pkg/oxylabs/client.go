// Package oxylabs is a client for the Oxylabs realtime e-commerce scraper
// API, covering the amazon_product and amazon_search sources.
package oxylabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Default base URL for the realtime API.
const defaultBaseURL = "https://realtime.oxylabs.io"

// Client defines the Oxylabs operations used by the pipeline.
type Client interface {
	Product(ctx context.Context, req ProductRequest) (*ProductContent, error)
	Search(ctx context.Context, req SearchRequest) ([]SearchItem, error)
}

// ProductRequest fetches a single listing by ASIN.
type ProductRequest struct {
	ASIN        string
	Domain      string // amazon domain, e.g. "com", "co.uk"
	GeoLocation string // zip or country code
}

// SearchRequest runs an amazon_search query.
type SearchRequest struct {
	Query       string
	Domain      string
	GeoLocation string
	Category    string
	Pages       int
}

// ProductContent is the parsed amazon_product payload.
type ProductContent struct {
	ASIN         string   `json:"asin"`
	Title        string   `json:"title"`
	Brand        string   `json:"brand"`
	Price        float64  `json:"price"`
	Currency     string   `json:"currency"`
	Rating       float64  `json:"rating"`
	ReviewsCount int      `json:"reviews_count"`
	Categories   []string `json:"category_path"`

	// Raw is the undecoded provider payload, kept for snapshotting.
	Raw json.RawMessage `json:"-"`
}

// SearchItem is one organic result from amazon_search, in provider
// relevance order.
type SearchItem struct {
	ASIN     string  `json:"asin"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Rating   float64 `json:"rating"`
	Position int     `json:"pos"`
}

// queryRequest is the body for POST /v1/queries.
type queryRequest struct {
	Source      string `json:"source"`
	Query       string `json:"query"`
	Domain      string `json:"domain,omitempty"`
	GeoLocation string `json:"geo_location,omitempty"`
	Category    string `json:"category_id,omitempty"`
	Pages       int    `json:"pages,omitempty"`
	Parse       bool   `json:"parse"`
}

// queryResponse is the realtime API envelope.
type queryResponse struct {
	Results []queryResult `json:"results"`
}

type queryResult struct {
	Content    json.RawMessage `json:"content"`
	StatusCode int             `json:"status_code"`
}

type searchContent struct {
	Results struct {
		Organic []SearchItem `json:"organic"`
	} `json:"results"`
}

// ErrDecode marks a payload the client could not decode into the
// expected shape. Match with errors.Is.
var ErrDecode = eris.New("oxylabs: decode")

// APIError is returned when the provider responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oxylabs: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound request rate. The realtime API bills per
// request, so callers keep this at or below their plan's rate.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// httpClient implements Client using net/http with basic auth.
type httpClient struct {
	username string
	password string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a new Oxylabs realtime client.
func NewClient(username, password string, opts ...Option) Client {
	c := &httpClient{
		username: username,
		password: password,
		baseURL:  defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Product(ctx context.Context, req ProductRequest) (*ProductContent, error) {
	result, err := c.query(ctx, queryRequest{
		Source:      "amazon_product",
		Query:       req.ASIN,
		Domain:      req.Domain,
		GeoLocation: req.GeoLocation,
		Parse:       true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "oxylabs: product query")
	}

	var content ProductContent
	if err := json.Unmarshal(result.Content, &content); err != nil {
		return nil, eris.Wrapf(ErrDecode, "product content: %v", err)
	}
	content.Raw = result.Content
	return &content, nil
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) ([]SearchItem, error) {
	result, err := c.query(ctx, queryRequest{
		Source:      "amazon_search",
		Query:       req.Query,
		Domain:      req.Domain,
		GeoLocation: req.GeoLocation,
		Category:    req.Category,
		Pages:       req.Pages,
		Parse:       true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "oxylabs: search query")
	}

	var content searchContent
	if err := json.Unmarshal(result.Content, &content); err != nil {
		return nil, eris.Wrapf(ErrDecode, "search content: %v", err)
	}
	return content.Results.Organic, nil
}

// query posts a single realtime query and returns its first result.
func (c *httpClient) query(ctx context.Context, body queryRequest) (*queryResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limit wait")
		}
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/queries", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	var envelope queryResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, eris.Wrapf(ErrDecode, "response envelope: %v", err)
	}
	if len(envelope.Results) == 0 {
		return nil, eris.New("empty results envelope")
	}

	result := envelope.Results[0]
	// The envelope carries the upstream page status; a blocked or missing
	// page surfaces here even when the API call itself returned 200.
	if result.StatusCode != 0 && (result.StatusCode < 200 || result.StatusCode >= 300) {
		return nil, &APIError{
			StatusCode: result.StatusCode,
			Body:       "upstream page status",
		}
	}
	return &result, nil
}
