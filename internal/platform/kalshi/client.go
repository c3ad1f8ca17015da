// Package kalshi is the REST client for the Kalshi exchange: market listing,
// orderbooks and RSA-PSS authenticated order placement.
package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/infomarkets/marketbot/internal/domain"
)

// Client is the REST client for the Kalshi exchange API. Requests are paced
// by a token-bucket limiter shared by all calls.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient creates a Kalshi REST client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
// rps bounds the request rate; non-positive means unlimited.
func NewClient(baseURL, apiKeyID string, rps float64) *Client {
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKeyID:   apiKeyID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    lim,
		now:        time.Now,
	}
}

// Venue identifies the exchange.
func (c *Client) Venue() domain.Venue { return domain.VenueKalshi }

// LoadRSAPrivateKey reads a PEM key file and enables signed requests.
func (c *Client) LoadRSAPrivateKey(path string) error {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kalshi: read private key: %w", err)
	}
	return c.SetRSAPrivateKey(pemBytes)
}

// SetRSAPrivateKey parses a PKCS#8 or PKCS#1 PEM key.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1
		return nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// CanTrade reports whether order placement is configured.
func (c *Client) CanTrade() bool {
	return c.apiKeyID != "" && c.privateKey != nil
}

// ListMarkets returns up to limit open markets as raw JSON objects.
func (c *Client) ListMarkets(ctx context.Context, limit int) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("status", "open")

	body, err := c.do(ctx, http.MethodGet, "/markets", params, nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: list markets: %w", err)
	}
	var resp struct {
		Markets []json.RawMessage `json:"markets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode markets: %w", err)
	}
	return resp.Markets, nil
}

// GetOrderbook returns the YES-side book of m on the 0-1 scale. Kalshi only
// lists bids; YES asks are derived from NO bids as 1 - price.
func (c *Client) GetOrderbook(ctx context.Context, m domain.MarketRecord) (domain.Orderbook, error) {
	path := "/markets/" + url.PathEscape(m.ID) + "/orderbook"
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return domain.Orderbook{}, fmt.Errorf("kalshi: get orderbook %s: %w", m.ID, err)
	}
	var resp struct {
		Orderbook orderbook `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Orderbook{}, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}
	return toOrderbook(m.ID, resp.Orderbook, c.now()), nil
}

func toOrderbook(ticker string, ob orderbook, at time.Time) domain.Orderbook {
	out := domain.Orderbook{Venue: domain.VenueKalshi, MarketID: ticker, At: at.UTC()}
	for _, l := range ob.Yes {
		out.Bids = append(out.Bids, domain.BookLevel{Price: l.Price / 100, Size: l.Quantity})
	}
	for _, l := range ob.No {
		out.Asks = append(out.Asks, domain.BookLevel{Price: (100 - l.Price) / 100, Size: l.Quantity})
	}
	sort.Slice(out.Bids, func(i, j int) bool { return out.Bids[i].Price > out.Bids[j].Price })
	sort.Slice(out.Asks, func(i, j int) bool { return out.Asks[i].Price < out.Asks[j].Price })
	return out
}

// PlaceOrder submits an order and returns the exchange's echo. An order the
// exchange cancels immediately is reported as an error.
func (c *Client) PlaceOrder(ctx context.Context, order Order) (OrderResponse, error) {
	if !c.CanTrade() {
		return OrderResponse{}, fmt.Errorf("kalshi: place order: %w", domain.ErrLiveUnsupported)
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	body, err := c.do(ctx, http.MethodPost, "/portfolio/orders", nil, order)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("kalshi: place order: %w", err)
	}
	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResponse{}, fmt.Errorf("kalshi: decode order response: %w", err)
	}
	if resp.Order.Status == "canceled" {
		return resp, fmt.Errorf("kalshi: order %s was immediately cancelled", resp.Order.OrderID)
	}
	return resp, nil
}

// do paces, builds, optionally signs, sends and reads a request. Requests are
// signed whenever a key is configured.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, reqBody any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.CanTrade() {
		if err := c.sign(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// sign adds the RSA-PSS-SHA256 signature of timestamp+method+path, where
// path is the full URL path without the query string.
func (c *Client) sign(req *http.Request) error {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	msg := ts + req.Method + req.URL.Path

	hash := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("RSA sign: %w", err)
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, apiErr)
	}
}
