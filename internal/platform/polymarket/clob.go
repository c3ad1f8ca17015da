package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/infomarkets/marketbot/internal/crypto"
	"github.com/infomarkets/marketbot/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API: public books and signed order placement.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     *crypto.Signer
	now        func() time.Time

	mu       sync.Mutex
	hmacAuth *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client.
//
// signer may be nil, in which case only public endpoints work. hmac may be
// nil; it is derived from the wallet on the first authenticated call.
func NewClobClient(baseURL string, rps float64, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:  newLimiter(rps),
		signer:   signer,
		hmacAuth: hmac,
		now:      time.Now,
	}
}

// CanTrade reports whether a wallet signer is configured.
func (c *ClobClient) CanTrade() bool { return c.signer != nil }

// GetBook returns the order book of one outcome token on the 0-1 scale,
// bids descending and asks ascending.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (domain.Orderbook, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.do(ctx, http.MethodGet, "/book", params, nil, false)
	if err != nil {
		return domain.Orderbook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var book apiBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.Orderbook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}

	out := domain.Orderbook{Venue: domain.VenuePolymarket, MarketID: book.Market, At: c.now().UTC()}
	for _, l := range book.Bids {
		out.Bids = append(out.Bids, domain.BookLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	for _, l := range book.Asks {
		out.Asks = append(out.Asks, domain.BookLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	sort.Slice(out.Bids, func(i, j int) bool { return out.Bids[i].Price > out.Bids[j].Price })
	sort.Slice(out.Asks, func(i, j int) bool { return out.Asks[i].Price < out.Asks[j].Price })
	return out, nil
}

// PostOrder signs req with the wallet key and submits it. A result the
// exchange marks unsuccessful is returned together with an error.
func (c *ClobClient) PostOrder(ctx context.Context, req OrderRequest) (APIOrderResult, error) {
	if c.signer == nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", domain.ErrLiveUnsupported)
	}
	auth, err := c.auth(ctx)
	if err != nil {
		return APIOrderResult{}, err
	}

	order, err := c.buildOrder(req)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: build order: %w", err)
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = OrderTypeGTC
	}
	body := postOrderBody{Order: order, Owner: auth.Key, OrderType: orderType}

	respBody, err := c.do(ctx, http.MethodPost, "/order", nil, body, true)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}
	return result, nil
}

func (c *ClobClient) buildOrder(req OrderRequest) (signedOrder, error) {
	makerAmt, takerAmt, err := req.Amounts()
	if err != nil {
		return signedOrder{}, err
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return signedOrder{}, fmt.Errorf("token id %q is not a decimal integer", req.TokenID)
	}
	side := crypto.SideBuy
	if req.Side == SideSell {
		side = crypto.SideSell
	}

	salt := rand.Int64N(1 << 40)
	addr := c.signer.Address()
	o := crypto.Order{
		Salt:          big.NewInt(salt),
		Maker:         addr,
		Signer:        addr,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       tokenID,
		MakerAmount:   makerAmt.BigInt(),
		TakerAmount:   takerAmt.BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: crypto.SignatureTypeEOA,
	}
	sig, err := c.signer.SignOrder(o)
	if err != nil {
		return signedOrder{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	return signedOrder{
		Salt:          salt,
		Maker:         addr.Hex(),
		Signer:        addr.Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          req.Side,
		SignatureType: int(crypto.SignatureTypeEOA),
		Signature:     sig,
	}, nil
}

// auth returns the L2 credentials, deriving them on first use.
func (c *ClobClient) auth(ctx context.Context) (*crypto.HMACAuth, error) {
	c.mu.Lock()
	h := c.hmacAuth
	c.mu.Unlock()
	if h != nil {
		return h, nil
	}
	if err := c.DeriveAPIKey(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hmacAuth, nil
}

// DeriveAPIKey performs the CLOB L1 auth flow: it signs a ClobAuth EIP-712
// message and exchanges it for HMAC API credentials.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", domain.ErrLiveUnsupported)
	}
	address := c.signer.Address().Hex()
	timestamp := c.now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignClobAuth(timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("polymarket/clob: auth failed: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.mu.Lock()
	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	c.mu.Unlock()
	return nil
}

// do builds, optionally HMAC-signs, sends, and reads a CLOB request.
func (c *ClobClient) do(ctx context.Context, method, path string, params url.Values, body any, authenticated bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if authenticated {
		c.mu.Lock()
		h := c.hmacAuth
		c.mu.Unlock()
		if h != nil && c.signer != nil {
			for k, v := range h.L2HeadersAt(c.signer.Address().Hex(), method, path, bodyStr, c.now().Unix()) {
				req.Header.Set(k, v)
			}
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
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
