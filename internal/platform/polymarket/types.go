package polymarket

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Order sides as the CLOB API spells them.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order time-in-force values.
const (
	OrderTypeGTC = "GTC"
	OrderTypeFOK = "FOK"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// usdcUnit is the 1e6 base-unit scale of USDC and outcome tokens.
var usdcUnit = decimal.New(1, 6)

// OrderRequest is an unsigned order for one outcome token.
type OrderRequest struct {
	TokenID   string
	Side      string // SideBuy or SideSell
	Price     decimal.Decimal
	Size      decimal.Decimal // outcome tokens
	OrderType string
}

// Amounts returns maker and taker amounts in base units. A buy pays
// price*size USDC for size tokens; a sell is the reverse.
func (r OrderRequest) Amounts() (maker, taker decimal.Decimal, err error) {
	if r.Price.LessThanOrEqual(decimal.Zero) || r.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("price %s outside (0, 1)", r.Price)
	}
	if r.Size.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("size %s must be positive", r.Size)
	}
	notional := r.Price.Mul(r.Size).Mul(usdcUnit).Truncate(0)
	tokens := r.Size.Mul(usdcUnit).Truncate(0)
	switch r.Side {
	case SideBuy:
		return notional, tokens, nil
	case SideSell:
		return tokens, notional, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown side %q", r.Side)
	}
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"` // live, matched, delayed, unmatched
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// signedOrder is the "order" object of POST /order.
type signedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderBody struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// apiBook is the CLOB /book response. Prices and sizes are decimal strings.
type apiBook struct {
	Market  string     `json:"market"`
	AssetID string     `json:"asset_id"`
	Bids    []apiLevel `json:"bids"`
	Asks    []apiLevel `json:"asks"`
}

type apiLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
