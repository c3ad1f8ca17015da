package kalshi

import (
	"encoding/json"
	"fmt"
)

// Order is the body of POST /portfolio/orders. Prices are in cents (1-99).
type Order struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`   // "market" or "limit"
	Count         int64  `json:"count"`
	YesPrice      *int64 `json:"yes_price,omitempty"`
	NoPrice       *int64 `json:"no_price,omitempty"`
	BuyMaxCost    *int64 `json:"buy_max_cost,omitempty"`
}

// OrderResponse is the subset of the order echo the bot reads.
type OrderResponse struct {
	Order struct {
		OrderID        string `json:"order_id"`
		Status         string `json:"status"` // resting, canceled, executed, pending
		YesPrice       int64  `json:"yes_price"`
		NoPrice        int64  `json:"no_price"`
		RemainingCount int64  `json:"remaining_count"`
		TakerFillCount int64  `json:"taker_fill_count"`
		MakerFillCount int64  `json:"maker_fill_count"`
	} `json:"order"`
}

// FilledCount returns the contracts filled so far.
func (r OrderResponse) FilledCount() int64 {
	return r.Order.TakerFillCount + r.Order.MakerFillCount
}

// ErrorResponse is the Kalshi API error body.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorResponse) String() string {
	code, msg := e.Code, e.Message
	if code == "" && msg == "" {
		code, msg = e.Error.Code, e.Error.Message
	}
	return fmt.Sprintf("%s (%s)", msg, code)
}

// level is one orderbook entry. The API sends [price, quantity] pairs; the
// object form {"price":..,"quantity":..} is also accepted.
type level struct {
	Price    float64
	Quantity float64
}

func (l *level) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) < 2 {
			return fmt.Errorf("kalshi: short orderbook level %s", data)
		}
		l.Price, l.Quantity = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Price    float64 `json:"price"`
		Quantity float64 `json:"quantity"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	l.Price, l.Quantity = obj.Price, obj.Quantity
	return nil
}

// orderbook holds resting YES and NO bids in cents.
type orderbook struct {
	Yes []level `json:"yes"`
	No  []level `json:"no"`
}
