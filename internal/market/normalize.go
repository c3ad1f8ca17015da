package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/infomarkets/marketbot/internal/domain"
)

// Normalize converts one raw venue payload into a MarketRecord. ok is false
// when the payload is not an object or carries no identifier. Malformed
// fields are treated as absent.
func Normalize(venue domain.Venue, raw json.RawMessage) (domain.MarketRecord, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return domain.MarketRecord{}, false
	}
	var rec domain.MarketRecord
	switch venue {
	case domain.VenueKalshi:
		rec = normalizeKalshi(m)
	case domain.VenuePolymarket:
		rec = normalizePolymarket(m)
	default:
		return domain.MarketRecord{}, false
	}
	return rec, rec.ID != ""
}

func normalizeKalshi(m map[string]any) domain.MarketRecord {
	yes := kalshiPrice(m["yes_price"])
	if yes == 0 {
		yes = kalshiPrice(m["last_price"])
	}
	end := str(m["close_time"])
	if end == "" {
		end = str(m["expiration_time"])
	}
	status := domain.MarketStatusActive
	if s := str(m["status"]); s != "" {
		status = domain.MarketStatus(s)
	}
	return domain.MarketRecord{
		ID:          str(m["ticker"]),
		Venue:       domain.VenueKalshi,
		Title:       str(m["title"]),
		Description: str(m["subtitle"]),
		YesPrice:    yes,
		NoPrice:     kalshiPrice(m["no_price"]),
		BestBid:     kalshiPrice(m["yes_bid"]),
		BestAsk:     kalshiPrice(m["yes_ask"]),
		Volume:      num(m["volume"]),
		Liquidity:   num(m["open_interest"]),
		EndDate:     end,
		Status:      status,
		Category:    str(m["category"]),
	}
}

func normalizePolymarket(m map[string]any) domain.MarketRecord {
	id := str(m["id"])
	if id == "" {
		id = str(m["condition_id"])
	}
	title := str(m["question"])
	if title == "" {
		title = str(m["title"])
	}

	var yes, no float64
	prices := list(m["outcomePrices"])
	if len(prices) > 0 {
		yes = num(prices[0])
	}
	if len(prices) > 1 {
		no = num(prices[1])
	}
	if yes == 0 {
		yes = num(m["yes_price"])
	}
	if yes == 0 {
		yes = num(m["price"])
	}

	status := domain.MarketStatusActive
	if active, ok := boolean(m["active"]); ok && !active {
		status = domain.MarketStatusClosed
	}
	if closed, ok := boolean(m["closed"]); ok && closed {
		status = domain.MarketStatusClosed
	}

	var tokens [2]string
	for i, t := range list(m["clobTokenIds"]) {
		if i > 1 {
			break
		}
		tokens[i] = str(t)
	}

	return domain.MarketRecord{
		ID:          id,
		Venue:       domain.VenuePolymarket,
		Title:       title,
		Description: str(m["description"]),
		YesPrice:    yes,
		NoPrice:     no,
		Volume:      num(m["volume"]),
		Liquidity:   num(m["liquidity"]),
		EndDate:     str(m["endDate"]),
		Status:      status,
		Category:    str(m["category"]),
		TokenIDs:    tokens,
	}
}

// kalshiPrice reads a price and converts cents to the 0-1 scale.
func kalshiPrice(v any) float64 {
	p := num(v)
	if p > 1 {
		return p / 100
	}
	return p
}

// num reads a JSON number or numeric string. Strings that look like lists,
// objects or tuples are absent.
func num(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		s := strings.TrimSpace(x)
		if s == "" || strings.ContainsAny(s[:1], "[{(") {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// list reads a JSON array, or a string holding a JSON-encoded array.
func list(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case string:
		var out []any
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}

func boolean(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}
