package polymarket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/crypto"
	"github.com/infomarkets/marketbot/internal/domain"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestGammaListMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		assert.Equal(t, "false", r.URL.Query().Get("closed"))
		_, _ = w.Write([]byte(`[{"id":"1","question":"Q1"},{"id":"2","question":"Q2"}]`))
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL+"/", 0)
	got, err := g.ListMarkets(t.Context(), 200)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"id":"2","question":"Q2"}`, string(got[1]))
}

func TestGammaNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewGammaClient(srv.URL, 0).GetMarket(t.Context(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVenueOrderbook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "111", r.URL.Query().Get("token_id"))
		_, _ = w.Write([]byte(`{"market":"0xcond","asset_id":"111",
			"bids":[{"price":"0.40","size":"100"},{"price":"0.45","size":"20"}],
			"asks":[{"price":"0.52","size":"10"},{"price":"0.50","size":"5"}]}`))
	}))
	defer srv.Close()

	v := NewVenue(NewGammaClient(srv.URL, 0), NewClobClient(srv.URL, 0, nil, nil))
	assert.Equal(t, domain.VenuePolymarket, v.Venue())

	ob, err := v.GetOrderbook(t.Context(), domain.MarketRecord{ID: "m1", TokenIDs: [2]string{"111", "222"}})
	require.NoError(t, err)
	assert.Equal(t, "m1", ob.MarketID)
	assert.InDelta(t, 0.45, ob.Bids[0].Price, 1e-9)
	assert.InDelta(t, 0.50, ob.Asks[0].Price, 1e-9)
	assert.InDelta(t, 0.475, ob.Mid(), 1e-9)

	_, err = v.GetOrderbook(t.Context(), domain.MarketRecord{ID: "m2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderAmounts(t *testing.T) {
	buy := OrderRequest{Side: SideBuy, Price: decimal.RequireFromString("0.42"), Size: decimal.NewFromInt(10)}
	maker, taker, err := buy.Amounts()
	require.NoError(t, err)
	assert.Equal(t, "4200000", maker.String())
	assert.Equal(t, "10000000", taker.String())

	sell := buy
	sell.Side = SideSell
	maker, taker, err = sell.Amounts()
	require.NoError(t, err)
	assert.Equal(t, "10000000", maker.String())
	assert.Equal(t, "4200000", taker.String())

	bad := buy
	bad.Price = decimal.NewFromInt(1)
	_, _, err = bad.Amounts()
	assert.Error(t, err)
}

func TestPostOrderDerivesKeyAndSigns(t *testing.T) {
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)

	var derived bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/derive-api-key":
			derived = true
			assert.Equal(t, signer.Address().Hex(), r.Header.Get("POLY_ADDRESS"))
			assert.True(t, strings.HasPrefix(r.Header.Get("POLY_SIGNATURE"), "0x"))
			_, _ = w.Write([]byte(`{"apiKey":"k1","secret":"c2VjcmV0","passphrase":"p1"}`))
		case "/order":
			assert.Equal(t, "k1", r.Header.Get("POLY_API_KEY"))
			assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))

			var body postOrderBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "k1", body.Owner)
			assert.Equal(t, OrderTypeGTC, body.OrderType)
			assert.Equal(t, "123456789", body.Order.TokenID)
			assert.Equal(t, "5000000", body.Order.MakerAmount)
			assert.Equal(t, "10000000", body.Order.TakerAmount)
			assert.Equal(t, SideBuy, body.Order.Side)
			assert.Len(t, body.Order.Signature, 132)
			_, _ = w.Write([]byte(`{"success":true,"orderID":"0xorder","status":"matched"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, 0, signer, nil)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.True(t, c.CanTrade())

	res, err := c.PostOrder(t.Context(), OrderRequest{
		TokenID: "123456789", Side: SideBuy,
		Price: decimal.RequireFromString("0.5"), Size: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, derived)
	assert.Equal(t, "0xorder", res.OrderID)
}

func TestPostOrderRejected(t *testing.T) {
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errorMsg":"not enough balance"}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, 0, signer, &crypto.HMACAuth{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"})
	_, err = c.PostOrder(t.Context(), OrderRequest{
		TokenID: "1", Side: SideBuy, Price: decimal.RequireFromString("0.3"), Size: decimal.NewFromInt(1),
	})
	assert.ErrorContains(t, err, "not enough balance")
}

func TestPostOrderWithoutWallet(t *testing.T) {
	c := NewClobClient("http://127.0.0.1:0", 0, nil, nil)
	_, err := c.PostOrder(t.Context(), OrderRequest{})
	assert.ErrorIs(t, err, domain.ErrLiveUnsupported)
}
