package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/domain"
)

func TestListMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trade-api/v2/markets", r.URL.Path)
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Empty(t, r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		_, _ = w.Write([]byte(`{"markets":[{"ticker":"FED-25DEC"},{"ticker":"BTC-100K"}],"cursor":""}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/trade-api/v2", "", 0)
	got, err := c.ListMarkets(t.Context(), 200)
	require.NoError(t, err)
	require.Len(t, got, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(got[0], &first))
	assert.Equal(t, "FED-25DEC", first["ticker"])
	assert.Equal(t, domain.VenueKalshi, c.Venue())
}

func TestGetOrderbook(t *testing.T) {
	cases := map[string]string{
		"pairs":   `{"orderbook":{"yes":[[40,100],[42,50]],"no":[[55,30]]}}`,
		"objects": `{"orderbook":{"yes":[{"price":40,"quantity":100},{"price":42,"quantity":50}],"no":[{"price":55,"quantity":30}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/markets/FED-25DEC/orderbook", r.URL.Path)
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", 0)
			ob, err := c.GetOrderbook(t.Context(), domain.MarketRecord{ID: "FED-25DEC"})
			require.NoError(t, err)
			require.Len(t, ob.Bids, 2)
			require.Len(t, ob.Asks, 1)
			assert.InDelta(t, 0.42, ob.BestBid(), 1e-9)
			assert.InDelta(t, 0.45, ob.BestAsk(), 1e-9)
			assert.InDelta(t, 30, ob.Asks[0].Size, 1e-9)
			assert.Equal(t, domain.VenueKalshi, ob.Venue)
		})
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"code":"x","message":"nope"}}`))
		}))
		c := NewClient(srv.URL, "", 0)
		_, err := c.ListMarkets(t.Context(), 10)
		srv.Close()
		require.Error(t, err)
		assert.True(t, errors.Is(err, tc.want), "status %d: %v", tc.status, err)
	}
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-id", r.Header.Get("KALSHI-ACCESS-KEY"))

		ts := r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		require.NoError(t, err)
		hash := sha256.Sum256([]byte(ts + r.Method + r.URL.Path))
		assert.NoError(t, rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, hash[:], sig,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}))

		var o Order
		require.NoError(t, json.NewDecoder(r.Body).Decode(&o))
		assert.Equal(t, "FED-25DEC", o.Ticker)
		assert.NotEmpty(t, o.ClientOrderID)
		require.NotNil(t, o.YesPrice)
		assert.Equal(t, int64(40), *o.YesPrice)

		_, _ = w.Write([]byte(`{"order":{"order_id":"ord-1","status":"executed","taker_fill_count":5}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-id", 100)
	require.NoError(t, c.SetRSAPrivateKey(pemBytes))
	require.True(t, c.CanTrade())

	price := int64(40)
	resp, err := c.PlaceOrder(t.Context(), Order{
		Ticker: "FED-25DEC", Action: "buy", Side: "yes", Type: "limit", Count: 5, YesPrice: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", resp.Order.OrderID)
	assert.Equal(t, int64(5), resp.FilledCount())
}

func TestPlaceOrderRequiresCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "", 0)
	_, err := c.PlaceOrder(t.Context(), Order{Ticker: "X"})
	assert.ErrorIs(t, err, domain.ErrLiveUnsupported)
}

func TestCancelledOrderIsError(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order":{"order_id":"ord-2","status":"canceled"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-id", 0)
	require.NoError(t, c.SetRSAPrivateKey(pemBytes))
	_, err = c.PlaceOrder(t.Context(), Order{Ticker: "X", Count: 1})
	assert.ErrorContains(t, err, "immediately cancelled")
}
