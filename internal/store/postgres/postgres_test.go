package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/config"
	"github.com/infomarkets/marketbot/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit dsn wins", ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"}, "postgres://x@y/z"},
		{"defaults", ClientConfig{Host: "db", Database: "reports", User: "bot", Password: "p@ss"},
			"postgres://bot:p%40ss@db:5432/reports?sslmode=disable"},
		{"explicit port and ssl", ClientConfig{Host: "db", Port: 6543, Database: "r", User: "u", Password: "p", SSLMode: "require"},
			"postgres://u:p@db:6543/r?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.Defaults().Postgres)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Equal(t, 2, cfg.MinConns)
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_runner_reports.sql", names[0])
	assert.IsNonDecreasing(t, names)
}

func TestNewTradeRow(t *testing.T) {
	price := 0.3
	res := domain.TradeResult{
		Trade: domain.Trade{
			Signal:   domain.Signal{ID: "s1", StrategyName: "arbitrage"},
			Venue:    domain.VenueKalshi,
			MarketID: "K1",
			Side:     domain.SideYes,
			Action:   domain.SignalBuy,
			Quantity: 10,
			Price:    0.3,
		},
		Success:        true,
		OrderID:        "PAPER-1234abcd",
		FilledPrice:    &price,
		FilledQuantity: 10,
		Timestamp:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Complementary:  &domain.TradeResult{Error: "rejected"},
	}
	row, err := newTradeRow(res)
	require.NoError(t, err)
	assert.Equal(t, "s1", row.signalID)
	assert.Equal(t, "arbitrage", row.strategy)
	assert.Equal(t, "kalshi", row.venue)
	require.NotNil(t, row.orderID)
	assert.Equal(t, "PAPER-1234abcd", *row.orderID)
	assert.Nil(t, row.errMsg)

	var back domain.TradeResult
	require.NoError(t, json.Unmarshal(row.result, &back))
	require.NotNil(t, back.Complementary)
	assert.Equal(t, "rejected", back.Complementary.Error)
}
