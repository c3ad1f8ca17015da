// Package notify delivers operator alerts to chat channels. Alerts are
// dispatched to every configured sender and filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/infomarkets/marketbot/internal/domain"
)

// Event types understood by the notifier.
const (
	EventArbitrageTrade = "arbitrage_trade"
	EventStrategyError  = "strategy_error"
	EventDailyCap       = "daily_cap"
	EventLiveFailure    = "live_failure"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to its senders. Notify only forwards event
// types in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, forwarding only events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// TradeExecuted reports a trade result. Only successful arbitrage trades
// and failed live orders raise an alert.
func (n *Notifier) TradeExecuted(ctx context.Context, res domain.TradeResult, paper bool) error {
	sig := res.Trade.Signal
	switch {
	case res.Success && sig.StrategyName == "arbitrage":
		title := fmt.Sprintf("Arbitrage %s on %s", sig.MetaString("arb_type"), res.Trade.Venue)
		msg := fmt.Sprintf("%s\nBuy %d %s @ %.3f (%s)\n%s",
			sig.MarketTitle, res.Trade.Quantity, strings.ToUpper(res.Trade.Side), res.Trade.Price, res.OrderID, sig.Reasoning)
		if c := res.Complementary; c != nil {
			status := "filled"
			if !c.Success {
				status = "FAILED: " + c.Error
			}
			msg += fmt.Sprintf("\nComplementary %s %s @ %.3f: %s", c.Trade.Venue, strings.ToUpper(c.Trade.Side), c.Trade.Price, status)
		}
		return n.Notify(ctx, EventArbitrageTrade, title, msg)
	case !res.Success && !paper && !strings.Contains(res.Error, domain.ErrLiveUnsupported.Error()):
		title := fmt.Sprintf("Order failed on %s", res.Trade.Venue)
		msg := fmt.Sprintf("%s %s %s x%d: %s", sig.StrategyName, res.Trade.Action, res.Trade.MarketID, res.Trade.Quantity, res.Error)
		return n.Notify(ctx, EventLiveFailure, title, msg)
	}
	return nil
}

// StrategyFailed reports a strategy whose Analyze returned an error.
func (n *Notifier) StrategyFailed(ctx context.Context, strategy string, err error) error {
	return n.Notify(ctx, EventStrategyError, "Strategy error: "+strategy, err.Error())
}

// DailyCapReached reports that the runner stopped trading for the day.
func (n *Notifier) DailyCapReached(ctx context.Context, trades, limit int) error {
	return n.Notify(ctx, EventDailyCap, "Daily trade cap reached", fmt.Sprintf("%d of %d trades used", trades, limit))
}

// dispatch sends to every sender. One failing sender does not stop
// delivery to the rest; failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
