package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meridian/internal/domain"
	"meridian/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaAPI is the subset of *alpaca.Client the broker uses.
type alpacaAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	StreamTradeUpdatesInBackground(ctx context.Context, handler func(alpaca.TradeUpdate))
}

// fillNamespace scopes fill ids derived from trade updates.
var fillNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("meridian.fill.alpaca"))

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// The order's correlation id is sent as Alpaca's client order id, which makes
// placement idempotent across retries and lets fills be matched back.
type AlpacaBroker struct {
	client   alpacaAPI
	limiter  *util.RateLimiter
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint. Requests are limited to 200 per minute.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log *slog.Logger) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client, log)
}

func newAlpacaBroker(client alpacaAPI, log *slog.Logger) *AlpacaBroker {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		client:   client,
		limiter:  util.NewRateLimiter(200, 10),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		log:      log.With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceOrder submits the order to Alpaca. Transient failures are retried; if
// an earlier attempt reached Alpaca, the existing order is looked up by its
// client order id instead of being placed twice.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, order domain.Order) (string, error) {
	req, err := placeRequest(order)
	if err != nil {
		return "", err
	}

	var brokerID string
	err = util.Retry(ctx, b.attempts, b.backoff, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		placed, err := b.client.PlaceOrder(req)
		if err == nil {
			brokerID = placed.ID
			return nil
		}
		if existing, lerr := b.client.GetOrderByClientOrderID(order.ID); lerr == nil && existing != nil {
			brokerID = existing.ID
			return nil
		}
		if !retryable(err) {
			return util.Permanent(err)
		}
		b.log.Warn("placing order failed, retrying", "order_id", order.ID, "error", err)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("alpaca: placing order %s: %w", order.ID, err)
	}
	return brokerID, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API. An
// id Alpaca does not know is retried as a client order id.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	err := b.client.CancelOrder(brokerOrderID)
	if err == nil {
		return true, nil
	}
	if statusOf(err) != http.StatusNotFound {
		return false, fmt.Errorf("alpaca: cancelling %s: %w", brokerOrderID, err)
	}

	existing, lerr := b.client.GetOrderByClientOrderID(brokerOrderID)
	if lerr != nil || existing == nil {
		return false, nil
	}
	if err := b.client.CancelOrder(existing.ID); err != nil {
		if s := statusOf(err); s == http.StatusNotFound || s == http.StatusUnprocessableEntity {
			return false, nil
		}
		return false, fmt.Errorf("alpaca: cancelling %s: %w", existing.ID, err)
	}
	return true, nil
}

// SubscribeFills streams trade updates in the background and forwards fill
// and partial_fill events to handler until ctx is cancelled.
func (b *AlpacaBroker) SubscribeFills(ctx context.Context, handler FillHandler) error {
	b.client.StreamTradeUpdatesInBackground(ctx, func(tu alpaca.TradeUpdate) {
		f, ok := fillFromTradeUpdate(tu)
		if !ok {
			b.log.Debug("ignoring trade update", "event", tu.Event, "client_order_id", tu.Order.ClientOrderID)
			return
		}
		handler(f)
	})
	return nil
}

func placeRequest(order domain.Order) (alpaca.PlaceOrderRequest, error) {
	if order.Instrument.Kind != "" && order.Instrument.Kind != domain.InstrumentEquity {
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("alpaca: %s instruments are not supported", order.Instrument.Kind)
	}
	qty := decimal.NewFromFloat(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol(),
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.Side == domain.OrderSideSell {
		req.Side = alpaca.Sell
	}
	if order.Type == domain.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}
	return req, nil
}

// fillFromTradeUpdate converts fill and partial_fill events. Alpaca reports
// the execution's own qty and price on the update. The fill id is Alpaca's
// execution id; updates without one get an id derived from the execution's
// fields, so a replayed update still maps to the same id.
func fillFromTradeUpdate(tu alpaca.TradeUpdate) (domain.Fill, bool) {
	if tu.Event != "fill" && tu.Event != "partial_fill" {
		return domain.Fill{}, false
	}
	if tu.Order.ClientOrderID == "" || tu.Qty == nil || tu.Price == nil {
		return domain.Fill{}, false
	}

	ts := time.Now().UTC()
	if tu.Timestamp != nil {
		ts = tu.Timestamp.UTC()
	}
	side := domain.OrderSideBuy
	if strings.EqualFold(string(tu.Order.Side), string(alpaca.Sell)) {
		side = domain.OrderSideSell
	}
	id := tu.ExecutionID
	if id == "" {
		key := tu.Order.ClientOrderID + "|" + tu.Event + "|" + strconv.FormatInt(ts.UnixNano(), 10) + "|" + tu.Qty.String() + "|" + tu.Price.String()
		id = uuid.NewSHA1(fillNamespace, []byte(key)).String()
	}

	return domain.Fill{
		ID:        id,
		OrderID:   tu.Order.ClientOrderID,
		Symbol:    strings.ToUpper(tu.Order.Symbol),
		Qty:       tu.Qty.InexactFloat64(),
		Price:     tu.Price.InexactFloat64(),
		Side:      side,
		Timestamp: ts,
	}, true
}

func statusOf(err error) int {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// retryable reports whether a placement error may succeed on retry: network
// failures, rate limiting and server errors.
func retryable(err error) bool {
	status := statusOf(err)
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}
