package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"meridian/internal/domain"
)

// Signal metadata keys understood by the factory.
const (
	MetaQuantity   = "quantity"
	MetaOrderType  = "order_type"
	MetaLimitPrice = "limit_price"
)

// signalNamespace scopes derived signal ids.
var signalNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("meridian.signal"))

// OrderFactory turns signals into normalized orders. It performs no I/O and
// holds no state besides its id generator and clock.
type OrderFactory struct {
	newID func() string
	now   func() time.Time
}

// NewOrderFactory returns a factory issuing random UUID correlation ids.
func NewOrderFactory() *OrderFactory {
	return &OrderFactory{
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// CreateOrder builds the order for sig. current is the live position in the
// signal's symbol, or nil when none exists. EXIT signals close current in
// full and fail when it is nil or FLAT.
func (f *OrderFactory) CreateOrder(sig domain.Signal, current *domain.Position) (domain.Order, error) {
	symbol := signalSymbol(sig)
	if symbol == "" {
		return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: "missing symbol"}
	}
	if !sig.Instrument.IsZero() && !strings.EqualFold(sig.Instrument.Symbol, symbol) {
		return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: "instrument symbol does not match signal symbol"}
	}

	order := domain.Order{
		ID:         f.newID(),
		StrategyID: sig.StrategyID,
		SignalID:   sig.ID,
		Confidence: sig.Strength,
		Metadata:   copyMetadata(sig.Metadata),
		CreatedAt:  f.now().UTC(),
	}
	if order.SignalID == "" {
		order.SignalID = deriveSignalID(symbol, sig.StrategyID, sig.CreatedAt)
	}

	switch sig.Type {
	case domain.SignalTypeBuy, domain.SignalTypeSell:
		qty, err := metaFloat(sig.Metadata, MetaQuantity)
		if err != nil {
			return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: err.Error()}
		}
		if qty < 0 {
			return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: "negative quantity"}
		}
		order.Qty = qty
		order.Side = domain.OrderSideBuy
		if sig.Type == domain.SignalTypeSell {
			order.Side = domain.OrderSideSell
		}
		order.Instrument = resolveInstrument(sig, nil, symbol)

	case domain.SignalTypeExit:
		if current == nil || current.IsFlat() {
			return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: "EXIT with no open position"}
		}
		order.Side = current.Side.ClosingSide()
		order.Qty = current.Qty
		order.Instrument = resolveInstrument(sig, current, symbol)

	default:
		return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: fmt.Sprintf("unsupported signal type %q", sig.Type)}
	}

	orderType, limit, err := orderTypeFromMeta(sig.Metadata)
	if err != nil {
		return domain.Order{}, &OrderFactoryError{Signal: sig, Reason: err.Error()}
	}
	order.Type = orderType
	order.LimitPrice = limit

	return order, nil
}

// signalSymbol returns the upper-cased symbol a signal refers to.
func signalSymbol(sig domain.Signal) string {
	if sig.Symbol != "" {
		return strings.ToUpper(sig.Symbol)
	}
	return strings.ToUpper(sig.Instrument.Symbol)
}

// resolveInstrument prefers the signal's instrument, then the position's,
// then an equity on the symbol.
func resolveInstrument(sig domain.Signal, current *domain.Position, symbol string) domain.Instrument {
	if !sig.Instrument.IsZero() {
		inst := sig.Instrument
		inst.Symbol = symbol
		return inst
	}
	if current != nil && current.Instrument.Kind != "" {
		return current.Instrument
	}
	return domain.NewEquity(symbol)
}

// deriveSignalID hashes symbol, strategy and timestamp into a stable id.
func deriveSignalID(symbol, strategyID string, ts time.Time) string {
	var nanos int64
	if !ts.IsZero() {
		nanos = ts.UnixNano()
	}
	key := symbol + "|" + strategyID + "|" + strconv.FormatInt(nanos, 10)
	return uuid.NewSHA1(signalNamespace, []byte(key)).String()
}

func orderTypeFromMeta(md map[string]string) (domain.OrderType, float64, error) {
	switch strings.ToUpper(md[MetaOrderType]) {
	case "", string(domain.OrderTypeMarket):
		return domain.OrderTypeMarket, 0, nil
	case string(domain.OrderTypeLimit):
		limit, err := metaFloat(md, MetaLimitPrice)
		if err != nil {
			return "", 0, err
		}
		if limit <= 0 {
			return "", 0, fmt.Errorf("limit order needs a positive %s", MetaLimitPrice)
		}
		return domain.OrderTypeLimit, limit, nil
	default:
		return "", 0, fmt.Errorf("unsupported order type %q", md[MetaOrderType])
	}
}

// metaFloat parses md[key]; a missing key yields 0.
func metaFloat(md map[string]string, key string) (float64, error) {
	raw, ok := md[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", key, raw, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bad %s %q: not a finite number", key, raw)
	}
	return v, nil
}

func copyMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
