// Package domain defines the value types shared across the execution engine:
// instruments, signals, orders, fills, positions and order groups.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// InstrumentKind tags the variant held by an Instrument.
type InstrumentKind string

const (
	InstrumentEquity InstrumentKind = "EQUITY"
	InstrumentFuture InstrumentKind = "FUTURE"
	InstrumentOption InstrumentKind = "OPTION"
)

// OptionRight is the call/put flag of an option contract.
type OptionRight string

const (
	OptionCall OptionRight = "CALL"
	OptionPut  OptionRight = "PUT"
)

// Instrument describes a tradable contract. It is a tagged variant: Kind
// selects which of the optional fields are meaningful. Equities only carry a
// symbol; futures add Underlying and Expiry; options add Strike and Right.
// Instruments are passed by value and never mutated after construction.
type Instrument struct {
	Symbol     string         `json:"symbol"`
	Kind       InstrumentKind `json:"kind"`
	Multiplier float64        `json:"multiplier"`
	Underlying string         `json:"underlying,omitempty"`
	Expiry     time.Time      `json:"expiry,omitempty"`
	Strike     float64        `json:"strike,omitempty"`
	Right      OptionRight    `json:"right,omitempty"`
}

// NewEquity returns an equity instrument with a multiplier of 1.
func NewEquity(symbol string) Instrument {
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		Kind:       InstrumentEquity,
		Multiplier: 1,
	}
}

// NewFuture returns a futures contract on underlying expiring at expiry.
func NewFuture(symbol, underlying string, expiry time.Time, multiplier float64) Instrument {
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		Kind:       InstrumentFuture,
		Multiplier: multiplier,
		Underlying: strings.ToUpper(underlying),
		Expiry:     expiry,
	}
}

// NewOption returns an option contract. multiplier is the lot size.
func NewOption(symbol, underlying string, expiry time.Time, strike float64, right OptionRight, multiplier float64) Instrument {
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		Kind:       InstrumentOption,
		Multiplier: multiplier,
		Underlying: strings.ToUpper(underlying),
		Expiry:     expiry,
		Strike:     strike,
		Right:      right,
	}
}

// IsZero reports whether the instrument is unset.
func (i Instrument) IsZero() bool {
	return i.Symbol == "" && i.Kind == ""
}

// Validate checks that the variant-specific fields are consistent with Kind.
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument: empty symbol")
	}
	if i.Multiplier <= 0 {
		return fmt.Errorf("instrument %s: multiplier must be positive, got %v", i.Symbol, i.Multiplier)
	}
	switch i.Kind {
	case InstrumentEquity:
		return nil
	case InstrumentFuture:
		if i.Underlying == "" || i.Expiry.IsZero() {
			return fmt.Errorf("future %s: underlying and expiry are required", i.Symbol)
		}
		return nil
	case InstrumentOption:
		if i.Underlying == "" || i.Expiry.IsZero() {
			return fmt.Errorf("option %s: underlying and expiry are required", i.Symbol)
		}
		if i.Strike <= 0 {
			return fmt.Errorf("option %s: strike must be positive", i.Symbol)
		}
		if i.Right != OptionCall && i.Right != OptionPut {
			return fmt.Errorf("option %s: unknown right %q", i.Symbol, i.Right)
		}
		return nil
	default:
		return fmt.Errorf("instrument %s: unknown kind %q", i.Symbol, i.Kind)
	}
}
