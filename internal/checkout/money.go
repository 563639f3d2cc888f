package checkout

import (
	"errors"
	"fmt"
)

const nanosPerUnit = 1_000_000_000

// ErrCurrencyMismatch indicates arithmetic across different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is a fixed-point monetary amount. Units carries whole currency
// units, Nanos carries the fractional part in billionths; both share the
// same sign.
type Money struct {
	Currency string `json:"currency"`
	Units    int64  `json:"units"`
	Nanos    int32  `json:"nanos"`
}

// NewMoney constructs a normalized Money value.
func NewMoney(currency string, units int64, nanos int32) Money {
	return normalize(Money{Currency: currency, Units: units, Nanos: nanos})
}

// Cents constructs a Money from an amount expressed in hundredths of a unit.
func Cents(currency string, cents int64) Money {
	return NewMoney(currency, cents/100, int32(cents%100)*10_000_000)
}

// Add returns m + other. Both operands must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return normalize(Money{
		Currency: m.Currency,
		Units:    m.Units + other.Units,
		Nanos:    m.Nanos + other.Nanos,
	}), nil
}

// MulInt returns m scaled by a whole quantity.
func (m Money) MulInt(n int64) Money {
	totalNanos := int64(m.Nanos) * n
	return normalize(Money{
		Currency: m.Currency,
		Units:    m.Units*n + totalNanos/nanosPerUnit,
		Nanos:    int32(totalNanos % nanosPerUnit),
	})
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Units == 0 && m.Nanos == 0
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.Units < 0 || (m.Units == 0 && m.Nanos < 0)
}

// Equal reports whether two amounts are the same value and currency.
func (m Money) Equal(other Money) bool {
	a, b := normalize(m), normalize(other)
	return a == b
}

// String renders the amount as e.g. "USD 30.00".
func (m Money) String() string {
	cents := m.Nanos / 10_000_000
	if cents < 0 {
		cents = -cents
	}
	units := m.Units
	sign := ""
	if m.IsNegative() {
		sign = "-"
		if units < 0 {
			units = -units
		}
	}
	return fmt.Sprintf("%s %s%d.%02d", m.Currency, sign, units, cents)
}

// normalize folds overflowing nanos into units and aligns signs.
func normalize(m Money) Money {
	total := m.Units*nanosPerUnit + int64(m.Nanos)
	m.Units = total / nanosPerUnit
	m.Nanos = int32(total % nanosPerUnit)
	return m
}
