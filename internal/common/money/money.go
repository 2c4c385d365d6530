// Package money provides a fixed-point monetary type. All amounts are
// held as int64 minor units with two fraction digits; no monetary value
// ever passes through floating point.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Currency represents an ISO 4217 currency code.
type Currency string

const (
	SAR Currency = "SAR"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// minorUnits is the number of fraction digits carried by every currency
// the platform quotes in.
const minorUnits = 2

// Money represents a monetary amount in minor units (halalas, cents).
type Money struct {
	AmountMinor int64    `json:"amount"`
	Currency    Currency `json:"currency"`
}

// New creates a Money value from minor units.
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// Zero returns a zero amount for a currency.
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// Parse parses a decimal string such as "12000.00" or "-3.5" into a
// Money value. At most two fraction digits are accepted.
func Parse(s string, currency Currency) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, errors.New("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > minorUnits {
		return Money{}, fmt.Errorf("amount %q has more than %d fraction digits", s, minorUnits)
	}
	for len(frac) < minorUnits {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q", s)
	}

	if w > (math.MaxInt64-f)/100 {
		return Money{}, fmt.Errorf("amount %q out of range", s)
	}

	minor := w*100 + f
	if neg {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: currency}, nil
}

// MustParse parses a decimal string, panicking on malformed input.
// Intended for constants and test fixtures.
func MustParse(s string, currency Currency) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal renders the amount as a 2-fraction-digit decimal string.
func (m Money) Decimal() string {
	minor := m.AmountMinor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// String returns the decimal amount with its currency code.
func (m Money) String() string {
	return m.Decimal() + " " + string(m.Currency)
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive returns true if the amount is strictly positive.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative returns true if the amount is strictly negative.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// Add adds two money values (must be same currency).
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// MustAdd adds two money values, panics on currency mismatch.
func (m Money) MustAdd(other Money) Money {
	r, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return r
}

// Sub subtracts two money values (must be same currency).
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// MustSub subtracts two money values, panics on currency mismatch.
func (m Money) MustSub(other Money) Money {
	r, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return r
}

// Compare returns -1, 0, or 1.
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	default:
		return 0, nil
	}
}

// Equal checks equality.
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// GreaterThan checks if m > other.
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp > 0
}

// LessThan checks if m < other.
func (m Money) LessThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp < 0
}

// BasisPoints returns the given fraction of the amount in basis points
// (1 bp = 0.01%), truncated toward zero.
func (m Money) BasisPoints(bp int64) Money {
	return Money{AmountMinor: m.AmountMinor * bp / 10000, Currency: m.Currency}
}

// Split divides the amount into n parts. The first n-1 parts each get
// the floored share; the last part absorbs the remainder so the parts
// always sum exactly to the original amount.
func (m Money) Split(n int) []Money {
	if n <= 0 {
		return nil
	}
	base := m.AmountMinor / int64(n)
	parts := make([]Money, n)
	for i := range parts {
		parts[i] = Money{AmountMinor: base, Currency: m.Currency}
	}
	parts[n-1].AmountMinor = m.AmountMinor - base*int64(n-1)
	return parts
}

// Sum adds up multiple money values.
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}
	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}

// MarshalJSON renders the amount as a decimal string alongside its
// currency, which is the wire format of the payment API.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.Decimal(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON accepts the decimal-string wire format.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := Parse(v.Amount, Currency(v.Currency))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Scan implements sql.Scanner for minor-unit columns.
func (m *Money) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Money{}
		return nil
	case int64:
		m.AmountMinor = v
		return nil
	default:
		return errors.New("cannot scan into Money")
	}
}

// Value implements driver.Valuer, storing minor units.
func (m Money) Value() (driver.Value, error) {
	return m.AmountMinor, nil
}
