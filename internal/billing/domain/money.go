package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponent is the number of decimal places in the supported
// currencies (GBP, EUR). The provider takes amounts in minor units.
const minorUnitExponent = 2

// Price is a fixed-point amount in a single currency.
type Price struct {
	amount   decimal.Decimal
	currency string
}

// NewPrice validates a positive amount with at most two decimal places.
func NewPrice(amount decimal.Decimal, currency string) (Price, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Price{}, ErrInvalidCurrency
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(minorUnitExponent)) {
		return Price{}, fmt.Errorf("%w: %s", ErrInvalidPrice, amount.String())
	}
	return Price{amount: amount, currency: currency}, nil
}

// ParsePrice parses a decimal string such as "4.99".
func ParsePrice(value, currency string) (Price, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Price{}, fmt.Errorf("%w: %q", ErrInvalidPrice, value)
	}
	return NewPrice(amount, currency)
}

// PriceFromMinorUnits converts a provider amount (499) back to a Price (4.99).
func PriceFromMinorUnits(minor int64, currency string) (Price, error) {
	return NewPrice(decimal.New(minor, -minorUnitExponent), currency)
}

// MinorUnits returns the amount in pence/cents. NewPrice guarantees this is exact.
func (p Price) MinorUnits() int64 {
	return p.amount.Shift(minorUnitExponent).IntPart()
}

func (p Price) Amount() decimal.Decimal { return p.amount }
func (p Price) Currency() string        { return p.currency }
func (p Price) IsZero() bool            { return p.currency == "" }

// String formats the price as "4.99 GBP".
func (p Price) String() string {
	return p.amount.StringFixed(minorUnitExponent) + " " + p.currency
}

// Equal compares amount and currency.
func (p Price) Equal(other Price) bool {
	return p.currency == other.currency && p.amount.Equal(other.amount)
}
