// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every amount carries.
const Places = 6

// maxMagnitude bounds amounts to 13 integer digits.
var maxMagnitude = decimal.New(1, 13)

// Zero is the zero amount.
var Zero = decimal.Zero

// Normalise rounds value to Places fractional digits and checks its
// magnitude.
func Normalise(value decimal.Decimal) (decimal.Decimal, error) {
	value = value.Round(Places)
	if value.Abs().GreaterThanOrEqual(maxMagnitude) {
		return decimal.Zero, fmt.Errorf("%w: %s is outside the supported range", ErrAccount, value.StringFixed(Places))
	}
	return value, nil
}

// ParseAmount parses and normalises a decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal: %v", ErrAccount, s, err)
	}
	return Normalise(value)
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) decimal.Decimal {
	value, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return value
}

// positive checks that value is a normalised, strictly positive amount.
func positive(value decimal.Decimal) (decimal.Decimal, error) {
	value, err := Normalise(value)
	if err != nil {
		return value, err
	}
	if !value.IsPositive() {
		return value, fmt.Errorf("%w: %s is not a positive amount", ErrTransaction, value.StringFixed(Places))
	}
	return value, nil
}
