package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency tags a settlement currency. The numeric values match the tags
// persisted by the pool service: 0 = none, 1 = SOL, 2 = USDC.
type Currency int

const (
	CurrencyNone Currency = 0
	CurrencySOL  Currency = 1
	CurrencyUSDC Currency = 2
)

// SettlementCurrencies lists every currency a user balance can be held in.
var SettlementCurrencies = []Currency{CurrencySOL, CurrencyUSDC}

// Decimals returns the number of minor-unit digits for c.
func (c Currency) Decimals() int32 {
	switch c {
	case CurrencySOL:
		return 9
	case CurrencyUSDC:
		return 6
	}
	return 0
}

// Settlement reports whether c is SOL or USDC.
func (c Currency) Settlement() bool {
	return c == CurrencySOL || c == CurrencyUSDC
}

func (c Currency) String() string {
	switch c {
	case CurrencyNone:
		return "NONE"
	case CurrencySOL:
		return "SOL"
	case CurrencyUSDC:
		return "USDC"
	}
	return "Currency(" + strconv.Itoa(int(c)) + ")"
}

// ParseCurrency accepts a currency name (any case) or its numeric tag.
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "0", "":
		return CurrencyNone, nil
	case "SOL", "1":
		return CurrencySOL, nil
	case "USDC", "2":
		return CurrencyUSDC, nil
	}
	return CurrencyNone, fmt.Errorf("unknown currency %q: %w", s, ErrValidation)
}

func (c Currency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Currency) UnmarshalText(b []byte) error {
	parsed, err := ParseCurrency(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Amount is a quantity of a currency in minor units (lamports, micro-USDC).
type Amount int64

// Decimal returns a in major units of c.
func (a Amount) Decimal(c Currency) decimal.Decimal {
	return decimal.New(int64(a), -c.Decimals())
}

// Format renders a in major units of c, e.g. 12500000 USDC → "12.5".
func (a Amount) Format(c Currency) string {
	return a.Decimal(c).String()
}

// ParseAmount converts a decimal string in major units of c to minor units.
// More fractional digits than the currency supports is an error, not a
// silent truncation.
func ParseAmount(s string, c Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, ErrValidation)
	}
	return AmountFromDecimal(d, c)
}

// AmountFromDecimal converts a major-unit decimal to minor units of c.
func AmountFromDecimal(d decimal.Decimal, c Currency) (Amount, error) {
	shifted := d.Shift(c.Decimals())
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds %d decimals of %s: %w", d, c.Decimals(), c, ErrValidation)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range: %w", d, ErrValidation)
	}
	return Amount(shifted.IntPart()), nil
}

// MulDiv returns floor(a*num/den) and the remainder of that division,
// computed without intermediate overflow. All inputs must be non-negative
// and den positive.
func MulDiv(a, num, den Amount) (Amount, Amount) {
	q, r := decimal.NewFromInt(int64(a)).
		Mul(decimal.NewFromInt(int64(num))).
		QuoRem(decimal.NewFromInt(int64(den)), 0)
	return Amount(q.IntPart()), Amount(r.IntPart())
}

// Ratio returns num/den as a decimal, for reporting rates. Zero when den is 0.
func Ratio(num, den Amount) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(num)).Div(decimal.NewFromInt(int64(den)))
}
