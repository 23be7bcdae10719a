package domain

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount is an integer quantity in the asset's smallest unit, kept as a
// decimal string so it survives JSON and SQLite without precision loss.
type Amount string

const Zero Amount = "0"

// ParseAmount validates a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("amount required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero, fmt.Errorf("invalid amount %q", s)
	}
	return Amount(v.String()), nil
}

// AmountFromInt64 converts an int64.
func AmountFromInt64(v int64) Amount {
	return Amount(big.NewInt(v).String())
}

// AmountFromBig converts a big.Int; nil is zero.
func AmountFromBig(v *big.Int) Amount {
	if v == nil {
		return Zero
	}
	return Amount(v.String())
}

// Big returns the value as a big.Int; unparsable values read as zero.
func (a Amount) Big() *big.Int {
	v, ok := new(big.Int).SetString(string(a), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func (a Amount) Add(b Amount) Amount {
	return AmountFromBig(new(big.Int).Add(a.Big(), b.Big()))
}

func (a Amount) Sub(b Amount) Amount {
	return AmountFromBig(new(big.Int).Sub(a.Big(), b.Big()))
}

func (a Amount) Neg() Amount {
	return AmountFromBig(new(big.Int).Neg(a.Big()))
}

func (a Amount) Cmp(b Amount) int {
	return a.Big().Cmp(b.Big())
}

func (a Amount) IsZero() bool {
	return a.Big().Sign() == 0
}

func (a Amount) Sign() int {
	return a.Big().Sign()
}

func (a Amount) String() string {
	if a == "" {
		return string(Zero)
	}
	return string(a)
}
