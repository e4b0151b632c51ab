package models

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount is a non-negative arbitrary-precision integer in token base units.
// JSON representation is a decimal string so precision survives clients that
// parse numbers as float64.
type Amount struct {
	i big.Int
}

// NewAmount builds an Amount from an int64. Negative inputs clamp to zero.
func NewAmount(v int64) *Amount {
	if v < 0 {
		v = 0
	}
	a := &Amount{}
	a.i.SetInt64(v)
	return a
}

// ParseAmount parses a base-10 string.
func ParseAmount(s string) (*Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	a := &Amount{}
	if _, ok := a.i.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if a.i.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	return a, nil
}

// Zero returns a fresh zero amount.
func Zero() *Amount {
	return &Amount{}
}

func (a *Amount) String() string {
	if a == nil {
		return "0"
	}
	return a.i.String()
}

// Cmp returns -1, 0 or 1 like big.Int.Cmp. A nil Amount compares as zero.
func (a *Amount) Cmp(b *Amount) int {
	return a.bigInt().Cmp(b.bigInt())
}

// Add returns a new Amount a+b without mutating either operand.
func (a *Amount) Add(b *Amount) *Amount {
	out := &Amount{}
	out.i.Add(a.bigInt(), b.bigInt())
	return out
}

// Sub returns a new Amount a-b, floored at zero.
func (a *Amount) Sub(b *Amount) *Amount {
	out := &Amount{}
	out.i.Sub(a.bigInt(), b.bigInt())
	if out.i.Sign() < 0 {
		out.i.SetInt64(0)
	}
	return out
}

// Div returns a new Amount a/n using floor division. n <= 0 yields zero.
func (a *Amount) Div(n int64) *Amount {
	out := &Amount{}
	if n <= 0 {
		return out
	}
	out.i.Div(a.bigInt(), big.NewInt(n))
	return out
}

func (a *Amount) Sign() int {
	return a.bigInt().Sign()
}

// Clone returns an independent copy.
func (a *Amount) Clone() *Amount {
	out := &Amount{}
	out.i.Set(a.bigInt())
	return out
}

func (a *Amount) bigInt() *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return &a.i
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	if s == "null" || s == "" {
		a.i.SetInt64(0)
		return nil
	}
	if _, ok := a.i.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	if a.i.Sign() < 0 {
		return fmt.Errorf("amount %q is negative", s)
	}
	return nil
}
