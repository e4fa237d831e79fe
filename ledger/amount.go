package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// YoctoPerToken is the number of indivisible units in one whole token (10^24).
var YoctoPerToken = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(24))

var (
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("amount underflow")
	// ErrOverflow is returned when an addition or multiplication exceeds 256 bits.
	ErrOverflow = errors.New("amount overflow")
)

// Amount is a non-negative token balance in yocto units. The zero value is zero.
type Amount struct {
	v uint256.Int
}

// Zero returns a zero Amount.
func Zero() Amount { return Amount{} }

// NewAmount returns an Amount of n yocto.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)

	return a
}

// Tokens returns an Amount of n whole tokens.
func Tokens(n uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(n), YoctoPerToken)

	return a
}

// MilliTokens returns an Amount of n thousandths of a token.
func MilliTokens(n uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(n), new(uint256.Int).Div(YoctoPerToken, uint256.NewInt(1000)))

	return a
}

// ParseAmount parses a decimal yocto string.
func ParseAmount(s string) (Amount, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}

	return Amount{v: *v}, nil
}

// MustParseAmount is ParseAmount that panics on error. Intended for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}

	return a
}

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}

	return out, nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, fmt.Errorf("%s - %s: %w", a, b, ErrUnderflow)
	}

	return out, nil
}

// SaturatingSub returns max(0, a-b).
func (a Amount) SaturatingSub(b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return Amount{}
	}
	var out Amount
	out.v.Sub(&a.v, &b.v)

	return out
}

// MulUint64 returns a*n or ErrOverflow.
func (a Amount) MulUint64(n uint64) (Amount, error) {
	var out Amount
	if _, overflow := out.v.MulOverflow(&a.v, uint256.NewInt(n)); overflow {
		return Amount{}, ErrOverflow
	}

	return out, nil
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}

	return b
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// String returns the decimal yocto representation.
func (a Amount) String() string { return a.v.Dec() }

// TokenString formats the amount in whole tokens, e.g. "3.5".
func (a Amount) TokenString() string {
	var whole, frac uint256.Int
	whole.DivMod(&a.v, YoctoPerToken, &frac)
	if frac.IsZero() {
		return whole.Dec()
	}
	f := frac.Dec()
	f = strings.Repeat("0", 24-len(f)) + f

	return whole.Dec() + "." + strings.TrimRight(f, "0")
}

// MarshalJSON encodes the amount as a decimal string so that no precision is lost in clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

// UnmarshalJSON decodes a decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed

	return nil
}

// MarshalText implements encoding.TextMarshaler, used by config decoding.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.v.Dec()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = parsed

	return nil
}
