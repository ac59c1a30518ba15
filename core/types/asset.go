package types

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Reserved symbol ids.
const (
	EVTSymbolID  uint32 = 1
	PEVTSymbolID uint32 = 2

	// EVTPrecision is the precision of the native token and its pinned twin.
	EVTPrecision uint8 = 5

	// MaxSymbolPrecision bounds how many decimal places a fungible may carry.
	MaxSymbolPrecision uint8 = 18
)

var (
	ErrAssetSymbolMismatch = errors.New("asset symbols do not match")
	ErrAssetOverflow       = errors.New("asset amount overflow")
	ErrAssetPrecision      = errors.New("asset precision out of range")
)

// Symbol identifies a fungible: a chain-unique id plus a fixed-point
// precision in 0..18.
type Symbol struct {
	Precision uint8  `json:"precision"`
	ID        uint32 `json:"id"`
}

// NewSymbol validates precision and builds a symbol.
func NewSymbol(precision uint8, id uint32) (Symbol, error) {
	if precision > MaxSymbolPrecision {
		return Symbol{}, ErrAssetPrecision
	}
	return Symbol{Precision: precision, ID: id}, nil
}

// EVTSymbol is the native token symbol.
func EVTSymbol() Symbol { return Symbol{Precision: EVTPrecision, ID: EVTSymbolID} }

// PEVTSymbol is the pinned, non-transferable twin of the native token.
func PEVTSymbol() Symbol { return Symbol{Precision: EVTPrecision, ID: PEVTSymbolID} }

// String renders "P,S#I" where P is the precision, e.g. "5,S#1".
func (s Symbol) String() string {
	return fmt.Sprintf("%d,S#%d", s.Precision, s.ID)
}

// ParseSymbol parses the "P,S#I" form.
func ParseSymbol(str string) (Symbol, error) {
	parts := strings.SplitN(str, ",", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "S#") {
		return Symbol{}, fmt.Errorf("malformed symbol %q", str)
	}
	prec, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return Symbol{}, fmt.Errorf("symbol precision: %w", err)
	}
	id, err := strconv.ParseUint(parts[1][2:], 10, 32)
	if err != nil {
		return Symbol{}, fmt.Errorf("symbol id: %w", err)
	}
	return NewSymbol(uint8(prec), uint32(id))
}

// SymbolIDBytes returns the 4-byte big-endian id used as the assets keyspace
// prefix.
func SymbolIDBytes(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// Asset is a fixed-point amount of a fungible. Amount is the integer scaled
// by the symbol precision, so "50.00000 S#1" has Amount 5000000.
type Asset struct {
	Amount int64  `json:"amount"`
	Sym    Symbol `json:"sym"`
}

// NewAsset builds an asset without range checks beyond the symbol's.
func NewAsset(amount int64, sym Symbol) Asset {
	return Asset{Amount: amount, Sym: sym}
}

// Add returns a+b, rejecting mixed symbols and overflow.
func (a Asset) Add(b Asset) (Asset, error) {
	if a.Sym != b.Sym {
		return Asset{}, ErrAssetSymbolMismatch
	}
	sum := a.Amount + b.Amount
	if (b.Amount > 0 && sum < a.Amount) || (b.Amount < 0 && sum > a.Amount) {
		return Asset{}, ErrAssetOverflow
	}
	return Asset{Amount: sum, Sym: a.Sym}, nil
}

// Sub returns a-b, rejecting mixed symbols and overflow.
func (a Asset) Sub(b Asset) (Asset, error) {
	if b.Amount == math.MinInt64 {
		return Asset{}, ErrAssetOverflow
	}
	return a.Add(Asset{Amount: -b.Amount, Sym: b.Sym})
}

// String renders the canonical "<int>.<frac> S#<id>" form, e.g. "50.00000 S#1".
// Zero-precision assets omit the fractional part.
func (a Asset) String() string {
	amount := a.Amount
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	if a.Sym.Precision == 0 {
		return fmt.Sprintf("%s%d S#%d", sign, amount, a.Sym.ID)
	}
	scale := int64(1)
	for i := uint8(0); i < a.Sym.Precision; i++ {
		scale *= 10
	}
	return fmt.Sprintf("%s%d.%0*d S#%d", sign, amount/scale, a.Sym.Precision, amount%scale, a.Sym.ID)
}

// ParseAsset parses the canonical string form. The symbol precision is taken
// from the fractional digit count; the amount is never rescaled.
func ParseAsset(s string) (Asset, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "S#") {
		return Asset{}, fmt.Errorf("malformed asset %q", s)
	}
	id, err := strconv.ParseUint(fields[1][2:], 10, 32)
	if err != nil {
		return Asset{}, fmt.Errorf("asset symbol id: %w", err)
	}
	num := fields[0]
	neg := strings.HasPrefix(num, "-")
	if neg {
		num = num[1:]
	}
	intPart := num
	fracPart := ""
	if dot := strings.IndexByte(num, '.'); dot >= 0 {
		intPart, fracPart = num[:dot], num[dot+1:]
	}
	if len(fracPart) > int(MaxSymbolPrecision) {
		return Asset{}, ErrAssetPrecision
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Asset{}, fmt.Errorf("asset amount: %w", err)
	}
	amount := whole
	for range fracPart {
		if amount > math.MaxInt64/10 {
			return Asset{}, ErrAssetOverflow
		}
		amount *= 10
	}
	if fracPart != "" {
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return Asset{}, fmt.Errorf("asset fraction: %w", err)
		}
		amount += frac
	}
	if neg {
		amount = -amount
	}
	sym, err := NewSymbol(uint8(len(fracPart)), uint32(id))
	if err != nil {
		return Asset{}, err
	}
	return Asset{Amount: amount, Sym: sym}, nil
}

// MarshalJSON renders the canonical string form.
func (a Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON parses the canonical string form.
func (a *Asset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAsset(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Percent is a fixed-point fraction with denominator 1_000_000, the
// resolution used by commission and bonus rates. "0.15" is 150000.
type Percent uint32

// PercentDenominator is the fixed denominator of Percent values.
const PercentDenominator = 1_000_000

// NewPercentFromString parses a decimal in [0,1] with up to six places.
func NewPercentFromString(s string) (Percent, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("percent: %w", err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("percent %q out of [0,1]", s)
	}
	return Percent(math.Round(v * PercentDenominator)), nil
}

// Apply returns amount*p rounded down.
func (p Percent) Apply(amount int64) int64 {
	prod := new(big.Int).Mul(big.NewInt(amount), big.NewInt(int64(p)))
	return prod.Div(prod, big.NewInt(PercentDenominator)).Int64()
}

// String renders the shortest decimal form.
func (p Percent) String() string {
	return strconv.FormatFloat(float64(p)/PercentDenominator, 'f', -1, 64)
}

// MarshalJSON renders the decimal string form.
func (p Percent) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the decimal string form or a raw number.
func (p *Percent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := NewPercentFromString(s)
		if perr != nil {
			return perr
		}
		*p = parsed
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("percent %v out of [0,1]", f)
	}
	*p = Percent(math.Round(f * PercentDenominator))
	return nil
}
