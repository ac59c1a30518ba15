package types

import (
	"math"
	"testing"
)

func TestAssetStringRoundTrip(t *testing.T) {
	cases := []string{
		"50.00000 S#1",
		"0.00001 S#3",
		"-1.50000 S#1",
		"12 S#7",
		"10000.00000 S#3",
	}
	for _, s := range cases {
		a, err := ParseAsset(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got := a.String(); got != s {
			t.Fatalf("round trip %q: got %q", s, got)
		}
	}
}

func TestAssetParseValues(t *testing.T) {
	a, err := ParseAsset("50.00000 S#1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Amount != 5000000 {
		t.Fatalf("amount = %d, want 5000000", a.Amount)
	}
	if a.Sym != EVTSymbol() {
		t.Fatalf("sym = %v, want native", a.Sym)
	}
}

func TestAssetArithmetic(t *testing.T) {
	a := NewAsset(100, EVTSymbol())
	b := NewAsset(50, EVTSymbol())
	sum, err := a.Add(b)
	if err != nil || sum.Amount != 150 {
		t.Fatalf("add: %v %v", sum, err)
	}
	diff, err := a.Sub(b)
	if err != nil || diff.Amount != 50 {
		t.Fatalf("sub: %v %v", diff, err)
	}
	if _, err := a.Add(NewAsset(1, PEVTSymbol())); err == nil {
		t.Fatal("mixed symbols must not add")
	}
	big := NewAsset(math.MaxInt64, EVTSymbol())
	if _, err := big.Add(NewAsset(1, EVTSymbol())); err == nil {
		t.Fatal("overflow must be rejected")
	}
}

func TestSymbolPrecisionBound(t *testing.T) {
	if _, err := NewSymbol(19, 5); err == nil {
		t.Fatal("precision 19 must be rejected")
	}
	if _, err := NewSymbol(18, 5); err != nil {
		t.Fatalf("precision 18 must be accepted: %v", err)
	}
}

func TestPercent(t *testing.T) {
	p, err := NewPercentFromString("0.15")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Apply(1000000); got != 150000 {
		t.Fatalf("0.15 of 1000000 = %d", got)
	}
	if _, err := NewPercentFromString("1.5"); err == nil {
		t.Fatal("percent above 1 must be rejected")
	}
}
