package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"1", "1000000", true},
		{"12.5", "12500000", true},
		{"0.10", "100000", true},
		{".5", "500000", true},
		{"1.1234567", "1123456", true},
		{"-1", "", false},
		{"+1", "", false},
		{"1.2.3", "", false},
		{"abc", "", false},
		{"1e3", "", false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0.000000"},
		{big.NewInt(0), "0.000000"},
		{big.NewInt(1), "0.000001"},
		{big.NewInt(200_000_000), "200.000000"},
		{big.NewInt(-1_500_000), "-1.500000"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestApplyRate(t *testing.T) {
	tests := []struct {
		amount, rate, want string
	}{
		{"100", "0.10", "10.000000"},
		{"200", "0", "0.000000"},
		{"0.05", "0.10", "0.005000"},
		{"33.333333", "0.10", "3.333333"},
	}
	for _, tt := range tests {
		got := Format(ApplyRate(MustParse(tt.amount), MustParse(tt.rate)))
		if got != tt.want {
			t.Errorf("ApplyRate(%s, %s) = %s, want %s", tt.amount, tt.rate, got, tt.want)
		}
	}
}

func TestMinReturnsCopy(t *testing.T) {
	a := MustParse("250")
	b := MustParse("200")
	m := Min(a, b)
	if m.Cmp(b) != 0 {
		t.Fatalf("Min = %s, want 200", Format(m))
	}
	m.SetInt64(0)
	if b.Sign() == 0 {
		t.Fatal("Min must not alias its arguments")
	}
}
