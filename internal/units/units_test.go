package units

import (
	"errors"
	"math/big"
	"testing"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.25", "250000000000000000"},
		{" 0.1 ", "100000000000000000"},
		{"0", "0"},
		{"0.000000000000000001", "1"},
		{"1234.5", "1234500000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseEther(tc.in)
		if err != nil {
			t.Fatalf("ParseEther(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseEther(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseEtherRejects(t *testing.T) {
	if _, err := ParseEther("-1"); !errors.Is(err, ErrNegative) {
		t.Fatalf("expected ErrNegative, got %v", err)
	}
	if _, err := ParseEther("0.0000000000000000001"); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected ErrPrecision, got %v", err)
	}
	for _, in := range []string{"", "abc", "1e"} {
		if _, err := ParseEther(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestFormatEther(t *testing.T) {
	if got := FormatEther(big.NewInt(250000000000000000)); got != "0.25" {
		t.Fatalf("unexpected %s", got)
	}
	wei, _ := new(big.Int).SetString("1500000000000000000000", 10)
	if got := FormatEther(wei); got != "1500" {
		t.Fatalf("unexpected %s", got)
	}
	if got := FormatEther(nil); got != "0" {
		t.Fatalf("unexpected %s", got)
	}
	if got := FormatEther(big.NewInt(1)); got != "0.000000000000000001" {
		t.Fatalf("unexpected %s", got)
	}
}
