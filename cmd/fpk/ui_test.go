package main

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComma(t *testing.T) {
	tests := map[string]string{
		"0.00":       "0.00",
		"999.50":     "999.50",
		"1000.00":    "1,000.00",
		"1234567.89": "1,234,567.89",
		"-12345.10":  "-12,345.10",
		"100000":     "100,000",
	}
	for in, want := range tests {
		if got := comma(in); got != want {
			t.Fatalf("comma(%q) got=%q want=%q", in, got, want)
		}
	}
}

func TestMoneyRounds(t *testing.T) {
	if got := money(decimal.RequireFromString("1234.5678")); got != "1,234.57" {
		t.Fatalf("got %q", got)
	}
}

func TestSideArg(t *testing.T) {
	if _, err := sideArg(" BUY "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sideArg("hold"); err == nil {
		t.Fatalf("expected error")
	}
}
