package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1", true},
		{"1.0", "1", true},
		{"1.23", "1.23", true},
		{"0.01", "0.01", true},
		{"1.005", "1.01", true}, // half-up rounding
		{".5", "0.5", true},
		{"7.", "7", true},
		{" 2.50 ", "2.5", true},
		{"0", "0", true},
		{"-1", "", false},
		{"1,23", "", false},
		{"abc", "", false},
		{"1.2.3", "", false},
		{".", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || !got.Equal(decimal.RequireFromString(tc.out)) {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, got, err)
			}
		} else if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%q expected ErrInvalidAmount, got %v", tc.in, err)
		}
	}
}

func TestIsAmountInput(t *testing.T) {
	for _, s := range []string{"", "1", "12.", ".5", "12.34"} {
		if !IsAmountInput(s) {
			t.Fatalf("%q should be accepted", s)
		}
	}
	for _, s := range []string{"a", "1.2.3", "-3", "1e5"} {
		if IsAmountInput(s) {
			t.Fatalf("%q should be rejected", s)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"50", "€50.00"},
		{"0", "€0.00"},
		{"-12.345", "-€12.35"},
		{"1234.5", "€1,234.50"},
		{"92233720368547758.07", "€92,233,720,368,547,758.07"},
		// Past int64 cents.
		{"100000000000000000", "€100,000,000,000,000,000.00"},
		{"-123456789012345678901.239", "-€123,456,789,012,345,678,901.24"},
	}
	for _, tt := range tests {
		if got := FormatAmount(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("FormatAmount(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMutationSigned(t *testing.T) {
	amt := decimal.RequireFromString("20.00")
	cases := []struct {
		action Action
		want   string
	}{
		{ActionCredit, "20"},
		{ActionDebit, "-20"},
	}
	for _, tc := range cases {
		m, err := NewMutation(tc.action, amt)
		if err != nil {
			t.Fatal(err)
		}
		if !m.Signed().Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("%s: got %s", tc.action, m.Signed())
		}
		if m.Action() != tc.action {
			t.Fatalf("action mismatch: %s", m.Action())
		}
	}
	if _, err := NewMutation("refund", amt); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestPendingEntryValidate(t *testing.T) {
	good := PendingEntry{
		Name:     "groceries",
		Date:     "2025-01-01",
		Amount:   "50.00",
		Category: "food",
		Action:   "credit",
		Token:    "tok",
	}
	e, err := good.Validate()
	if err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if e.Name != "GROCERIES" || e.Category != Food || e.Token != "tok" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.Mutation.Signed().Equal(decimal.RequireFromString("50")) {
		t.Fatalf("unexpected signed amount %s", e.Mutation.Signed())
	}

	bads := []struct {
		field  string
		mutate func(*PendingEntry)
	}{
		{"name", func(p *PendingEntry) { p.Name = "  " }},
		{"date", func(p *PendingEntry) { p.Date = "" }},
		{"date", func(p *PendingEntry) { p.Date = "yesterday" }},
		{"amount", func(p *PendingEntry) { p.Amount = "" }},
		{"amount", func(p *PendingEntry) { p.Amount = "ten" }},
		{"category", func(p *PendingEntry) { p.Category = "" }},
		{"category", func(p *PendingEntry) { p.Category = "rent" }},
		{"action", func(p *PendingEntry) { p.Action = "" }},
	}
	for i, tc := range bads {
		p := good
		tc.mutate(&p)
		_, err := p.Validate()
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d expected ErrValidation, got %v", i, err)
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("case %d expected field %s, got %v", i, tc.field, err)
		}
	}
}
