package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDateValidate(t *testing.T) {
	cases := []struct {
		d  Date
		ok bool
	}{
		{NewDate(2025, 1, 1), true},
		{NewDate(2025, 12, 31), true},
		{Date{Time: time.Time{}}, false}, // zero time
	}
	for i, tc := range cases {
		err := tc.d.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"2025-01-31", true},
		{" 2025-02-01 ", true},
		{"2025-02-30", false},
		{"31/01/2025", false},
		{"", false},
	}
	for _, tc := range cases {
		d, err := ParseDate(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("%q: ok=%v err=%v", tc.in, tc.ok, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidDate) {
			t.Fatalf("%q: expected ErrInvalidDate, got %v", tc.in, err)
		}
		if tc.ok && d.String() == "" {
			t.Fatalf("%q: empty formatted date", tc.in)
		}
	}
}

func TestDateJSON(t *testing.T) {
	in := struct {
		D Date `json:"d"`
	}{D: NewDate(2025, 3, 9)}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"d":"2025-03-09"}` {
		t.Fatalf("unexpected json %s", b)
	}
	var out struct {
		D Date `json:"d"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if !out.D.Equal(in.D.Time) {
		t.Fatalf("round trip mismatch: %v vs %v", out.D, in.D)
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		got, err := ParseCategory(string(c))
		if err != nil || got != c {
			t.Fatalf("%s: got %q err=%v", c, got, err)
		}
	}
	if got, err := ParseCategory(" FOOD "); err != nil || got != Food {
		t.Fatalf("expected case-insensitive match, got %q err=%v", got, err)
	}
	for _, bad := range []string{"", "rent", "foods"} {
		if _, err := ParseCategory(bad); !errors.Is(err, ErrInvalidCategory) {
			t.Fatalf("%q: expected ErrInvalidCategory, got %v", bad, err)
		}
	}
}

func TestSum(t *testing.T) {
	txs := []Transaction{
		{Amount: decimal.RequireFromString("50.00")},
		{Amount: decimal.RequireFromString("-20.00")},
		{Amount: decimal.RequireFromString("0.10")},
	}
	if got := Sum(txs); !got.Equal(decimal.RequireFromString("30.10")) {
		t.Fatalf("expected 30.10, got %s", got)
	}
	if got := Sum(nil); !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("  groceries "); got != "GROCERIES" {
		t.Fatalf("got %q", got)
	}
}
