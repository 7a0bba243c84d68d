package expense

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCents(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"12.34", 1234, false},
		{"12,34", 1234, false},
		{"12", 1200, false},
		{"12.5", 1250, false},
		{".5", 50, false},
		{"12.345", 1235, false},
		{"12.344", 1234, false},
		{" 7.00 ", 700, false},
		{"0", 0, true},
		{"0.00", 0, true},
		{"-1", 0, true},
		{"+1", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"1e3", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, c := range cases {
		got, err := ParseCents(c.in)
		if c.err {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("ParseCents(%q): expected ErrInvalidAmount, got %d, %v", c.in, got, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("ParseCents(%q) = %d, %v; want %d", c.in, got, err, c.want)
		}
	}
}

func TestFormatCents(t *testing.T) {
	cases := map[int64]string{0: "0.00", 5: "0.05", 1234: "12.34", 100: "1.00", -250: "-2.50"}
	for in, want := range cases {
		if got := FormatCents(in); got != want {
			t.Errorf("FormatCents(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeDescription(t *testing.T) {
	cases := map[string]string{
		"lunch":                              "lunch",
		"  padded  ":                         "padded",
		"<b>bold</b> move":                   "bold move",
		`<script>alert(1)</script>groceries`: "groceries",
		"Food & Dining":                      "Food & Dining",
		`<a href="javascript:x">link</a>`:    "link",
	}
	for in, want := range cases {
		if got := SanitizeDescription(in); got != want {
			t.Errorf("SanitizeDescription(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := NewExpense{Amount: "9.99", Category: "Travel", Date: "2026-03-01", Description: "train"}

	t.Run("defaults currency to USD", func(t *testing.T) {
		e, err := valid.Validate()
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if e.Currency != DefaultCurrency || e.AmountCents != 999 || e.Category != "Travel" {
			t.Errorf("unexpected expense: %+v", e)
		}
	})

	t.Run("uppercases currency", func(t *testing.T) {
		in := valid
		in.Currency = "eur"
		e, err := in.Validate()
		if err != nil || e.Currency != "EUR" {
			t.Errorf("expected EUR, got %q, %v", e.Currency, err)
		}
	})

	rejects := []struct {
		name string
		mut  func(*NewExpense)
		want error
	}{
		{"bad amount", func(n *NewExpense) { n.Amount = "-3" }, ErrInvalidAmount},
		{"unknown category", func(n *NewExpense) { n.Category = "Crypto" }, ErrUnknownCategory},
		{"All is not a category", func(n *NewExpense) { n.Category = AllCategories }, ErrUnknownCategory},
		{"bad date", func(n *NewExpense) { n.Date = "03/01/2026" }, ErrInvalidDate},
		{"bad currency", func(n *NewExpense) { n.Currency = "EURO" }, ErrInvalidCurrency},
		{"non-letter currency", func(n *NewExpense) { n.Currency = "U5D" }, ErrInvalidCurrency},
		{"long description", func(n *NewExpense) { n.Description = strings.Repeat("x", MaxDescriptionLength+1) }, ErrDescriptionTooLong},
	}
	for _, c := range rejects {
		t.Run(c.name, func(t *testing.T) {
			in := valid
			c.mut(&in)
			if _, err := in.Validate(); !errors.Is(err, c.want) {
				t.Errorf("expected %v, got %v", c.want, err)
			}
		})
	}

	t.Run("markup does not count toward the limit", func(t *testing.T) {
		in := valid
		in.Description = "<p>" + strings.Repeat("y", MaxDescriptionLength) + "</p>"
		e, err := in.Validate()
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(e.Description) != MaxDescriptionLength {
			t.Errorf("expected %d chars, got %d", MaxDescriptionLength, len(e.Description))
		}
	})
}
