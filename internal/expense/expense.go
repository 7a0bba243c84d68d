// Package expense is the per-user expense collection. It has no session
// state of its own: every call is scoped to the user id the caller supplies,
// which in practice comes from the session manager.
//
// expense.go -- Model, categories, amount parsing and validation.
package expense

import (
	"errors"
	"html"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Sentinel errors for validation and lookup. Handlers map them to 400/404.
var (
	ErrInvalidAmount      = errors.New("amount must be a positive decimal")
	ErrUnknownCategory    = errors.New("unknown category")
	ErrInvalidDate        = errors.New("date must be YYYY-MM-DD")
	ErrInvalidCurrency    = errors.New("currency must be a 3-letter code")
	ErrDescriptionTooLong = errors.New("description must be at most 200 characters")
	ErrNotFound           = errors.New("expense not found")
	ErrMissingUser        = errors.New("expense has no owner")
)

// MaxDescriptionLength caps descriptions, counted in characters after sanitizing.
const MaxDescriptionLength = 200

// DefaultCurrency applies when a new expense names none.
const DefaultCurrency = "USD"

// DateLayout is the wire and storage format of Expense.Date.
const DateLayout = "2006-01-02"

// AllCategories is the filter value that matches every category.
const AllCategories = "All"

// Categories is the fixed category list, in display order.
var Categories = []string{
	"Food & Dining",
	"Transportation",
	"Entertainment",
	"Shopping",
	"Utilities",
	"Housing",
	"Healthcare",
	"Education",
	"Personal",
	"Travel",
	"Other",
}

// IsCategory reports whether c is one of Categories. "All" is a filter, not a category.
func IsCategory(c string) bool {
	return slices.Contains(Categories, c)
}

// Expense is one stored entry. AmountCents is always positive.
type Expense struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Category    string    `json:"category"`
	Date        string    `json:"date"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Amount renders AmountCents as a two-decimal string ("12.34").
func (e Expense) Amount() string {
	return FormatCents(e.AmountCents)
}

// NewExpense is the caller-supplied part of an expense.
type NewExpense struct {
	Amount      string
	Currency    string
	Category    string
	Date        string
	Description string
}

// descriptionPolicy strips all markup; descriptions are plain text.
var descriptionPolicy = bluemonday.StrictPolicy()

// SanitizeDescription removes any HTML from s and trims surrounding space.
// bluemonday escapes what it keeps, so the result is unescaped back to plain
// text ("Food & Dining" stays as typed); output encoding is the renderer's job.
func SanitizeDescription(s string) string {
	return strings.TrimSpace(html.UnescapeString(descriptionPolicy.Sanitize(s)))
}

// Validate normalizes in and returns the amount in cents plus the cleaned fields.
func (in NewExpense) Validate() (Expense, error) {
	cents, err := ParseCents(in.Amount)
	if err != nil {
		return Expense{}, err
	}
	if !IsCategory(in.Category) {
		return Expense{}, ErrUnknownCategory
	}
	if _, err := time.Parse(DateLayout, in.Date); err != nil {
		return Expense{}, ErrInvalidDate
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 || strings.IndexFunc(currency, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
		return Expense{}, ErrInvalidCurrency
	}

	desc := SanitizeDescription(in.Description)
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return Expense{}, ErrDescriptionTooLong
	}

	return Expense{
		AmountCents: cents,
		Currency:    currency,
		Category:    in.Category,
		Date:        in.Date,
		Description: desc,
	}, nil
}

// ParseCents converts a positive decimal string to cents. Both "." and ","
// are accepted as the separator; a third fractional digit rounds half up.
func ParseCents(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if strings.Contains(fracPart, ".") {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, ErrInvalidAmount
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || whole > (1<<63-1)/100-1 {
		return 0, ErrInvalidAmount
	}

	var frac int64
	if len(fracPart) > 0 {
		frac = int64(fracPart[0]-'0') * 10
	}
	if len(fracPart) > 1 {
		frac += int64(fracPart[1] - '0')
	}
	if len(fracPart) > 2 && fracPart[2] >= '5' {
		frac++
	}

	cents := whole*100 + frac
	if cents <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// FormatCents renders cents as "units.cc".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	frac := strconv.FormatInt(cents%100, 10)
	if len(frac) == 1 {
		frac = "0" + frac
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + frac
}
