// store.go -- Per-user expense list persisted as one JSON document in the KV store.
package expense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MGallo-Code/pennywise/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Store reads and writes expense lists under store.ExpensesKey(userID).
// Writes are read-modify-write on a single document; mu serializes them within the process.
type Store struct {
	kv  store.KV
	mu  sync.Mutex
	now func() time.Time
}

// NewStore returns a Store backed by kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

func (s *Store) load(ctx context.Context, userID string) ([]Expense, error) {
	raw, err := s.kv.Get(ctx, store.ExpensesKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading expenses: %w", err)
	}
	var list []Expense
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decoding expenses: %w", err)
	}
	return list, nil
}

func (s *Store) save(ctx context.Context, userID string, list []Expense) error {
	if len(list) == 0 {
		if err := s.kv.Remove(ctx, store.ExpensesKey(userID)); err != nil {
			return fmt.Errorf("clearing expenses: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encoding expenses: %w", err)
	}
	if err := s.kv.Set(ctx, store.ExpensesKey(userID), string(raw)); err != nil {
		return fmt.Errorf("saving expenses: %w", err)
	}
	return nil
}

// Add validates in and appends it to userID's list.
func (s *Store) Add(ctx context.Context, userID string, in NewExpense) (Expense, error) {
	if userID == "" {
		return Expense{}, ErrMissingUser
	}
	e, err := in.Validate()
	if err != nil {
		return Expense{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Expense{}, fmt.Errorf("generating expense id: %w", err)
	}
	e.ID = id.String()
	e.UserID = userID
	e.CreatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx, userID)
	if err != nil {
		return Expense{}, err
	}
	if err := s.save(ctx, userID, append(list, e)); err != nil {
		return Expense{}, err
	}
	return e, nil
}

// List returns userID's expenses, newest date first; ties keep the latest entry first.
func (s *Store) List(ctx context.Context, userID string) ([]Expense, error) {
	return s.ByCategory(ctx, userID, AllCategories)
}

// ByCategory is List filtered to one category. AllCategories or "" matches everything.
func (s *Store) ByCategory(ctx context.Context, userID, category string) ([]Expense, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if category != "" && category != AllCategories && !IsCategory(category) {
		return nil, ErrUnknownCategory
	}

	list, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Expense, 0, len(list))
	for _, e := range list {
		if category == "" || category == AllCategories || e.Category == category {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes one expense by id.
// Returns ErrNotFound when userID has no such expense.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrMissingUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	for i, e := range list {
		if e.ID == id {
			return s.save(ctx, userID, append(list[:i:i], list[i+1:]...))
		}
	}
	return ErrNotFound
}

// Summary is the total of one category in one currency.
type Summary struct {
	Category   string `json:"category"`
	Currency   string `json:"currency"`
	TotalCents int64  `json:"total_cents"`
	Count      int    `json:"count"`
}

// Totals sums userID's expenses per category and currency, in Categories order.
func (s *Store) Totals(ctx context.Context, userID string) ([]Summary, error) {
	list, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	type key struct{ category, currency string }
	idx := make(map[key]int)
	var out []Summary
	for _, e := range list {
		k := key{e.Category, e.Currency}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Summary{Category: e.Category, Currency: e.Currency})
		}
		out[i].TotalCents += e.AmountCents
		out[i].Count++
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := slices.Index(Categories, out[i].Category), slices.Index(Categories, out[j].Category)
		if ci != cj {
			return ci < cj
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}
