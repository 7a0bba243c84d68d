// handler.go -- HTTP endpoints for the signed-in user's expenses.
package expense

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 64 << 10

// Handler serves the expense API. Every request is scoped to the user id
// UserID finds in the request context, i.e. the id the auth middleware
// admitted (auth.UserIDFromContext in production).
type Handler struct {
	Store  *Store
	UserID func(ctx context.Context) (string, bool)
}

type expenseJSON struct {
	Expense
	Amount string `json:"amount"`
}

func toJSON(list []Expense) []expenseJSON {
	out := make([]expenseJSON, len(list))
	for i, e := range list {
		out[i] = expenseJSON{Expense: e, Amount: e.Amount()}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Message string `json:"message"`
	}{message})
}

func logAttrs(r *http.Request, args ...any) []any {
	attrs := []any{"method", r.Method, "path", r.URL.Path}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	return append(attrs, args...)
}

// userID writes a 401 and returns false when the request carries no user.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := h.UserID(r.Context())
	if !ok || id == "" {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return id, true
}

// writeError maps validation and lookup errors to 400/404; anything else is a 500.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownCategory),
		errors.Is(err, ErrInvalidDate), errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrDescriptionTooLong):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMissingUser):
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		slog.Error(op+" failed", logAttrs(r, "error", err)...)
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// List handles GET /expenses?category=Travel. Missing or "All" returns everything.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	list, err := h.Store.ByCategory(r.Context(), userID, r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, r, "list expenses", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Expenses []expenseJSON `json:"expenses"`
	}{toJSON(list)})
}

// Create handles POST /expenses. Returns 201 with the stored expense.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var in struct {
		Amount      json.Number `json:"amount"`
		Currency    string      `json:"currency"`
		Category    string      `json:"category"`
		Date        string      `json:"date"`
		Description string      `json:"description"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		slog.Warn("failed to decode expense input", logAttrs(r, "error", err)...)
		writeMessage(w, http.StatusBadRequest, "error decoding request body")
		return
	}

	e, err := h.Store.Add(r.Context(), userID, NewExpense{
		Amount:      in.Amount.String(),
		Currency:    in.Currency,
		Category:    in.Category,
		Date:        in.Date,
		Description: in.Description,
	})
	if err != nil {
		writeError(w, r, "add expense", err)
		return
	}
	slog.Info("expense added", logAttrs(r, "user_id", userID, "expense_id", e.ID)...)
	writeJSON(w, http.StatusCreated, expenseJSON{Expense: e, Amount: e.Amount()})
}

// Delete handles DELETE /expenses/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Store.Delete(r.Context(), userID, id); err != nil {
		writeError(w, r, "delete expense", err)
		return
	}
	slog.Info("expense deleted", logAttrs(r, "user_id", userID, "expense_id", id)...)
	writeMessage(w, http.StatusOK, "expense deleted")
}

// Summary handles GET /expenses/summary -- totals per category and currency.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	totals, err := h.Store.Totals(r.Context(), userID)
	if err != nil {
		writeError(w, r, "summarize expenses", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Totals []Summary `json:"totals"`
	}{totals})
}

// Categories handles GET /expenses/categories.
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Categories []string `json:"categories"`
	}{Categories})
}

// Routes mounts the expense endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/expenses", h.List)
	r.Post("/expenses", h.Create)
	r.Get("/expenses/categories", h.Categories)
	r.Get("/expenses/summary", h.Summary)
	r.Delete("/expenses/{id}", h.Delete)
}
