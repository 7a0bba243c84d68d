// Package store holds the Local Persistence backends: a string key/value
// contract and its memory, SQLite, Redis and Postgres implementations.
//
// kv.go -- KV contract, shared errors and well-known keys.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key holds no value.
// Callers use errors.Is to tell a miss apart from an infrastructure failure.
var ErrNotFound = errors.New("key not found")

// KV is the persistence surface the session manager and its collaborators use.
// Values are opaque strings (JSON documents in practice). Remove of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Backend is a KV that owns a connection: it can be health-checked and closed.
type Backend interface {
	KV
	Ping(ctx context.Context) error
	Close() error
}

// Well-known keys. Values are JSON.
const (
	KeyCurrentUser    = "expense-tracker-current-user"
	KeyUsers          = "expense-tracker-users"
	KeyPasswordResets = "expense-tracker-password-resets"
	KeyHostedTokens   = "pennywise-hosted-tokens"
	keyExpensesPrefix = "expense-tracker-expenses:"
)

// ExpensesKey returns the key holding one user's expense list.
func ExpensesKey(userID string) string {
	return keyExpensesPrefix + userID
}
