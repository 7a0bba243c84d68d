// stores.go
//
// KV wrapper with error injection, shared by tests across packages.
package testutil

import (
	"context"
	"sync"

	"github.com/MGallo-Code/pennywise/internal/store"
)

// FlakyKV wraps a real store.KV and fails operations on demand.
// Zero-value *Err fields mean pass-through. Safe for concurrent use.
type FlakyKV struct {
	store.KV

	mu        sync.Mutex
	GetErr    error
	SetErr    error
	RemoveErr error
	Sets      int // successful + failed Set calls, for assertions
}

// NewFlakyKV wraps a fresh in-memory store.
func NewFlakyKV() *FlakyKV {
	return &FlakyKV{KV: store.NewMemoryStore()}
}

// FailSet makes every following Set return err (nil restores).
func (f *FlakyKV) FailSet(err error) {
	f.mu.Lock()
	f.SetErr = err
	f.mu.Unlock()
}

// FailRemove makes every following Remove return err (nil restores).
func (f *FlakyKV) FailRemove(err error) {
	f.mu.Lock()
	f.RemoveErr = err
	f.mu.Unlock()
}

func (f *FlakyKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	err := f.GetErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.KV.Get(ctx, key)
}

func (f *FlakyKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.Sets++
	err := f.SetErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.KV.Set(ctx, key, value)
}

func (f *FlakyKV) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	err := f.RemoveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.KV.Remove(ctx, key)
}
