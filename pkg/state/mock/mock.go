// Package mock provides an in-memory mock implementation of [state.Store]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure
// returned errors via exported fields. It is safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/fable-audio/fablevoice/pkg/state"
)

// Compile-time interface assertion.
var _ state.Store = (*Store)(nil)

// Store is a mock implementation of [state.Store]. All exported *Error
// fields control return values; the Saves counter and Saved field accumulate
// invocation records.
type Store struct {
	mu sync.Mutex

	// LoadResult is returned by Load when LoadError is nil.
	LoadResult *state.SavedState

	// LoadError is the error returned by Load.
	LoadError error

	// SaveError is the error returned by Save.
	SaveError error

	// ClearError is the error returned by Clear.
	ClearError error

	// CloseError is the error returned by Close.
	CloseError error

	// Saved is the last state passed to a successful Save.
	Saved *state.SavedState

	// Saves counts Save invocations, including failed ones.
	Saves int

	// Clears counts Clear invocations.
	Clears int
}

// Load returns the configured result.
func (s *Store) Load(_ context.Context) (*state.SavedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadError != nil {
		return nil, s.LoadError
	}
	return s.LoadResult, nil
}

// Save records the state and returns the configured error.
func (s *Store) Save(_ context.Context, st state.SavedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Saves++
	if s.SaveError != nil {
		return s.SaveError
	}
	cp := st
	s.Saved = &cp
	return nil
}

// Clear drops the recorded state and returns the configured error.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Clears++
	if s.ClearError != nil {
		return s.ClearError
	}
	s.Saved = nil
	return nil
}

// Close returns the configured error.
func (s *Store) Close() error {
	return s.CloseError
}

// LastSaved returns the last successfully saved state under the lock.
func (s *Store) LastSaved() *state.SavedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Saved
}

// SaveCount returns the number of Save invocations under the lock.
func (s *Store) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Saves
}
