package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fable-audio/fablevoice/pkg/state"
	"github.com/fable-audio/fablevoice/pkg/state/sqlite"
)

func openTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"), opts...)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleState() state.SavedState {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	progress := state.NewProgress("gate", now)
	progress.Visit("meadow", now.Add(time.Minute))
	progress.RecordChoice("gate", "north", "went_north", now.Add(time.Minute))
	progress.VoiceCommandsUsed = 1

	return state.SavedState{
		Progress:    *progress,
		Preferences: state.DefaultPreferences(),
		VoiceID:     "en-us-standard-1",
		SavedAt:     now.Add(time.Minute),
	}
}

func TestLoad_EmptyStore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("Load on empty store = %+v, want nil", got)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	want := sampleState()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}

	if got.Progress.CurrentNodeID != "meadow" {
		t.Errorf("CurrentNodeID = %q, want %q", got.Progress.CurrentNodeID, "meadow")
	}
	if len(got.Progress.VisitedNodes) != 2 {
		t.Errorf("VisitedNodes = %v, want 2 entries", got.Progress.VisitedNodes)
	}
	if len(got.Progress.ChoiceHistory) != 1 || got.Progress.ChoiceHistory[0].ChoiceID != "north" {
		t.Errorf("ChoiceHistory = %+v, want one north entry", got.Progress.ChoiceHistory)
	}
	if got.VoiceID != want.VoiceID {
		t.Errorf("VoiceID = %q, want %q", got.VoiceID, want.VoiceID)
	}
	if got.Preferences.RecognitionLanguage != "en-US" {
		t.Errorf("RecognitionLanguage = %q, want en-US", got.Preferences.RecognitionLanguage)
	}
}

func TestSave_ReplacesPrevious(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleState()
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}

	second := first
	second.Progress.CurrentNodeID = "tower"
	second.VoiceID = ""
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got.Progress.CurrentNodeID != "tower" {
		t.Errorf("CurrentNodeID = %q, want tower (second save)", got.Progress.CurrentNodeID)
	}
	if got.VoiceID != "" {
		t.Errorf("VoiceID = %q, want empty after replacement", got.VoiceID)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	// Clearing an empty store is fine.
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear on empty store returned error: %v", err)
	}

	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("Load after Clear = %+v, want nil", got)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	a, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer a.Close()

	b, err := sqlite.Open(path, sqlite.WithNamespace("other"))
	if err != nil {
		t.Fatalf("Open with namespace returned error: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := a.Save(ctx, sampleState()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("namespaced store sees foreign save: %+v", got)
	}
}
