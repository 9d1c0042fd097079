package app_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fable-audio/fablevoice/internal/app"
	"github.com/fable-audio/fablevoice/internal/config"
	statemock "github.com/fable-audio/fablevoice/pkg/state/mock"
)

const storyJSON = `{
  "title": "The Gate",
  "startNode": "gate",
  "nodes": {
    "gate": {
      "id": "gate",
      "title": "Before the Gate",
      "text": "You stand before an old stone gate.",
      "choices": [
        {"id": "north", "text": "Go north through the forest", "keywords": ["north"], "nextNode": "meadow"}
      ]
    },
    "meadow": {
      "id": "meadow",
      "title": "The Meadow",
      "text": "Sunlight.",
      "isEnding": true,
      "endingType": "good"
    }
  }
}`

// writeStory drops the fixture story into a temp dir and returns its path.
func writeStory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "story.json")
	if err := os.WriteFile(path, []byte(storyJSON), 0o644); err != nil {
		t.Fatalf("write story: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = "" // no ops server in tests
	cfg.Story.Path = writeStory(t)
	cfg.TTS.Provider = config.TTSMock
	cfg.STT.Provider = config.STTMock
	return cfg
}

func TestNew_RejectsMissingStory(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Story.Path = filepath.Join(t.TempDir(), "missing.json")

	if _, err := app.New(cfg); err == nil {
		t.Fatal("New succeeded without a story file")
	}
}

func TestNew_RejectsUnknownProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TTS.Provider = "espeak"
	if _, err := app.New(cfg); err == nil || !strings.Contains(err.Error(), "unknown tts provider") {
		t.Errorf("tts error = %v", err)
	}

	cfg = testConfig(t)
	cfg.STT.Provider = "dragon"
	if _, err := app.New(cfg); err == nil || !strings.Contains(err.Error(), "unknown stt provider") {
		t.Errorf("stt error = %v", err)
	}
}

func TestRun_ScriptedSessionSavesOnQuit(t *testing.T) {
	t.Parallel()

	store := &statemock.Store{}
	var out bytes.Buffer
	a, err := app.New(testConfig(t),
		app.WithStore(store),
		app.WithIO(strings.NewReader("1\nq\n"), &out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if node := a.Coordinator().CurrentNode(); node.ID != "meadow" {
		t.Errorf("ended on %q, want meadow", node.ID)
	}
	saved := store.LastSaved()
	if saved == nil || saved.Progress.CurrentNodeID != "meadow" {
		t.Errorf("saved state = %+v, want progress at meadow", saved)
	}
	if !strings.Contains(out.String(), "The Meadow") {
		t.Errorf("console output missing entered node:\n%s", out.String())
	}
}

func TestRun_PersistsAcrossRestarts(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.State.Path = filepath.Join(t.TempDir(), "state.db")

	first, err := app.New(cfg, app.WithIO(strings.NewReader("1\nq\n"), &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := first.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}

	second, err := app.New(cfg, app.WithIO(strings.NewReader("q\n"), &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if err := second.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	defer second.Shutdown(context.Background())

	if node := second.Coordinator().CurrentNode(); node.ID != "meadow" {
		t.Errorf("resumed at %q, want meadow", node.ID)
	}
}

func TestOpsEndpoints(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(t), app.WithIO(strings.NewReader(""), &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.OpsHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}

	// Before the story is loaded the app is alive but not ready.
	resp, err = srv.Client().Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("/readyz status before load = %d, want 503", resp.StatusCode)
	}

	if err := a.Coordinator().LoadStory(context.Background(), a.Story()); err != nil {
		t.Fatalf("LoadStory: %v", err)
	}
	resp, err = srv.Client().Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("/readyz status after load = %d, want 200", resp.StatusCode)
	}

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}
}
