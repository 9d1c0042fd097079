package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fable-audio/fablevoice/internal/engine"
	"github.com/fable-audio/fablevoice/internal/observe"
	"github.com/fable-audio/fablevoice/pkg/recog"
	recogmock "github.com/fable-audio/fablevoice/pkg/recog/mock"
	"github.com/fable-audio/fablevoice/pkg/state"
	statemock "github.com/fable-audio/fablevoice/pkg/state/mock"
	"github.com/fable-audio/fablevoice/pkg/story"
	"github.com/fable-audio/fablevoice/pkg/synth"
	synthmock "github.com/fable-audio/fablevoice/pkg/synth/mock"
	"github.com/fable-audio/fablevoice/pkg/types"
)

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

// recorder collects listener events. Callbacks may arrive from narration
// and recognition goroutines, hence the mutex.
type recorder struct {
	mu         sync.Mutex
	nodes      []string
	transcript []recog.Transcript
	errs       []types.AppError
	playback   []bool
	listening  []bool
	prefs      []state.Preferences
}

func (r *recorder) listener() engine.Listener {
	return engine.Listener{
		OnNode: func(n *story.Node, _ state.Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.nodes = append(r.nodes, n.ID)
		},
		OnTranscript: func(t recog.Transcript) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transcript = append(r.transcript, t)
		},
		OnError: func(e types.AppError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, e)
		},
		OnPlayback: func(p bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.playback = append(r.playback, p)
		},
		OnListening: func(l bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listening = append(r.listening, l)
		},
		OnPreferences: func(p state.Preferences) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.prefs = append(r.prefs, p)
		},
	}
}

func (r *recorder) nodeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.nodes...)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) lastError(t *testing.T) types.AppError {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		t.Fatal("no errors recorded")
	}
	return r.errs[len(r.errs)-1]
}

// harness wires a coordinator to mock speech engines, an in-memory store,
// and a ManualReader-backed metric set.
type harness struct {
	c      *engine.Coordinator
	tts    *synthmock.Engine
	stt    *recogmock.Engine
	store  *statemock.Store
	events *recorder
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	tts := &synthmock.Engine{VoicesResult: []synth.Voice{
		{ID: "narrator-en", Name: "Narrator", Lang: "en-US", Local: true},
	}}
	out := synth.NewSession(tts)
	t.Cleanup(func() { out.Close() })

	stt := &recogmock.Engine{}
	in := recog.NewSession(stt, recog.DefaultConfig())

	events := &recorder{}
	store := &statemock.Store{}
	c := engine.NewCoordinator(engine.NewNavigator(), out, in, store,
		engine.WithListener(events.listener()),
		engine.WithMetrics(metrics),
		engine.WithClock(func() time.Time { return t0 }),
	)
	return &harness{c: c, tts: tts, stt: stt, store: store, events: events, reader: reader}
}

func (h *harness) load(t *testing.T, st *story.Story) {
	t.Helper()
	if err := h.c.LoadStory(context.Background(), st); err != nil {
		t.Fatalf("LoadStory: %v", err)
	}
}

// counterValue sums the named int64 counter's data points carrying the
// given string attribute.
func (h *harness) counterValue(t *testing.T, name, attrKey, attrVal string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(attrKey)); !ok || v.AsString() != attrVal {
					continue
				}
				total += dp.Value
			}
		}
	}
	return total
}

// ─── loading and narration ──────────────────────────────────────────────────

func TestLoadStory_NarratesStartNodeAndSaves(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	if got := h.events.nodeIDs(); len(got) != 1 || got[0] != "gate" {
		t.Errorf("OnNode ids = %v, want [gate]", got)
	}

	// Probe first, then the autoplay narration of the gate text.
	waitUntil(t, func() bool { return len(h.tts.Spoken()) >= 2 })
	calls := h.tts.Spoken()
	if calls[0].Utterance.Volume != 0 {
		t.Errorf("probe utterance volume = %v, want 0", calls[0].Utterance.Volume)
	}
	if calls[1].Utterance.Text != "You stand before an old stone gate." {
		t.Errorf("narrated %q", calls[1].Utterance.Text)
	}

	if h.store.SaveCount() == 0 {
		t.Error("entering a node did not save")
	}
	saved := h.store.LastSaved()
	if saved.Progress.CurrentNodeID != "gate" {
		t.Errorf("saved at %q, want gate", saved.Progress.CurrentNodeID)
	}
}

func TestLoadStory_ResumesFromSave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	prefs := state.DefaultPreferences()
	prefs.AutoPlay = false
	h.store.LoadResult = &state.SavedState{
		Progress: state.Progress{
			CurrentNodeID: "hall",
			VisitedNodes:  []string{"gate", "hall"},
			ChoiceHistory: []state.ChoiceRecord{{NodeID: "gate", ChoiceID: "hall", Timestamp: t0}},
			StartTime:     t0,
		},
		Preferences: prefs,
		VoiceID:     "narrator-en",
	}
	h.load(t, testStory(t))

	if node := h.c.CurrentNode(); node.ID != "hall" {
		t.Errorf("resumed at %q, want hall", node.ID)
	}
	if got := h.c.Preferences(); got.AutoPlay {
		t.Error("saved preferences not restored")
	}
	p := h.c.Progress()
	if len(p.VisitedNodes) != 2 || len(p.ChoiceHistory) != 1 {
		t.Errorf("restored progress = %+v", p)
	}
}

func TestLoadStory_MisfitSaveStartsFresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.LoadResult = &state.SavedState{
		Progress:    state.Progress{CurrentNodeID: "node-from-another-story", VisitedNodes: []string{"node-from-another-story"}},
		Preferences: state.DefaultPreferences(),
	}
	h.load(t, testStory(t))

	if node := h.c.CurrentNode(); node.ID != "gate" {
		t.Errorf("started at %q, want gate after discarding misfit save", node.ID)
	}
}

func TestStopNarration_EmitsPlaybackStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tts.Async = true
	h.load(t, testStory(t))

	waitUntil(t, h.c.Playing)
	h.c.StopNarration()

	if h.c.Playing() {
		t.Error("still playing after StopNarration")
	}
	h.events.mu.Lock()
	pb := append([]bool(nil), h.events.playback...)
	h.events.mu.Unlock()
	if len(pb) < 2 || pb[len(pb)-1] {
		t.Errorf("playback events = %v, want trailing stop", pb)
	}
}

// ─── manual navigation ──────────────────────────────────────────────────────

func TestChooseIndex_BoundsChecked(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	if err := h.c.ChooseIndex(context.Background(), 7); !errors.Is(err, engine.ErrChoiceNotFound) {
		t.Fatalf("error = %v, want ErrChoiceNotFound", err)
	}
	if err := h.c.ChooseIndex(context.Background(), -1); !errors.Is(err, engine.ErrChoiceNotFound) {
		t.Fatalf("error = %v, want ErrChoiceNotFound", err)
	}

	if err := h.c.ChooseIndex(context.Background(), 1); err != nil {
		t.Fatalf("ChooseIndex(1): %v", err)
	}
	if node := h.c.CurrentNode(); node.ID != "hall" {
		t.Errorf("landed on %q, want hall", node.ID)
	}
}

func TestSetNode_UnknownNodeSurfacesStoryError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	if err := h.c.SetNode(context.Background(), "nowhere"); !errors.Is(err, engine.ErrNodeNotFound) {
		t.Fatalf("error = %v, want ErrNodeNotFound", err)
	}
	if e := h.events.lastError(t); e.Kind != types.ErrStory {
		t.Errorf("error kind = %v, want ErrStory", e.Kind)
	}
	if node := h.c.CurrentNode(); node.ID != "gate" {
		t.Errorf("current = %q, failed SetNode moved the reader", node.ID)
	}
}

func TestRestart_KeepsPreferences(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))
	if err := h.c.Choose(context.Background(), "hall"); err != nil {
		t.Fatalf("Choose: %v", err)
	}
	h.c.ToggleTheme(context.Background())
	wantDark := h.c.Preferences().DarkTheme

	if err := h.c.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if node := h.c.CurrentNode(); node.ID != "gate" {
		t.Errorf("restarted at %q, want gate", node.ID)
	}
	p := h.c.Progress()
	if len(p.ChoiceHistory) != 0 || len(p.VisitedNodes) != 1 {
		t.Errorf("progress not reset: %+v", p)
	}
	if got := h.c.Preferences().DarkTheme; got != wantDark {
		t.Error("restart reset preferences")
	}
}

func TestRestart_ClearsTranscriptAndErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	if err := h.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.stt.Emit(recog.Segment{Text: "purple elephant banana", Confidence: 0.9, Final: true})

	if got := h.c.Transcript(); got.Text != "purple elephant banana" || !got.Final {
		t.Fatalf("Transcript() = %+v, want the heard final text", got)
	}
	if len(h.c.Errors()) == 0 {
		t.Fatal("unmatched command did not queue an error")
	}

	if err := h.c.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := h.c.Transcript(); got != (recog.Transcript{}) {
		t.Errorf("Transcript() = %+v after restart, want zero", got)
	}
	if got := h.c.Errors(); len(got) != 0 {
		t.Errorf("Errors() = %+v after restart, want empty", got)
	}
}

// ─── voice command flow ─────────────────────────────────────────────────────

func TestVoiceChoice_FollowsKeywordMatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	if err := h.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if !h.c.Listening() {
		t.Fatal("not listening after StartListening")
	}
	h.stt.Emit(recog.Segment{Text: "I want to go north", Confidence: 0.92, Final: true})

	if node := h.c.CurrentNode(); node.ID != "meadow" {
		t.Fatalf("landed on %q, want meadow", node.ID)
	}
	p := h.c.Progress()
	if p.VoiceCommandsUsed != 1 {
		t.Errorf("VoiceCommandsUsed = %d, want 1", p.VoiceCommandsUsed)
	}
	if len(p.ChoiceHistory) != 1 || p.ChoiceHistory[0].ChoiceID != "north" {
		t.Errorf("history = %+v", p.ChoiceHistory)
	}
	if got := h.counterValue(t, "fablevoice.voice.commands", "outcome", "accepted"); got != 1 {
		t.Errorf("accepted voice commands = %d, want 1", got)
	}

	// Non-continuous runs end after the first final transcript.
	waitUntil(t, func() bool { return !h.c.Listening() })
	if h.stt.Active() {
		t.Error("engine run still active")
	}
}

func TestVoiceChoice_NoMatchIsReportedNotActed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	h.c.Interpret(context.Background(), "purple elephant banana", 0.9)

	if node := h.c.CurrentNode(); node.ID != "gate" {
		t.Errorf("current = %q, unmatched speech moved the reader", node.ID)
	}
	if e := h.events.lastError(t); e.Kind != types.ErrSTT {
		t.Errorf("error kind = %v, want ErrSTT", e.Kind)
	}
	if got := h.counterValue(t, "fablevoice.voice.commands", "outcome", "no-match"); got != 1 {
		t.Errorf("no-match voice commands = %d, want 1", got)
	}
}

func TestVoiceChoice_LowConfidenceAsksToRepeat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	st := &story.Story{
		Title:     "Tower",
		StartNode: "base",
		Nodes: map[string]*story.Node{
			"base": {
				ID: "base", Text: "The tower looms.",
				Choices: []story.Choice{
					{ID: "climb", Text: "climb the watchtower stairs", NextNode: "top"},
				},
			},
			"top": {ID: "top", Text: "The view.", IsEnding: true},
		},
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("fixture story invalid: %v", err)
	}
	h.load(t, st)

	// Clears the matcher threshold on word overlap alone but stays under
	// the acceptance gate.
	h.c.Interpret(context.Background(), "watchtower", 0.9)

	if node := h.c.CurrentNode(); node.ID != "base" {
		t.Errorf("current = %q, low-confidence match moved the reader", node.ID)
	}
	if got := h.counterValue(t, "fablevoice.voice.commands", "outcome", "low-confidence"); got != 1 {
		t.Errorf("low-confidence voice commands = %d, want 1", got)
	}
}

func TestListening_EngineErrorSurfacesButRunContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	if err := h.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.stt.Fail(&recog.EngineError{Code: recog.CodeNoSpeech, Err: errors.New("silence")})

	if e := h.events.lastError(t); e.Kind != types.ErrSTT {
		t.Errorf("error kind = %v, want ErrSTT", e.Kind)
	}
	if !h.c.Listening() {
		t.Error("run ended on a recoverable error")
	}
	h.c.StopListening()
}

func TestStartListening_DisabledIsANoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	off := false
	h.c.UpdatePreferences(context.Background(), state.PreferencesPatch{RecognitionEnabled: &off})
	if err := h.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if h.c.Listening() {
		t.Error("listening while recognition is disabled")
	}
	if len(h.stt.StartCalls) != 0 {
		t.Errorf("engine started %d times, want 0", len(h.stt.StartCalls))
	}
}

// ─── preferences ────────────────────────────────────────────────────────────

func TestUpdatePreferences_DisablingNarrationStopsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tts.Async = true
	h.load(t, testStory(t))
	waitUntil(t, h.c.Playing)

	off := false
	h.c.UpdatePreferences(context.Background(), state.PreferencesPatch{NarrationEnabled: &off})

	if h.c.Playing() {
		t.Error("still playing after narration was disabled")
	}
	h.events.mu.Lock()
	notified := len(h.events.prefs) > 0 && !h.events.prefs[len(h.events.prefs)-1].NarrationEnabled
	h.events.mu.Unlock()
	if !notified {
		t.Error("OnPreferences did not carry the change")
	}
	if saved := h.store.LastSaved(); saved == nil || saved.Preferences.NarrationEnabled {
		t.Error("preference change not persisted")
	}
}

func TestUpdatePreferences_DisablingRecognitionAbortsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))
	if err := h.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	off := false
	h.c.UpdatePreferences(context.Background(), state.PreferencesPatch{RecognitionEnabled: &off})

	if h.c.Listening() {
		t.Error("still listening after recognition was disabled")
	}
	if h.stt.AbortCalls != 1 {
		t.Errorf("AbortCalls = %d, want 1", h.stt.AbortCalls)
	}
}

// ─── errors and persistence ─────────────────────────────────────────────────

func TestReportError_QueueDismissal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	h.c.ReportError(types.ErrTTS, "Narration failed.", errors.New("boom"))
	errsBefore := h.c.Errors()
	if len(errsBefore) != 1 || errsBefore[0].Kind != types.ErrTTS {
		t.Fatalf("queue = %+v", errsBefore)
	}

	h.c.DismissError(errsBefore[0].ID)
	if got := h.c.Errors(); len(got) != 0 {
		t.Errorf("queue after dismissal = %+v", got)
	}
	if got := h.counterValue(t, "fablevoice.errors", "kind", "TTS_ERROR"); got != 1 {
		t.Errorf("error metric = %d, want 1", got)
	}
}

func TestSave_FailureSurfacesStorageError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	h.store.SaveError = errors.New("disk full")
	h.c.Save(context.Background())

	if e := h.events.lastError(t); e.Kind != types.ErrStorage {
		t.Errorf("error kind = %v, want ErrStorage", e.Kind)
	}
}

func TestClearSaved_WipesStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	h.c.ClearSaved(context.Background())
	if h.store.Clears != 1 {
		t.Errorf("Clears = %d, want 1", h.store.Clears)
	}
}

func TestAddPlayTime_AccumulatesIntoProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.load(t, testStory(t))

	h.c.AddPlayTime(90 * time.Second)
	h.c.AddPlayTime(30 * time.Second)
	if got := h.c.Progress().TotalPlayTime; got != 2*time.Minute {
		t.Errorf("TotalPlayTime = %v, want 2m", got)
	}
}
