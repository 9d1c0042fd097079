package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fable-audio/fablevoice/internal/observe"
	"github.com/fable-audio/fablevoice/pkg/match"
	"github.com/fable-audio/fablevoice/pkg/recog"
	"github.com/fable-audio/fablevoice/pkg/state"
	"github.com/fable-audio/fablevoice/pkg/story"
	"github.com/fable-audio/fablevoice/pkg/synth"
	"github.com/fable-audio/fablevoice/pkg/types"
)

const (
	// acceptConfidence gates spoken choices: a match below it is reported
	// back to the user instead of acted on. Deliberately stricter than the
	// matcher's own candidate threshold.
	acceptConfidence = 0.5

	// errorTTL is how long a surfaced error stays in the queue before it
	// expires on its own.
	errorTTL = 5 * time.Second

	// maxErrors bounds the error queue; the oldest entry is dropped first.
	maxErrors = 16
)

// Listener receives coordinator events on the presentation layer's behalf.
// Nil fields are skipped. Callbacks may arrive from speech goroutines and
// must not block.
type Listener struct {
	// OnNode fires after every navigation with the entered node and a
	// progress snapshot.
	OnNode func(node *story.Node, progress state.Progress)

	// OnTranscript streams recognition transcripts, interim and final.
	OnTranscript func(t recog.Transcript)

	// OnError fires for every surfaced application error.
	OnError func(e types.AppError)

	// OnPlayback fires when narration starts or stops.
	OnPlayback func(playing bool)

	// OnListening fires when a listening run starts or ends.
	OnListening func(listening bool)

	// OnPreferences fires after every preference change.
	OnPreferences func(p state.Preferences)
}

// CoordinatorOption is a functional option for configuring a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithListener sets the presentation listener.
func WithListener(l Listener) CoordinatorOption {
	return func(c *Coordinator) {
		c.listener = l
	}
}

// WithMatcher replaces the default fuzzy matcher.
func WithMatcher(m *match.Matcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.matcher = m
	}
}

// WithMetrics replaces the default metrics instance; tests pass one backed
// by a manual reader.
func WithMetrics(m *observe.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock replaces the time source used for progress stamps.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// Coordinator wires the navigator to the speech sessions, the fuzzy
// matcher, persistence and metrics, and exposes the command surface the
// presentation layer calls. All methods are safe for concurrent use.
type Coordinator struct {
	nav     *Navigator
	out     *synth.Session
	in      *recog.Session
	store   state.Store
	matcher *match.Matcher
	metrics *observe.Metrics
	clock   func() time.Time

	listener Listener

	mu         sync.Mutex
	prefs      state.Preferences
	voiceID    string
	playing    bool
	narrGen    uint64
	autoplayOK bool // narration permission, probed once at load
	transcript recog.Transcript
	errs       []types.AppError
}

// NewCoordinator assembles a Coordinator. The store may be nil, disabling
// persistence.
func NewCoordinator(nav *Navigator, out *synth.Session, in *recog.Session, store state.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		nav:     nav,
		out:     out,
		in:      in,
		store:   store,
		matcher: match.New(),
		clock:   time.Now,
		prefs:   state.DefaultPreferences(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ─── story lifecycle ────────────────────────────────────────────────────────

// LoadStory installs st, resuming saved progress when the save still fits
// the story and starting fresh otherwise. It probes narration permission
// once; when autoplay is enabled and permitted the first node is narrated.
func (c *Coordinator) LoadStory(ctx context.Context, st *story.Story) error {
	saved := c.loadSaved(ctx)

	c.mu.Lock()
	var (
		node *story.Node
		err  error
	)
	if saved != nil {
		node, err = c.nav.Resume(st, saved.Progress)
		if err == nil {
			c.prefs = saved.Preferences
			c.voiceID = saved.VoiceID
		} else {
			slog.Warn("engine: saved progress does not fit story, starting fresh", "error", err)
			saved = nil
		}
	}
	if saved == nil {
		node, err = c.nav.LoadStory(st, c.clock())
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	allowed := c.out.Probe(ctx)
	c.mu.Lock()
	c.autoplayOK = allowed
	c.mu.Unlock()
	if !allowed {
		slog.Info("engine: narration autoplay blocked, waiting for explicit play")
	}

	slog.Info("engine: story loaded",
		"title", st.Title,
		"node", node.ID,
		"resumed", saved != nil)
	c.enterNode(ctx, node)
	return nil
}

// Restart discards progress and the transient session state (last
// transcript, queued errors), keeps preferences, and returns to the
// start node.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.StopNarration()
	c.in.Abort()
	c.emitListening(false)

	c.mu.Lock()
	node, err := c.nav.Restart(c.clock())
	if err == nil {
		c.transcript = recog.Transcript{}
		c.errs = nil
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("engine: story restarted", "node", node.ID)
	c.enterNode(ctx, node)
	return nil
}

// ─── navigation ─────────────────────────────────────────────────────────────

// SetNode jumps directly to nodeID. An unknown id surfaces a story error
// and leaves the state unchanged.
func (c *Coordinator) SetNode(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	node, err := c.nav.Goto(nodeID, c.clock())
	c.mu.Unlock()
	if err != nil {
		c.ReportError(types.ErrStory, "Story navigation error. The story may be corrupted.", err)
		return err
	}
	c.enterNode(ctx, node)
	return nil
}

// Choose follows the identified choice of the current node.
func (c *Coordinator) Choose(ctx context.Context, choiceID string) error {
	return c.choose(ctx, choiceID, false)
}

// ChooseIndex follows the current node's i-th choice (0-based), the path
// taken by number keys and buttons.
func (c *Coordinator) ChooseIndex(ctx context.Context, i int) error {
	c.mu.Lock()
	node := c.nav.Current()
	c.mu.Unlock()
	if node == nil {
		return ErrNoStory
	}
	if i < 0 || i >= len(node.Choices) {
		return ErrChoiceNotFound
	}
	return c.choose(ctx, node.Choices[i].ID, false)
}

func (c *Coordinator) choose(ctx context.Context, choiceID string, viaVoice bool) error {
	c.mu.Lock()
	node, err := c.nav.MakeChoice(choiceID, c.clock())
	if err == nil && viaVoice {
		c.nav.CountVoiceCommand()
	}
	c.mu.Unlock()
	if err != nil {
		kind := types.ErrStory
		msg := "Story navigation error. The story may be corrupted."
		if errors.Is(err, ErrChoiceNotFound) {
			msg = "That choice is not available right now."
		}
		c.ReportError(kind, msg, err)
		return err
	}

	c.enterNode(ctx, node)
	return nil
}

// enterNode runs the shared post-navigation path: notify, persist, narrate.
func (c *Coordinator) enterNode(ctx context.Context, node *story.Node) {
	ctx, span := observe.StartSpan(ctx, "engine.enterNode",
		observe.WithNode(node.ID, node.IsEnding))
	defer span.End()

	c.mu.Lock()
	progress := c.nav.Progress()
	autoplay := c.prefs.AutoPlay && c.prefs.NarrationEnabled && c.autoplayOK
	c.mu.Unlock()

	c.metrics.RecordNodeVisit(ctx, node.IsEnding)
	if c.listener.OnNode != nil {
		c.listener.OnNode(node, progress)
	}

	c.save(ctx)
	if autoplay {
		c.narrate(ctx, node)
	}
}

// ─── narration ──────────────────────────────────────────────────────────────

// Play narrates the current node, restarting from the beginning when
// already playing.
func (c *Coordinator) Play(ctx context.Context) {
	c.mu.Lock()
	node := c.nav.Current()
	enabled := c.prefs.NarrationEnabled
	c.mu.Unlock()
	if node == nil || !enabled {
		return
	}
	c.narrate(ctx, node)
}

// StopNarration cancels the in-flight narration, if any.
func (c *Coordinator) StopNarration() {
	c.mu.Lock()
	c.narrGen++
	wasPlaying := c.playing
	c.playing = false
	c.mu.Unlock()

	c.out.Stop()
	if wasPlaying {
		c.metrics.ActiveNarrations.Add(context.Background(), -1)
		c.emitPlayback(false)
	}
}

// TogglePlayback stops narration when playing and starts it when idle.
func (c *Coordinator) TogglePlayback(ctx context.Context) {
	if c.Playing() {
		c.StopNarration()
		return
	}
	c.Play(ctx)
}

// narrate speaks the node's text on its own goroutine. A newer narration
// or StopNarration supersedes it.
func (c *Coordinator) narrate(ctx context.Context, node *story.Node) {
	c.mu.Lock()
	c.narrGen++
	myGen := c.narrGen
	wasPlaying := c.playing
	c.playing = true
	req := synth.SpeakRequest{
		Text:    node.Text,
		VoiceID: c.voiceID,
		Rate:    c.prefs.NarrationRate,
		Volume:  c.prefs.NarrationVolume,
	}
	c.mu.Unlock()

	if !wasPlaying {
		c.metrics.ActiveNarrations.Add(ctx, 1)
		c.emitPlayback(true)
	}

	go func() {
		ctx, span := observe.StartSpan(ctx, "engine.narrate",
			observe.WithNode(node.ID, node.IsEnding))
		defer span.End()

		start := c.clock()
		err := c.out.Speak(ctx, req)
		c.metrics.NarrationDuration.Record(ctx, c.clock().Sub(start).Seconds())

		status := "ok"
		switch {
		case err == nil:
		case errors.Is(err, synth.ErrInterrupted), errors.Is(err, context.Canceled):
			status = "interrupted"
		default:
			status = "error"
			c.ReportError(types.ErrTTS, synth.Describe(err), err)
		}
		c.metrics.RecordNarration(ctx, status)

		c.mu.Lock()
		live := c.narrGen == myGen
		if live {
			c.playing = false
		}
		c.mu.Unlock()
		if live {
			c.metrics.ActiveNarrations.Add(ctx, -1)
			c.emitPlayback(false)
		}
	}()
}

// Playing reports whether narration is in flight.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Voices lists the narration voices once the catalog has resolved.
func (c *Coordinator) Voices(ctx context.Context) ([]synth.Voice, error) {
	return c.out.Voices(ctx)
}

// SetVoice selects (and persists) the narration voice.
func (c *Coordinator) SetVoice(ctx context.Context, voiceID string) {
	c.mu.Lock()
	c.voiceID = voiceID
	c.mu.Unlock()
	c.save(ctx)
}

// ─── listening ──────────────────────────────────────────────────────────────

// StartListening opens a recognition run. Final transcripts are matched
// against the current node's choices; accepted matches follow the choice.
func (c *Coordinator) StartListening(ctx context.Context) error {
	c.mu.Lock()
	enabled := c.prefs.RecognitionEnabled
	cfg := recog.DefaultConfig()
	cfg.Language = c.prefs.RecognitionLanguage
	cfg.Continuous = c.prefs.RecognitionContinuous
	c.mu.Unlock()
	if !enabled {
		return nil
	}

	c.in.SetConfig(cfg)
	started := c.clock()
	err := c.in.Start(recog.Callbacks{
		OnTranscript: func(t recog.Transcript) {
			c.mu.Lock()
			c.transcript = t
			c.mu.Unlock()
			if c.listener.OnTranscript != nil {
				c.listener.OnTranscript(t)
			}
			if !t.Final {
				return
			}
			c.metrics.RecognitionDuration.Record(ctx, c.clock().Sub(started).Seconds())
			c.Interpret(ctx, t.Text, t.Confidence)
			if !cfg.Continuous {
				c.in.Stop()
			}
		},
		OnError: func(err error) {
			c.ReportError(types.ErrSTT, recog.Describe(err), err)
		},
		OnEnd: func() {
			c.metrics.ActiveRecognitions.Add(ctx, -1)
			c.emitListening(false)
		},
	})
	if err != nil {
		if errors.Is(err, recog.ErrAlreadyListening) {
			return err
		}
		c.ReportError(types.ErrSTT, recog.Describe(err), err)
		return err
	}

	c.metrics.ActiveRecognitions.Add(ctx, 1)
	c.emitListening(true)
	return nil
}

// StopListening ends the recognition run gracefully.
func (c *Coordinator) StopListening() {
	c.in.Stop()
}

// ToggleListening stops the run when listening and starts one when idle.
func (c *Coordinator) ToggleListening(ctx context.Context) error {
	if c.in.Listening() {
		c.in.Stop()
		return nil
	}
	return c.StartListening(ctx)
}

// Listening reports whether a recognition run is active.
func (c *Coordinator) Listening() bool {
	return c.in.Listening()
}

// Interpret resolves spoken (or typed) text against the current node's
// choices and follows the winning choice when its confidence clears the
// acceptance gate. speechConf is the recogniser's own confidence in the
// transcript; it is informational, the gate applies to the match score.
func (c *Coordinator) Interpret(ctx context.Context, spoken string, speechConf float64) {
	c.mu.Lock()
	node := c.nav.Current()
	c.mu.Unlock()
	if node == nil {
		return
	}

	ctx, span := observe.StartSpan(ctx, "engine.interpret",
		observe.WithNode(node.ID, node.IsEnding))
	defer span.End()

	candidates := make([]match.Candidate, len(node.Choices))
	for i, ch := range node.Choices {
		candidates[i] = match.Candidate{Text: ch.Text, Keywords: ch.Keywords}
	}

	res, ok := c.matcher.Match(spoken, candidates)
	switch {
	case !ok:
		c.metrics.RecordVoiceCommand(ctx, "no-match")
		c.ReportError(types.ErrSTT,
			`I didn't understand that. Try saying one of the choices, or say it differently.`, nil)
	case res.Confidence < acceptConfidence:
		c.metrics.RecordVoiceCommand(ctx, "low-confidence")
		c.ReportError(types.ErrSTT,
			`I'm not sure which choice you meant. Could you repeat that?`, nil)
	default:
		c.metrics.RecordVoiceCommand(ctx, "accepted")
		observe.MarkChoice(span, node.Choices[res.Index].ID)
		slog.Debug("engine: voice command accepted",
			"spoken", spoken,
			"choice", node.Choices[res.Index].ID,
			"match_confidence", res.Confidence,
			"speech_confidence", speechConf)
		_ = c.choose(ctx, node.Choices[res.Index].ID, true)
	}
}

// ─── preferences ────────────────────────────────────────────────────────────

// UpdatePreferences merges the patch and applies its side effects:
// disabling narration stops playback, disabling recognition aborts the
// listening run.
func (c *Coordinator) UpdatePreferences(ctx context.Context, patch state.PreferencesPatch) {
	c.mu.Lock()
	c.prefs.Apply(patch)
	prefs := c.prefs
	c.mu.Unlock()

	if !prefs.NarrationEnabled {
		c.StopNarration()
	}
	if !prefs.RecognitionEnabled && c.in.Listening() {
		c.in.Abort()
		c.emitListening(false)
	}

	if c.listener.OnPreferences != nil {
		c.listener.OnPreferences(prefs)
	}
	c.save(ctx)
}

// ToggleTheme flips the dark-theme preference.
func (c *Coordinator) ToggleTheme(ctx context.Context) {
	c.mu.Lock()
	dark := !c.prefs.DarkTheme
	c.mu.Unlock()
	c.UpdatePreferences(ctx, state.PreferencesPatch{DarkTheme: &dark})
}

// Preferences returns the current preference set.
func (c *Coordinator) Preferences() state.Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// ─── errors ─────────────────────────────────────────────────────────────────

// ReportError queues a user-facing error. Entries expire after errorTTL;
// the queue holds at most maxErrors, dropping the oldest first.
func (c *Coordinator) ReportError(kind types.ErrorKind, message string, cause error) {
	e := types.NewAppError(kind, message, cause)

	c.mu.Lock()
	c.errs = append(c.errs, e)
	if len(c.errs) > maxErrors {
		c.errs = c.errs[len(c.errs)-maxErrors:]
	}
	c.mu.Unlock()

	c.metrics.RecordError(context.Background(), string(kind))
	slog.Warn("engine: surfaced error",
		"kind", kind,
		"message", message,
		"cause", cause)
	if c.listener.OnError != nil {
		c.listener.OnError(e)
	}

	time.AfterFunc(errorTTL, func() {
		c.DismissError(e.ID)
	})
}

// DismissError removes the identified error from the queue.
func (c *Coordinator) DismissError(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.errs {
		if e.ID == id {
			c.errs = append(c.errs[:i], c.errs[i+1:]...)
			return
		}
	}
}

// Errors returns the live error queue, oldest first.
func (c *Coordinator) Errors() []types.AppError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.AppError(nil), c.errs...)
}

// ─── queries and persistence ────────────────────────────────────────────────

// CurrentNode returns the node the reader is on.
func (c *Coordinator) CurrentNode() *story.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nav.Current()
}

// Transcript returns the latest recognition transcript, interim or
// final. The zero value means nothing has been heard since load or
// restart.
func (c *Coordinator) Transcript() recog.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Progress returns a snapshot of the reader's progress.
func (c *Coordinator) Progress() state.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nav.Progress()
}

// AddPlayTime folds elapsed play time into the progress record; the app's
// autosave loop calls it periodically.
func (c *Coordinator) AddPlayTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nav.AddPlayTime(d)
}

// Save persists the current state immediately.
func (c *Coordinator) Save(ctx context.Context) {
	c.save(ctx)
}

// ClearSaved wipes the persisted state.
func (c *Coordinator) ClearSaved(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Clear(ctx); err != nil {
		c.ReportError(types.ErrStorage, "Could not clear saved progress.", err)
	}
}

// save writes the state tuple best-effort: failures surface as storage
// errors but never block navigation.
func (c *Coordinator) save(ctx context.Context) {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	saved := state.SavedState{
		Progress:    c.nav.Progress(),
		Preferences: c.prefs,
		VoiceID:     c.voiceID,
		SavedAt:     c.clock(),
	}
	c.mu.Unlock()

	start := c.clock()
	err := c.store.Save(ctx, saved)
	c.metrics.SaveDuration.Record(ctx, c.clock().Sub(start).Seconds())
	if err != nil {
		c.ReportError(types.ErrStorage, "Could not save your progress.", err)
	}
}

// loadSaved fetches the persisted tuple, surfacing failures as storage
// errors and returning nil so the caller starts fresh.
func (c *Coordinator) loadSaved(ctx context.Context) *state.SavedState {
	if c.store == nil {
		return nil
	}
	saved, err := c.store.Load(ctx)
	if err != nil {
		c.ReportError(types.ErrStorage, "Could not load your saved progress.", err)
		return nil
	}
	return saved
}

func (c *Coordinator) emitPlayback(playing bool) {
	if c.listener.OnPlayback != nil {
		c.listener.OnPlayback(playing)
	}
}

func (c *Coordinator) emitListening(listening bool) {
	if c.listener.OnListening != nil {
		c.listener.OnListening(listening)
	}
}
