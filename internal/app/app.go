// Package app wires all FableVoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems from the config, Run executes the console loop alongside the
// operational HTTP server and the autosave ticker, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithSynthEngine, WithRecogEngine). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fable-audio/fablevoice/internal/config"
	"github.com/fable-audio/fablevoice/internal/console"
	"github.com/fable-audio/fablevoice/internal/engine"
	"github.com/fable-audio/fablevoice/internal/observe"
	"github.com/fable-audio/fablevoice/pkg/recog"
	recogmock "github.com/fable-audio/fablevoice/pkg/recog/mock"
	"github.com/fable-audio/fablevoice/pkg/recog/vosk"
	"github.com/fable-audio/fablevoice/pkg/state"
	"github.com/fable-audio/fablevoice/pkg/state/sqlite"
	"github.com/fable-audio/fablevoice/pkg/story"
	"github.com/fable-audio/fablevoice/pkg/synth"
	"github.com/fable-audio/fablevoice/pkg/synth/httptts"
	synthmock "github.com/fable-audio/fablevoice/pkg/synth/mock"
)

// autosaveInterval is how often accumulated play time is folded into the
// progress record and flushed to the store.
const autosaveInterval = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	story *story.Story

	store    state.Store
	synthEng synth.Engine
	recogEng recog.Engine
	out      *synth.Session
	in       *recog.Session
	metrics  *observe.Metrics

	coord     *engine.Coordinator
	presenter *console.Presenter

	input  io.Reader
	output io.Writer

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a state store instead of opening one from config.
func WithStore(s state.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSynthEngine injects a synthesis engine instead of building one from
// config.
func WithSynthEngine(e synth.Engine) Option {
	return func(a *App) { a.synthEng = e }
}

// WithRecogEngine injects a recognition engine instead of building one from
// config.
func WithRecogEngine(e recog.Engine) Option {
	return func(a *App) { a.recogEng = e }
}

// WithIO redirects the console's input and output, used by tests to script
// a session.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.input = in
		a.output = out
	}
}

// New creates an App by wiring all subsystems together: story document,
// save store, speech engines and their sessions, the coordinator, and the
// console presenter. Initialisation is synchronous; nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		input:  os.Stdin,
		output: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}

	st, err := story.LoadFile(cfg.Story.Path)
	if err != nil {
		return nil, fmt.Errorf("app: load story: %w", err)
	}
	a.story = st

	if err := a.buildStore(); err != nil {
		return nil, err
	}
	if err := a.buildSynth(); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.buildRecog(); err != nil {
		a.closeAll()
		return nil, err
	}

	a.metrics = observe.DefaultMetrics()
	a.out = synth.NewSession(a.synthEng, synth.WithPreferredLanguage(cfg.TTS.Language))
	a.closers = append(a.closers, a.out.Close)
	a.in = recog.NewSession(a.recogEng, recog.DefaultConfig())

	a.presenter = console.New(a.input, a.output)
	a.coord = engine.NewCoordinator(engine.NewNavigator(), a.out, a.in, a.store,
		engine.WithListener(a.presenter.Listener()),
		engine.WithMetrics(a.metrics),
	)
	a.presenter.Bind(a.coord)

	return a, nil
}

// buildStore opens the SQLite save store unless one was injected or
// persistence is disabled by config.
func (a *App) buildStore() error {
	if a.store != nil || a.cfg.State.Path == "" {
		if a.cfg.State.Path == "" && a.store == nil {
			slog.Info("app: no state path configured, progress will not persist")
		}
		return nil
	}

	ns := a.cfg.State.Namespace
	if ns == "" {
		ns = a.story.Title
	}
	s, err := sqlite.Open(a.cfg.State.Path, sqlite.WithNamespace(ns))
	if err != nil {
		return fmt.Errorf("app: open state store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return nil
}

// buildSynth constructs the narration engine selected by config.
func (a *App) buildSynth() error {
	if a.synthEng != nil {
		return nil
	}

	switch a.cfg.TTS.Provider {
	case config.TTSHTTP:
		var opts []httptts.Option
		if a.cfg.TTS.Language != "" {
			opts = append(opts, httptts.WithLanguage(a.cfg.TTS.Language))
		}
		if a.cfg.TTS.SampleRate > 0 {
			opts = append(opts, httptts.WithSampleRate(a.cfg.TTS.SampleRate))
		}
		eng, err := httptts.New(a.cfg.TTS.ServerURL, opts...)
		if err != nil {
			return fmt.Errorf("app: build tts engine: %w", err)
		}
		a.synthEng = eng
		a.closers = append(a.closers, eng.Close)
	case config.TTSMock, config.TTSNone, "":
		if a.cfg.TTS.Provider != config.TTSMock {
			slog.Info("app: narration disabled", "provider", a.cfg.TTS.Provider)
		}
		a.synthEng = &synthmock.Engine{}
	default:
		return fmt.Errorf("app: unknown tts provider %q", a.cfg.TTS.Provider)
	}
	return nil
}

// buildRecog constructs the voice input engine selected by config. The
// "none" provider yields an engine that reports itself unavailable, so the
// coordinator degrades to button/typed input.
func (a *App) buildRecog() error {
	if a.recogEng != nil {
		return nil
	}

	switch a.cfg.STT.Provider {
	case config.STTVosk:
		eng, err := vosk.New(a.cfg.STT.ModelPath)
		if err != nil {
			return fmt.Errorf("app: build stt engine: %w", err)
		}
		a.recogEng = eng
		a.closers = append(a.closers, eng.Close)
	case config.STTMock:
		a.recogEng = &recogmock.Engine{}
	case config.STTNone, "":
		slog.Info("app: voice input disabled", "provider", a.cfg.STT.Provider)
		a.recogEng = &recogmock.Engine{Unavailable: true}
	default:
		return fmt.Errorf("app: unknown stt provider %q", a.cfg.STT.Provider)
	}
	return nil
}

// Coordinator exposes the engine coordinator, mainly for tests.
func (a *App) Coordinator() *engine.Coordinator {
	return a.coord
}

// Story returns the loaded story document.
func (a *App) Story() *story.Story {
	return a.story
}

// Run loads the story into the coordinator and drives the console loop, the
// operational HTTP server, and the autosave ticker until ctx is cancelled
// or the user quits.
func (a *App) Run(ctx context.Context) error {
	if err := a.coord.LoadStory(ctx, a.story); err != nil {
		return fmt.Errorf("app: load story into engine: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.OpsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("app: ops server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		a.autosaveLoop(ctx)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		err := a.presenter.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	a.coord.Save(context.Background())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// autosaveLoop periodically folds play time into the progress record and
// persists it.
func (a *App) autosaveLoop(ctx context.Context) {
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.coord.AddPlayTime(autosaveInterval)
			a.coord.Save(ctx)
		}
	}
}

// Shutdown stops speech activity and releases all resources. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.coord.StopNarration()
		a.in.Abort()
		a.coord.Save(ctx)
		err = a.closeAll()
	})
	return err
}

// closeAll runs the registered closers newest-first, joining any errors.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
