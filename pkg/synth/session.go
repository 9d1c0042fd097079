package synth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultVoiceRetries      = 10
	defaultVoiceRetryBackoff = 100 * time.Millisecond
	defaultProbeTimeout      = time.Second
	defaultLanguage          = "en"

	defaultRate   = 0.9
	defaultPitch  = 1.0
	defaultVolume = 0.8
)

// ErrInterrupted is returned by [Session.Speak] when the utterance was
// superseded by a newer Speak or by Stop before it finished. It signals an
// intentional cancellation, not a failure.
var ErrInterrupted = errors.New("synth: narration interrupted")

// SessionOption is a functional option for configuring a [Session].
type SessionOption func(*Session)

// WithVoiceRetries sets the number of catalog polling attempts made before
// the session resolves with whatever voices are available. Default: 10.
func WithVoiceRetries(n int) SessionOption {
	return func(s *Session) {
		s.retries = n
	}
}

// WithVoiceRetryBackoff sets the fixed delay between catalog polling
// attempts. Default: 100 ms.
func WithVoiceRetryBackoff(d time.Duration) SessionOption {
	return func(s *Session) {
		s.retryBackoff = d
	}
}

// WithProbeTimeout bounds the availability probe so a hung engine cannot
// stall the caller. Default: 1 s.
func WithProbeTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.probeTimeout = d
	}
}

// WithPreferredLanguage sets the language preferred when falling back to a
// best-match voice. Default: "en".
func WithPreferredLanguage(lang string) SessionOption {
	return func(s *Session) {
		s.language = lang
	}
}

// Session narrates exactly one utterance at a time through an [Engine].
//
// The mutual-exclusion invariant is structural: every Speak supersedes the
// session's own prior utterance (bumping the generation counter and
// cancelling the engine) before submitting the new one, so no locking is
// required by callers and late callbacks from superseded utterances are
// dropped.
//
// All methods are safe for concurrent use.
type Session struct {
	eng Engine

	retries      int
	retryBackoff time.Duration
	probeTimeout time.Duration
	language     string

	mu       sync.Mutex
	gen      uint64
	speaking bool
	abort    chan struct{} // closed by Stop to release the waiting Speak
	voices   []Voice

	readyOnce   sync.Once
	ready       chan struct{} // closed once the catalog is resolved
	unsubscribe func()
}

// NewSession creates a Session and begins resolving the engine's voice
// catalog in the background. The catalog may load asynchronously: the
// session polls with bounded retries and also subscribes to catalog-change
// notifications, resolving with whichever arrives first — and with an empty
// list if neither does within the retry budget.
func NewSession(eng Engine, opts ...SessionOption) *Session {
	s := &Session{
		eng:          eng,
		retries:      defaultVoiceRetries,
		retryBackoff: defaultVoiceRetryBackoff,
		probeTimeout: defaultProbeTimeout,
		language:     defaultLanguage,
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.unsubscribe = eng.OnVoicesChanged(s.refreshVoices)
	go s.pollVoices()
	return s
}

// refreshVoices captures the engine catalog when it becomes non-empty. It
// keeps running after initial resolution so late catalog changes update the
// session's view.
func (s *Session) refreshVoices() {
	vs := s.eng.Voices()
	if len(vs) == 0 {
		return
	}
	s.mu.Lock()
	s.voices = vs
	s.mu.Unlock()
	s.resolveReady()
}

// pollVoices retries the catalog on a fixed backoff, resolving empty when
// the budget is exhausted.
func (s *Session) pollVoices() {
	for attempt := 0; attempt < s.retries; attempt++ {
		if vs := s.eng.Voices(); len(vs) > 0 {
			s.mu.Lock()
			s.voices = vs
			s.mu.Unlock()
			s.resolveReady()
			return
		}
		select {
		case <-s.ready:
			return
		case <-time.After(s.retryBackoff):
		}
	}
	slog.Debug("synth: voice catalog did not resolve within retry budget")
	s.resolveReady()
}

func (s *Session) resolveReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Voices returns the resolved voice catalog, waiting for the initial
// resolution if it is still in progress.
func (s *Session) Voices(ctx context.Context) ([]Voice, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...), nil
}

// SpeakRequest describes one narration. Zero Rate/Pitch/Volume select the
// session defaults (0.9 / 1.0 / 0.8).
type SpeakRequest struct {
	// Text is the narration text.
	Text string

	// VoiceID selects the narration voice. The id is re-validated against
	// the current catalog; when absent the session falls back to the best
	// match (same language, then locally-hosted, then first available) and
	// finally to the engine default.
	VoiceID string

	Rate   float64
	Pitch  float64
	Volume float64
}

// Speak narrates the request, superseding any in-flight narration first. A
// Speak issued before the voice catalog resolves waits for resolution. It
// returns nil when narration finishes, [ErrInterrupted] when superseded by
// a newer Speak or Stop, ctx.Err() on context cancellation, or a classified
// *[EngineError] on engine failure.
func (s *Session) Speak(ctx context.Context, req SpeakRequest) error {
	s.Stop()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	u := Utterance{
		Text:    req.Text,
		VoiceID: s.resolveVoice(req.VoiceID),
		Rate:    valueOr(req.Rate, defaultRate),
		Pitch:   valueOr(req.Pitch, defaultPitch),
		Volume:  valueOr(req.Volume, defaultVolume),
	}

	s.mu.Lock()
	s.gen++
	myGen := s.gen
	abort := make(chan struct{})
	s.abort = abort
	// Marked in flight at submission: engines may complete synchronously,
	// and their OnEnd must find the flag already set so it clears cleanly.
	s.speaking = true
	s.mu.Unlock()

	// finish clears the in-flight marker if this utterance is still the
	// live one; reports whether it was.
	finish := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != myGen {
			return false
		}
		s.speaking = false
		s.abort = nil
		return true
	}

	done := make(chan error, 1)
	cb := Callbacks{
		OnEnd: func() {
			if finish() {
				done <- nil
			}
		},
		OnError: func(err error) {
			if finish() {
				done <- classify(err)
			}
		},
	}

	if err := s.eng.Speak(u, cb); err != nil {
		finish()
		return classify(err)
	}

	select {
	case err := <-done:
		return err
	case <-abort:
		return ErrInterrupted
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// Stop cancels the in-flight narration unconditionally. It is an idempotent
// no-op when nothing is playing, and it returns only after the underlying
// engine cancellation was issued, so no narration dangles past the call.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	abort := s.abort
	s.abort = nil
	s.speaking = false
	s.mu.Unlock()

	s.eng.Cancel()
	if abort != nil {
		close(abort)
	}
}

// Speaking reports whether an utterance is currently in flight.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Probe tests, without audible effect, whether narration is currently
// permitted: it submits a zero-volume no-op utterance and reports whether
// the engine accepted it. The probe is bounded by the session's probe
// timeout so a hung engine cannot stall the caller. Call while idle; a
// session that is already speaking is trivially permitted.
func (s *Session) Probe(ctx context.Context) bool {
	if s.Speaking() {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	// Buffered for the OnStart+OnEnd pair so the engine never blocks.
	verdict := make(chan bool, 2)
	cb := Callbacks{
		OnStart: func() {
			verdict <- true
			s.eng.Cancel()
		},
		OnEnd: func() {
			verdict <- true
		},
		OnError: func(err error) {
			var ee *EngineError
			verdict <- !(errors.As(err, &ee) && ee.Code == CodeNotAllowed)
		},
	}

	if err := s.eng.Speak(Utterance{Rate: 1, Pitch: 1, Volume: 0}, cb); err != nil {
		return false
	}

	select {
	case ok := <-verdict:
		return ok
	case <-ctx.Done():
		s.eng.Cancel()
		return false
	}
}

// Close stops narration and releases the catalog subscription.
func (s *Session) Close() error {
	s.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return nil
}

// resolveVoice re-validates the requested voice against the live catalog,
// falling back to the best match and finally to the engine default ("").
func (s *Session) resolveVoice(requested string) string {
	catalog := s.eng.Voices()
	if len(catalog) == 0 {
		s.mu.Lock()
		catalog = append([]Voice(nil), s.voices...)
		s.mu.Unlock()
	}

	if requested != "" {
		for _, v := range catalog {
			if v.ID == requested {
				return requested
			}
		}
		slog.Debug("synth: requested voice no longer available", "voice_id", requested)
	}

	if v, ok := BestVoice(catalog, s.language); ok {
		return v.ID
	}
	return ""
}

// classify wraps unclassified errors as generic synthesis failures.
func classify(err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return &EngineError{Code: CodeSynthesis, Err: err}
}

func valueOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
