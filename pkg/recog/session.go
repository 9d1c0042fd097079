package recog

import (
	"errors"
	"strings"
	"sync"
)

// Transcript is the folded recognition state reported to the application.
// A final transcript is the concatenation of the final segments of one
// engine event, carrying the highest confidence among them; an interim
// transcript is the provisional text of the latest event only.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
}

// Callbacks carries the application's listeners for one Session run.
type Callbacks struct {
	// OnTranscript receives folded transcripts. Whitespace-only
	// transcripts are suppressed.
	OnTranscript func(t Transcript)

	// OnError receives classified recognition errors.
	OnError func(err error)

	// OnEnd fires once when the run is over. It does not fire after
	// Abort.
	OnEnd func()
}

// Session folds an Engine's raw segment events into transcripts.
//
// Each event folds on its own: the final segments of one event join into
// one final transcript, so in a continuous run every spoken command is
// reported clean, never glued to the previous one. Events with no final
// segment report the event's interim text when interim results are
// enabled. All methods are safe for concurrent use.
type Session struct {
	eng Engine
	cfg Config

	mu        sync.Mutex
	gen       uint64
	listening bool
}

// NewSession creates a Session over eng with the given configuration.
func NewSession(eng Engine, cfg Config) *Session {
	return &Session{eng: eng, cfg: cfg}
}

// SetConfig replaces the configuration used by subsequent runs. An active
// run keeps the configuration it started with.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start begins a recognition run, delivering folded transcripts to cb.
// It returns ErrAlreadyListening while a run is active and
// ErrUnavailable when the engine cannot start at all.
func (s *Session) Start(cb Callbacks) error {
	if !s.eng.Available() {
		return ErrUnavailable
	}

	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.gen++
	myGen := s.gen
	s.listening = true
	cfg := s.cfg
	s.mu.Unlock()

	ev := Events{
		OnResult: func(segs []Segment) {
			s.fold(myGen, cfg, segs, cb)
		},
		OnError: func(err error) {
			s.mu.Lock()
			live := s.gen == myGen
			s.mu.Unlock()
			if live && cb.OnError != nil {
				cb.OnError(classify(err))
			}
		},
		OnEnd: func() {
			s.mu.Lock()
			live := s.gen == myGen
			if live {
				s.listening = false
			}
			s.mu.Unlock()
			if live && cb.OnEnd != nil {
				cb.OnEnd()
			}
		},
	}

	if err := s.eng.Start(cfg, ev); err != nil {
		s.mu.Lock()
		if s.gen == myGen {
			s.listening = false
		}
		s.mu.Unlock()
		return classify(err)
	}
	return nil
}

// Stop ends the run gracefully: buffered audio may still yield final
// transcripts before OnEnd fires. Calling Stop while idle is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if listening {
		s.eng.Stop()
	}
}

// Abort ends the run immediately, discarding buffered audio. No further
// callbacks are delivered for the aborted run. Calling Abort while idle
// is a no-op.
func (s *Session) Abort() {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.listening = false
	s.mu.Unlock()

	s.eng.Abort()
}

// Listening reports whether a run is active.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// fold reduces one engine event to a transcript and reports it. Fold
// state is event-local so consecutive commands in a continuous run never
// bleed into each other.
func (s *Session) fold(myGen uint64, cfg Config, segs []Segment, cb Callbacks) {
	s.mu.Lock()
	live := s.gen == myGen
	s.mu.Unlock()
	if !live {
		return
	}

	var final, interim strings.Builder
	bestConf := 0.0
	hadFinal := false
	for _, seg := range segs {
		if seg.Final {
			final.WriteString(seg.Text)
			if seg.Confidence > bestConf {
				bestConf = seg.Confidence
			}
			hadFinal = true
		} else {
			interim.WriteString(seg.Text)
		}
	}

	var t Transcript
	switch {
	case hadFinal:
		t = Transcript{
			Text:       strings.TrimSpace(final.String()),
			Confidence: bestConf,
			Final:      true,
		}
	case cfg.InterimResults:
		t = Transcript{Text: strings.TrimSpace(interim.String())}
	}

	if t.Text == "" {
		return
	}
	if cb.OnTranscript != nil {
		cb.OnTranscript(t)
	}
}

// classify wraps unclassified errors as generic recognition failures.
func classify(err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, ErrAlreadyListening) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &EngineError{Code: CodeRecognition, Err: err}
}
