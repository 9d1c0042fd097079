// Package recog turns spoken audio into text transcripts.
//
// The package is layered like its narration counterpart: Engine is the
// platform capability (microphone access and the recognition backend) and
// Session folds the engine's raw result events into user-facing
// transcripts with the per-event folding rules the rest of the
// application relies on. Real engines live in sub-packages (vosk); tests use
// recog/mock.
package recog

import (
	"errors"
	"fmt"
)

// Config controls a recognition run.
type Config struct {
	// Language is the recognition language tag, e.g. "en-US".
	Language string

	// Continuous keeps the engine listening after the first final result.
	// When false the engine ends the run once a final result is produced.
	Continuous bool

	// InterimResults enables delivery of provisional (non-final) segments
	// while the speaker is still talking.
	InterimResults bool

	// MaxAlternatives caps how many candidate transcriptions the backend
	// considers per segment. Backends that only produce a best path may
	// ignore it.
	MaxAlternatives int
}

// DefaultConfig returns the baseline recognition configuration.
func DefaultConfig() Config {
	return Config{
		Language:        "en-US",
		Continuous:      false,
		InterimResults:  true,
		MaxAlternatives: 3,
	}
}

// Segment is one recognised piece of speech as reported by an Engine.
// Final segments are committed text with a confidence score; non-final
// segments are provisional and carry no confidence.
type Segment struct {
	Text       string
	Confidence float64
	Final      bool
}

// Events carries an engine's callbacks for one recognition run.
//
// OnResult delivers the segments recognised since the previous event.
// OnEnd fires exactly once when the run is over, after the last OnResult.
// OnError may fire before OnEnd; it does not itself end the run.
type Events struct {
	OnResult func(segs []Segment)
	OnError  func(err error)
	OnEnd    func()
}

// Engine is the platform speech-recognition capability.
type Engine interface {
	// Available reports whether recognition can be started at all
	// (backend loaded, microphone reachable).
	Available() bool

	// Start begins a recognition run. Only one run may be active at a
	// time; starting while active is an error.
	Start(cfg Config, ev Events) error

	// Stop ends the run gracefully: audio captured so far is still
	// processed and may yield final results before OnEnd.
	Stop()

	// Abort ends the run immediately, discarding buffered audio.
	Abort()
}

// ErrAlreadyListening is returned by Session.Start while a run is active.
var ErrAlreadyListening = errors.New("recog: already listening")

// ErrUnavailable is returned when the engine reports recognition cannot
// be started.
var ErrUnavailable = errors.New("recog: speech recognition is not available")

// ErrorCode classifies recognition failures.
type ErrorCode string

const (
	// CodeNotAllowed means microphone permission was denied.
	CodeNotAllowed ErrorCode = "not-allowed"
	// CodeAudioCapture means no usable microphone was found.
	CodeAudioCapture ErrorCode = "audio-capture"
	// CodeNetwork means the recognition backend was unreachable.
	CodeNetwork ErrorCode = "network"
	// CodeNoSpeech means the run ended without detecting any speech.
	CodeNoSpeech ErrorCode = "no-speech"
	// CodeAborted means the run was cut off before completing.
	CodeAborted ErrorCode = "aborted"
	// CodeRecognition covers all other backend failures.
	CodeRecognition ErrorCode = "recognition-failed"
)

// EngineError is a classified recognition failure.
type EngineError struct {
	Code ErrorCode
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recog: %s", e.Code)
	}
	return fmt.Sprintf("recog: %s: %v", e.Code, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Describe maps a recognition error to a message suitable for showing to
// the listener.
func Describe(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case CodeNotAllowed:
			return "Microphone access was denied. Please allow microphone access to use voice commands."
		case CodeAudioCapture:
			return "No microphone was found. Please check your audio input device."
		case CodeNetwork:
			return "Speech recognition requires a network connection. Please check your connection."
		case CodeNoSpeech:
			return "No speech was detected. Please try again."
		}
	}
	return "Speech recognition failed. Please try again or use the buttons instead."
}
