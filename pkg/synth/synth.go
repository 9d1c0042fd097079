// Package synth defines the narration capability interface and the output
// session that manages one narration utterance at a time on top of it.
//
// An [Engine] wraps a platform speech-synthesis backend: it exposes the
// current voice catalog, a catalog-change subscription, utterance submission
// with lifecycle callbacks, and cancellation. The [Session] layered on top
// owns the "at most one active narration" invariant: every new Speak
// supersedes the previous utterance before the new one is submitted, and a
// generation counter suppresses late callbacks from superseded utterances.
//
// Implementations of Engine are provided by adapter packages (see httptts)
// and by the mock package for deterministic tests.
package synth

import (
	"errors"
	"fmt"
	"strings"
)

// Voice identifies one synthesis voice in the engine's catalog.
type Voice struct {
	// ID is the stable voice identity used for selection and persistence.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Lang is the voice's BCP-47 language tag.
	Lang string

	// Local reports whether the voice is hosted locally; remote voices
	// depend on the network and can fail mid-utterance.
	Local bool

	// Default marks the engine's default voice.
	Default bool
}

// Utterance is one narration request submitted to an [Engine].
type Utterance struct {
	// Text is the narration text. May be empty for availability probes.
	Text string

	// VoiceID selects the voice; empty means the engine default.
	VoiceID string

	// Rate is the speed multiplier (1.0 = normal).
	Rate float64

	// Pitch is the pitch multiplier (1.0 = normal).
	Pitch float64

	// Volume is the playback volume in [0, 1].
	Volume float64
}

// Callbacks receive the lifecycle events of a single utterance. The engine
// calls OnStart at most once, then exactly one of OnEnd or OnError. Nil
// callbacks are permitted and skipped.
type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// Engine is the platform narration capability.
//
// Implementations must be safe for concurrent use. At most one utterance is
// in flight at a time from the session's point of view; an engine receiving
// a second Speak before the first ended may assume the session already
// called Cancel.
type Engine interface {
	// Voices returns the currently known voice catalog. The catalog may be
	// empty while the platform is still loading voices.
	Voices() []Voice

	// OnVoicesChanged registers fn to run whenever the catalog changes.
	// The returned cancel function removes the registration and is safe to
	// call more than once.
	OnVoicesChanged(fn func()) (cancel func())

	// Speak submits the utterance and returns once it is accepted; events
	// are delivered asynchronously through cb. A non-nil error means the
	// utterance was never started and no callbacks will fire.
	Speak(u Utterance, cb Callbacks) error

	// Cancel discards the in-flight utterance, if any. After Cancel returns
	// the engine must not deliver further callbacks for it. Cancel is
	// idempotent.
	Cancel()
}

// ErrorCode classifies an engine failure.
type ErrorCode string

const (
	// CodeNotAllowed means the platform blocks narration until a user
	// gesture enables it.
	CodeNotAllowed ErrorCode = "not-allowed"

	// CodeNetwork means a network-dependent voice failed to synthesize.
	CodeNetwork ErrorCode = "network"

	// CodeSynthesis is the generic synthesis failure.
	CodeSynthesis ErrorCode = "synthesis-failed"
)

// EngineError is a classified narration engine failure.
type EngineError struct {
	Code ErrorCode
	Err  error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("synth: %s", e.Code)
	}
	return fmt.Sprintf("synth: %s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error { return e.Err }

// Describe maps a narration error to the user-facing message shown by the
// presentation layer.
func Describe(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case CodeNotAllowed:
			return "Narration is blocked until you interact with the app. Press play to enable audio."
		case CodeNetwork:
			return "Network error during narration. Please check your connection."
		}
	}
	return "Narration failed."
}

// BestVoice picks a fallback voice: same language first (prefix match,
// case-insensitive), locally-hosted voices next, then the first available.
// ok is false only when the catalog is empty.
func BestVoice(voices []Voice, lang string) (v Voice, ok bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}

	candidates := voices
	if lang != "" {
		prefix := strings.ToLower(lang)
		var byLang []Voice
		for _, v := range voices {
			if strings.HasPrefix(strings.ToLower(v.Lang), prefix) {
				byLang = append(byLang, v)
			}
		}
		if len(byLang) > 0 {
			candidates = byLang
		}
	}

	for _, v := range candidates {
		if v.Local {
			return v, true
		}
	}
	return candidates[0], true
}
