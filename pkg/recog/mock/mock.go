// Package mock provides a test double for the recog.Engine interface.
//
// Use Engine to script recognition runs segment by segment and to verify
// what a recog.Session asks of the platform layer.
//
// Example:
//
//	e := &mock.Engine{}
//	s := recog.NewSession(e, recog.DefaultConfig())
//	_ = s.Start(cb)
//	e.Emit(recog.Segment{Text: "go north", Confidence: 0.92, Final: true})
//	e.End()
package mock

import (
	"sync"

	"github.com/fable-audio/fablevoice/pkg/recog"
)

// StartCall records a single invocation of Start.
type StartCall struct {
	// Config is the configuration passed to Start.
	Config recog.Config
}

// Engine is a mock implementation of recog.Engine. The zero value is an
// available engine whose runs are driven manually with Emit, Fail and End.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Unavailable makes Available report false.
	Unavailable bool

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// --- Recorded calls ---

	// StartCalls records every accepted Start invocation in order.
	StartCalls []StartCall

	// StopCalls counts invocations of Stop.
	StopCalls int

	// AbortCalls counts invocations of Abort.
	AbortCalls int

	active *recog.Events
}

var _ recog.Engine = (*Engine)(nil)

// Available reports the scripted availability.
func (e *Engine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Unavailable
}

// Start records the call and holds ev for manual driving.
func (e *Engine) Start(cfg recog.Config, ev recog.Events) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.StartCalls = append(e.StartCalls, StartCall{Config: cfg})
	e.active = &ev
	return nil
}

// Stop records the call and ends the run, like a backend with no buffered
// audio left to flush.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.StopCalls++
	ev := e.active
	e.active = nil
	e.mu.Unlock()

	if ev != nil && ev.OnEnd != nil {
		ev.OnEnd()
	}
}

// Abort records the call and ends the run immediately.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.AbortCalls++
	ev := e.active
	e.active = nil
	e.mu.Unlock()

	if ev != nil && ev.OnEnd != nil {
		ev.OnEnd()
	}
}

// Emit delivers one result event to the active run.
func (e *Engine) Emit(segs ...recog.Segment) {
	e.mu.Lock()
	ev := e.active
	e.mu.Unlock()

	if ev != nil && ev.OnResult != nil {
		ev.OnResult(segs)
	}
}

// Fail delivers an error event to the active run without ending it.
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	ev := e.active
	e.mu.Unlock()

	if ev != nil && ev.OnError != nil {
		ev.OnError(err)
	}
}

// End finishes the active run.
func (e *Engine) End() {
	e.mu.Lock()
	ev := e.active
	e.active = nil
	e.mu.Unlock()

	if ev != nil && ev.OnEnd != nil {
		ev.OnEnd()
	}
}

// Active reports whether a run is currently held open.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}
