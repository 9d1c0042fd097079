// Package mock provides a test double for the synth.Engine interface.
//
// Use Engine to script voice catalogs and utterance outcomes and to verify
// what a synth.Session submits to the platform layer.
//
// Example:
//
//	e := &mock.Engine{
//	    VoicesResult: []synth.Voice{{ID: "v1", Name: "Aria", Lang: "en-US"}},
//	}
//	s := synth.NewSession(e)
package mock

import (
	"sync"

	"github.com/fable-audio/fablevoice/pkg/synth"
)

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	// Utterance is the utterance passed to Speak.
	Utterance synth.Utterance
}

// Engine is a mock implementation of synth.Engine.
//
// By default Speak completes each utterance synchronously (OnStart then
// OnEnd). Set Async to hold utterances open and drive their outcome from
// the test with Finish or Fail.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// VoicesResult is returned by Voices. Change it with SetVoices to
	// exercise asynchronous catalog loading.
	VoicesResult []synth.Voice

	// SpeakErr, if non-nil, is returned synchronously from Speak; no
	// callbacks are delivered.
	SpeakErr error

	// FailWith, if non-nil, makes Speak deliver OnError(FailWith) without
	// a preceding OnStart, modelling an engine that refuses the utterance
	// before playback begins.
	FailWith error

	// Async holds each utterance open after OnStart until the test calls
	// Finish or Fail, or until Cancel drops it.
	Async bool

	// Silent suppresses OnStart delivery, modelling an engine that
	// accepts an utterance but never begins playing it.
	Silent bool

	// --- Recorded calls ---

	// SpeakCalls records every accepted Speak invocation in order.
	SpeakCalls []SpeakCall

	// CancelCalls counts invocations of Cancel.
	CancelCalls int

	subs    map[int]func()
	nextSub int
	pending *synth.Callbacks
}

var _ synth.Engine = (*Engine)(nil)

// Voices returns VoicesResult.
func (e *Engine) Voices() []synth.Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]synth.Voice(nil), e.VoicesResult...)
}

// SetVoices replaces the catalog and notifies all subscribers, mimicking an
// engine whose voices load after startup.
func (e *Engine) SetVoices(vs []synth.Voice) {
	e.mu.Lock()
	e.VoicesResult = append([]synth.Voice(nil), vs...)
	subs := make([]func(), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// OnVoicesChanged registers fn and returns its cancel func.
func (e *Engine) OnVoicesChanged(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[int]func())
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Speak records the call and either completes it synchronously or, when
// Async is set, holds it open for Finish / Fail / Cancel.
func (e *Engine) Speak(u synth.Utterance, cb synth.Callbacks) error {
	e.mu.Lock()
	if e.SpeakErr != nil {
		err := e.SpeakErr
		e.mu.Unlock()
		return err
	}
	e.SpeakCalls = append(e.SpeakCalls, SpeakCall{Utterance: u})
	async := e.Async
	silent := e.Silent
	failWith := e.FailWith
	if async || silent {
		e.pending = &cb
	}
	e.mu.Unlock()

	// Callbacks are delivered outside the lock: session code may call
	// straight back into the engine (Cancel) from within them.
	if failWith != nil {
		e.mu.Lock()
		e.pending = nil
		e.mu.Unlock()
		if cb.OnError != nil {
			cb.OnError(failWith)
		}
		return nil
	}
	if !silent && cb.OnStart != nil {
		cb.OnStart()
	}
	if async || silent {
		return nil
	}
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
	return nil
}

// Cancel drops any held utterance without delivering further callbacks.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.CancelCalls++
	e.pending = nil
	e.mu.Unlock()
}

// Finish completes the held utterance with OnEnd. It reports whether an
// utterance was pending.
func (e *Engine) Finish() bool {
	e.mu.Lock()
	cb := e.pending
	e.pending = nil
	e.mu.Unlock()
	if cb == nil {
		return false
	}
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
	return true
}

// Fail completes the held utterance with OnError(err). It reports whether
// an utterance was pending.
func (e *Engine) Fail(err error) bool {
	e.mu.Lock()
	cb := e.pending
	e.pending = nil
	e.mu.Unlock()
	if cb == nil {
		return false
	}
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return true
}

// Pending reports whether an utterance is currently held open.
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Spoken returns a snapshot of all accepted Speak invocations.
func (e *Engine) Spoken() []SpeakCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SpeakCall(nil), e.SpeakCalls...)
}

// LastSpoken returns the most recent utterance and whether any were spoken.
func (e *Engine) LastSpoken() (synth.Utterance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.SpeakCalls) == 0 {
		return synth.Utterance{}, false
	}
	return e.SpeakCalls[len(e.SpeakCalls)-1].Utterance, true
}
