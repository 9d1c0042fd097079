// Package vosk provides a recog.Engine backed by the offline Vosk
// recogniser with microphone capture via malgo.
//
// The engine loads a Vosk model once at construction; each recognition
// run opens a fresh capture device and recogniser so runs never share
// decoder state.
//
// Typical usage:
//
//	e, err := vosk.New("models/vosk-model-small-en-us-0.15")
//	session := recog.NewSession(e, recog.DefaultConfig())
package vosk

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	voskapi "github.com/alphacep/vosk-api/go"
	"github.com/gen2brain/malgo"

	"github.com/fable-audio/fablevoice/pkg/recog"
)

// Compile-time interface assertion.
var _ recog.Engine = (*Engine)(nil)

const (
	sampleRate   = 16000
	channels     = 1
	bufferFrames = 4096

	// chunkBuf bounds the capture-to-decoder queue. Overflowing chunks
	// are dropped rather than stalling the audio callback.
	chunkBuf = 16
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogLevel sets the Vosk native log level. Defaults to -1 (silent).
func WithLogLevel(level int) Option {
	return func(e *Engine) {
		e.logLevel = level
	}
}

// Engine implements recog.Engine using Vosk and malgo.
//
// Vosk decodes a single best path, so Config.MaxAlternatives beyond 1 and
// Config.Language are satisfied by the loaded model rather than per run.
type Engine struct {
	model    *voskapi.VoskModel
	logLevel int

	mu      sync.Mutex
	running bool
	run     *captureRun
}

// captureRun holds the per-run resources torn down on Stop/Abort.
type captureRun struct {
	recognizer *voskapi.VoskRecognizer
	malgoCtx   *malgo.AllocatedContext
	device     *malgo.Device
	chunks     chan []byte
	stop       chan struct{} // closed once to end the decode loop
	discard    bool          // Abort: skip the flush
	done       sync.WaitGroup
}

// New loads the Vosk model at modelPath and returns an Engine.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("vosk: modelPath must not be empty")
	}
	e := &Engine{logLevel: -1}
	for _, o := range opts {
		o(e)
	}

	voskapi.SetLogLevel(e.logLevel)
	model, err := voskapi.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model from %s: %w", modelPath, err)
	}
	e.model = model
	return e, nil
}

// Available reports whether the model is loaded.
func (e *Engine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil
}

// Start opens the microphone and begins decoding. Capture failures are
// returned synchronously as audio-capture errors.
func (e *Engine) Start(cfg recog.Config, ev recog.Events) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return &recog.EngineError{Code: recog.CodeRecognition, Err: errors.New("vosk: model not loaded")}
	}
	if e.running {
		return recog.ErrAlreadyListening
	}

	recognizer, err := voskapi.NewRecognizer(e.model, float64(sampleRate))
	if err != nil {
		return &recog.EngineError{Code: recog.CodeRecognition, Err: fmt.Errorf("vosk: create recognizer: %w", err)}
	}
	recognizer.SetWords(1)

	run := &captureRun{
		recognizer: recognizer,
		chunks:     make(chan []byte, chunkBuf),
		stop:       make(chan struct{}),
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		recognizer.Free()
		return &recog.EngineError{Code: recog.CodeAudioCapture, Err: fmt.Errorf("vosk: init audio context: %w", err)}
	}
	run.malgoCtx = malgoCtx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.PeriodSizeInFrames = bufferFrames

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			chunk := make([]byte, len(input))
			copy(chunk, input)
			select {
			case run.chunks <- chunk:
			default:
				slog.Debug("vosk: capture buffer overflow, dropping frames")
			}
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		malgoCtx.Uninit()
		malgoCtx.Free()
		recognizer.Free()
		return &recog.EngineError{Code: recog.CodeAudioCapture, Err: fmt.Errorf("vosk: init capture device: %w", err)}
	}
	run.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		malgoCtx.Uninit()
		malgoCtx.Free()
		recognizer.Free()
		return &recog.EngineError{Code: recog.CodeAudioCapture, Err: fmt.Errorf("vosk: start capture device: %w", err)}
	}

	e.running = true
	e.run = run
	run.done.Add(1)
	go e.decode(run, cfg, ev)
	return nil
}

// Stop ends the run gracefully, flushing the recogniser for a last final
// result before the end notification.
func (e *Engine) Stop() {
	e.endRun(false)
}

// Abort ends the run immediately, discarding buffered audio.
func (e *Engine) Abort() {
	e.endRun(true)
}

func (e *Engine) endRun(discard bool) {
	e.mu.Lock()
	run := e.run
	if run == nil {
		e.mu.Unlock()
		return
	}
	e.run = nil
	e.running = false
	e.mu.Unlock()

	run.discard = discard
	close(run.stop)
	run.done.Wait()
}

// Close releases the model. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.endRun(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

// ─── decode loop ────────────────────────────────────────────────────────────

// voskResult mirrors the JSON emitted by the Vosk recogniser.
type voskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Conf float64 `json:"conf"`
		Word string  `json:"word"`
	} `json:"result,omitempty"`
	Partial string `json:"partial,omitempty"`
}

// decode feeds captured chunks into the recogniser and emits events. It
// owns every run resource and frees them on exit.
func (e *Engine) decode(run *captureRun, cfg recog.Config, ev recog.Events) {
	defer run.done.Done()
	defer func() {
		run.device.Uninit()
		run.malgoCtx.Uninit()
		run.malgoCtx.Free()
		run.recognizer.Free()
	}()

	sawSpeech := false
	lastPartial := ""

	finish := func() {
		if !run.discard {
			if seg, ok := parseFinal(run.recognizer.FinalResult()); ok {
				sawSpeech = true
				if ev.OnResult != nil {
					ev.OnResult([]recog.Segment{seg})
				}
			}
			if !sawSpeech && ev.OnError != nil {
				ev.OnError(&recog.EngineError{Code: recog.CodeNoSpeech})
			}
		}
		if ev.OnEnd != nil {
			ev.OnEnd()
		}
	}

	for {
		select {
		case <-run.stop:
			_ = run.device.Stop()
			finish()
			return
		case chunk := <-run.chunks:
			if run.recognizer.AcceptWaveform(chunk) > 0 {
				seg, ok := parseFinal(run.recognizer.Result())
				if !ok {
					continue
				}
				sawSpeech = true
				lastPartial = ""
				if ev.OnResult != nil {
					ev.OnResult([]recog.Segment{seg})
				}
				if !cfg.Continuous {
					_ = run.device.Stop()
					// Detach so Stop/Abort after a self-ended run is a no-op.
					e.mu.Lock()
					if e.run == run {
						e.run = nil
						e.running = false
					}
					e.mu.Unlock()
					if ev.OnEnd != nil {
						ev.OnEnd()
					}
					return
				}
				continue
			}

			if !cfg.InterimResults {
				continue
			}
			var partial voskResult
			if err := json.Unmarshal([]byte(run.recognizer.PartialResult()), &partial); err != nil {
				continue
			}
			if partial.Partial == "" || partial.Partial == lastPartial {
				continue
			}
			lastPartial = partial.Partial
			if ev.OnResult != nil {
				ev.OnResult([]recog.Segment{{Text: partial.Partial}})
			}
		}
	}
}

// parseFinal decodes a final-result JSON payload into a segment, with the
// confidence averaged over per-word scores.
func parseFinal(payload string) (recog.Segment, bool) {
	var res voskResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return recog.Segment{}, false
	}
	if res.Text == "" {
		return recog.Segment{}, false
	}

	conf := 0.0
	if len(res.Result) > 0 {
		for _, w := range res.Result {
			conf += w.Conf
		}
		conf /= float64(len(res.Result))
	}
	return recog.Segment{Text: res.Text, Confidence: conf, Final: true}, true
}
