// Package httptts provides a synth.Engine backed by an HTTP text-to-speech
// server and local audio playback.
//
// It targets the standard Coqui TTS server API (ghcr.io/coqui-ai/tts-cpu):
// synthesis via GET /api/tts with URL query parameters, voice catalogue via
// GET /details. The WAV response is stripped to raw PCM and played through
// the system audio device via oto.
//
// Typical usage:
//
//	e, err := httptts.New("http://localhost:5002",
//	    httptts.WithLanguage("en"),
//	    httptts.WithTimeout(15*time.Second),
//	)
//	session := synth.NewSession(e)
package httptts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/fable-audio/fablevoice/pkg/synth"
)

// Compile-time interface assertion.
var _ synth.Engine = (*Engine)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050

	ttsEndpoint     = "/api/tts"
	detailsEndpoint = "/details"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the language code sent to the TTS server (e.g. "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.client.Timeout = d
	}
}

// WithSampleRate sets the playback device sample rate. Synthesised audio at
// other rates is resampled. Defaults to 22050 Hz.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		e.sampleRate = rate
	}
}

// Engine implements synth.Engine against an HTTP TTS server. The voice
// catalogue loads asynchronously after New returns; subscribers registered
// via OnVoicesChanged are notified when it arrives.
//
// Utterance pitch is not supported by the HTTP backend and is ignored.
type Engine struct {
	serverURL  string
	language   string
	client     *http.Client
	sampleRate int
	otoCtx     *oto.Context

	mu      sync.Mutex
	voices  []synth.Voice
	subs    map[int]func()
	nextSub int
	gen     uint64      // bumped by Cancel; stale playbacks go silent
	active  *oto.Player // currently playing, nil when idle
}

// New creates an Engine targeting the TTS server at serverURL (e.g.
// "http://localhost:5002") and initialises the system audio device. The
// voice catalogue is fetched in the background.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("httptts: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		client:     &http.Client{Timeout: defaultTimeout},
		subs:       make(map[int]func()),
	}
	for _, o := range opts {
		o(e)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   e.sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("httptts: init audio device: %w", err)
	}
	<-ready
	e.otoCtx = otoCtx

	go e.loadVoices()
	return e, nil
}

// Voices returns the cached voice catalogue; empty until the background
// fetch completes.
func (e *Engine) Voices() []synth.Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]synth.Voice(nil), e.voices...)
}

// OnVoicesChanged registers fn to be called when the catalogue loads and
// returns its cancel func.
func (e *Engine) OnVoicesChanged(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Speak synthesises and plays the utterance asynchronously, reporting the
// outcome through cb. Playback superseded by Cancel ends silently.
func (e *Engine) Speak(u synth.Utterance, cb synth.Callbacks) error {
	e.mu.Lock()
	myGen := e.gen
	e.mu.Unlock()

	go e.run(myGen, u, cb)
	return nil
}

// Cancel stops the current playback. Callbacks for the cancelled utterance
// are not delivered after Cancel returns.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.gen++
	active := e.active
	e.active = nil
	e.mu.Unlock()

	if active != nil {
		active.Pause()
	}
}

// Close cancels playback and suspends the audio device. The oto context
// itself cannot be torn down; suspension releases the hardware until the
// process exits.
func (e *Engine) Close() error {
	e.Cancel()
	return e.otoCtx.Suspend()
}

// run performs one synthesise-and-play cycle. Every callback delivery is
// guarded by the generation captured at submission.
func (e *Engine) run(myGen uint64, u synth.Utterance, cb synth.Callbacks) {
	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	pcm, srcRate, err := e.synthesize(ctx, u.Text, u.VoiceID)
	if err != nil {
		e.deliver(myGen, func() {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		})
		return
	}

	// Playback speed folds into the resample ratio: claiming a higher
	// source rate shortens the output.
	effectiveRate := srcRate
	if u.Rate > 0 {
		effectiveRate = int(float64(srcRate) * u.Rate)
	}
	if effectiveRate != e.sampleRate {
		pcm = resampleMono16(pcm, effectiveRate, e.sampleRate)
	}
	scalePCM16(pcm, u.Volume)

	player := e.otoCtx.NewPlayer(bytes.NewReader(pcm))

	e.mu.Lock()
	if e.gen != myGen {
		e.mu.Unlock()
		_ = player.Close()
		return
	}
	e.active = player
	e.mu.Unlock()

	e.deliver(myGen, func() {
		if cb.OnStart != nil {
			cb.OnStart()
		}
	})

	player.Play()
	for player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}

	e.mu.Lock()
	finished := e.gen == myGen
	if finished {
		e.active = nil
	}
	e.mu.Unlock()

	if err := player.Close(); err != nil {
		slog.Debug("httptts: close player", "error", err)
	}
	if finished {
		e.deliver(myGen, func() {
			if cb.OnEnd != nil {
				cb.OnEnd()
			}
		})
	}
}

// deliver runs fn only if the utterance has not been cancelled.
func (e *Engine) deliver(myGen uint64, fn func()) {
	e.mu.Lock()
	live := e.gen == myGen
	e.mu.Unlock()
	if live {
		fn()
	}
}

// ─── HTTP backend ───────────────────────────────────────────────────────────

// synthesize performs a single GET /api/tts call and returns the raw PCM
// with its native sample rate.
func (e *Engine) synthesize(ctx context.Context, text, voiceID string) ([]byte, int, error) {
	params := url.Values{}
	params.Set("text", text)
	if voiceID != "" {
		params.Set("speaker_id", voiceID)
	}
	if e.language != "" {
		params.Set("language_id", e.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+ttsEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, &synth.EngineError{Code: synth.CodeSynthesis, Err: fmt.Errorf("httptts: create tts request: %w", err)}
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, &synth.EngineError{Code: synth.CodeNetwork, Err: fmt.Errorf("httptts: GET %s: %w", ttsEndpoint, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, &synth.EngineError{Code: synth.CodeSynthesis, Err: fmt.Errorf("httptts: GET %s returned status %d", ttsEndpoint, resp.StatusCode)}
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &synth.EngineError{Code: synth.CodeNetwork, Err: fmt.Errorf("httptts: read WAV response: %w", err)}
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, 0, &synth.EngineError{Code: synth.CodeSynthesis, Err: err}
	}
	return wav[info.DataOffset:], info.SampleRate, nil
}

// detailsResponse is the JSON body returned by GET /details. Speakers is
// nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// loadVoices fetches the catalogue once and notifies subscribers.
func (e *Engine) loadVoices() {
	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+detailsEndpoint, nil)
	if err != nil {
		slog.Warn("httptts: create details request", "error", err)
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		slog.Warn("httptts: fetch voice catalogue", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("httptts: fetch voice catalogue", "status", resp.StatusCode)
		return
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		slog.Warn("httptts: decode voice catalogue", "error", err)
		return
	}

	lang := details.Language
	if lang == "" {
		lang = e.language
	}

	var voices []synth.Voice
	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)
		for i, spk := range speakers {
			voices = append(voices, synth.Voice{
				ID:      spk,
				Name:    spk,
				Lang:    lang,
				Local:   true,
				Default: i == 0,
			})
		}
	} else {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		voices = []synth.Voice{{ID: name, Name: name, Lang: lang, Local: true, Default: true}}
	}

	e.mu.Lock()
	e.voices = voices
	subs := make([]func(), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	slog.Debug("httptts: voice catalogue loaded", "voices", len(voices))
	for _, fn := range subs {
		fn()
	}
}

// ─── PCM helpers ────────────────────────────────────────────────────────────

// scalePCM16 applies a 0..1 volume factor to little-endian int16 samples in
// place. A factor of 1 (or out of range) leaves the audio untouched.
func scalePCM16(pcm []byte, volume float64) {
	if volume <= 0 || volume >= 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		s = int16(float64(s) * volume)
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
}

// resampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// wavInfo holds format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks to locate the fmt and data sub-chunks.
// More robust than assuming a fixed 44-byte header because the fmt chunk
// size may vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("httptts: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("httptts: WAV response is not a RIFF/WAVE container")
	}

	info := wavInfo{SampleRate: defaultSampleRate, Channels: 1}
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			}
		case "data":
			info.DataOffset = offset + 8
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("httptts: WAV response missing data chunk")
}
