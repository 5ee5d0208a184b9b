package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrUnknownVoice is returned by SetVoice for an id the engine lacks.
var ErrUnknownVoice = errors.New("unknown voice")

// Engine is the speech backend a helper process drives.
type Engine interface {
	SetRate(rate float64) error
	Rate() float64
	SetPitch(pitch float64) error
	Pitch() float64
	SetVolume(volume float64) error
	Volume() float64
	SetVoice(id string) error
	Voice() string
	Voices() []VoiceInfo
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Parameter bounds enforced by MemoryEngine.
const (
	MinRate, MaxRate     = 0.25, 4.0
	MinPitch, MaxPitch   = 0.5, 2.0
	MinVolume, MaxVolume = 0.0, 1.0
)

const (
	silenceSampleRate = 22050
	perRuneDuration   = 60 * time.Millisecond
)

// MemoryEngine keeps speech parameters in memory and renders silence of
// a duration proportional to the text length and rate.
type MemoryEngine struct {
	mu     sync.RWMutex
	rate   float64
	pitch  float64
	volume float64
	voice  string
	voices []VoiceInfo
}

// NewMemoryEngine returns an engine with unit rate and pitch, full volume
// and the given voices. With no voices a single default voice is
// installed.
func NewMemoryEngine(voices ...VoiceInfo) *MemoryEngine {
	if len(voices) == 0 {
		voices = []VoiceInfo{{ID: "default", Name: "Default", Language: "en"}}
	}
	return &MemoryEngine{
		rate:   1,
		pitch:  1,
		volume: 1,
		voice:  voices[0].ID,
		voices: voices,
	}
}

func checkRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s %.2f out of range [%.2f, %.2f]", name, v, lo, hi)
	}
	return nil
}

func (e *MemoryEngine) SetRate(rate float64) error {
	if err := checkRange("rate", rate, MinRate, MaxRate); err != nil {
		return err
	}
	e.mu.Lock()
	e.rate = rate
	e.mu.Unlock()
	return nil
}

func (e *MemoryEngine) Rate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rate
}

func (e *MemoryEngine) SetPitch(pitch float64) error {
	if err := checkRange("pitch", pitch, MinPitch, MaxPitch); err != nil {
		return err
	}
	e.mu.Lock()
	e.pitch = pitch
	e.mu.Unlock()
	return nil
}

func (e *MemoryEngine) Pitch() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pitch
}

func (e *MemoryEngine) SetVolume(volume float64) error {
	if err := checkRange("volume", volume, MinVolume, MaxVolume); err != nil {
		return err
	}
	e.mu.Lock()
	e.volume = volume
	e.mu.Unlock()
	return nil
}

func (e *MemoryEngine) Volume() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.volume
}

func (e *MemoryEngine) SetVoice(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.voices {
		if v.ID == id {
			e.voice = id
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownVoice, id)
}

func (e *MemoryEngine) Voice() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.voice
}

func (e *MemoryEngine) Voices() []VoiceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]VoiceInfo, len(e.voices))
	copy(out, e.voices)
	return out
}

func (e *MemoryEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	rate := e.Rate()
	d := time.Duration(float64(utf8.RuneCountInString(text)) * float64(perRuneDuration) / rate)
	samples := int(d.Seconds() * silenceSampleRate)
	return Audio{
		SampleRate: silenceSampleRate,
		Channels:   1,
		PCM:        make([]byte, samples*2),
	}, nil
}

// Handler computes the response to one request. Quit never reaches a
// Handler; the server answers it itself.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// EngineHandler serves the request catalogue from an Engine.
type EngineHandler struct {
	Engine Engine
}

func (h EngineHandler) Handle(ctx context.Context, req Request) (Response, error) {
	return Dispatch(ctx, h.Engine, req)
}

// Dispatch maps req onto e and returns the one response shape that
// belongs to the request kind.
func Dispatch(ctx context.Context, e Engine, req Request) (Response, error) {
	switch r := req.(type) {
	case SetRate:
		return Ack{}, e.SetRate(r.Rate)
	case GetRate:
		return Value{Value: e.Rate()}, nil
	case SetPitch:
		return Ack{}, e.SetPitch(r.Pitch)
	case GetPitch:
		return Value{Value: e.Pitch()}, nil
	case SetVolume:
		return Ack{}, e.SetVolume(r.Volume)
	case GetVolume:
		return Value{Value: e.Volume()}, nil
	case SetVoice:
		return Ack{}, e.SetVoice(r.Voice)
	case GetVoice:
		return Voice{ID: e.Voice()}, nil
	case ListVoices:
		return Voices{Voices: e.Voices()}, nil
	case Synthesize:
		audio, err := e.Synthesize(ctx, r.Text)
		if err != nil {
			return nil, err
		}
		return audio, nil
	case Quit:
		return QuitAck{}, nil
	default:
		return nil, fmt.Errorf("unhandled request kind %T", req)
	}
}
