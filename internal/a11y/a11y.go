// Package a11y declares the accessibility collaborators the relay and the
// command layer talk to: screen elements and the speech output.
package a11y

import (
	"fmt"
	"log/slog"
	"sync"

	"auralink/internal/logging"
)

// Rect is a screen rectangle in physical pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.Left, r.Top, r.Right, r.Bottom)
}

// Element is an accessible UI element.
type Element interface {
	Describe() string
	Bounds() Rect
}

// Sink is the speech and sound output. Both calls return immediately.
type Sink interface {
	Speak(text string)
	Play(soundID string)
}

// StaticElement is an Element with fixed values.
type StaticElement struct {
	Text string
	Rect Rect
}

func (e StaticElement) Describe() string { return e.Text }
func (e StaticElement) Bounds() Rect     { return e.Rect }

// LogSink writes everything it is asked to say to a logger. Used when no
// speech engine is attached.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrDefault(logger).With("component", "speech")}
}

func (s *LogSink) Speak(text string) {
	s.logger.Info("speak", "text", text)
}

func (s *LogSink) Play(soundID string) {
	s.logger.Info("play", "sound", soundID)
}

// Utterance is one call recorded by a Recorder.
type Utterance struct {
	Sound bool
	Text  string
}

// Recorder is a Sink that keeps what it receives and remembers the last
// spoken text.
type Recorder struct {
	mu   sync.Mutex
	log  []Utterance
	next Sink
}

// NewRecorder returns a Recorder that also forwards to next, if not nil.
func NewRecorder(next Sink) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Speak(text string) {
	r.mu.Lock()
	r.log = append(r.log, Utterance{Text: text})
	r.mu.Unlock()
	if r.next != nil {
		r.next.Speak(text)
	}
}

func (r *Recorder) Play(soundID string) {
	r.mu.Lock()
	r.log = append(r.log, Utterance{Sound: true, Text: soundID})
	r.mu.Unlock()
	if r.next != nil {
		r.next.Play(soundID)
	}
}

// Utterances returns a copy of everything recorded.
func (r *Recorder) Utterances() []Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Utterance(nil), r.log...)
}

// LastSpoken returns the most recent Speak text.
func (r *Recorder) LastSpoken() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.log) - 1; i >= 0; i-- {
		if !r.log[i].Sound {
			return r.log[i].Text, true
		}
	}
	return "", false
}
