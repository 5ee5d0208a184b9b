package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"auralink/internal/a11y"
	"auralink/internal/metrics"
	"auralink/internal/rpc"
	"auralink/internal/task"
)

// speechTask is the supervisor slot of the utterance being synthesized.
const speechTask = "speech"

// synthesizer is the part of the helper bridge the speaker uses.
type synthesizer interface {
	Synthesize(ctx context.Context, text string) (rpc.Audio, error)
}

// speaker announces text on the sink and, while a helper is connected,
// has the helper render it. A new utterance cancels the previous one.
type speaker struct {
	sink    a11y.Sink
	tasks   *task.Supervisor
	metrics *metrics.DaemonMetrics
	logger  *slog.Logger

	mu      sync.Mutex
	last    string
	spoken  bool
	synth   synthesizer
	timeout time.Duration
}

func newSpeaker(sink a11y.Sink, tasks *task.Supervisor, m *metrics.DaemonMetrics, logger *slog.Logger) *speaker {
	return &speaker{sink: sink, tasks: tasks, metrics: m, logger: logger}
}

func (s *speaker) setSynthesizer(synth synthesizer, timeout time.Duration) {
	s.mu.Lock()
	s.synth = synth
	s.timeout = timeout
	s.mu.Unlock()
}

func (s *speaker) Speak(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.last = text
	s.spoken = true
	synth, timeout := s.synth, s.timeout
	s.mu.Unlock()

	s.sink.Speak(text)
	s.metrics.AnnouncementsTotal.Inc()
	if synth == nil {
		return
	}
	s.tasks.Push(speechTask, func(ctx context.Context) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		audio, err := synth.Synthesize(ctx, text)
		if err != nil {
			if !errors.Is(ctx.Err(), context.Canceled) {
				s.metrics.RecordSynthesis(0, err)
				s.logger.Warn("synthesize failed", "error", err)
			}
			return
		}
		s.metrics.RecordSynthesis(time.Since(start), nil)
		s.logger.Debug("synthesized", "bytes", len(audio.PCM), "sample_rate", audio.SampleRate)
	})
}

func (s *speaker) Play(soundID string) {
	s.sink.Play(soundID)
	s.metrics.SoundsTotal.Inc()
}

// Stop cancels the utterance in flight, if any.
func (s *speaker) Stop() bool {
	return s.tasks.Abort(speechTask)
}

// Last returns the most recent utterance.
func (s *speaker) Last() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.spoken
}
