// Package capture runs the sampling loop: batched transfers feed the ring
// buffer and the trigger, and finished windows are handed to a sink.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/adcap"
	"github.com/mklimuk/adcap/config"
	"github.com/mklimuk/adcap/ring"
	"github.com/mklimuk/adcap/trigger"
)

// Source produces the frames of one batched exchange.
type Source interface {
	Transfer(ctx context.Context) ([]adcap.Frame, error)
}

// Sink stores a chronologically ordered window and returns where it went.
type Sink interface {
	Persist(ctx context.Context, frames []adcap.Frame) (string, error)
}

type Stats struct {
	Frames          uint64
	Captures        int
	PersistFailures int
	Retries         int
	Elapsed         time.Duration
	Files           []string
}

// SampleRate is the number of frames per second over the whole run.
func (s Stats) SampleRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Elapsed.Seconds()
}

type Sampler struct {
	mode     config.Mode
	channels []int
	retry    config.Retry
	source   Source
	sink     Sink
	ring     *ring.Buffer
	trigger  *trigger.Controller
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	stats    Stats
}

type SamplerOpt func(*Sampler)

func WithLogger(l *slog.Logger) SamplerOpt {
	return func(s *Sampler) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) SamplerOpt {
	return func(s *Sampler) {
		s.now = now
	}
}

// WithSleep replaces the backoff wait between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) SamplerOpt {
	return func(s *Sampler) {
		s.sleep = sleep
	}
}

func NewSampler(cfg config.Config, src Source, sink Sink, opts ...SamplerOpt) (*Sampler, error) {
	if cfg.Mode != config.ModeSingle && cfg.Mode != config.ModeContinuous {
		return nil, fmt.Errorf("%w: unknown mode %q", config.ErrInvalid, cfg.Mode)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: retry attempts must be at least 1", config.ErrInvalid)
	}
	if cfg.Retry.InitialBackoff <= 0 {
		return nil, fmt.Errorf("%w: initial retry backoff must be positive", config.ErrInvalid)
	}
	buf, err := ring.New(cfg.Samples, len(cfg.Channels))
	if err != nil {
		return nil, fmt.Errorf("could not allocate sample buffer: %w", err)
	}
	s := &Sampler{
		mode:     cfg.Mode,
		channels: append([]int(nil), cfg.Channels...),
		retry:    cfg.Retry,
		source:   src,
		sink:     sink,
		ring:     buf,
		trigger:  trigger.New(cfg.Threshold, cfg.Samples),
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run samples until the configured mode completes or ctx is cancelled.
// Cancellation is a normal way to stop: pending data is flushed and nil is
// returned.
func (s *Sampler) Run(ctx context.Context) (Stats, error) {
	if s.mode == config.ModeSingle {
		return s.RunSingle(ctx)
	}
	return s.RunContinuous(ctx)
}

// RunSingle fills the ring once and persists it. If ctx is cancelled first,
// whatever was collected is persisted.
func (s *Sampler) RunSingle(ctx context.Context) (Stats, error) {
	start := s.begin()
	err := s.runSingle(ctx)
	s.finish(start)
	return s.Stats(), err
}

// RunContinuous samples into the ring until ctx is cancelled, persisting a
// window every time the trigger fires. Persistence failures are logged and
// sampling goes on.
func (s *Sampler) RunContinuous(ctx context.Context) (Stats, error) {
	start := s.begin()
	err := s.runContinuous(ctx)
	s.finish(start)
	return s.Stats(), err
}

func (s *Sampler) runSingle(ctx context.Context) error {
	samples := uint64(s.ring.SamplesPerChannel())
	for s.ring.Written() < samples {
		if ctx.Err() != nil {
			s.logger.Info("interrupted, saving partial block", "frames", s.ring.Written())
			return s.flushWritten(ctx)
		}
		frames, err := s.transfer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		for _, f := range frames {
			if s.ring.Written() >= samples {
				break
			}
			if err := s.ring.Append(f); err != nil {
				return err
			}
			s.stats.Frames++
		}
	}
	frames, err := ring.Extract(s.ring, s.ring.Cursor())
	if err != nil {
		return err
	}
	_, err = s.persist(context.WithoutCancel(ctx), frames)
	return err
}

func (s *Sampler) runContinuous(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return s.shutdown(ctx)
		}
		frames, err := s.transfer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		for _, f := range frames {
			if err := s.ring.Append(f); err != nil {
				return err
			}
			s.stats.Frames++
			ready, ok := s.trigger.Observe(f, s.ring.Cursor())
			if !ok {
				if armed, counting := s.trigger.Armed(); counting && s.trigger.Counter() == 1 {
					s.logArmed(armed)
				}
				continue
			}
			if s.trigger.Window() == 1 {
				s.logArmed(ready)
			}
			window, err := ring.Extract(s.ring, ready.Cursor)
			if err != nil {
				return err
			}
			// the window is a copy, a failed write loses only this capture;
			// a window completed while shutting down is still saved
			_, _ = s.persist(context.WithoutCancel(ctx), window)
		}
	}
}

// Stats returns a snapshot of the run counters.
func (s *Sampler) Stats() Stats {
	st := s.stats
	st.Files = append([]string(nil), s.stats.Files...)
	return st
}

func (s *Sampler) shutdown(ctx context.Context) error {
	armed, counting := s.trigger.Armed()
	if !counting {
		return nil
	}
	s.logger.Info("interrupted during capture, saving window",
		"channel", s.channels[armed.Channel], "post_trigger_frames", s.trigger.Counter())
	s.trigger.Reset()
	return s.flushWritten(ctx)
}

func (s *Sampler) flushWritten(ctx context.Context) error {
	if s.ring.Written() == 0 {
		return nil
	}
	frames, err := ring.ExtractWritten(s.ring)
	if err != nil {
		return err
	}
	_, err = s.persist(context.WithoutCancel(ctx), frames)
	return err
}

func (s *Sampler) persist(ctx context.Context, frames []adcap.Frame) (string, error) {
	name, err := s.sink.Persist(ctx, frames)
	if err != nil {
		s.stats.PersistFailures++
		s.logger.Error("could not save capture", "frames", len(frames), "error", err)
		return "", fmt.Errorf("could not save capture: %w", err)
	}
	s.stats.Captures++
	s.stats.Files = append(s.stats.Files, name)
	s.logger.Info("capture saved", "file", name, "frames", len(frames))
	return name, nil
}

// transfer retries transient failures with exponential backoff. Ring and
// trigger state are untouched until a transfer succeeds.
func (s *Sampler) transfer(ctx context.Context) ([]adcap.Frame, error) {
	backoff := s.retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		frames, err := s.source.Transfer(ctx)
		if err == nil {
			return frames, nil
		}
		if Classify(err) == Fatal {
			return nil, err
		}
		if attempt >= s.retry.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		s.stats.Retries++
		s.logger.Debug("transfer failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		if err := s.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff = min(2*backoff, s.retry.MaxBackoff)
	}
}

func (s *Sampler) logArmed(r trigger.Ready) {
	s.logger.Info("trigger armed",
		"channel", s.channels[r.Channel], "value", r.Value, "slot", s.armedSlot())
}

// armedSlot is the ring slot of the frame appended last.
func (s *Sampler) armedSlot() int {
	n := s.ring.SamplesPerChannel()
	return (s.ring.Cursor() - 1 + n) % n
}

func (s *Sampler) begin() time.Time {
	s.logger.Debug("sampling started", "mode", s.mode, "channels", s.channels,
		"samples", s.ring.SamplesPerChannel(), "window", s.trigger.Window())
	return s.now()
}

func (s *Sampler) finish(start time.Time) {
	s.stats.Elapsed = s.now().Sub(start)
	s.logger.Info("sampling finished",
		"frames", s.stats.Frames,
		"captures", s.stats.Captures,
		"elapsed", s.stats.Elapsed,
		"rate_hz", fmt.Sprintf("%.1f", s.stats.SampleRate()))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
