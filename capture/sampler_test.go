package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/adcap"
	"github.com/mklimuk/adcap/config"
	"github.com/mklimuk/adcap/store"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Persist(ctx context.Context, frames []adcap.Frame) (string, error) {
	args := m.Called(ctx, frames)
	return args.String(0), args.Error(1)
}

func (m *MockSink) persisted(i int) []adcap.Frame {
	return m.Calls[i].Arguments.Get(1).([]adcap.Frame)
}

// funcSource answers the n-th transfer with next(n).
type funcSource struct {
	next  func(n int) ([]adcap.Frame, error)
	calls int
}

func (s *funcSource) Transfer(context.Context) ([]adcap.Frame, error) {
	n := s.calls
	s.calls++
	return s.next(n)
}

func testConfig(mode config.Mode, samples int) config.Config {
	cfg := config.Default()
	cfg.Channels = []int{0}
	cfg.Samples = samples
	cfg.Threshold = 100
	cfg.Mode = mode
	return cfg
}

func quiet() SamplerOpt {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func noSleep(waits *[]time.Duration) SamplerOpt {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	})
}

// spikeSource emits frame i with value i, except spike, which reads 500.
// After stop frames it cancels the run.
func spikeSource(cancel context.CancelFunc, spike, stop int) *funcSource {
	return &funcSource{next: func(n int) ([]adcap.Frame, error) {
		if n >= stop {
			cancel()
			return nil, context.Canceled
		}
		if n == spike {
			return []adcap.Frame{{500}}, nil
		}
		return []adcap.Frame{{n}}, nil
	}}
}

func values(frames []adcap.Frame) []int {
	out := make([]int, 0, len(frames))
	for _, f := range frames {
		out = append(out, f[0])
	}
	return out
}

func TestSampler_ContinuousCapture(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("capture.csv", nil)

	s, err := NewSampler(testConfig(config.ModeContinuous, 9), spikeSource(cancel, 12, 30), sink, quiet())
	require.NoError(t, err)
	stats, err := s.Run(ctx)
	require.NoError(t, err)

	sink.AssertNumberOfCalls(t, "Persist", 1)
	// ready at frame 17, the spike sits window-1 frames before the end
	assert.Equal(t, []int{9, 10, 11, 500, 13, 14, 15, 16, 17}, values(sink.persisted(0)))
	assert.Equal(t, uint64(30), stats.Frames)
	assert.Equal(t, 1, stats.Captures)
	assert.Equal(t, []string{"capture.csv"}, stats.Files)
}

func TestSampler_ShutdownFlushesArmedWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("partial.csv", nil)

	s, err := NewSampler(testConfig(config.ModeContinuous, 9), spikeSource(cancel, 12, 15), sink, quiet())
	require.NoError(t, err)
	stats, err := s.Run(ctx)
	require.NoError(t, err)

	sink.AssertNumberOfCalls(t, "Persist", 1)
	assert.Equal(t, []int{6, 7, 8, 9, 10, 11, 500, 13, 14}, values(sink.persisted(0)))
	persistCtx := sink.Calls[0].Arguments.Get(0).(context.Context)
	assert.NoError(t, persistCtx.Err())
	assert.Equal(t, 1, stats.Captures)
}

func TestSampler_WindowCompletedDuringShutdownIsSaved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the transfer completing the window is the one interrupted
	src := &funcSource{next: func(n int) ([]adcap.Frame, error) {
		switch {
		case n == 12:
			return []adcap.Frame{{500}}, nil
		case n == 17:
			cancel()
			return []adcap.Frame{{n}}, nil
		case n > 17:
			return nil, context.Canceled
		}
		return []adcap.Frame{{n}}, nil
	}}
	dir := t.TempDir()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w := store.NewWriter(dir, "", store.WithClock(func() time.Time { return at }))

	s, err := NewSampler(testConfig(config.ModeContinuous, 9), src, w, quiet())
	require.NoError(t, err)
	stats, err := s.Run(ctx)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, stats.Captures)
	assert.Zero(t, stats.PersistFailures)
	assert.Equal(t, uint64(18), stats.Frames)
}

func TestSampler_LogsArmedSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("capture.csv", nil)
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	s, err := NewSampler(testConfig(config.ModeContinuous, 9), spikeSource(cancel, 12, 20), sink, WithLogger(logger))
	require.NoError(t, err)
	_, err = s.Run(ctx)
	require.NoError(t, err)

	// frame 12 lands in slot 12 % 9
	assert.Contains(t, out.String(), `msg="trigger armed" channel=0 value=500 slot=3`)
}

func TestSampler_ShutdownWhileIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{}

	s, err := NewSampler(testConfig(config.ModeContinuous, 9), spikeSource(cancel, -1, 20), sink, quiet())
	require.NoError(t, err)
	stats, err := s.Run(ctx)
	require.NoError(t, err)
	sink.AssertNotCalled(t, "Persist", mock.Anything, mock.Anything)
	assert.Equal(t, uint64(20), stats.Frames)
}

func TestSampler_PersistFailureKeepsSampling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("", errors.New("disk full")).Once()
	sink.On("Persist", mock.Anything, mock.Anything).Return("second.csv", nil).Once()

	src := &funcSource{next: func(n int) ([]adcap.Frame, error) {
		switch {
		case n >= 40:
			cancel()
			return nil, context.Canceled
		case n == 5 || n == 25:
			return []adcap.Frame{{300}}, nil
		default:
			return []adcap.Frame{{0}}, nil
		}
	}}
	s, err := NewSampler(testConfig(config.ModeContinuous, 9), src, sink, quiet())
	require.NoError(t, err)
	stats, err := s.Run(ctx)
	require.NoError(t, err)

	sink.AssertNumberOfCalls(t, "Persist", 2)
	assert.Equal(t, 1, stats.PersistFailures)
	assert.Equal(t, 1, stats.Captures)
	assert.Equal(t, []string{"second.csv"}, stats.Files)
	assert.Equal(t, uint64(40), stats.Frames)
}

func TestSampler_SingleBlock(t *testing.T) {
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("block.csv", nil)
	cfg := testConfig(config.ModeSingle, 6)
	cfg.Channels = []int{0, 1}
	cfg.Blocks = 2
	src := &funcSource{next: func(n int) ([]adcap.Frame, error) {
		return []adcap.Frame{{2 * n, 10}, {2*n + 1, 20}}, nil
	}}

	s, err := NewSampler(cfg, src, sink, quiet())
	require.NoError(t, err)
	stats, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, src.calls)
	assert.Equal(t, []adcap.Frame{{0, 10}, {1, 20}, {2, 10}, {3, 20}, {4, 10}, {5, 20}}, sink.persisted(0))
	assert.Equal(t, uint64(6), stats.Frames)
}

func TestSampler_SinglePersistFailure(t *testing.T) {
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("", errors.New("read-only file system"))
	src := &funcSource{next: func(n int) ([]adcap.Frame, error) { return []adcap.Frame{{n}}, nil }}

	s, err := NewSampler(testConfig(config.ModeSingle, 3), src, sink, quiet())
	require.NoError(t, err)
	stats, err := s.Run(context.Background())
	assert.ErrorContains(t, err, "read-only file system")
	assert.Equal(t, 1, stats.PersistFailures)
}

func TestSampler_SingleInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("partial.csv", nil)

	s, err := NewSampler(testConfig(config.ModeSingle, 100), spikeSource(cancel, -1, 4), sink, quiet())
	require.NoError(t, err)
	_, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, values(sink.persisted(0)))
}

func TestSampler_RetriesTransientErrors(t *testing.T) {
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("ok.csv", nil)
	glitch := errors.New("glitch")
	src := &funcSource{next: func(n int) ([]adcap.Frame, error) {
		if n < 3 {
			return nil, glitch
		}
		return []adcap.Frame{{n}}, nil
	}}
	var waits []time.Duration
	cfg := testConfig(config.ModeSingle, 2)
	cfg.Retry = config.Retry{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 3 * time.Millisecond}

	s, err := NewSampler(cfg, src, sink, quiet(), noSleep(&waits))
	require.NoError(t, err)
	stats, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, waits)
	assert.Equal(t, 3, stats.Retries)
	assert.Equal(t, []int{3, 4}, values(sink.persisted(0)))
}

func TestSampler_RetriesExhausted(t *testing.T) {
	sink := &MockSink{}
	busy := fmt.Errorf("spi: %w", adcap.ErrBusBusy)
	src := &funcSource{next: func(int) ([]adcap.Frame, error) { return nil, busy }}
	var waits []time.Duration
	cfg := testConfig(config.ModeContinuous, 9)
	cfg.Retry.MaxAttempts = 3

	s, err := NewSampler(cfg, src, sink, quiet(), noSleep(&waits))
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, adcap.ErrBusBusy)
	assert.Len(t, waits, 2)
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, Fatal, Classify(err))
}

func TestSampler_FatalErrorAborts(t *testing.T) {
	sink := &MockSink{}
	src := &funcSource{next: func(int) ([]adcap.Frame, error) {
		return nil, fmt.Errorf("spi: %w", adcap.ErrDeviceAbsent)
	}}
	var waits []time.Duration

	s, err := NewSampler(testConfig(config.ModeContinuous, 9), src, sink, quiet(), noSleep(&waits))
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, adcap.ErrDeviceAbsent)
	assert.Empty(t, waits)
	assert.Equal(t, 1, src.calls)
}

func TestSampler_Elapsed(t *testing.T) {
	sink := &MockSink{}
	sink.On("Persist", mock.Anything, mock.Anything).Return("ok.csv", nil)
	src := &funcSource{next: func(n int) ([]adcap.Frame, error) { return []adcap.Frame{{n}}, nil }}
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{t0, t0.Add(2 * time.Second)}
	clock := func() time.Time {
		now := ticks[0]
		ticks = ticks[1:]
		return now
	}

	s, err := NewSampler(testConfig(config.ModeSingle, 10), src, sink, quiet(), WithClock(clock))
	require.NoError(t, err)
	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, stats.Elapsed)
	assert.InDelta(t, 5.0, stats.SampleRate(), 1e-9)
}

func TestNewSampler_Invalid(t *testing.T) {
	cfg := testConfig("burst", 9)
	_, err := NewSampler(cfg, &funcSource{}, &MockSink{})
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = testConfig(config.ModeSingle, 0)
	_, err = NewSampler(cfg, &funcSource{}, &MockSink{})
	assert.Error(t, err)

	cfg = testConfig(config.ModeContinuous, 9)
	cfg.Retry.InitialBackoff = 0
	_, err = NewSampler(cfg, &funcSource{}, &MockSink{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"busy", adcap.ErrBusBusy, Transient},
		{"short", fmt.Errorf("block 0: %w", adcap.ErrShortTransfer), Transient},
		{"unknown", errors.New("ioctl failed"), Transient},
		{"absent", fmt.Errorf("open: %w", adcap.ErrDeviceAbsent), Fatal},
		{"handle", adcap.ErrInvalidHandle, Fatal},
		{"canceled", context.Canceled, Fatal},
		{"deadline", context.DeadlineExceeded, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, "fatal", Fatal.String())
}

func TestStats_SampleRateWithoutElapsed(t *testing.T) {
	assert.Zero(t, Stats{Frames: 10}.SampleRate())
}
