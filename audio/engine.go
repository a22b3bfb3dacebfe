package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/ring"
)

// Engine defaults.
const (
	DefaultSampleRate = 48000
	DefaultBlockSize  = 512
	tapDepth          = 8
)

// Sink receives mixed output blocks. Called sequentially from the pump
// goroutine; it must not block for extended periods.
type Sink func(planes [][]float32, frames int)

// Option configures an Engine during construction.
type Option func(*Engine)

// WithSampleRate sets the output sample rate.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// WithBlockSize sets the pump block size in sample frames.
func WithBlockSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.blockSize = n
		}
	}
}

// source is one clip's ring routed through a track bus.
type source struct {
	clipID  string
	trackID string
	ring    *ring.Buffer
}

// Engine mixes every registered clip ring through its track bus into the
// master bus and delivers blocks to the sink. The pump runs on its own
// goroutine at the block cadence, reading each ring in the reader role of
// the SPSC contract.
type Engine struct {
	log        *slog.Logger
	sampleRate int
	blockSize  int
	sink       Sink

	mu      sync.Mutex
	sources map[string]*source
	buses   map[string]*TrackBus
	master  *TrackBus
	tap     chan *media.AudioChunk

	underruns atomic.Int64
	blocks    atomic.Int64
}

// NewEngine creates an engine delivering mixed blocks to sink. A nil sink
// discards output (the tap still observes it).
func NewEngine(log *slog.Logger, sink Sink, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:        log.With("component", "audio-engine"),
		sampleRate: DefaultSampleRate,
		blockSize:  DefaultBlockSize,
		sink:       sink,
		sources:    make(map[string]*source),
		buses:      make(map[string]*TrackBus),
		master:     NewTrackBus("master"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SampleRate returns the engine output rate, the target rate audio
// workers resample to.
func (e *Engine) SampleRate() int { return e.sampleRate }

// Master returns the master bus.
func (e *Engine) Master() *TrackBus { return e.master }

// Bus returns the bus for a track, creating it on first use.
func (e *Engine) Bus(trackID string) *TrackBus {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buses[trackID]
	if !ok {
		b = NewTrackBus(trackID)
		e.buses[trackID] = b
	}
	return b
}

// RegisterSource routes a clip's ring through the given track's bus.
// Re-registering a clip replaces its ring.
func (e *Engine) RegisterSource(clipID, trackID string, r *ring.Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[clipID] = &source{clipID: clipID, trackID: trackID, ring: r}
	if _, ok := e.buses[trackID]; !ok {
		e.buses[trackID] = NewTrackBus(trackID)
	}
}

// UnregisterSource removes a clip's ring from the mix.
func (e *Engine) UnregisterSource(clipID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sources, clipID)
}

// Tap returns a bounded channel observing the master mix, for media-stream
// consumers. Blocks are dropped rather than ever stalling the pump.
func (e *Engine) Tap() <-chan *media.AudioChunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap == nil {
		e.tap = make(chan *media.AudioChunk, tapDepth)
	}
	return e.tap
}

// CloseTap detaches the tap.
func (e *Engine) CloseTap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap != nil {
		close(e.tap)
		e.tap = nil
	}
}

// Underruns returns the cumulative count of blocks where a playing source
// delivered fewer frames than requested.
func (e *Engine) Underruns() int64 { return e.underruns.Load() }

// Run pumps blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	blockDur := time.Duration(float64(e.blockSize) / float64(e.sampleRate) * float64(time.Second))
	ticker := time.NewTicker(blockDur)
	defer ticker.Stop()

	e.log.Info("audio engine started", "rate", e.sampleRate, "block", e.blockSize)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("audio engine stopped", "blocks", e.blocks.Load())
			return ctx.Err()
		case <-ticker.C:
			e.pump()
		}
	}
}

// pump mixes one block.
func (e *Engine) pump() {
	e.mu.Lock()
	sources := make([]*source, 0, len(e.sources))
	for _, s := range e.sources {
		sources = append(sources, s)
	}
	buses := e.buses
	e.mu.Unlock()

	mix := [][]float32{make([]float32, e.blockSize), make([]float32, e.blockSize)}
	scratch := [][]float32{make([]float32, e.blockSize), make([]float32, e.blockSize)}

	for _, s := range sources {
		n := s.ring.Read(scratch, e.blockSize)
		if s.ring.Playing() && n < e.blockSize {
			e.underruns.Add(1)
		}
		if n == 0 && !s.ring.Playing() {
			continue
		}
		if bus, ok := buses[s.trackID]; ok {
			bus.Process(scratch, e.blockSize)
		}
		for ch := range mix {
			src := scratch[ch%len(scratch)]
			dst := mix[ch]
			for i := range dst {
				dst[i] += src[i]
			}
		}
	}

	e.master.Process(mix, e.blockSize)
	e.blocks.Add(1)

	if e.sink != nil {
		e.sink(mix, e.blockSize)
	}

	// Send under the lock so CloseTap cannot close the channel mid-send.
	e.mu.Lock()
	if e.tap != nil {
		chunk := &media.AudioChunk{
			Timestamp:  float64(e.blocks.Load()*int64(e.blockSize)) / float64(e.sampleRate),
			SampleRate: e.sampleRate,
			Channels:   mix,
		}
		select {
		case e.tap <- chunk:
		default:
		}
	}
	e.mu.Unlock()
}
