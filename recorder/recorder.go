// Package recorder implements the live capture pipeline: a capture worker
// copies frames off a live source, a muxer worker encodes them into the
// clip container and streams the result into storage. The muxer reports
// its queue depth to the shared scheduler word on every enqueue so video
// decoders shed delta frames while the encoder is behind.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bigmistqke/eddy/codec"
	"github.com/bigmistqke/eddy/container"
	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/sched"
	"github.com/bigmistqke/eddy/storage"
)

// Recorder tuning.
const (
	queueDepth       = 16
	keyframeInterval = 12
)

// ErrStopped is returned by operations on a finished session.
var ErrStopped = errors.New("recorder: session stopped")

// Source is a live capture stream: decoded camera frames and microphone
// chunks. Both channels close when the device stops.
type Source interface {
	Video() <-chan *media.Frame
	Audio() <-chan *media.AudioChunk
}

// Config describes the capture format.
type Config struct {
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// Result is the finished recording.
type Result struct {
	ClipID     string
	FrameCount int
}

// Recorder creates recording sessions against a store.
type Recorder struct {
	log   *slog.Logger
	store *storage.Store
	word  *sched.Word
}

// New creates a recorder. The scheduler word is shared with playback.
func New(log *slog.Logger, store *storage.Store, word *sched.Word) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log:   log.With("component", "recorder"),
		store: store,
		word:  word,
	}
}

// item is one unit crossing the capture→muxer channel. Exactly one field
// is set.
type item struct {
	frame *media.Frame
	chunk *media.AudioChunk
}

// Session is one in-flight recording: capture worker feeding the muxer
// worker over a bounded queue.
type Session struct {
	log    *slog.Logger
	clipID string
	word   *sched.Word

	in       chan item
	cancel   context.CancelFunc
	finished chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	result Result
	err    error
}

// Start begins recording src into a fresh clip. Recording runs until Stop
// or the source closes; it coexists with playback of other clips.
func (r *Recorder) Start(ctx context.Context, src Source, cfg Config) (*Session, error) {
	clipID := uuid.NewString()

	w, err := r.store.Writer(clipID)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		log:      r.log.With("clip", clipID),
		clipID:   clipID,
		word:     r.word,
		in:       make(chan item, queueDepth),
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	go s.capture(ctx, src)
	go s.mux(w, cfg)

	s.log.Info("recording started", "width", cfg.Width, "height", cfg.Height)
	return s, nil
}

// capture copies frames off the live source, stamps them with a monotonic
// presentation offset relative to the first video frame, and enqueues them
// for the muxer. Queue depth is reported to the scheduler on every enqueue.
func (s *Session) capture(ctx context.Context, src Source) {
	defer close(s.in)

	var base float64
	var haveBase bool
	var lastPTS float64

	rebase := func(ts float64) float64 {
		if !haveBase {
			base = ts
			haveBase = true
		}
		pts := ts - base
		if pts < lastPTS {
			pts = lastPTS
		}
		lastPTS = pts
		return pts
	}

	video := src.Video()
	audio := src.Audio()
	for video != nil || audio != nil {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-video:
			if !ok {
				video = nil
				continue
			}
			copied := f.Clone()
			f.Close()
			if copied == nil {
				continue
			}
			copied.Timestamp = rebase(copied.Timestamp)
			s.enqueue(ctx, item{frame: copied})
		case c, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			copied := &media.AudioChunk{
				Timestamp:  c.Timestamp,
				SampleRate: c.SampleRate,
				Channels:   make([][]float32, len(c.Channels)),
			}
			for ch := range c.Channels {
				copied.Channels[ch] = append([]float32(nil), c.Channels[ch]...)
			}
			if haveBase {
				copied.Timestamp -= base
				if copied.Timestamp < 0 {
					copied.Timestamp = 0
				}
			}
			s.enqueue(ctx, item{chunk: copied})
		}
	}
}

func (s *Session) enqueue(ctx context.Context, it item) {
	select {
	case s.in <- it:
	case <-ctx.Done():
		if it.frame != nil {
			it.frame.Close()
		}
		return
	}
	if s.word != nil {
		s.word.Observe(len(s.in))
	}
}

// mux drains the queue, encoding into the clip container streamed into
// storage. On drain it finalizes the container and commits the blob.
func (s *Session) mux(w *storage.BlobWriter, cfg Config) {
	defer close(s.finished)

	fail := func(err error) {
		w.Abort()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.log.Error("recording failed", "error", err)
	}

	m := container.NewMuxer(w)
	if err := m.AddTrack(container.TrackInfo{
		ID: 1, Kind: container.TrackVideo, Codec: codec.CodecRawVideo,
		Width: uint32(cfg.Width), Height: uint32(cfg.Height),
	}); err != nil {
		fail(err)
		return
	}
	if err := m.AddTrack(container.TrackInfo{
		ID: 2, Kind: container.TrackAudio, Codec: codec.CodecPCMF32,
		SampleRate: uint32(cfg.SampleRate), Channels: uint32(cfg.Channels),
	}); err != nil {
		fail(err)
		return
	}

	venc, err := codec.NewVideoEncoder(codec.CodecRawVideo)
	if err != nil {
		fail(err)
		return
	}
	defer venc.Close()
	if err := venc.Configure(codec.VideoConfig{Codec: codec.CodecRawVideo, Width: cfg.Width, Height: cfg.Height}); err != nil {
		fail(err)
		return
	}
	aenc, err := codec.NewAudioEncoder(codec.CodecPCMF32)
	if err != nil {
		fail(err)
		return
	}
	defer aenc.Close()
	if err := aenc.Configure(codec.AudioConfig{Codec: codec.CodecPCMF32, SampleRate: cfg.SampleRate, Channels: cfg.Channels}); err != nil {
		fail(err)
		return
	}

	frameCount := 0
	for it := range s.in {
		switch {
		case it.frame != nil:
			pkt, err := venc.Encode(it.frame, frameCount%keyframeInterval == 0)
			it.frame.Close()
			if err != nil {
				s.log.Warn("video encode failed, frame dropped", "error", err)
				continue
			}
			pkt.Track = 1
			if err := m.WriteSample(pkt); err != nil {
				fail(err)
				return
			}
			frameCount++
		case it.chunk != nil:
			pkt, err := aenc.Encode(it.chunk)
			if err != nil {
				s.log.Warn("audio encode failed, chunk dropped", "error", err)
				continue
			}
			pkt.Track = 2
			if err := m.WriteSample(pkt); err != nil {
				fail(err)
				return
			}
		}
	}

	if err := m.Finalize(); err != nil {
		fail(err)
		return
	}
	if err := w.Close(); err != nil {
		fail(err)
		return
	}

	s.mu.Lock()
	s.result = Result{ClipID: s.clipID, FrameCount: frameCount}
	s.mu.Unlock()
	s.log.Info("recording committed", "frames", frameCount)
}

// ClipID returns the clip this session records into.
func (s *Session) ClipID() string { return s.clipID }

// Stop ends the session: the capture worker stops, the muxer drains and
// finalizes, the blob commits, and the scheduler word resets. Returns the
// committed result.
func (s *Session) Stop() (Result, error) {
	s.stopOnce.Do(func() {
		s.cancel()
	})
	<-s.finished
	if s.word != nil {
		s.word.Reset()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}
