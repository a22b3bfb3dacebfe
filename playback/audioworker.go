package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigmistqke/eddy/codec"
	"github.com/bigmistqke/eddy/container"
	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/ring"
	"github.com/bigmistqke/eddy/storage"
)

// Audio worker tuning.
const (
	audioTick    = 10 * time.Millisecond
	audioHorizon = 0.5 // seconds scheduled ahead of the clock
)

// ErrNoAudioTrack is returned by Load when the clip has no audio track.
var ErrNoAudioTrack = errors.New("playback: clip has no audio track")

// ErrNoOutput is returned by Play before SetOutput has negotiated a ring.
var ErrNoOutput = errors.New("playback: audio output not negotiated")

// AudioWorker demuxes and decodes audio for one clip, resamples to the
// engine rate, and writes into the clip's ring in monotonic media-time
// order.
type AudioWorker struct {
	log   *slog.Logger
	store *storage.Store

	mu       sync.Mutex
	clipID   string
	blob     *storage.Blob
	demux    *container.Demuxer
	track    container.TrackInfo
	duration float64

	decoder    codec.AudioDecoder
	decoderCfg codec.AudioConfig
	cursor     *container.Cursor

	out        *ring.Buffer
	targetRate int

	pending []*media.AudioChunk // sorted by media time

	playing        bool
	startMediaTime float64
	startWall      time.Time
	speed          float64
	loopStop       chan struct{}
}

// NewAudioWorker creates a worker reading clips from store.
func NewAudioWorker(log *slog.Logger, store *storage.Store) *AudioWorker {
	if log == nil {
		log = slog.Default()
	}
	return &AudioWorker{
		log:   log.With("component", "audio-worker"),
		store: store,
	}
}

// SetOutput hands the worker its ring and the engine's target sample
// rate. Must happen before Play; the coordinator negotiates this during
// clip load.
func (w *AudioWorker) SetOutput(r *ring.Buffer, targetRate int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = r
	w.targetRate = targetRate
}

// Load opens the clip blob and prepares the decoder, mirroring the video
// worker's reuse rules.
func (w *AudioWorker) Load(clipID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.releaseLocked()

	blob, err := w.store.Open(clipID)
	if err != nil {
		return fmt.Errorf("load clip %s: %w", clipID, err)
	}
	demux, err := container.NewDemuxer(blob, blob.Size())
	if err != nil {
		blob.Close()
		return fmt.Errorf("load clip %s: %w", clipID, err)
	}
	track, ok := demux.TrackByKind(container.TrackAudio)
	if !ok {
		blob.Close()
		return fmt.Errorf("load clip %s: %w", clipID, ErrNoAudioTrack)
	}

	cfg := codec.AudioConfig{
		Codec:      track.Codec,
		SampleRate: int(track.SampleRate),
		Channels:   int(track.Channels),
		Extra:      track.Extra,
	}
	if w.decoder != nil && w.decoderCfg.Equal(cfg) {
		w.decoder.Reset()
	} else {
		if w.decoder != nil {
			w.decoder.Close()
			w.decoder = nil
		}
		dec, err := codec.NewAudioDecoder(cfg.Codec)
		if err != nil {
			blob.Close()
			return fmt.Errorf("load clip %s: %w", clipID, err)
		}
		if err := dec.Configure(cfg); err != nil {
			dec.Close()
			blob.Close()
			return fmt.Errorf("load clip %s: %w", clipID, err)
		}
		w.decoder = dec
		w.decoderCfg = cfg
	}

	cursor, err := demux.CursorAt(track.ID, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		blob.Close()
		return fmt.Errorf("load clip %s: %w", clipID, err)
	}

	w.clipID = clipID
	w.blob = blob
	w.demux = demux
	w.track = track
	w.cursor = cursor
	w.duration = demux.Duration()
	return nil
}

// Duration returns the loaded clip's duration in seconds.
func (w *AudioWorker) Duration() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.duration
}

// Play starts the scheduling loop from startTime seconds.
func (w *AudioWorker) Play(startTime, speed float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.demux == nil {
		return errors.New("playback: play before load")
	}
	if w.out == nil {
		return ErrNoOutput
	}
	if w.playing {
		return nil
	}
	if speed <= 0 {
		speed = 1
	}
	w.playing = true
	w.startMediaTime = startTime
	w.startWall = time.Now()
	w.speed = speed
	w.out.SetPlaying(true)
	w.loopStop = make(chan struct{})
	go w.scheduleLoop(w.loopStop)
	return nil
}

// Pause halts the scheduling loop and gates the ring reader.
func (w *AudioWorker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pauseLocked()
}

func (w *AudioWorker) pauseLocked() {
	if !w.playing {
		return
	}
	w.startMediaTime = w.mediaTimeLocked()
	w.playing = false
	close(w.loopStop)
	w.loopStop = nil
	if w.out != nil {
		w.out.SetPlaying(false)
	}
}

func (w *AudioWorker) mediaTimeLocked() float64 {
	if !w.playing {
		return w.startMediaTime
	}
	return w.startMediaTime + time.Since(w.startWall).Seconds()*w.speed
}

// Seek drops pending samples, clears the ring, resets the decoder, and
// re-anchors the cursor so the next written sample has media time ≥ t.
func (w *AudioWorker) Seek(t float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.demux == nil {
		return errors.New("playback: seek before load")
	}

	wasPlaying := w.playing
	w.pauseLocked()

	w.pending = nil
	if w.out != nil {
		w.out.Clear()
	}
	w.decoder.Reset()
	cursor, err := w.demux.CursorAt(w.track.ID, int64(t*1e6))
	if err != nil {
		return fmt.Errorf("seek %s: %w", w.clipID, err)
	}
	w.cursor = cursor
	w.startMediaTime = t

	if wasPlaying {
		w.playing = true
		w.startWall = time.Now()
		w.out.SetPlaying(true)
		w.loopStop = make(chan struct{})
		go w.scheduleLoop(w.loopStop)
	}
	return nil
}

// ChunkAtTime synchronously decodes and returns the audio unit covering t.
// Export-only.
func (w *AudioWorker) ChunkAtTime(t float64) (*media.AudioChunk, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.demux == nil {
		return nil, errors.New("playback: no clip loaded")
	}

	dec, err := codec.NewAudioDecoder(w.decoderCfg.Codec)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	if err := dec.Configure(w.decoderCfg); err != nil {
		return nil, err
	}

	cursor, err := w.demux.CursorAt(w.track.ID, int64(t*1e6))
	if err != nil {
		return nil, err
	}
	for {
		pkt, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		chunk, err := dec.Decode(pkt)
		if err != nil {
			continue
		}
		end := chunk.Timestamp + float64(chunk.Frames())/float64(chunk.SampleRate)
		if end > t {
			return chunk, nil
		}
	}
}

// scheduleLoop tops up the pending queue and flushes it into the ring
// while playing.
func (w *AudioWorker) scheduleLoop(stop chan struct{}) {
	ticker := time.NewTicker(audioTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.playing {
				w.mu.Unlock()
				return
			}
			now := w.mediaTimeLocked()
			w.fillPendingLocked(now)
			w.flushLocked(now)
			w.mu.Unlock()
		}
	}
}

// fillPendingLocked decodes units until the queue covers the horizon.
func (w *AudioWorker) fillPendingLocked(now float64) {
	if w.cursor == nil {
		return
	}
	for {
		if n := len(w.pending); n > 0 {
			last := w.pending[n-1]
			if last.Timestamp > now+audioHorizon {
				return
			}
		}
		pts, err := w.cursor.Peek()
		if err != nil {
			return
		}
		if float64(pts)/1e6 > now+audioHorizon {
			return
		}
		pkt, err := w.cursor.Next()
		if err != nil {
			return
		}
		chunk, err := w.decoder.Decode(pkt)
		if err != nil {
			w.log.Warn("audio decode failed, skipping unit", "clip", w.clipID, "pts", pkt.PTS, "error", err)
			continue
		}
		w.insertPendingLocked(chunk)
	}
}

// insertPendingLocked keeps the queue ordered by media time.
func (w *AudioWorker) insertPendingLocked(c *media.AudioChunk) {
	i := sort.Search(len(w.pending), func(i int) bool { return w.pending[i].Timestamp > c.Timestamp })
	w.pending = append(w.pending, nil)
	copy(w.pending[i+1:], w.pending[i:])
	w.pending[i] = c
}

// flushLocked drains the queue head-first into the ring: stale units are
// dropped, units past the horizon wait, and a full ring trims the
// consumed samples from the head and breaks.
func (w *AudioWorker) flushLocked(now float64) {
	for len(w.pending) > 0 {
		head := w.pending[0]
		headDur := float64(head.Frames()) / float64(head.SampleRate)

		if head.Timestamp+headDur < now {
			w.pending = w.pending[1:]
			continue
		}
		if head.Timestamp > now+audioHorizon {
			return
		}

		// Trim the leading samples that are already behind the clock, so
		// the first written sample has media time ≥ now.
		if head.Timestamp < now {
			skip := int((now - head.Timestamp) * float64(head.SampleRate))
			if skip > 0 && skip < head.Frames() {
				for ch := range head.Channels {
					head.Channels[ch] = head.Channels[ch][skip:]
				}
				head.Timestamp += float64(skip) / float64(head.SampleRate)
			}
		}

		resampled := w.resample(head)
		written := w.out.Write(resampled.Channels, resampled.Frames())
		if written == resampled.Frames() {
			w.pending = w.pending[1:]
			continue
		}

		// Ring full: keep the unconsumed tail at the head and stop until
		// the reader drains.
		for ch := range resampled.Channels {
			resampled.Channels[ch] = resampled.Channels[ch][written:]
		}
		resampled.Timestamp += float64(written) / float64(resampled.SampleRate)
		w.pending[0] = resampled
		return
	}
}

// resample converts a chunk to the engine's target rate by linear
// interpolation. Chunks already at the target rate pass through.
func (w *AudioWorker) resample(c *media.AudioChunk) *media.AudioChunk {
	if c.SampleRate == w.targetRate || c.SampleRate <= 0 {
		c.SampleRate = w.targetRate
		return c
	}
	srcFrames := c.Frames()
	dstFrames := int(float64(srcFrames) * float64(w.targetRate) / float64(c.SampleRate))
	if dstFrames == 0 {
		dstFrames = 1
	}
	ratio := float64(c.SampleRate) / float64(w.targetRate)

	out := &media.AudioChunk{
		Timestamp:  c.Timestamp,
		SampleRate: w.targetRate,
		Channels:   make([][]float32, len(c.Channels)),
	}
	for ch, src := range c.Channels {
		dst := make([]float32, dstFrames)
		for i := range dst {
			pos := float64(i) * ratio
			j := int(pos)
			if j >= srcFrames-1 {
				dst[i] = src[srcFrames-1]
				continue
			}
			frac := float32(pos - float64(j))
			dst[i] = src[j]*(1-frac) + src[j+1]*frac
		}
		out.Channels[ch] = dst
	}
	return out
}

func (w *AudioWorker) stopLocked() {
	if w.playing {
		w.playing = false
		close(w.loopStop)
		w.loopStop = nil
		if w.out != nil {
			w.out.SetPlaying(false)
		}
	}
}

func (w *AudioWorker) releaseLocked() {
	w.pending = nil
	if w.blob != nil {
		w.blob.Close()
		w.blob = nil
	}
	w.demux = nil
	w.cursor = nil
	w.clipID = ""
	w.duration = 0
}

// Halt stops the scheduling loop without touching the ring contents.
// The playback unit calls this first during destroy.
func (w *AudioWorker) Halt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Release drops per-clip resources and detaches the output ring. The
// worker returns to its pool; the next Load resets it.
func (w *AudioWorker) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.releaseLocked()
	if w.out != nil {
		w.out.SetPlaying(false)
		w.out = nil
	}
	w.targetRate = 0
}
