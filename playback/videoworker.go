// Package playback implements the per-clip decode workers, the playback
// unit pairing them, and the worker pools. Each worker owns a demuxer view
// over the clip blob and one decoder; video workers stream frames to the
// compositor through a point-to-point port, audio workers write samples
// into their clip's ring.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigmistqke/eddy/codec"
	"github.com/bigmistqke/eddy/compositor"
	"github.com/bigmistqke/eddy/container"
	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/sched"
	"github.com/bigmistqke/eddy/storage"
)

// Video worker tuning.
const (
	tickInterval      = 15 * time.Millisecond
	trimBehind        = 0.5 // seconds of played-out frames kept behind the clock
	bufferHorizon     = 1.0 // seconds decoded ahead of the clock
	maxDecodesPerPass = 10
	maxBuffered       = 30
	maxDecoderQueue   = 3
	decodeTimeout     = 5 * time.Second
)

// ErrNoVideoTrack is returned by Load when the clip has no video track.
var ErrNoVideoTrack = errors.New("playback: clip has no video track")

// VideoWorker demuxes and decodes video for one clip at a time, buffering
// decoded frames and streaming them to the compositor port. Workers are
// pooled: Load fully resets per-clip state, so a recycled worker behaves
// like a fresh one.
type VideoWorker struct {
	log   *slog.Logger
	store *storage.Store
	word  *sched.Word

	mu       sync.Mutex
	clipID   string
	blob     *storage.Blob
	demux    *container.Demuxer
	track    container.TrackInfo
	duration float64

	decoder      codec.VideoDecoder
	decoderCfg   codec.VideoConfig
	decoderReady bool // a keyframe has decoded since the last configure/reset
	cursor       *container.Cursor

	frames     []*media.Frame // sorted by timestamp
	failedPTS  int64
	hasFailed  bool
	lastSent   float64
	hasSent    bool
	port       *compositor.Port
	skippedCnt atomic.Int64

	playing        bool
	startMediaTime float64
	startWall      time.Time
	speed          float64
	loopStop       chan struct{}

	buffering atomic.Bool
}

// NewVideoWorker creates a worker reading clips from store and consulting
// word for encoder backpressure.
func NewVideoWorker(log *slog.Logger, store *storage.Store, word *sched.Word) *VideoWorker {
	if log == nil {
		log = slog.Default()
	}
	return &VideoWorker{
		log:   log.With("component", "video-worker"),
		store: store,
		word:  word,
	}
}

// Load opens the clip blob, selects its video track, and prepares the
// decoder. A prior decoder with a matching config is reset and reused;
// otherwise a fresh one is configured. An unsupported codec fails the load.
func (w *VideoWorker) Load(clipID string) error {
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
	track, ok := demux.TrackByKind(container.TrackVideo)
	if !ok {
		blob.Close()
		return fmt.Errorf("load clip %s: %w", clipID, ErrNoVideoTrack)
	}

	cfg := codec.VideoConfig{
		Codec:  track.Codec,
		Width:  int(track.Width),
		Height: int(track.Height),
		Extra:  track.Extra,
	}
	if w.decoder != nil && w.decoderCfg.Equal(cfg) {
		w.decoder.Reset()
	} else {
		if w.decoder != nil {
			w.decoder.Close()
			w.decoder = nil
		}
		dec, err := codec.NewVideoDecoder(cfg.Codec)
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
	w.decoderReady = false

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
	w.hasSent = false
	w.log.Debug("clip loaded", "clip", clipID, "duration", w.duration)
	return nil
}

// Duration returns the loaded clip's duration in seconds.
func (w *VideoWorker) Duration() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.duration
}

// SkippedDeltaFrames returns the cumulative count of delta frames shed
// under encoder backpressure or decoder pressure.
func (w *VideoWorker) SkippedDeltaFrames() int64 {
	return w.skippedCnt.Load()
}

// ConnectPort attaches the compositor frame sink. The worker does not own
// the port's lifecycle; reconnect and close are the compositor's contract.
func (w *VideoWorker) ConnectPort(p *compositor.Port) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.port = p
}

// Play starts the stream loop from startTime seconds at the given rate.
func (w *VideoWorker) Play(startTime, speed float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.demux == nil || w.playing {
		return
	}
	if speed <= 0 {
		speed = 1
	}
	w.playing = true
	w.startMediaTime = startTime
	w.startWall = time.Now()
	w.speed = speed
	w.loopStop = make(chan struct{})
	go w.streamLoop(w.loopStop)
}

// Pause halts the stream loop, retaining the decoded-frame buffer and the
// current position.
func (w *VideoWorker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pauseLocked()
}

func (w *VideoWorker) pauseLocked() {
	if !w.playing {
		return
	}
	w.startMediaTime = w.mediaTimeLocked()
	w.playing = false
	close(w.loopStop)
	w.loopStop = nil
}

// Position returns the current media time in seconds.
func (w *VideoWorker) Position() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mediaTimeLocked()
}

func (w *VideoWorker) mediaTimeLocked() float64 {
	if !w.playing {
		return w.startMediaTime
	}
	return w.startMediaTime + time.Since(w.startWall).Seconds()*w.speed
}

// Seek clears the frame buffer, resets the decoder, anchors the cursor at
// the keyframe at or before t, pre-buffers, and emits the frame at t.
func (w *VideoWorker) Seek(t float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.demux == nil {
		return errors.New("playback: seek before load")
	}

	wasPlaying := w.playing
	w.pauseLocked()

	w.clearFramesLocked()
	w.decoder.Reset()
	w.decoderReady = false
	w.hasFailed = false
	cursor, err := w.demux.CursorAt(w.track.ID, int64(t*1e6))
	if err != nil {
		return fmt.Errorf("seek %s: %w", w.clipID, err)
	}
	w.cursor = cursor
	w.startMediaTime = t
	w.hasSent = false

	w.bufferAheadLocked(t)
	w.emitLatestLocked(t)

	if wasPlaying {
		w.playing = true
		w.startWall = time.Now()
		w.loopStop = make(chan struct{})
		go w.streamLoop(w.loopStop)
	}
	return nil
}

// FrameAtTime synchronously decodes up to t and returns the frame at t.
// Export-only: it uses a private decoder so the streaming state is
// untouched.
func (w *VideoWorker) FrameAtTime(t float64) (*media.Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.demux == nil {
		return nil, errors.New("playback: no clip loaded")
	}

	dec, err := codec.NewVideoDecoder(w.decoderCfg.Codec)
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
	var last *media.Frame
	for {
		pkt, err := cursor.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			last.Close()
			return nil, err
		}
		if pkt.PTSSeconds() > t && last != nil {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), decodeTimeout)
		f, err := dec.Decode(ctx, pkt)
		cancel()
		if err != nil {
			continue
		}
		last.Close()
		last = f
		if f.Timestamp+f.Duration > t {
			break
		}
	}
	if last == nil {
		return nil, io.EOF
	}
	return last, nil
}

// streamLoop drives the per-tick streaming policy while playing.
func (w *VideoWorker) streamLoop(stop chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !w.streamTick() {
				return
			}
		}
	}
}

// streamTick advances one animation tick: pick the newest buffered frame
// at or before the clock, transfer it if new, trim played-out frames, and
// top up the buffer. Returns false when playback ran off the clip end.
func (w *VideoWorker) streamTick() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.playing {
		return false
	}

	mediaTime := w.mediaTimeLocked()
	if mediaTime >= w.duration {
		w.pauseLocked()
		w.startMediaTime = w.duration
		return false
	}

	w.emitLatestLocked(mediaTime)

	// Trim frames that played out more than trimBehind ago.
	cut := 0
	for cut < len(w.frames) && w.frames[cut].Timestamp < mediaTime-trimBehind {
		w.frames[cut].Close()
		cut++
	}
	w.frames = w.frames[cut:]

	w.bufferAheadLocked(mediaTime)
	return true
}

// emitLatestLocked transfers the newest buffered frame with timestamp at
// or before mediaTime. Emission is strictly monotonic: a candidate at or
// behind the last-sent timestamp is never re-sent, and emitting a frame
// discards everything older still sitting in the buffer, so a seek that
// decoded a whole keyframe run cannot later replay its leading frames.
func (w *VideoWorker) emitLatestLocked(mediaTime float64) {
	idx := -1
	for i, f := range w.frames {
		if f.Timestamp <= mediaTime {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return
	}
	f := w.frames[idx]
	if w.hasSent && f.Timestamp <= w.lastSent {
		return
	}
	for _, old := range w.frames[:idx] {
		old.Close()
	}
	w.frames = w.frames[idx+1:]
	w.lastSent = f.Timestamp
	w.hasSent = true
	if w.port != nil {
		w.port.Send(f)
	} else {
		f.Close()
	}
}

// bufferAheadLocked decodes toward mediaTime+bufferHorizon. Non-reentrant:
// a pass already in flight makes this a no-op. At most maxDecodesPerPass
// samples are decoded and the buffer is capped at maxBuffered frames.
func (w *VideoWorker) bufferAheadLocked(mediaTime float64) {
	if w.cursor == nil {
		return
	}
	if !w.buffering.CompareAndSwap(false, true) {
		return
	}
	defer w.buffering.Store(false)

	target := mediaTime + bufferHorizon
	if target > w.duration {
		target = w.duration
	}

	decodes := 0
	for decodes < maxDecodesPerPass && len(w.frames) < maxBuffered {
		pts, err := w.cursor.Peek()
		if err != nil {
			return // end of track
		}
		if float64(pts)/1e6 > target {
			return
		}
		pkt, err := w.cursor.Next()
		if err != nil {
			return
		}

		// The sample that failed before the last recovery is skipped on
		// the way back through, otherwise recovery would loop on it.
		if w.hasFailed && pkt.PTS == w.failedPTS && !pkt.Keyframe {
			w.hasFailed = false
			continue
		}

		if !pkt.Keyframe && w.shouldSkipDelta() {
			w.skippedCnt.Add(1)
			continue
		}

		decodes++
		f, err := w.decodeLocked(pkt)
		if err != nil {
			continue
		}
		w.insertFrameLocked(f)
	}
}

// shouldSkipDelta applies the delta-shed policy: decoder not yet anchored
// on a keyframe, decoder queue over limit, or encoder backpressure.
func (w *VideoWorker) shouldSkipDelta() bool {
	if !w.decoderReady {
		return true
	}
	if w.decoder.QueueDepth() > maxDecoderQueue {
		return true
	}
	return w.word != nil && w.word.ShouldSkipDeltaFrames()
}

// decodeLocked decodes one sample with timeout and keyframe recovery. A
// decoder that errors mid-stream is reinitialized and the cursor re-seeks
// to the keyframe at or before the failing pts.
func (w *VideoWorker) decodeLocked(pkt *media.Packet) (*media.Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), decodeTimeout)
	defer cancel()

	f, err := w.decoder.Decode(ctx, pkt)
	switch {
	case err == nil:
		if pkt.Keyframe {
			w.decoderReady = true
		}
		return f, nil
	case errors.Is(err, codec.ErrNeedsKeyframe):
		w.recoverLocked(pkt.PTS, false)
		// The sample itself is fine; it will decode once the cursor has
		// replayed the keyframe run up to it.
		w.hasFailed = false
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		w.log.Warn("decode timeout, skipping sample", "clip", w.clipID, "pts", pkt.PTS)
		return nil, err
	default:
		w.log.Warn("decoder error, reinitializing", "clip", w.clipID, "pts", pkt.PTS, "error", err)
		w.recoverLocked(pkt.PTS, true)
		return nil, err
	}
}

// recoverLocked re-anchors the cursor at the keyframe at or before pts,
// optionally rebuilding the decoder from scratch. The failing pts is
// recorded so the sample is stepped over when the cursor passes it again.
func (w *VideoWorker) recoverLocked(pts int64, reinit bool) {
	w.failedPTS = pts
	w.hasFailed = true
	if reinit {
		w.decoder.Close()
		dec, err := codec.NewVideoDecoder(w.decoderCfg.Codec)
		if err == nil {
			if cfgErr := dec.Configure(w.decoderCfg); cfgErr == nil {
				w.decoder = dec
			} else {
				dec.Close()
				return
			}
		} else {
			return
		}
	} else {
		w.decoder.Reset()
	}
	w.decoderReady = false
	if cursor, err := w.demux.CursorAt(w.track.ID, pts); err == nil {
		w.cursor = cursor
	}
}

// insertFrameLocked keeps the buffer sorted by timestamp.
func (w *VideoWorker) insertFrameLocked(f *media.Frame) {
	i := sort.Search(len(w.frames), func(i int) bool { return w.frames[i].Timestamp > f.Timestamp })
	w.frames = append(w.frames, nil)
	copy(w.frames[i+1:], w.frames[i:])
	w.frames[i] = f
}

func (w *VideoWorker) clearFramesLocked() {
	for _, f := range w.frames {
		f.Close()
	}
	w.frames = nil
}

func (w *VideoWorker) stopLocked() {
	if w.playing {
		w.playing = false
		close(w.loopStop)
		w.loopStop = nil
	}
}

// releaseLocked drops all per-clip resources, keeping the decoder for
// possible reuse by the next Load.
func (w *VideoWorker) releaseLocked() {
	w.clearFramesLocked()
	if w.blob != nil {
		w.blob.Close()
		w.blob = nil
	}
	w.demux = nil
	w.cursor = nil
	w.clipID = ""
	w.duration = 0
	w.hasSent = false
	w.hasFailed = false
}

// Release drops per-clip resources. Called by the playback unit on
// destroy; the worker itself returns to its pool for reuse.
func (w *VideoWorker) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.releaseLocked()
	w.port = nil
}
