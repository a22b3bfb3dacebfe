package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is the playback unit's lifecycle state.
type State int

// Unit states. Resources (decoders, ring, frame buffer) exist only from
// StateReady onward.
const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateSeeking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned for operations that need loaded resources.
var ErrNotReady = errors.New("playback: unit not ready")

// Unit pairs one video and one audio worker for a single clip, delegating
// operations to both in parallel and enforcing the control-side ordering:
// every transition awaits the prior one.
type Unit struct {
	log   *slog.Logger
	video *VideoWorker
	audio *AudioWorker

	mu         sync.Mutex
	state      State
	clipID     string
	duration   float64
	wasPlaying bool // populated during seeking
}

// NewUnit pairs two pooled workers.
func NewUnit(log *slog.Logger, video *VideoWorker, audio *AudioWorker) *Unit {
	if log == nil {
		log = slog.Default()
	}
	return &Unit{
		log:   log.With("component", "playback-unit"),
		video: video,
		audio: audio,
	}
}

// State returns the current lifecycle state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// ClipID returns the loaded clip, or "".
func (u *Unit) ClipID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.clipID
}

// Duration returns the loaded clip's duration: the longer of the two
// tracks.
func (u *Unit) Duration() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.duration
}

// Video returns the video worker, or nil before resources exist.
func (u *Unit) Video() *VideoWorker {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateIdle || u.state == StateLoading {
		return nil
	}
	return u.video
}

// Audio returns the audio worker, or nil before resources exist.
func (u *Unit) Audio() *AudioWorker {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateIdle || u.state == StateLoading {
		return nil
	}
	return u.audio
}

// Workers returns both pooled workers regardless of state, for release
// back to the pools after destroy.
func (u *Unit) Workers() (*VideoWorker, *AudioWorker) {
	return u.video, u.audio
}

// Load loads the clip into both workers in parallel. On failure the unit
// returns to idle and the error surfaces to the caller.
func (u *Unit) Load(ctx context.Context, clipID string) error {
	u.mu.Lock()
	if u.state == StateLoading {
		u.mu.Unlock()
		return fmt.Errorf("playback: concurrent load of %s", clipID)
	}
	u.state = StateLoading
	u.clipID = clipID
	u.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return u.video.Load(clipID) })
	g.Go(func() error { return u.audio.Load(clipID) })
	err := g.Wait()

	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		u.state = StateIdle
		u.clipID = ""
		return err
	}
	u.duration = u.video.Duration()
	if d := u.audio.Duration(); d > u.duration {
		u.duration = d
	}
	u.state = StateReady
	u.log.Debug("unit loaded", "clip", clipID, "duration", u.duration)
	return nil
}

// Play starts both workers from t at the given rate.
func (u *Unit) Play(t, speed float64) error {
	u.mu.Lock()
	switch u.state {
	case StateIdle, StateLoading:
		u.mu.Unlock()
		return ErrNotReady
	case StatePlaying:
		u.mu.Unlock()
		return nil
	}
	u.state = StatePlaying
	u.mu.Unlock()

	u.video.Play(t, speed)
	return u.audio.Play(t, speed)
}

// Pause pauses both workers. Idempotent when not playing.
func (u *Unit) Pause() {
	u.mu.Lock()
	if u.state != StatePlaying {
		u.mu.Unlock()
		return
	}
	u.state = StatePaused
	u.mu.Unlock()

	u.video.Pause()
	u.audio.Pause()
}

// Seek repositions both workers in parallel, restoring playback if the
// unit was playing.
func (u *Unit) Seek(ctx context.Context, t float64) error {
	u.mu.Lock()
	switch u.state {
	case StateIdle, StateLoading:
		u.mu.Unlock()
		return ErrNotReady
	}
	wasPlaying := u.state == StatePlaying
	u.wasPlaying = wasPlaying
	u.state = StateSeeking
	u.mu.Unlock()

	if wasPlaying {
		u.video.Pause()
		u.audio.Pause()
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return u.video.Seek(t) })
	g.Go(func() error { return u.audio.Seek(t) })
	err := g.Wait()

	u.mu.Lock()
	if err != nil {
		u.state = StatePaused
		u.mu.Unlock()
		return err
	}
	if wasPlaying {
		u.state = StatePlaying
		u.mu.Unlock()
		u.video.Play(t, 1)
		return u.audio.Play(t, 1)
	}
	u.state = StateReady
	u.mu.Unlock()
	return nil
}

// Destroy tears the unit down: the audio scheduler halts first, then the
// audio output closes, then video frame resources release. The workers
// are not terminated — the caller returns them to their pools.
func (u *Unit) Destroy() {
	u.mu.Lock()
	u.state = StateIdle
	u.clipID = ""
	u.mu.Unlock()

	u.audio.Halt()
	u.audio.Release()
	u.video.Release()
}
