package player

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigmistqke/eddy/audio"
	"github.com/bigmistqke/eddy/compositor"
	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/playback"
	"github.com/bigmistqke/eddy/ring"
	"github.com/bigmistqke/eddy/sched"
	"github.com/bigmistqke/eddy/storage"
	"github.com/bigmistqke/eddy/timeline"
)

// Coordinator tuning.
const (
	renderInterval  = 16 * time.Millisecond
	playWaitTimeout = 5 * time.Second
	playWaitPoll    = 20 * time.Millisecond
	ringSeconds     = 2
	ringChannels    = 2
)

// ErrNoProject is returned by operations that need a compiled timeline.
var ErrNoProject = errors.New("player: no project set")

// FrameStats is the cumulative render-loop frame accounting.
type FrameStats struct {
	Expected int64
	Rendered int64
	Dropped  int64
	Stale    int64
}

// clipEntry is the coordinator's record for one loaded clip. The entry
// exclusively owns its playback unit; the unit exclusively owns two
// pooled workers.
type clipEntry struct {
	clipID   string
	trackID  string
	unit     *playback.Unit
	ring     *ring.Buffer
	duration float64
}

// Option configures a Player.
type Option func(*Player)

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithAudioSink routes the mixed master output to a sink.
func WithAudioSink(sink audio.Sink) Option {
	return func(p *Player) { p.audioSink = sink }
}

// Player is the central coordinator.
type Player struct {
	log       *slog.Logger
	store     *storage.Store
	word      *sched.Word
	clock     *Clock
	engine    *audio.Engine
	ahead     *AheadScheduler
	metrics   *Metrics
	audioSink audio.Sink

	videoPool *playback.Pool[*playback.VideoWorker]
	audioPool *playback.Pool[*playback.AudioWorker]

	mu           sync.Mutex
	comp         *compositor.Compositor
	project      *timeline.Project
	previewSet   map[string]bool
	compiled     *timeline.Compiled
	compiledHash uint64
	clips        map[string]*clipEntry
	prevTime     float64

	statExpected atomic.Int64
	statRendered atomic.Int64
	statDropped  atomic.Int64
	statStale    atomic.Int64
}

// New creates a coordinator over the given store. The scheduler word is
// shared with the recorder pipeline.
func New(log *slog.Logger, store *storage.Store, word *sched.Word, opts ...Option) *Player {
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		log:        log.With("component", "player"),
		store:      store,
		word:       word,
		clock:      NewClock(),
		previewSet: make(map[string]bool),
		clips:      make(map[string]*clipEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.engine = audio.NewEngine(log, p.audioSink)
	p.videoPool = playback.NewPool(playback.PoolCapacity, func() *playback.VideoWorker {
		return playback.NewVideoWorker(log, store, word)
	})
	p.audioPool = playback.NewPool(playback.PoolCapacity, func() *playback.AudioWorker {
		return playback.NewAudioWorker(log, store)
	})
	p.ahead = newAheadScheduler(log, p.newUnit, p.releaseUnit)
	return p
}

// Clock returns the shared clock.
func (p *Player) Clock() *Clock { return p.clock }

// Compositor returns the canvas owner, nil before the first project.
func (p *Player) Compositor() *compositor.Compositor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.comp
}

// Engine returns the audio engine.
func (p *Player) Engine() *audio.Engine { return p.engine }

// Stats returns the cumulative frame statistics.
func (p *Player) Stats() FrameStats {
	return FrameStats{
		Expected: p.statExpected.Load(),
		Rendered: p.statRendered.Load(),
		Dropped:  p.statDropped.Load(),
		Stale:    p.statStale.Load(),
	}
}

// SetProject installs a new project snapshot and recompiles the timeline.
func (p *Player) SetProject(project *timeline.Project) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.project = project
	p.recompileLocked()
}

// SetPreviewSource injects a live frame stream on a track (stream != nil)
// or removes it, recompiling with a synthetic preview clip on that track.
func (p *Player) SetPreviewSource(trackID string, stream <-chan *media.Frame) {
	p.mu.Lock()
	if stream == nil {
		delete(p.previewSet, trackID)
	} else {
		p.previewSet[trackID] = true
	}
	comp := p.comp
	p.recompileLocked()
	p.mu.Unlock()

	if comp != nil {
		comp.SetPreviewStream(trackID, stream)
	}
}

// recompileLocked rebuilds the compiled timeline when the project or the
// preview set changed, keyed by a content hash so redundant updates are
// free. The new timeline replaces the previous one atomically.
func (p *Player) recompileLocked() {
	if p.project == nil {
		return
	}

	previews := make([]string, 0, len(p.previewSet))
	for id := range p.previewSet {
		previews = append(previews, id)
	}
	sort.Strings(previews)

	h := fnv.New64a()
	fmt.Fprintf(h, "%#v|%v", p.project, previews)
	hash := h.Sum64()
	if hash == p.compiledHash && p.compiled != nil {
		return
	}
	p.compiledHash = hash

	p.compiled = timeline.Compile(p.project,
		timeline.WithPreviewTracks(previews),
		timeline.WithClipFilter(func(clipID string) bool {
			ok, err := p.store.Exists(clipID)
			return ok && err == nil
		}),
	)

	if p.comp == nil {
		p.comp = compositor.New(p.log, p.project.Canvas.Width, p.project.Canvas.Height)
	}
	p.comp.SetTimeline(p.compiled)
	p.clock.SetDuration(p.compiled.Duration)
	p.log.Info("timeline compiled",
		"duration", p.compiled.Duration,
		"segments", len(p.compiled.Segments),
	)
}

// Timeline returns the current compiled timeline, or nil.
func (p *Player) Timeline() *timeline.Compiled {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compiled
}

// Run drives the render loop and the audio engine until the context is
// cancelled.
func (p *Player) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.engine.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(renderInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tick advances one render-loop iteration: wrap detection, successor
// scheduling, then a compositor render.
func (p *Player) tick(ctx context.Context) {
	t := p.clock.Tick()
	playing := p.clock.Playing()
	looping := p.clock.Looping()
	duration := p.clock.Duration()

	p.mu.Lock()
	prev := p.prevTime
	p.prevTime = t
	comp := p.comp
	p.mu.Unlock()

	if playing && t < prev {
		p.activateScheduled(ctx, t)
	}
	if playing && looping && duration > 0 && t+ScheduleAhead >= duration {
		p.scheduleSuccessors(ctx, math.Mod(t+ScheduleAhead, duration))
	}

	if comp == nil {
		return
	}
	stats := comp.Render(t)
	p.statExpected.Add(int64(stats.Expected))
	p.statRendered.Add(int64(stats.Rendered))
	p.statDropped.Add(int64(stats.Dropped))
	p.statStale.Add(int64(stats.Stale))
	p.metrics.observeRender(stats)
}

// scheduleSuccessors pre-creates a successor for every playing clip that
// has none yet.
func (p *Player) scheduleSuccessors(ctx context.Context, mediaTime float64) {
	for _, e := range p.entries() {
		if e.unit == nil || e.unit.State() != playback.StatePlaying || p.ahead.Scheduled(e.clipID) {
			continue
		}
		p.ahead.Schedule(ctx, e.clipID, e.trackID, mediaTime)
	}
}

// activateScheduled swaps every playing clip to its pre-created successor
// at the loop wrap, falling back to an in-place seek when none is ready.
func (p *Player) activateScheduled(ctx context.Context, t float64) {
	for _, e := range p.entries() {
		if e.unit == nil || e.unit.State() != playback.StatePlaying {
			continue
		}
		newUnit, newRing := p.ahead.Activate(e.clipID)
		if newUnit == nil {
			if p.metrics != nil {
				p.metrics.loopFallbacks.Inc()
			}
			if err := e.unit.Seek(ctx, t); err != nil {
				p.log.Warn("loop fallback seek failed", "clip", e.clipID, "error", err)
			}
			continue
		}

		// Handoff: new port (closing the old by contract), connect the
		// new worker, start it, then destroy the old pair back to the
		// pools. The compositor receives nothing further from the old
		// worker once the port is replaced.
		p.mu.Lock()
		comp := p.comp
		p.mu.Unlock()
		port := comp.ConnectPlaybackWorker(e.clipID)
		newUnit.Video().ConnectPort(port)
		p.engine.RegisterSource(e.clipID, e.trackID, newRing)
		if err := newUnit.Play(t, 1); err != nil {
			p.log.Warn("successor play failed", "clip", e.clipID, "error", err)
		}

		old := e.unit
		p.mu.Lock()
		if cur, ok := p.clips[e.clipID]; ok {
			cur.unit = newUnit
			cur.ring = newRing
		}
		p.mu.Unlock()

		old.Destroy()
		p.releaseUnit(old)
		if p.metrics != nil {
			p.metrics.loopHandoffs.Inc()
		}
		p.log.Debug("loop handoff", "clip", e.clipID, "at", t)
	}
}

// SetLoop toggles looping. Disabling cancels every scheduled successor
// immediately.
func (p *Player) SetLoop(loop bool) {
	p.clock.SetLoop(loop)
	if !loop {
		p.ahead.CancelAll()
	}
}

// entries snapshots the clip map.
func (p *Player) entries() []*clipEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*clipEntry, 0, len(p.clips))
	for _, e := range p.clips {
		out = append(out, e)
	}
	return out
}

// newUnit acquires a worker pair from the pools and wires a fresh ring.
func (p *Player) newUnit() (*playback.Unit, *ring.Buffer, error) {
	v, err := p.videoPool.Acquire()
	if err != nil {
		return nil, nil, err
	}
	a, err := p.audioPool.Acquire()
	if err != nil {
		p.videoPool.Release(v)
		return nil, nil, err
	}
	r := ring.New(ringChannels, p.engine.SampleRate()*ringSeconds)
	a.SetOutput(r, p.engine.SampleRate())
	return playback.NewUnit(p.log, v, a), r, nil
}

// releaseUnit returns a destroyed unit's workers to the pools.
func (p *Player) releaseUnit(u *playback.Unit) {
	v, a := u.Workers()
	p.videoPool.Release(v)
	p.audioPool.Release(a)
}

// LoadClip creates the clip entry: track bus, pooled worker pair, load,
// then a seek to the clock's current position. Load failures release the
// workers and surface to the caller.
func (p *Player) LoadClip(ctx context.Context, trackID, clipID string) error {
	p.mu.Lock()
	if _, ok := p.clips[clipID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("player: clip %s already loaded", clipID)
	}
	p.clips[clipID] = &clipEntry{clipID: clipID, trackID: trackID}
	p.mu.Unlock()

	p.engine.Bus(trackID)

	unit, r, err := p.newUnit()
	if err != nil {
		p.dropEntry(clipID)
		return err
	}
	if err := unit.Load(ctx, clipID); err != nil {
		p.dropEntry(clipID)
		p.releaseUnit(unit)
		return err
	}

	p.mu.Lock()
	e := p.clips[clipID]
	if e == nil {
		// Cleared while loading.
		p.mu.Unlock()
		unit.Destroy()
		p.releaseUnit(unit)
		return fmt.Errorf("player: clip %s cleared during load", clipID)
	}
	e.unit = unit
	e.ring = r
	e.duration = unit.Duration()
	comp := p.comp
	p.mu.Unlock()

	p.engine.RegisterSource(clipID, trackID, r)
	if comp != nil {
		port := comp.ConnectPlaybackWorker(clipID)
		unit.Video().ConnectPort(port)
	}

	if err := unit.Seek(ctx, p.clock.Tick()); err != nil {
		p.log.Warn("initial seek failed", "clip", clipID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.clipsLoaded.Inc()
	}
	p.log.Info("clip loaded", "clip", clipID, "track", trackID, "duration", unit.Duration())
	return nil
}

// HasClip reports whether a clip entry exists.
func (p *Player) HasClip(clipID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clips[clipID]
	return ok
}

func (p *Player) dropEntry(clipID string) {
	p.mu.Lock()
	delete(p.clips, clipID)
	p.mu.Unlock()
}

// ClearClip tears one clip entry down, returning its workers to the pools.
func (p *Player) ClearClip(clipID string) {
	p.ahead.Cancel(clipID)

	p.mu.Lock()
	e, ok := p.clips[clipID]
	if ok {
		delete(p.clips, clipID)
	}
	comp := p.comp
	p.mu.Unlock()
	if !ok {
		return
	}

	if comp != nil {
		comp.DisconnectPlaybackWorker(clipID)
	}
	p.engine.UnregisterSource(clipID)
	if e.unit != nil {
		e.unit.Destroy()
		p.releaseUnit(e.unit)
	}
	if p.metrics != nil {
		p.metrics.clipsLoaded.Dec()
	}
	p.log.Info("clip cleared", "clip", clipID)
}

// waitLoaded blocks until no clip entry is mid-load, bounded by
// playWaitTimeout. Fail-soft: a timeout logs and continues.
func (p *Player) waitLoaded(ctx context.Context) {
	deadline := time.Now().Add(playWaitTimeout)
	for time.Now().Before(deadline) {
		loading := false
		for _, e := range p.entries() {
			if e.unit == nil || e.unit.State() == playback.StateLoading {
				loading = true
				break
			}
		}
		if !loading {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(playWaitPoll):
		}
	}
	p.log.Warn("play proceeding with clips still loading")
}

// Play waits for loading clips, seeks every ready clip to the start time,
// plays them, then starts the clock.
func (p *Player) Play(ctx context.Context) error {
	return p.PlayAt(ctx, p.clock.Tick())
}

// PlayAt is Play from an explicit timeline position.
func (p *Player) PlayAt(ctx context.Context, t float64) error {
	p.waitLoaded(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range p.entries() {
		if e.unit == nil || e.unit.State() == playback.StateIdle || e.unit.State() == playback.StateLoading {
			continue
		}
		unit := e.unit
		g.Go(func() error { return unit.Seek(ctx, t) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range p.entries() {
		if e.unit == nil {
			continue
		}
		if err := e.unit.Play(t, 1); err != nil && !errors.Is(err, playback.ErrNotReady) {
			return err
		}
	}
	p.clock.Play(t)
	p.log.Info("playing", "at", t)
	return nil
}

// Pause pauses every playing clip, then the clock. Idempotent.
func (p *Player) Pause() {
	for _, e := range p.entries() {
		if e.unit != nil {
			e.unit.Pause()
		}
	}
	p.clock.Pause()
}

// Stop cancels scheduled successors, pauses everything, rewinds every
// clip to zero, and resets the clock.
func (p *Player) Stop(ctx context.Context) error {
	p.ahead.CancelAll()
	p.Pause()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range p.entries() {
		if e.unit == nil || e.unit.State() == playback.StateIdle || e.unit.State() == playback.StateLoading {
			continue
		}
		unit := e.unit
		g.Go(func() error { return unit.Seek(ctx, 0) })
	}
	err := g.Wait()
	p.clock.Stop()
	p.log.Info("stopped")
	return err
}

// Seek captures the play state, pauses everything, repositions every clip
// in parallel, sets the clock, and resumes if it was playing.
func (p *Player) Seek(ctx context.Context, t float64) error {
	wasPlaying := p.clock.Playing()
	p.Pause()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range p.entries() {
		if e.unit == nil || e.unit.State() == playback.StateIdle || e.unit.State() == playback.StateLoading {
			continue
		}
		unit := e.unit
		g.Go(func() error { return unit.Seek(ctx, t) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.clock.Seek(t)
	if wasPlaying {
		return p.PlayAt(ctx, t)
	}
	return nil
}

// SetVolume sets a track bus gain, normalized 0..1.
func (p *Player) SetVolume(trackID string, v float64) {
	p.engine.Bus(trackID).SetVolume(v)
}

// SetPan sets a track bus pan, normalized 0..1.
func (p *Player) SetPan(trackID string, v float64) {
	p.engine.Bus(trackID).SetPan(v)
}

// SetMasterVolume sets the master bus gain.
func (p *Player) SetMasterVolume(v float64) {
	p.engine.Master().SetVolume(v)
}

// SetMasterPan sets the master bus pan.
func (p *Player) SetMasterPan(v float64) {
	p.engine.Master().SetPan(v)
}

// Close tears the coordinator down: every clip entry, then the compositor.
func (p *Player) Close() {
	p.ahead.CancelAll()
	for _, e := range p.entries() {
		p.ClearClip(e.clipID)
	}
	p.mu.Lock()
	comp := p.comp
	p.comp = nil
	p.mu.Unlock()
	if comp != nil {
		comp.Destroy()
	}
}
