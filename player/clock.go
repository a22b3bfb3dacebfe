// Package player implements the coordinator that owns the clock, the
// worker pools, the audio engine, the compositor handle, and the clip
// entries; runs the render loop; and orchestrates play/pause/seek/stop
// across every worker. It also hosts the ahead scheduler that pre-creates
// playback units for gapless loop handoff.
package player

import (
	"math"
	"sync"
	"time"
)

// Clock is the single wall-clock reference every worker synchronizes to.
// Time is media seconds on the project timeline; while looping, Tick
// wraps modulo the timeline duration.
type Clock struct {
	mu       sync.Mutex
	playing  bool
	looping  bool
	duration float64
	base     float64
	wall     time.Time
}

// NewClock creates a stopped clock at time zero.
func NewClock() *Clock { return &Clock{} }

// Tick returns the current time. A non-looping clock that ran off the end
// pauses itself at the duration.
func (c *Clock) Tick() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked()
}

func (c *Clock) tickLocked() float64 {
	if !c.playing {
		return c.base
	}
	t := c.base + time.Since(c.wall).Seconds()
	if c.duration <= 0 {
		return t
	}
	if c.looping {
		return math.Mod(t, c.duration)
	}
	if t >= c.duration {
		c.playing = false
		c.base = c.duration
		return c.duration
	}
	return t
}

// Play starts the clock at t.
func (c *Clock) Play(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = t
	c.wall = time.Now()
	c.playing = true
}

// Pause freezes the clock at its current time.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = c.tickLocked()
	c.playing = false
}

// Seek repositions the clock without changing its run state.
func (c *Clock) Seek(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = t
	c.wall = time.Now()
}

// Stop pauses and rewinds to zero.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = false
	c.base = 0
}

// Playing reports whether the clock advances.
func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// SetLoop toggles wrap-around at the timeline duration.
func (c *Clock) SetLoop(loop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.looping = loop
}

// Looping reports the loop flag.
func (c *Clock) Looping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.looping
}

// SetDuration installs the compiled timeline's duration.
func (c *Clock) SetDuration(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration = d
}

// Duration returns the timeline duration.
func (c *Clock) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}
