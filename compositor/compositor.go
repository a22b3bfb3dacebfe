package compositor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/timeline"
)

// Stats is the per-render frame accounting returned to the coordinator.
type Stats struct {
	Expected int
	Rendered int
	Dropped  int
	Stale    int
}

// texture is the retained latest frame for one clip, plus the bookkeeping
// for stale detection.
type texture struct {
	frame           *media.Frame
	lastRenderedPTS float64
	everRendered    bool
}

// preview is one track's live camera reader state.
type preview struct {
	frame *media.Frame
	done  chan struct{}
}

// Compositor composes active placements onto the canvas each frame. All
// exported methods are safe for concurrent use; rendering itself is
// serialized by the internal lock, matching the single GPU surface.
type Compositor struct {
	log    *slog.Logger
	width  int
	height int

	mu        sync.Mutex
	canvas    []byte
	tl        *timeline.Compiled
	textures  map[string]*texture
	ports     map[string]*Port
	previews  map[string]*preview
	chains    map[string]*effectChain
	overrides map[string]float64
	destroyed bool
}

// New creates a compositor owning a width×height canvas.
func New(log *slog.Logger, width, height int) *Compositor {
	if log == nil {
		log = slog.Default()
	}
	return &Compositor{
		log:       log.With("component", "compositor"),
		width:     width,
		height:    height,
		canvas:    make([]byte, width*height*4),
		textures:  make(map[string]*texture),
		ports:     make(map[string]*Port),
		previews:  make(map[string]*preview),
		chains:    make(map[string]*effectChain),
		overrides: make(map[string]float64),
	}
}

// SetTimeline replaces the compiled timeline for subsequent renders.
func (c *Compositor) SetTimeline(tl *timeline.Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tl = tl
}

// SetEffectValue stores a live effect parameter for the next render,
// overriding the compiled value from the project.
func (c *Compositor) SetEffectValue(source, sourceID string, effectIndex int, paramKey string, value float64) {
	key := fmt.Sprintf("%s:%s:%d:%s", source, sourceID, effectIndex, paramKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[key] = value
}

// ConnectPlaybackWorker creates the inbound frame port for a clip.
// Reconnecting the same clip closes the prior port: after this returns,
// no frame from the old worker can reach the canvas.
func (c *Compositor) ConnectPlaybackWorker(clipID string) *Port {
	p := newPort()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		p.Close()
		return p
	}
	if old, ok := c.ports[clipID]; ok {
		old.Close()
	}
	c.ports[clipID] = p
	c.mu.Unlock()

	go c.receive(clipID, p)
	return p
}

// DisconnectPlaybackWorker closes a clip's port and drops its texture.
func (c *Compositor) DisconnectPlaybackWorker(clipID string) {
	c.mu.Lock()
	p, ok := c.ports[clipID]
	if ok {
		delete(c.ports, clipID)
	}
	t, hasTex := c.textures[clipID]
	if hasTex {
		delete(c.textures, clipID)
	}
	c.mu.Unlock()

	if ok {
		p.Close()
	}
	if hasTex {
		t.frame.Close()
	}
}

// receive pumps one port's frames into the texture map until the port
// closes. The previous texture backing is closed before being replaced.
func (c *Compositor) receive(clipID string, p *Port) {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.ch:
			c.mu.Lock()
			// A reconnect may have replaced this port already; frames
			// from the superseded worker must not reach the canvas.
			if c.ports[clipID] != p || c.destroyed {
				c.mu.Unlock()
				f.Close()
				continue
			}
			if prev, ok := c.textures[clipID]; ok {
				prev.frame.Close()
			}
			c.textures[clipID] = &texture{frame: f}
			c.mu.Unlock()
		}
	}
}

// SetPreviewStream routes a live frame stream into the track's preview
// slot. A continuously reading task keeps only the latest frame. Passing
// nil stops the reader and clears the slot.
func (c *Compositor) SetPreviewStream(trackID string, stream <-chan *media.Frame) {
	c.mu.Lock()
	if old, ok := c.previews[trackID]; ok {
		close(old.done)
		old.frame.Close()
		delete(c.previews, trackID)
	}
	if stream == nil || c.destroyed {
		c.mu.Unlock()
		return
	}
	pv := &preview{done: make(chan struct{})}
	c.previews[trackID] = pv
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-pv.done:
				return
			case f, ok := <-stream:
				if !ok {
					return
				}
				c.mu.Lock()
				if c.previews[trackID] != pv || c.destroyed {
					c.mu.Unlock()
					f.Close()
					return
				}
				pv.frame.Close()
				pv.frame = f
				c.mu.Unlock()
			}
		}
	}()
}

// chainFor returns the cached compiled chain for a placement, compiling
// on first sight of its EffectID.
func (c *Compositor) chainFor(pl *timeline.Placement) *effectChain {
	ec, ok := c.chains[pl.EffectID]
	if !ok {
		ec = compileChain(pl.EffectKeys)
		c.chains[pl.EffectID] = ec
	}
	return ec
}

// Render composes the placements active at time onto the canvas and
// returns the frame accounting.
func (c *Compositor) Render(time float64) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderLocked(time, nil)
}

// renderLocked draws one frame. When external is non-nil it supplies the
// frame per clip instead of the texture map (export path).
func (c *Compositor) renderLocked(time float64, external map[string]*media.Frame) Stats {
	var stats Stats
	clear(c.canvas)
	if c.tl == nil || c.destroyed {
		return stats
	}

	for _, pl := range c.tl.PlacementsAt(time) {
		stats.Expected++

		var frame *media.Frame
		var tex *texture
		switch {
		case external != nil:
			frame = external[pl.ClipID]
		case pl.ClipID == media.PreviewClipID:
			if pv, ok := c.previews[pl.TrackID]; ok {
				frame = pv.frame
			}
		default:
			if t, ok := c.textures[pl.ClipID]; ok {
				tex = t
				frame = t.frame
			}
		}
		if frame.Closed() {
			stats.Dropped++
			continue
		}

		ec := c.chainFor(&pl)
		c.applyParams(ec, &pl)
		c.draw(frame, pl.Viewport, ec)
		stats.Rendered++

		// A frame is stale only if a successor was due and the same
		// timestamp got rendered again.
		if tex != nil {
			due := time >= frame.Timestamp+frame.Duration
			if due && tex.everRendered && tex.lastRenderedPTS == frame.Timestamp {
				stats.Stale++
			}
			tex.lastRenderedPTS = frame.Timestamp
			tex.everRendered = true
		}
	}
	return stats
}

// applyParams pushes the placement's compiled values and any live
// overrides into the chain's control array.
func (c *Compositor) applyParams(ec *effectChain, pl *timeline.Placement) {
	for _, ref := range pl.ParamRefs {
		value := ref.Value
		if v, ok := c.overrides[ref.Key]; ok {
			value = v
		}
		ec.set(ref.ChainIndex, ref.ParamKey, value)
	}
}

// draw scales the frame into the viewport through the chain's pixel ops.
func (c *Compositor) draw(f *media.Frame, vp timeline.Rect, ec *effectChain) {
	ops, opacity := ec.ops()
	if opacity <= 0 || f.Width == 0 || f.Height == 0 {
		return
	}

	for y := 0; y < vp.H; y++ {
		cy := vp.Y + y
		if cy < 0 || cy >= c.height {
			continue
		}
		sy := y * f.Height / vp.H
		for x := 0; x < vp.W; x++ {
			cx := vp.X + x
			if cx < 0 || cx >= c.width {
				continue
			}
			sx := x * f.Width / vp.W
			si := (sy*f.Width + sx) * 4
			di := (cy*c.width + cx) * 4

			r := float64(f.Data[si])
			g := float64(f.Data[si+1])
			b := float64(f.Data[si+2])
			for _, op := range ops {
				r, g, b = op.apply(r, g, b, op.amount)
			}
			if opacity >= 1 {
				c.canvas[di] = clampByte(r)
				c.canvas[di+1] = clampByte(g)
				c.canvas[di+2] = clampByte(b)
			} else {
				c.canvas[di] = clampByte(float64(c.canvas[di])*(1-opacity) + r*opacity)
				c.canvas[di+1] = clampByte(float64(c.canvas[di+1])*(1-opacity) + g*opacity)
				c.canvas[di+2] = clampByte(float64(c.canvas[di+2])*(1-opacity) + b*opacity)
			}
			c.canvas[di+3] = 0xFF
		}
	}
}

// RenderAndCapture renders from the live texture map and returns the
// captured canvas as a frame timestamped to the render time.
func (c *Compositor) RenderAndCapture(time float64) (*media.Frame, Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.renderLocked(time, nil)
	return c.captureLocked(time), stats
}

// RenderFramesAndCapture renders from a caller-supplied frame map instead
// of the texture map, then closes the supplied frames. Export-only.
func (c *Compositor) RenderFramesAndCapture(time float64, frames map[string]*media.Frame) (*media.Frame, Stats) {
	c.mu.Lock()
	stats := c.renderLocked(time, frames)
	out := c.captureLocked(time)
	c.mu.Unlock()

	for _, f := range frames {
		f.Close()
	}
	return out, stats
}

// captureLocked snapshots the canvas. Captured frames carry seconds like
// every other media.Frame; export consumers needing microsecond PTS get
// them from the encoder's packet conversion.
func (c *Compositor) captureLocked(time float64) *media.Frame {
	out := media.NewFrame(time, 0, c.width, c.height)
	copy(out.Data, c.canvas)
	return out
}

// Size returns the canvas dimensions.
func (c *Compositor) Size() (int, int) { return c.width, c.height }

// Destroy closes every frame, cancels every preview reader, closes every
// port, and releases the canvas. The compositor renders nothing afterwards.
func (c *Compositor) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	ports := c.ports
	textures := c.textures
	previews := c.previews
	c.ports = map[string]*Port{}
	c.textures = map[string]*texture{}
	c.previews = map[string]*preview{}
	c.canvas = nil
	c.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	for _, t := range textures {
		t.frame.Close()
	}
	for _, pv := range previews {
		close(pv.done)
		pv.frame.Close()
	}
	c.log.Info("compositor destroyed")
}
