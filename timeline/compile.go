package timeline

import (
	"math"
	"sort"

	"github.com/bigmistqke/eddy/media"
)

// previewFallback is the preview-clip extent when the project has no clip
// with an explicit end to anchor the timeline.
const previewFallback = 60.0

// boundaryEps merges segment boundaries closer than floating noise.
const boundaryEps = 1e-9

// Option configures a compilation.
type Option func(*compiler)

// WithPreviewTracks injects a synthetic preview clip on each listed track.
// The preview punches through the track's real clips for its whole extent.
func WithPreviewTracks(trackIDs []string) Option {
	return func(c *compiler) {
		for _, id := range trackIDs {
			c.preview[id] = true
		}
	}
}

// WithClipFilter drops media clips the filter rejects, as if they were
// absent from the project. Used to elide clips whose blobs are unreadable.
func WithClipFilter(f func(clipID string) bool) Option {
	return func(c *compiler) { c.filter = f }
}

// Compile transforms a project into the flat compiled timeline.
func Compile(p *Project, opts ...Option) *Compiled {
	c := &compiler{
		project: p,
		preview: make(map[string]bool),
		canvas:  Rect{W: p.Canvas.Width, H: p.Canvas.Height},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c.compile()
}

type compiler struct {
	project *Project
	preview map[string]bool
	filter  func(string) bool
	canvas  Rect

	maxExplicitEnd float64
	windows        []layoutWindow
	infos          []*clipInfo
}

// clipInfo is one renderable piece of a media clip: the clip intersected
// with a single layout window (or the uncovered full-canvas remainder).
type clipInfo struct {
	clipID  string
	trackID string

	viewport   Rect
	pieceStart float64
	pieceEnd   float64
	clipStart  float64 // timeline start of the whole clip, for in/out math
	sourceIn   float64
	speed      float64

	cas   cascade
	order int
}

// layoutWindow is one active layout clip resolved to per-track viewports.
type layoutWindow struct {
	start     float64
	end       float64
	viewports map[string]Rect
	order     int
}

// trackCtx pairs a media track with the group levels above it, inner
// group first.
type trackCtx struct {
	track  *Track
	groups []pipelineLevel
}

func (c *compiler) compile() *Compiled {
	c.scanExplicitEnds()
	c.collectLayoutWindows()

	for _, tc := range c.mediaTracks() {
		c.collectTrack(tc)
	}

	return c.buildSegments()
}

// mediaTracks walks groups depth-first, then the flat media track list.
func (c *compiler) mediaTracks() []trackCtx {
	var out []trackCtx
	var walk func(g *Group, above []pipelineLevel)
	walk = func(g *Group, above []pipelineLevel) {
		level := pipelineLevel{source: SourceGroup, sourceID: g.ID, effects: g.VisualPipeline.Effects}
		chain := append([]pipelineLevel{level}, above...)
		for i := range g.Tracks {
			out = append(out, trackCtx{track: &g.Tracks[i], groups: chain})
		}
		for i := range g.Groups {
			walk(&g.Groups[i], chain)
		}
	}
	for i := range c.project.Groups {
		walk(&c.project.Groups[i], nil)
	}
	for i := range c.project.MediaTracks {
		out = append(out, trackCtx{track: &c.project.MediaTracks[i]})
	}
	return out
}

// scanExplicitEnds records the maximum explicit clip end, the anchor for
// clips with unspecified durations and for preview extents.
func (c *compiler) scanExplicitEnds() {
	scan := func(tracks []Track) {
		for _, t := range tracks {
			for _, clip := range t.Clips {
				if clip.Duration > 0 {
					end := c.project.toSeconds(clip.Start + clip.Duration)
					if end > c.maxExplicitEnd {
						c.maxExplicitEnd = end
					}
				}
			}
		}
	}
	scan(c.project.MediaTracks)
	scan(c.project.MetadataTracks)
	var scanGroup func(g *Group)
	scanGroup = func(g *Group) {
		scan(g.Tracks)
		for i := range g.Groups {
			scanGroup(&g.Groups[i])
		}
	}
	for i := range c.project.Groups {
		scanGroup(&c.project.Groups[i])
	}
}

// resolveInterval returns a clip's [start, end) in seconds, applying the
// unspecified-duration rule. ok is false when the clip has no extent.
func (c *compiler) resolveInterval(t *Track, i int) (start, end float64, ok bool) {
	clip := &t.Clips[i]
	start = c.project.toSeconds(clip.Start)
	switch {
	case clip.Duration > 0:
		end = c.project.toSeconds(clip.Start + clip.Duration)
	case i+1 < len(t.Clips):
		end = c.project.toSeconds(t.Clips[i+1].Start)
	default:
		end = c.maxExplicitEnd
	}
	return start, end, end > start
}

// collectLayoutWindows resolves every layout clip on the metadata tracks.
func (c *compiler) collectLayoutWindows() {
	for ti := range c.project.MetadataTracks {
		t := &c.project.MetadataTracks[ti]
		for i := range t.Clips {
			clip := &t.Clips[i]
			if clip.Type != ClipLayout || clip.Layout == nil {
				continue
			}
			start, end, ok := c.resolveInterval(t, i)
			if !ok {
				continue
			}
			rects := layoutViewports(clip.Layout, c.canvas)
			vp := make(map[string]Rect, len(rects))
			for si, rect := range rects {
				vp[clip.Layout.Slots[si]] = rect
			}
			c.windows = append(c.windows, layoutWindow{
				start:     start,
				end:       end,
				viewports: vp,
				order:     len(c.windows),
			})
		}
	}
}

// collectTrack emits clip infos for one media track, then the synthetic
// preview clip if the track is in the preview set.
func (c *compiler) collectTrack(tc trackCtx) {
	t := tc.track

	trackLevels := func(clipEffects []Effect, clipID string) []pipelineLevel {
		var levels []pipelineLevel
		if len(clipEffects) > 0 {
			levels = append(levels, pipelineLevel{source: SourceClip, sourceID: clipID, effects: clipEffects})
		}
		levels = append(levels, pipelineLevel{source: SourceTrack, sourceID: t.ID, effects: t.VisualPipeline.Effects})
		levels = append(levels, tc.groups...)
		levels = append(levels, pipelineLevel{source: SourceMaster, sourceID: "root", effects: c.project.Master.Effects})
		return levels
	}

	for i := range t.Clips {
		clip := &t.Clips[i]
		if clip.Type == ClipLayout {
			continue
		}
		if c.filter != nil && !c.filter(clip.ID) {
			continue
		}
		start, end, ok := c.resolveInterval(t, i)
		if !ok {
			continue
		}
		speed := clip.Speed
		if speed <= 0 {
			speed = 1
		}
		c.emitPieces(clipInfo{
			clipID:    clip.ID,
			trackID:   t.ID,
			clipStart: start,
			sourceIn:  clip.SourceIn,
			speed:     speed,
			cas:       buildCascade(trackLevels(clip.Effects, clip.ID)),
		}, start, end)
	}

	if c.preview[t.ID] {
		end := c.maxExplicitEnd
		if end <= 0 {
			end = previewFallback
		}
		c.emitPieces(clipInfo{
			clipID:    media.PreviewClipID,
			trackID:   t.ID,
			clipStart: 0,
			speed:     1,
			cas:       buildCascade(trackLevels(nil, media.PreviewClipID)),
		}, 0, end)
	}
}

// emitPieces splits a clip interval at layout-window boundaries, assigning
// each piece the viewport of the latest window covering it that lists the
// track, or the full canvas when none does.
func (c *compiler) emitPieces(proto clipInfo, start, end float64) {
	bounds := []float64{start, end}
	for _, w := range c.windows {
		if _, listed := w.viewports[proto.trackID]; !listed {
			continue
		}
		if w.start > start && w.start < end {
			bounds = append(bounds, w.start)
		}
		if w.end > start && w.end < end {
			bounds = append(bounds, w.end)
		}
	}
	sort.Float64s(bounds)

	for i := 0; i+1 < len(bounds); i++ {
		a, b := bounds[i], bounds[i+1]
		if b-a <= boundaryEps {
			continue
		}
		mid := (a + b) / 2

		viewport := c.canvas
		bestOrder := -1
		for _, w := range c.windows {
			if mid < w.start || mid >= w.end {
				continue
			}
			rect, listed := w.viewports[proto.trackID]
			if listed && w.order > bestOrder {
				viewport = rect
				bestOrder = w.order
			}
		}

		info := proto
		info.viewport = viewport
		info.pieceStart = a
		info.pieceEnd = b
		info.order = len(c.infos)
		c.infos = append(c.infos, &info)
	}
}

// buildSegments sorts the piece boundaries and emits one segment per
// consecutive pair, applying per-track punch-through.
func (c *compiler) buildSegments() *Compiled {
	out := &Compiled{}
	for _, info := range c.infos {
		if info.pieceEnd > out.Duration {
			out.Duration = info.pieceEnd
		}
	}
	if len(c.infos) == 0 {
		return out
	}

	bounds := []float64{0}
	for _, info := range c.infos {
		bounds = append(bounds, info.pieceStart, info.pieceEnd)
	}
	sort.Float64s(bounds)
	bounds = dedupe(bounds)

	for i := 0; i+1 < len(bounds); i++ {
		t0, t1 := bounds[i], bounds[i+1]
		if t1-t0 <= boundaryEps {
			continue
		}

		// Per-track punch-through: the latest-collected clip overlapping
		// the segment hides earlier clips on the same track.
		var chosen []*clipInfo
		slot := make(map[string]int)
		for _, info := range c.infos {
			if info.pieceStart >= t1-boundaryEps || info.pieceEnd <= t0+boundaryEps {
				continue
			}
			if idx, ok := slot[info.trackID]; ok {
				chosen[idx] = info
			} else {
				slot[info.trackID] = len(chosen)
				chosen = append(chosen, info)
			}
		}
		if len(chosen) == 0 {
			continue
		}

		seg := Segment{Start: t0, End: t1}
		for _, info := range chosen {
			in := info.sourceIn + (t0-info.clipStart)*info.speed
			seg.Placements = append(seg.Placements, Placement{
				ClipID:     info.clipID,
				TrackID:    info.trackID,
				Viewport:   info.viewport,
				In:         in,
				Out:        in + (t1-t0)*info.speed,
				Speed:      info.speed,
				EffectID:   info.cas.effectID,
				EffectKeys: info.cas.effectKeys,
				EffectRefs: info.cas.effectRefs,
				ParamRefs:  info.cas.paramRefs,
			})
		}
		out.Segments = append(out.Segments, seg)
	}
	out.Segments = mergeSegments(out.Segments)
	return out
}

// mergeSegments coalesces adjacent segments whose placement sets continue
// each other, so a clip boundary that changes nothing (a hidden clip
// ending under a punch-through) does not fragment the timeline.
func mergeSegments(segs []Segment) []Segment {
	if len(segs) == 0 {
		return segs
	}
	out := segs[:1]
	for _, next := range segs[1:] {
		last := &out[len(out)-1]
		if continues(last, &next) {
			last.End = next.End
			for i := range last.Placements {
				last.Placements[i].Out = next.Placements[i].Out
			}
			continue
		}
		out = append(out, next)
	}
	return out
}

func continues(a, b *Segment) bool {
	if math.Abs(a.End-b.Start) > boundaryEps || len(a.Placements) != len(b.Placements) {
		return false
	}
	for i := range a.Placements {
		pa, pb := &a.Placements[i], &b.Placements[i]
		if pa.ClipID != pb.ClipID || pa.TrackID != pb.TrackID ||
			pa.Viewport != pb.Viewport || pa.Speed != pb.Speed ||
			pa.EffectID != pb.EffectID ||
			math.Abs(pa.Out-pb.In) > 1e-6 {
			return false
		}
	}
	return true
}

func dedupe(sorted []float64) []float64 {
	out := sorted[:0]
	for _, v := range sorted {
		if len(out) == 0 || math.Abs(v-out[len(out)-1]) > boundaryEps {
			out = append(out, v)
		}
	}
	return out
}
