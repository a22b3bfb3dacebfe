package timeline

import "sort"

// Rect is an integer pixel rectangle on the canvas.
type Rect struct {
	X int
	Y int
	W int
	H int
}

// EffectRef is one parameter's lookup coordinates in the cascaded effect
// chain. Key is "sourceType:sourceId:effectIndex:paramKey".
type EffectRef struct {
	Source      string // "clip", "track", "group", "master"
	SourceID    string
	EffectIndex int
	ParamKey    string
	Key         string
	Value       float64
}

// ParamRef is an EffectRef plus its precomputed index into the compiled
// chain's control array.
type ParamRef struct {
	EffectRef
	ChainIndex int
}

// ChainEffect is one effect of a compiled chain signature.
type ChainEffect struct {
	Name string
	Key  string // "sourceType:sourceId:effectIndex"
}

// Placement is the flat engine-internal record of where, how, and when to
// render one clip during a segment.
type Placement struct {
	ClipID   string
	TrackID  string
	Viewport Rect
	In       float64 // source-local window start, seconds
	Out      float64 // source-local window end, seconds
	Speed    float64

	EffectID   string
	EffectKeys []ChainEffect
	EffectRefs []EffectRef
	ParamRefs  []ParamRef
}

// Segment is a half-open interval [Start, End) of the project timeline
// within which the active placement set is constant.
type Segment struct {
	Start      float64
	End        float64
	Placements []Placement
}

// Compiled is the compiler output: sorted, non-overlapping segments within
// [0, Duration). A span where no clip is active has no segment, so the
// segments do not necessarily cover the whole duration.
type Compiled struct {
	Duration float64
	Segments []Segment
}

// SegmentAt locates the segment containing t by binary search, or false
// when t falls in a gap or outside the timeline.
func (c *Compiled) SegmentAt(t float64) (*Segment, bool) {
	i := sort.Search(len(c.Segments), func(i int) bool { return c.Segments[i].End > t })
	if i >= len(c.Segments) {
		return nil, false
	}
	s := &c.Segments[i]
	if t < s.Start {
		return nil, false
	}
	return s, true
}

// PlacementsAt returns the active placements at t, or nil.
func (c *Compiled) PlacementsAt(t float64) []Placement {
	s, ok := c.SegmentAt(t)
	if !ok {
		return nil
	}
	return s.Placements
}

// Clips returns the distinct media clip ids referenced by the timeline,
// with the track each routes audio to. Preview clips are included.
func (c *Compiled) Clips() map[string]string {
	out := make(map[string]string)
	for _, s := range c.Segments {
		for _, p := range s.Placements {
			out[p.ClipID] = p.TrackID
		}
	}
	return out
}
