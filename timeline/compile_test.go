package timeline

import (
	"math"
	"testing"

	"github.com/bigmistqke/eddy/media"
)

func absProject(tracks ...Track) *Project {
	return &Project{
		Canvas:      Canvas{Width: 640, Height: 360},
		MediaTracks: tracks,
	}
}

// Two clips overlapping on one track: the later clip punches through.
func TestPunchThroughSegments(t *testing.T) {
	t.Parallel()

	p := absProject(Track{
		ID: "t0",
		Clips: []Clip{
			{ID: "A", Start: 0, Duration: 1000, Type: ClipURL},
			{ID: "B", Start: 500, Duration: 1000, Type: ClipURL},
		},
	})
	c := Compile(p)

	if got, want := c.Duration, 1.5; math.Abs(got-want) > 1e-9 {
		t.Fatalf("duration: got %v, want %v", got, want)
	}
	if len(c.Segments) != 2 {
		t.Fatalf("segments: got %d (%+v), want 2", len(c.Segments), c.Segments)
	}

	s0 := c.Segments[0]
	if s0.Start != 0 || math.Abs(s0.End-0.5) > 1e-9 || len(s0.Placements) != 1 || s0.Placements[0].ClipID != "A" {
		t.Fatalf("segment 0: got [%v,%v) %v", s0.Start, s0.End, s0.Placements)
	}
	s1 := c.Segments[1]
	if math.Abs(s1.Start-0.5) > 1e-9 || math.Abs(s1.End-1.5) > 1e-9 || len(s1.Placements) != 1 || s1.Placements[0].ClipID != "B" {
		t.Fatalf("segment 1: got [%v,%v) %v", s1.Start, s1.End, s1.Placements)
	}
}

// 2x2 grid on a 640x360 canvas, no gap, no padding.
func TestGridViewports(t *testing.T) {
	t.Parallel()

	tracks := make([]Track, 4)
	ids := []string{"T0", "T1", "T2", "T3"}
	for i, id := range ids {
		tracks[i] = Track{ID: id, Clips: []Clip{{ID: "c" + id, Start: 0, Duration: 1000, Type: ClipURL}}}
	}
	p := &Project{
		Canvas:      Canvas{Width: 640, Height: 360},
		MediaTracks: tracks,
		MetadataTracks: []Track{{
			ID: "meta",
			Clips: []Clip{{
				ID: "layout", Start: 0, Duration: 1000, Type: ClipLayout,
				Layout: &Layout{Mode: LayoutGrid, Columns: 2, Rows: 2, Slots: ids},
			}},
		}},
	}
	c := Compile(p)

	want := map[string]Rect{
		"T0": {0, 0, 320, 180},
		"T1": {320, 0, 320, 180},
		"T2": {0, 180, 320, 180},
		"T3": {320, 180, 320, 180},
	}
	placements := c.PlacementsAt(0.5)
	if len(placements) != 4 {
		t.Fatalf("placements: got %d, want 4", len(placements))
	}
	for _, pl := range placements {
		if pl.Viewport != want[pl.TrackID] {
			t.Errorf("track %s viewport: got %+v, want %+v", pl.TrackID, pl.Viewport, want[pl.TrackID])
		}
	}
}

// Musical project: 3840 ticks at ppq 960, bpm 12000 (=120.00) is 2000 ms.
func TestMusicalConversion(t *testing.T) {
	t.Parallel()

	p := &Project{
		Canvas: Canvas{Width: 640, Height: 360},
		BPM:    12000,
		PPQ:    960,
		MediaTracks: []Track{{
			ID:    "t0",
			Clips: []Clip{{ID: "m", Start: 3840, Duration: 3840, Type: ClipStem}},
		}},
	}
	c := Compile(p)

	if len(c.Segments) != 1 {
		t.Fatalf("segments: got %d, want 1", len(c.Segments))
	}
	s := c.Segments[0]
	if math.Abs(s.Start-2.0) > 1e-9 || math.Abs(s.End-4.0) > 1e-9 {
		t.Fatalf("segment: got [%v,%v), want [2,4)", s.Start, s.End)
	}
	if math.Abs(c.Duration-4.0) > 1e-9 {
		t.Fatalf("duration: got %v, want 4", c.Duration)
	}
}

// Segment coverage: segments are sorted, non-overlapping, and binary
// search finds at most one containing segment for any probe.
func TestSegmentCoverage(t *testing.T) {
	t.Parallel()

	p := absProject(
		Track{ID: "a", Clips: []Clip{
			{ID: "a1", Start: 0, Duration: 700, Type: ClipURL},
			{ID: "a2", Start: 300, Duration: 1000, Type: ClipURL},
		}},
		Track{ID: "b", Clips: []Clip{
			{ID: "b1", Start: 500, Duration: 2000, Type: ClipURL},
		}},
	)
	c := Compile(p)

	for i := 1; i < len(c.Segments); i++ {
		if c.Segments[i].Start < c.Segments[i-1].End {
			t.Fatalf("segments %d and %d overlap", i-1, i)
		}
	}
	for probe := 0.0; probe < c.Duration; probe += 0.05 {
		count := 0
		for _, s := range c.Segments {
			if probe >= s.Start && probe < s.End {
				count++
			}
		}
		if count > 1 {
			t.Fatalf("t=%v contained in %d segments", probe, count)
		}
		if seg, ok := c.SegmentAt(probe); ok {
			if probe < seg.Start || probe >= seg.End {
				t.Fatalf("SegmentAt(%v) returned [%v,%v)", probe, seg.Start, seg.End)
			}
		}
	}
}

// Placement window length always equals segment length times speed.
func TestPlacementMonotonicity(t *testing.T) {
	t.Parallel()

	p := absProject(
		Track{ID: "a", Clips: []Clip{
			{ID: "a1", Start: 0, Duration: 1000, Type: ClipURL, Speed: 2},
			{ID: "a2", Start: 600, Duration: 900, Type: ClipURL, SourceIn: 1.5},
		}},
	)
	c := Compile(p)

	for _, s := range c.Segments {
		for _, pl := range s.Placements {
			want := (s.End - s.Start) * pl.Speed
			if got := pl.Out - pl.In; math.Abs(got-want) > 1e-6 {
				t.Fatalf("clip %s in [%v,%v): out-in = %v, want %v", pl.ClipID, s.Start, s.End, got, want)
			}
		}
	}
}

func TestSourceInOffsetsWindow(t *testing.T) {
	t.Parallel()

	p := absProject(Track{ID: "a", Clips: []Clip{
		{ID: "a1", Start: 1000, Duration: 1000, Type: ClipURL, SourceIn: 2.0},
	}})
	c := Compile(p)

	pl := c.PlacementsAt(1.5)
	if len(pl) != 1 {
		t.Fatalf("placements: got %d, want 1", len(pl))
	}
	// Segment starts at the clip start, so in == sourceIn.
	if math.Abs(pl[0].In-2.0) > 1e-9 {
		t.Fatalf("in: got %v, want 2.0", pl[0].In)
	}
}

func TestUnspecifiedDurationExtendsToNextClip(t *testing.T) {
	t.Parallel()

	p := absProject(Track{ID: "a", Clips: []Clip{
		{ID: "open", Start: 0, Type: ClipURL},
		{ID: "next", Start: 800, Duration: 400, Type: ClipURL},
	}})
	c := Compile(p)

	pl := c.PlacementsAt(0.4)
	if len(pl) != 1 || pl[0].ClipID != "open" {
		t.Fatalf("placements at 0.4: got %v", pl)
	}
	pl = c.PlacementsAt(0.9)
	if len(pl) != 1 || pl[0].ClipID != "next" {
		t.Fatalf("placements at 0.9: got %v", pl)
	}
}

func TestUnspecifiedDurationLastClipUsesProjectEnd(t *testing.T) {
	t.Parallel()

	p := absProject(
		Track{ID: "a", Clips: []Clip{{ID: "open", Start: 0, Type: ClipURL}}},
		Track{ID: "b", Clips: []Clip{{ID: "anchor", Start: 0, Duration: 3000, Type: ClipURL}}},
	)
	c := Compile(p)

	pl := c.PlacementsAt(2.5)
	ids := map[string]bool{}
	for _, x := range pl {
		ids[x.ClipID] = true
	}
	if !ids["open"] || !ids["anchor"] {
		t.Fatalf("placements at 2.5: got %v, want open+anchor", pl)
	}
}

func TestPiPViewports(t *testing.T) {
	t.Parallel()

	p := &Project{
		Canvas: Canvas{Width: 640, Height: 360},
		MediaTracks: []Track{
			{ID: "main", Clips: []Clip{{ID: "cm", Start: 0, Duration: 1000, Type: ClipURL}}},
			{ID: "inset", Clips: []Clip{{ID: "ci", Start: 0, Duration: 1000, Type: ClipURL}}},
		},
		MetadataTracks: []Track{{
			ID: "meta",
			Clips: []Clip{{
				ID: "l", Start: 0, Duration: 1000, Type: ClipLayout,
				Layout: &Layout{Mode: LayoutPiP, Slots: []string{"main", "inset"}},
			}},
		}},
	}
	c := Compile(p)

	byTrack := map[string]Rect{}
	for _, pl := range c.PlacementsAt(0.5) {
		byTrack[pl.TrackID] = pl.Viewport
	}
	if byTrack["main"] != (Rect{0, 0, 640, 360}) {
		t.Errorf("main viewport: got %+v", byTrack["main"])
	}
	want := Rect{X: 640 - 160 - 16, Y: 360 - 90 - 16, W: 160, H: 90}
	if byTrack["inset"] != want {
		t.Errorf("inset viewport: got %+v, want %+v", byTrack["inset"], want)
	}
}

func TestUnknownLayoutModeDegradesToFocus(t *testing.T) {
	t.Parallel()

	p := &Project{
		Canvas:      Canvas{Width: 100, Height: 100},
		MediaTracks: []Track{{ID: "a", Clips: []Clip{{ID: "c", Start: 0, Duration: 1000, Type: ClipURL}}}},
		MetadataTracks: []Track{{
			ID: "meta",
			Clips: []Clip{{
				ID: "l", Start: 0, Duration: 1000, Type: ClipLayout,
				Layout: &Layout{Mode: "wobble", Slots: []string{"a"}},
			}},
		}},
	}
	c := Compile(p)
	pl := c.PlacementsAt(0.5)
	if len(pl) != 1 || pl[0].Viewport != (Rect{0, 0, 100, 100}) {
		t.Fatalf("placements: got %v, want full-canvas focus", pl)
	}
}

func TestEffectCascade(t *testing.T) {
	t.Parallel()

	p := &Project{
		Canvas: Canvas{Width: 100, Height: 100},
		MediaTracks: []Track{{
			ID: "t0",
			VisualPipeline: Pipeline{Effects: []Effect{
				{Name: "brightness", Params: []Param{{Key: "amount", Value: 0.7}}},
			}},
			Clips: []Clip{{
				ID: "c0", Start: 0, Duration: 1000, Type: ClipURL,
				Effects: []Effect{{Name: "contrast", Params: []Param{{Key: "amount", Value: 0.4}}}},
			}},
		}},
		Master: Pipeline{Effects: []Effect{
			{Name: "opacity", Params: []Param{{Key: "amount", Value: 1.0}}},
		}},
	}
	c := Compile(p)

	pl := c.PlacementsAt(0.5)
	if len(pl) != 1 {
		t.Fatalf("placements: got %d, want 1", len(pl))
	}
	keys := pl[0].EffectKeys
	if len(keys) != 3 {
		t.Fatalf("chain: got %d effects %v, want 3", len(keys), keys)
	}
	wantNames := []string{"contrast", "brightness", "opacity"}
	for i, k := range keys {
		if k.Name != wantNames[i] {
			t.Errorf("chain[%d]: got %s, want %s", i, k.Name, wantNames[i])
		}
	}

	refs := pl[0].ParamRefs
	if len(refs) != 3 {
		t.Fatalf("param refs: got %d, want 3", len(refs))
	}
	if refs[0].Key != "clip:c0:0:amount" || refs[0].ChainIndex != 0 {
		t.Errorf("ref 0: got %+v", refs[0])
	}
	if refs[1].Key != "track:t0:0:amount" || refs[1].ChainIndex != 1 {
		t.Errorf("ref 1: got %+v", refs[1])
	}
	if refs[2].Key != "master:root:0:amount" || refs[2].ChainIndex != 2 {
		t.Errorf("ref 2: got %+v", refs[2])
	}
}

func TestEffectParamClamped(t *testing.T) {
	t.Parallel()

	p := absProject(Track{
		ID: "t0",
		VisualPipeline: Pipeline{Effects: []Effect{
			{Name: "gain", Params: []Param{{Key: "amount", Value: 1.8}}},
		}},
		Clips: []Clip{{ID: "c", Start: 0, Duration: 1000, Type: ClipURL}},
	})
	c := Compile(p)
	refs := c.PlacementsAt(0.5)[0].ParamRefs
	if refs[0].Value != 1.0 {
		t.Fatalf("value: got %v, want clamp to 1.0", refs[0].Value)
	}
}

func TestClipFilterOmitsPlacement(t *testing.T) {
	t.Parallel()

	p := absProject(Track{ID: "a", Clips: []Clip{
		{ID: "readable", Start: 0, Duration: 1000, Type: ClipURL},
		{ID: "missing", Start: 2000, Duration: 1000, Type: ClipURL},
	}})
	c := Compile(p, WithClipFilter(func(clipID string) bool { return clipID != "missing" }))

	if pl := c.PlacementsAt(2.5); pl != nil {
		t.Fatalf("filtered clip still placed: %v", pl)
	}
	if pl := c.PlacementsAt(0.5); len(pl) != 1 {
		t.Fatalf("surviving clip lost: %v", pl)
	}
}

func TestPreviewInjection(t *testing.T) {
	t.Parallel()

	p := absProject(Track{ID: "cam", Clips: []Clip{
		{ID: "old", Start: 0, Duration: 2000, Type: ClipURL},
	}})
	c := Compile(p, WithPreviewTracks([]string{"cam"}))

	pl := c.PlacementsAt(1.0)
	if len(pl) != 1 || pl[0].ClipID != media.PreviewClipID {
		t.Fatalf("placements: got %v, want preview punch-through", pl)
	}
}

func TestEmptyProject(t *testing.T) {
	t.Parallel()

	c := Compile(absProject())
	if c.Duration != 0 || len(c.Segments) != 0 {
		t.Fatalf("empty project: got %+v", c)
	}
	if _, ok := c.SegmentAt(0); ok {
		t.Fatal("SegmentAt on empty timeline should miss")
	}
}
