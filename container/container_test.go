package container

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/bigmistqke/eddy/media"
)

func buildClip(t *testing.T, packets []*media.Packet) *Demuxer {
	t.Helper()

	var buf bytes.Buffer
	m := NewMuxer(&buf)
	if err := m.AddTrack(TrackInfo{ID: 1, Kind: TrackVideo, Codec: "rawvideo", Width: 4, Height: 4}); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := m.AddTrack(TrackInfo{ID: 2, Kind: TrackAudio, Codec: "pcmf32", SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	for _, p := range packets {
		if err := m.WriteSample(p); err != nil {
			t.Fatalf("WriteSample pts=%d: %v", p.PTS, err)
		}
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	d, err := NewDemuxer(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	return d
}

func videoPacket(pts int64, key bool, payload byte) *media.Packet {
	return &media.Packet{
		Track:    1,
		PTS:      pts,
		Duration: 40000,
		Keyframe: key,
		Data:     []byte{payload, payload},
	}
}

func TestMuxDemuxRoundTrip(t *testing.T) {
	t.Parallel()

	d := buildClip(t, []*media.Packet{
		videoPacket(0, true, 0xA0),
		videoPacket(40000, false, 0xA1),
		videoPacket(80000, false, 0xA2),
		{Track: 2, PTS: 0, Duration: 100000, Keyframe: true, Data: []byte{1, 2, 3, 4}},
	})

	if got := len(d.Tracks()); got != 2 {
		t.Fatalf("tracks: got %d, want 2", got)
	}
	v, ok := d.TrackByKind(TrackVideo)
	if !ok || v.Codec != "rawvideo" || v.Width != 4 {
		t.Fatalf("video track: got %+v, ok=%v", v, ok)
	}

	cur, err := d.CursorAt(1, 0)
	if err != nil {
		t.Fatalf("CursorAt: %v", err)
	}
	var pts []int64
	for {
		p, err := cur.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		pts = append(pts, p.PTS)
	}
	want := []int64{0, 40000, 80000}
	if len(pts) != len(want) {
		t.Fatalf("sample count: got %d, want %d", len(pts), len(want))
	}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("sample %d pts: got %d, want %d", i, pts[i], want[i])
		}
	}
}

func TestCursorStartsAtKeyframe(t *testing.T) {
	t.Parallel()

	d := buildClip(t, []*media.Packet{
		videoPacket(0, true, 1),
		videoPacket(40000, false, 2),
		videoPacket(80000, true, 3),
		videoPacket(120000, false, 4),
	})

	// Seeking into the middle of the second GOP must anchor at pts 80000.
	cur, err := d.CursorAt(1, 125000)
	if err != nil {
		t.Fatalf("CursorAt: %v", err)
	}
	p, err := cur.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if p.PTS != 80000 || !p.Keyframe {
		t.Fatalf("anchor: got pts=%d key=%v, want pts=80000 key=true", p.PTS, p.Keyframe)
	}
}

func TestKeyframeBeforeClampsToFirst(t *testing.T) {
	t.Parallel()

	d := buildClip(t, []*media.Packet{
		videoPacket(50000, true, 1),
		videoPacket(90000, false, 2),
	})

	pts, err := d.KeyframeBefore(1, 10000)
	if err != nil {
		t.Fatalf("KeyframeBefore: %v", err)
	}
	if pts != 50000 {
		t.Fatalf("got %d, want clamp to first keyframe 50000", pts)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	d := buildClip(t, []*media.Packet{
		videoPacket(0, true, 1),
		videoPacket(40000, false, 2),
	})
	if got, want := d.Duration(), 0.08; got != want {
		t.Fatalf("duration: got %v, want %v", got, want)
	}
}

func TestUnknownTrack(t *testing.T) {
	t.Parallel()

	d := buildClip(t, []*media.Packet{videoPacket(0, true, 1)})
	if _, err := d.CursorAt(9, 0); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("CursorAt unknown track: got %v, want ErrNoTrack", err)
	}
}

func TestDemuxerRejectsGarbage(t *testing.T) {
	t.Parallel()

	blob := []byte("definitely not a clip container at all........")
	if _, err := NewDemuxer(bytes.NewReader(blob), int64(len(blob))); err == nil {
		t.Fatal("expected error for garbage blob")
	}
}

func TestPayloadIntegrity(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	d := buildClip(t, []*media.Packet{
		{Track: 1, PTS: 0, Duration: 40000, Keyframe: true, Data: payload},
	})
	cur, _ := d.CursorAt(1, 0)
	p, err := cur.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(p.Data, payload) {
		t.Fatal("payload mismatch after round trip")
	}
}
