// Package media defines the frame, sample, and packet types that flow
// through the eddy engine, from demuxing through compositing and capture.
package media

import "sync/atomic"

// Channel buffer sizes used by the playback workers (producers) and the
// compositor frame ports (consumers) to decouple decode from render. Sized
// to absorb jitter without excessive memory: ~1 second of video, ~2.5s of
// audio at typical block sizes.
const (
	VideoPortBuffer  = 30
	AudioPortBuffer  = 120
	CapturePortDepth = 16
)

// PreviewClipID is the sentinel clip id the compiler assigns to synthetic
// preview clips. The compositor resolves it to the track's live preview
// frame instead of the texture map.
const PreviewClipID = "__preview__"

// Frame is a single decoded picture. Frames are explicit resources: every
// frame is eventually closed exactly once by its owner, and ownership
// transfers across a compositor port with the frame itself. Data is tightly
// packed RGBA, 4*Width bytes per row.
type Frame struct {
	Timestamp float64 // media time of this picture, seconds
	Duration  float64 // display duration, seconds
	Width     int
	Height    int
	Data      []byte

	closed atomic.Bool
}

// NewFrame allocates a frame backed by a fresh pixel buffer.
func NewFrame(timestamp, duration float64, width, height int) *Frame {
	return &Frame{
		Timestamp: timestamp,
		Duration:  duration,
		Width:     width,
		Height:    height,
		Data:      make([]byte, width*height*4),
	}
}

// Close releases the frame's backing store. Safe to call more than once;
// only the first call has effect.
func (f *Frame) Close() {
	if f == nil || !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.Data = nil
}

// Closed reports whether the frame has been released.
func (f *Frame) Closed() bool {
	return f == nil || f.closed.Load()
}

// Clone returns an open copy of the frame with its own pixel buffer.
// Cloning a closed frame returns nil.
func (f *Frame) Clone() *Frame {
	if f.Closed() {
		return nil
	}
	c := &Frame{
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
		Width:     f.Width,
		Height:    f.Height,
		Data:      make([]byte, len(f.Data)),
	}
	copy(c.Data, f.Data)
	return c
}

// AudioChunk is one decoded audio unit: planar float samples for each
// channel, all planes the same length.
type AudioChunk struct {
	Timestamp  float64 // media time of the first sample, seconds
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of sample frames in the chunk.
func (c *AudioChunk) Frames() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// Packet is a single encoded sample read from or written to a clip
// container. PTS and Duration are in microseconds of media time.
type Packet struct {
	Track    uint32
	PTS      int64
	Duration int64
	Keyframe bool
	Data     []byte
}

// PTSSeconds returns the packet timestamp in seconds.
func (p *Packet) PTSSeconds() float64 {
	return float64(p.PTS) / 1e6
}
