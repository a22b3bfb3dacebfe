// Package codec defines the decoder and encoder contracts the playback and
// recorder workers program against, plus a registry of built-in software
// codecs. Decoders are stateful: after a reset or an internal failure they
// refuse delta samples until fed a keyframe, which is what the workers'
// keyframe-recovery path relies on.
package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigmistqke/eddy/media"
)

// Errors surfaced by decoders and the registry.
var (
	// ErrUnsupported is returned when no codec is registered under the
	// requested name. Surfaces to the caller of loadClip.
	ErrUnsupported = errors.New("codec: unsupported")
	// ErrNeedsKeyframe is returned for a delta sample when the decoder has
	// no reference state. The caller re-seeks to the keyframe at or before
	// the failing pts.
	ErrNeedsKeyframe = errors.New("codec: needs keyframe")
	// ErrClosed is returned by any operation on a closed decoder.
	ErrClosed = errors.New("codec: closed")
	// ErrCorrupt is returned when a sample payload cannot be parsed. The
	// decoder drops its reference state; recovery requires a keyframe.
	ErrCorrupt = errors.New("codec: corrupt sample")
)

// VideoConfig describes a video elementary stream.
type VideoConfig struct {
	Codec  string
	Width  int
	Height int
	Extra  []byte
}

// Equal reports whether two configs are interchangeable, which lets a
// worker reset and reuse a decoder instead of configuring a fresh one.
func (c VideoConfig) Equal(o VideoConfig) bool {
	return c.Codec == o.Codec && c.Width == o.Width && c.Height == o.Height
}

// AudioConfig describes an audio elementary stream.
type AudioConfig struct {
	Codec      string
	SampleRate int
	Channels   int
	Extra      []byte
}

// Equal reports whether two configs are interchangeable.
func (c AudioConfig) Equal(o AudioConfig) bool {
	return c.Codec == o.Codec && c.SampleRate == o.SampleRate && c.Channels == o.Channels
}

// VideoDecoder decodes encoded video samples into frames. Implementations
// are single-goroutine; callers bound Decode with a context deadline.
type VideoDecoder interface {
	// Configure prepares the decoder for a stream. May be called again to
	// reconfigure; prior reference state is discarded.
	Configure(cfg VideoConfig) error
	// Decode produces the frame for one sample. Returns ErrNeedsKeyframe
	// when a delta sample arrives without reference state, ErrCorrupt for
	// unparseable payloads, or the context error on timeout.
	Decode(ctx context.Context, pkt *media.Packet) (*media.Frame, error)
	// Reset drops reference state without deconfiguring; the next sample
	// must be a keyframe.
	Reset()
	// QueueDepth reports samples buffered inside the decoder.
	QueueDepth() int
	// Close releases the decoder. Further calls return ErrClosed.
	Close()
}

// VideoEncoder turns frames back into encoded samples.
type VideoEncoder interface {
	Configure(cfg VideoConfig) error
	// Encode emits the sample for one frame. forceKey requests a keyframe
	// regardless of the encoder's GOP cadence.
	Encode(f *media.Frame, forceKey bool) (*media.Packet, error)
	Close()
}

// AudioDecoder decodes encoded audio samples into planar chunks.
type AudioDecoder interface {
	Configure(cfg AudioConfig) error
	Decode(pkt *media.Packet) (*media.AudioChunk, error)
	Reset()
	Close()
}

// AudioEncoder turns planar chunks into encoded samples.
type AudioEncoder interface {
	Configure(cfg AudioConfig) error
	Encode(chunk *media.AudioChunk) (*media.Packet, error)
	Close()
}

// NewVideoDecoder returns a decoder for the named codec.
func NewVideoDecoder(name string) (VideoDecoder, error) {
	switch name {
	case CodecRawVideo:
		return newRawVideoDecoder(), nil
	}
	return nil, fmt.Errorf("%w: video codec %q", ErrUnsupported, name)
}

// NewVideoEncoder returns an encoder for the named codec.
func NewVideoEncoder(name string) (VideoEncoder, error) {
	switch name {
	case CodecRawVideo:
		return newRawVideoEncoder(), nil
	}
	return nil, fmt.Errorf("%w: video codec %q", ErrUnsupported, name)
}

// NewAudioDecoder returns a decoder for the named codec.
func NewAudioDecoder(name string) (AudioDecoder, error) {
	switch name {
	case CodecPCMF32:
		return newPCMDecoder(), nil
	}
	return nil, fmt.Errorf("%w: audio codec %q", ErrUnsupported, name)
}

// NewAudioEncoder returns an encoder for the named codec.
func NewAudioEncoder(name string) (AudioEncoder, error) {
	switch name {
	case CodecPCMF32:
		return newPCMEncoder(), nil
	}
	return nil, fmt.Errorf("%w: audio codec %q", ErrUnsupported, name)
}

// Built-in codec names as they appear in container track tables.
const (
	CodecRawVideo = "rawvideo"
	CodecPCMF32   = "pcmf32"
)
