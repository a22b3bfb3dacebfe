package codec

import (
	"encoding/binary"
	"math"

	"github.com/bigmistqke/eddy/media"
)

// pcmf32 samples are interleaved 32-bit float frames, big-endian, channel
// order matching the track's channel count.

type pcmDecoder struct {
	cfg        AudioConfig
	configured bool
	closed     bool
}

func newPCMDecoder() *pcmDecoder { return &pcmDecoder{} }

func (d *pcmDecoder) Configure(cfg AudioConfig) error {
	if d.closed {
		return ErrClosed
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return ErrCorrupt
	}
	d.cfg = cfg
	d.configured = true
	return nil
}

func (d *pcmDecoder) Decode(pkt *media.Packet) (*media.AudioChunk, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if !d.configured {
		return nil, ErrNeedsKeyframe
	}
	chans := d.cfg.Channels
	if len(pkt.Data)%(4*chans) != 0 {
		return nil, ErrCorrupt
	}
	frames := len(pkt.Data) / (4 * chans)

	chunk := &media.AudioChunk{
		Timestamp:  pkt.PTSSeconds(),
		SampleRate: d.cfg.SampleRate,
		Channels:   make([][]float32, chans),
	}
	for ch := 0; ch < chans; ch++ {
		chunk.Channels[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < chans; ch++ {
			bits := binary.BigEndian.Uint32(pkt.Data[(i*chans+ch)*4:])
			chunk.Channels[ch][i] = math.Float32frombits(bits)
		}
	}
	return chunk, nil
}

func (d *pcmDecoder) Reset() {}

func (d *pcmDecoder) Close() { d.closed = true }

type pcmEncoder struct {
	cfg        AudioConfig
	configured bool
	closed     bool
}

func newPCMEncoder() *pcmEncoder { return &pcmEncoder{} }

func (e *pcmEncoder) Configure(cfg AudioConfig) error {
	if e.closed {
		return ErrClosed
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return ErrCorrupt
	}
	e.cfg = cfg
	e.configured = true
	return nil
}

func (e *pcmEncoder) Encode(chunk *media.AudioChunk) (*media.Packet, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if !e.configured {
		return nil, ErrCorrupt
	}
	chans := e.cfg.Channels
	if len(chunk.Channels) < chans {
		return nil, ErrCorrupt
	}
	frames := chunk.Frames()

	data := make([]byte, frames*chans*4)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < chans; ch++ {
			bits := math.Float32bits(chunk.Channels[ch][i])
			binary.BigEndian.PutUint32(data[(i*chans+ch)*4:], bits)
		}
	}
	return &media.Packet{
		PTS:      int64(chunk.Timestamp * 1e6),
		Duration: int64(float64(frames) / float64(chunk.SampleRate) * 1e6),
		Keyframe: true,
		Data:     data,
	}, nil
}

func (e *pcmEncoder) Close() { e.closed = true }
