package codec

import (
	"context"
	"encoding/binary"

	"github.com/bigmistqke/eddy/media"
)

// rawvideo sample layout. Keyframes carry the full RGBA picture. Delta
// samples carry runs patched against the previous picture:
//
//	u32 runCount, then per run: u32 byteOffset, u32 byteLength, payload.
//
// Decoding a delta therefore genuinely requires the previous picture, which
// makes keyframe recovery observable rather than cosmetic.

type rawVideoDecoder struct {
	cfg        VideoConfig
	configured bool
	closed     bool
	prev       []byte
}

func newRawVideoDecoder() *rawVideoDecoder { return &rawVideoDecoder{} }

func (d *rawVideoDecoder) Configure(cfg VideoConfig) error {
	if d.closed {
		return ErrClosed
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ErrCorrupt
	}
	d.cfg = cfg
	d.prev = nil
	d.configured = true
	return nil
}

func (d *rawVideoDecoder) Decode(ctx context.Context, pkt *media.Packet) (*media.Frame, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if !d.configured {
		return nil, ErrNeedsKeyframe
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := d.cfg.Width * d.cfg.Height * 4
	pic := make([]byte, size)

	if pkt.Keyframe {
		if len(pkt.Data) != size {
			return nil, ErrCorrupt
		}
		copy(pic, pkt.Data)
	} else {
		if d.prev == nil {
			return nil, ErrNeedsKeyframe
		}
		copy(pic, d.prev)
		if err := applyRuns(pic, pkt.Data); err != nil {
			// Reference state is suspect after a corrupt delta.
			d.prev = nil
			return nil, err
		}
	}
	d.prev = pic

	f := &media.Frame{
		Timestamp: pkt.PTSSeconds(),
		Duration:  float64(pkt.Duration) / 1e6,
		Width:     d.cfg.Width,
		Height:    d.cfg.Height,
		Data:      make([]byte, size),
	}
	copy(f.Data, pic)
	return f, nil
}

func applyRuns(pic, data []byte) error {
	if len(data) < 4 {
		return ErrCorrupt
	}
	count := binary.BigEndian.Uint32(data)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if len(data)-pos < 8 {
			return ErrCorrupt
		}
		off := int(binary.BigEndian.Uint32(data[pos:]))
		n := int(binary.BigEndian.Uint32(data[pos+4:]))
		pos += 8
		if n < 0 || len(data)-pos < n || off < 0 || off+n > len(pic) {
			return ErrCorrupt
		}
		copy(pic[off:off+n], data[pos:pos+n])
		pos += n
	}
	return nil
}

func (d *rawVideoDecoder) Reset() {
	d.prev = nil
}

func (d *rawVideoDecoder) QueueDepth() int { return 0 }

func (d *rawVideoDecoder) Close() {
	d.closed = true
	d.prev = nil
}

type rawVideoEncoder struct {
	cfg        VideoConfig
	configured bool
	closed     bool
	prev       []byte
}

func newRawVideoEncoder() *rawVideoEncoder { return &rawVideoEncoder{} }

func (e *rawVideoEncoder) Configure(cfg VideoConfig) error {
	if e.closed {
		return ErrClosed
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ErrCorrupt
	}
	e.cfg = cfg
	e.prev = nil
	e.configured = true
	return nil
}

func (e *rawVideoEncoder) Encode(f *media.Frame, forceKey bool) (*media.Packet, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if !e.configured {
		return nil, ErrCorrupt
	}
	size := e.cfg.Width * e.cfg.Height * 4
	if len(f.Data) != size {
		return nil, ErrCorrupt
	}

	pkt := &media.Packet{
		PTS:      int64(f.Timestamp * 1e6),
		Duration: int64(f.Duration * 1e6),
	}

	if forceKey || e.prev == nil {
		pkt.Keyframe = true
		pkt.Data = make([]byte, size)
		copy(pkt.Data, f.Data)
	} else {
		pkt.Data = diffRuns(e.prev, f.Data)
	}

	e.prev = make([]byte, size)
	copy(e.prev, f.Data)
	return pkt, nil
}

// diffRuns emits the changed byte runs between two pictures, merging runs
// separated by fewer than 8 unchanged bytes to keep header overhead low.
func diffRuns(prev, next []byte) []byte {
	type run struct{ off, end int }
	var runs []run
	i := 0
	for i < len(next) {
		if prev[i] == next[i] {
			i++
			continue
		}
		start := i
		for i < len(next) && prev[i] != next[i] {
			i++
		}
		if n := len(runs); n > 0 && start-runs[n-1].end < 8 {
			runs[n-1].end = i
		} else {
			runs = append(runs, run{start, i})
		}
	}

	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(runs)))
	for _, r := range runs {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[:4], uint32(r.off))
		binary.BigEndian.PutUint32(hdr[4:], uint32(r.end-r.off))
		out = append(out, hdr[:]...)
		out = append(out, next[r.off:r.end]...)
	}
	return out
}

func (e *rawVideoEncoder) Close() {
	e.closed = true
	e.prev = nil
}
