// Package container implements the eddy clip container ("EDC1"): a
// seekable, keyframe-indexed stream of encoded samples. The muxer writes
// strictly forward (header, then chunks, then a trailing sample index), so
// a recording can stream into storage without ever seeking; the demuxer
// reads the index from the trailer and iterates samples by time and
// keyframe. Muxer output is always demuxable with identical keyframe and
// timestamp semantics.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants. All integers are big-endian.
const (
	headerMagic  = "EDC1"
	footerMagic  = "EDix"
	version      = 1
	chunkMarker  = 0x01
	indexMarker  = 0x02
	footerLength = 12 // trailer offset (8) + footer magic (4)
)

// Errors returned by the demuxer.
var (
	ErrBadMagic   = errors.New("container: bad magic")
	ErrBadVersion = errors.New("container: unsupported version")
	ErrNoTrack    = errors.New("container: no such track")
	ErrTruncated  = errors.New("container: truncated")
)

// TrackKind distinguishes video from audio tracks.
type TrackKind uint8

// Track kinds.
const (
	TrackVideo TrackKind = 0
	TrackAudio TrackKind = 1
)

// TrackInfo describes one track in a clip. Video tracks populate Width and
// Height; audio tracks populate SampleRate and Channels. Extra carries
// codec-specific configuration handed to the decoder verbatim.
type TrackInfo struct {
	ID         uint32
	Kind       TrackKind
	Codec      string
	Width      uint32
	Height     uint32
	SampleRate uint32
	Channels   uint32
	Extra      []byte
}

// indexEntry locates one sample inside the chunk stream. Offset points at
// the chunk marker byte.
type indexEntry struct {
	pts      int64
	dur      int64
	keyframe bool
	offset   int64
	size     uint32
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendString(b []byte, s string) []byte {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

func appendBytes(b, p []byte) []byte {
	b = appendUint32(b, uint32(len(p)))
	return append(b, p...)
}

// encodeTrack serializes a TrackInfo for the header.
func encodeTrack(b []byte, t TrackInfo) []byte {
	b = appendUint32(b, t.ID)
	b = append(b, byte(t.Kind))
	b = appendString(b, t.Codec)
	b = appendUint32(b, t.Width)
	b = appendUint32(b, t.Height)
	b = appendUint32(b, t.SampleRate)
	b = appendUint32(b, t.Channels)
	b = appendBytes(b, t.Extra)
	return b
}

// sliceReader is a cursor over a byte slice with truncation checks.
type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) remain() int { return len(r.b) - r.pos }

func (r *sliceReader) u8() (byte, error) {
	if r.remain() < 1 {
		return 0, ErrTruncated
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *sliceReader) u32() (uint32, error) {
	if r.remain() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *sliceReader) i64() (int64, error) {
	if r.remain() < 8 {
		return 0, ErrTruncated
	}
	v := int64(binary.BigEndian.Uint64(r.b[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *sliceReader) str() (string, error) {
	if r.remain() < 2 {
		return "", ErrTruncated
	}
	n := int(r.b[r.pos])<<8 | int(r.b[r.pos+1])
	r.pos += 2
	if r.remain() < n {
		return "", ErrTruncated
	}
	s := string(r.b[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *sliceReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.remain() < int(n) {
		return nil, ErrTruncated
	}
	p := make([]byte, n)
	copy(p, r.b[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return p, nil
}

func decodeTrack(r *sliceReader) (TrackInfo, error) {
	var t TrackInfo
	var err error
	if t.ID, err = r.u32(); err != nil {
		return t, err
	}
	kind, err := r.u8()
	if err != nil {
		return t, err
	}
	t.Kind = TrackKind(kind)
	if t.Codec, err = r.str(); err != nil {
		return t, err
	}
	if t.Width, err = r.u32(); err != nil {
		return t, err
	}
	if t.Height, err = r.u32(); err != nil {
		return t, err
	}
	if t.SampleRate, err = r.u32(); err != nil {
		return t, err
	}
	if t.Channels, err = r.u32(); err != nil {
		return t, err
	}
	if t.Extra, err = r.bytes(); err != nil {
		return t, err
	}
	return t, nil
}

func validateHeader(magic []byte, ver uint32) error {
	if string(magic) != headerMagic {
		return ErrBadMagic
	}
	if ver != version {
		return fmt.Errorf("%w: %d", ErrBadVersion, ver)
	}
	return nil
}
