package container

import (
	"fmt"
	"io"
	"sort"

	"github.com/bigmistqke/eddy/media"
)

// chunkHeaderSize is the fixed prefix before a chunk payload:
// marker(1) + track(4) + pts(8) + dur(8) + key(1) + size(4).
const chunkHeaderSize = 26

// Demuxer reads a finalized clip container through an io.ReaderAt. Each
// reader opens its own Demuxer over an independent storage view, so
// concurrent clips never contend. The demuxer itself is not safe for
// concurrent use.
type Demuxer struct {
	r      io.ReaderAt
	size   int64
	tracks []TrackInfo
	index  map[uint32][]indexEntry
}

// NewDemuxer parses the header and trailer index of a clip blob.
func NewDemuxer(r io.ReaderAt, size int64) (*Demuxer, error) {
	d := &Demuxer{r: r, size: size, index: make(map[uint32][]indexEntry)}
	if err := d.parse(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) readAt(off int64, n int) ([]byte, error) {
	if off < 0 || off+int64(n) > d.size {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	if _, err := d.r.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("container: read at %d: %w", off, err)
	}
	return b, nil
}

func (d *Demuxer) parse() error {
	if d.size < int64(len(headerMagic))+8+footerLength {
		return ErrTruncated
	}

	// Header: magic, version, track table.
	head, err := d.readAt(0, int(min64(d.size, 64*1024)))
	if err != nil {
		return err
	}
	hr := &sliceReader{b: head}
	magic := head[:4]
	hr.pos = 4
	ver, err := hr.u32()
	if err != nil {
		return err
	}
	if err := validateHeader(magic, ver); err != nil {
		return err
	}
	trackCount, err := hr.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < trackCount; i++ {
		t, err := decodeTrack(hr)
		if err != nil {
			return err
		}
		d.tracks = append(d.tracks, t)
		d.index[t.ID] = nil
	}

	// Footer: trailer offset + magic at the end of the blob.
	foot, err := d.readAt(d.size-footerLength, footerLength)
	if err != nil {
		return err
	}
	if string(foot[8:]) != footerMagic {
		return ErrBadMagic
	}
	fr := &sliceReader{b: foot}
	trailerOffset, err := fr.i64()
	if err != nil {
		return err
	}
	if trailerOffset < 0 || trailerOffset >= d.size-footerLength {
		return ErrTruncated
	}

	// Trailer: per-track sample index.
	trailer, err := d.readAt(trailerOffset, int(d.size-footerLength-trailerOffset))
	if err != nil {
		return err
	}
	tr := &sliceReader{b: trailer}
	marker, err := tr.u8()
	if err != nil {
		return err
	}
	if marker != indexMarker {
		return ErrBadMagic
	}
	indexedTracks, err := tr.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < indexedTracks; i++ {
		id, err := tr.u32()
		if err != nil {
			return err
		}
		count, err := tr.u32()
		if err != nil {
			return err
		}
		entries := make([]indexEntry, 0, count)
		for j := uint32(0); j < count; j++ {
			var e indexEntry
			if e.pts, err = tr.i64(); err != nil {
				return err
			}
			if e.dur, err = tr.i64(); err != nil {
				return err
			}
			key, err := tr.u8()
			if err != nil {
				return err
			}
			e.keyframe = key == 1
			if e.offset, err = tr.i64(); err != nil {
				return err
			}
			if e.size, err = tr.u32(); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		d.index[id] = entries
	}
	return nil
}

// Tracks returns the track table.
func (d *Demuxer) Tracks() []TrackInfo {
	return d.tracks
}

// TrackByKind returns the first track of the given kind.
func (d *Demuxer) TrackByKind(kind TrackKind) (TrackInfo, bool) {
	for _, t := range d.tracks {
		if t.Kind == kind {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// Duration returns the clip duration in seconds: the maximum pts+duration
// across every indexed sample.
func (d *Demuxer) Duration() float64 {
	var max int64
	for _, entries := range d.index {
		for _, e := range entries {
			if end := e.pts + e.dur; end > max {
				max = end
			}
		}
	}
	return float64(max) / 1e6
}

// KeyframeBefore returns the pts of the latest keyframe at or before pts on
// the given track. When pts precedes the first keyframe, the first keyframe
// is returned so a seek before the clip start still anchors.
func (d *Demuxer) KeyframeBefore(track uint32, pts int64) (int64, error) {
	entries, ok := d.index[track]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoTrack, track)
	}
	var found bool
	var best int64
	var first int64
	var haveFirst bool
	for _, e := range entries {
		if !e.keyframe {
			continue
		}
		if !haveFirst {
			first = e.pts
			haveFirst = true
		}
		if e.pts <= pts {
			best = e.pts
			found = true
		}
	}
	if found {
		return best, nil
	}
	if haveFirst {
		return first, nil
	}
	return 0, io.EOF
}

// readSample materializes the packet for an index entry.
func (d *Demuxer) readSample(track uint32, e indexEntry) (*media.Packet, error) {
	payload, err := d.readAt(e.offset+chunkHeaderSize, int(e.size))
	if err != nil {
		return nil, err
	}
	return &media.Packet{
		Track:    track,
		PTS:      e.pts,
		Duration: e.dur,
		Keyframe: e.keyframe,
		Data:     payload,
	}, nil
}

// Cursor iterates a track's samples in pts order.
type Cursor struct {
	d     *Demuxer
	track uint32
	pos   int
}

// CursorAt returns a cursor positioned at the latest keyframe at or before
// pts, so decoding from the cursor always begins on a recoverable sample.
func (d *Demuxer) CursorAt(track uint32, pts int64) (*Cursor, error) {
	entries, ok := d.index[track]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoTrack, track)
	}
	anchor, err := d.KeyframeBefore(track, pts)
	if err != nil {
		return nil, err
	}
	pos := sort.Search(len(entries), func(i int) bool { return entries[i].pts >= anchor })
	return &Cursor{d: d, track: track, pos: pos}, nil
}

// Next returns the next sample, or io.EOF past the end of the track.
func (c *Cursor) Next() (*media.Packet, error) {
	entries := c.d.index[c.track]
	if c.pos >= len(entries) {
		return nil, io.EOF
	}
	e := entries[c.pos]
	c.pos++
	return c.d.readSample(c.track, e)
}

// Peek returns the pts of the next sample without advancing, or io.EOF.
func (c *Cursor) Peek() (int64, error) {
	entries := c.d.index[c.track]
	if c.pos >= len(entries) {
		return 0, io.EOF
	}
	return entries[c.pos].pts, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
