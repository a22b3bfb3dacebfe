package container

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/bigmistqke/eddy/media"
)

// Muxer writes a clip container to w strictly forward: header on the first
// sample, chunks as they arrive, sample index in the trailer on Finalize.
// Not safe for concurrent use; the muxer worker owns it exclusively.
type Muxer struct {
	w         io.Writer
	tracks    []TrackInfo
	index     map[uint32][]indexEntry
	offset    int64
	started   bool
	finalized bool
}

// NewMuxer creates a muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{
		w:     w,
		index: make(map[uint32][]indexEntry),
	}
}

// AddTrack registers a track. All tracks must be added before the first
// sample is written.
func (m *Muxer) AddTrack(info TrackInfo) error {
	if m.started {
		return errors.New("container: AddTrack after first sample")
	}
	for _, t := range m.tracks {
		if t.ID == info.ID {
			return fmt.Errorf("container: duplicate track id %d", info.ID)
		}
	}
	m.tracks = append(m.tracks, info)
	m.index[info.ID] = nil
	return nil
}

// writeHeader emits the magic, version, and track table.
func (m *Muxer) writeHeader() error {
	b := []byte(headerMagic)
	b = appendUint32(b, version)
	b = appendUint32(b, uint32(len(m.tracks)))
	for _, t := range m.tracks {
		b = encodeTrack(b, t)
	}
	return m.emit(b)
}

func (m *Muxer) emit(b []byte) error {
	n, err := m.w.Write(b)
	m.offset += int64(n)
	return err
}

// WriteSample appends one encoded sample chunk. Samples for a given track
// must arrive in non-decreasing PTS order; the index preserves whatever
// order the caller provides.
func (m *Muxer) WriteSample(p *media.Packet) error {
	if m.finalized {
		return errors.New("container: WriteSample after Finalize")
	}
	if _, ok := m.index[p.Track]; !ok {
		return fmt.Errorf("%w: %d", ErrNoTrack, p.Track)
	}
	if !m.started {
		if err := m.writeHeader(); err != nil {
			return err
		}
		m.started = true
	}

	entry := indexEntry{
		pts:      p.PTS,
		dur:      p.Duration,
		keyframe: p.Keyframe,
		offset:   m.offset,
		size:     uint32(len(p.Data)),
	}

	b := make([]byte, 0, 26+len(p.Data))
	b = append(b, chunkMarker)
	b = appendUint32(b, p.Track)
	b = appendInt64(b, p.PTS)
	b = appendInt64(b, p.Duration)
	var key byte
	if p.Keyframe {
		key = 1
	}
	b = append(b, key)
	b = appendBytes(b, p.Data)
	if err := m.emit(b); err != nil {
		return err
	}

	m.index[p.Track] = append(m.index[p.Track], entry)
	return nil
}

// SampleCount returns the number of samples written for a track.
func (m *Muxer) SampleCount(track uint32) int {
	return len(m.index[track])
}

// Finalize writes the sample index trailer and footer. The muxer is
// unusable afterwards. An empty muxer (no samples) still emits a valid,
// sampleless container.
func (m *Muxer) Finalize() error {
	if m.finalized {
		return errors.New("container: already finalized")
	}
	if !m.started {
		if err := m.writeHeader(); err != nil {
			return err
		}
		m.started = true
	}
	m.finalized = true

	trailerOffset := m.offset

	ids := make([]uint32, 0, len(m.index))
	for id := range m.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	b := []byte{indexMarker}
	b = appendUint32(b, uint32(len(ids)))
	for _, id := range ids {
		entries := m.index[id]
		b = appendUint32(b, id)
		b = appendUint32(b, uint32(len(entries)))
		for _, e := range entries {
			b = appendInt64(b, e.pts)
			b = appendInt64(b, e.dur)
			var key byte
			if e.keyframe {
				key = 1
			}
			b = append(b, key)
			b = appendInt64(b, e.offset)
			b = appendUint32(b, e.size)
		}
	}
	b = appendInt64(b, trailerOffset)
	b = append(b, footerMagic...)
	return m.emit(b)
}
