package playback

import (
	"math"
	"testing"

	"github.com/bigmistqke/eddy/codec"
	"github.com/bigmistqke/eddy/container"
	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/storage"
)

const (
	testFPS    = 25
	testRate   = 8000
	testWidth  = 4
	testHeight = 4
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeTestClip muxes durSec seconds of generated video and audio into the
// store under clipID. Video keyframes land every fifth frame.
func writeTestClip(t *testing.T, s *storage.Store, clipID string, durSec float64) {
	t.Helper()

	w, err := s.Writer(clipID)
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	m := container.NewMuxer(w)
	if err := m.AddTrack(container.TrackInfo{
		ID: 1, Kind: container.TrackVideo, Codec: codec.CodecRawVideo,
		Width: testWidth, Height: testHeight,
	}); err != nil {
		t.Fatalf("AddTrack video: %v", err)
	}
	if err := m.AddTrack(container.TrackInfo{
		ID: 2, Kind: container.TrackAudio, Codec: codec.CodecPCMF32,
		SampleRate: testRate, Channels: 2,
	}); err != nil {
		t.Fatalf("AddTrack audio: %v", err)
	}

	venc, _ := codec.NewVideoEncoder(codec.CodecRawVideo)
	venc.Configure(codec.VideoConfig{Codec: codec.CodecRawVideo, Width: testWidth, Height: testHeight})
	frames := int(durSec * testFPS)
	for i := 0; i < frames; i++ {
		f := media.NewFrame(float64(i)/testFPS, 1.0/testFPS, testWidth, testHeight)
		for p := range f.Data {
			f.Data[p] = byte(i)
		}
		pkt, err := venc.Encode(f, i%5 == 0)
		if err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
		pkt.Track = 1
		if err := m.WriteSample(pkt); err != nil {
			t.Fatalf("WriteSample video %d: %v", i, err)
		}
	}

	aenc, _ := codec.NewAudioEncoder(codec.CodecPCMF32)
	aenc.Configure(codec.AudioConfig{Codec: codec.CodecPCMF32, SampleRate: testRate, Channels: 2})
	const unit = 800 // 100 ms at 8 kHz
	units := int(durSec * testRate / unit)
	for i := 0; i < units; i++ {
		chunk := &media.AudioChunk{
			Timestamp:  float64(i*unit) / testRate,
			SampleRate: testRate,
			Channels:   [][]float32{make([]float32, unit), make([]float32, unit)},
		}
		for j := 0; j < unit; j++ {
			v := float32(math.Sin(2 * math.Pi * 440 * float64(i*unit+j) / testRate))
			chunk.Channels[0][j] = v
			chunk.Channels[1][j] = v
		}
		pkt, err := aenc.Encode(chunk)
		if err != nil {
			t.Fatalf("Encode audio %d: %v", i, err)
		}
		pkt.Track = 2
		if err := m.WriteSample(pkt); err != nil {
			t.Fatalf("WriteSample audio %d: %v", i, err)
		}
	}

	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// writeCorruptClip muxes a keyframe, a corrupt delta, then valid samples,
// for decoder-recovery tests.
func writeCorruptClip(t *testing.T, s *storage.Store, clipID string) {
	t.Helper()

	w, err := s.Writer(clipID)
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	m := container.NewMuxer(w)
	m.AddTrack(container.TrackInfo{
		ID: 1, Kind: container.TrackVideo, Codec: codec.CodecRawVideo,
		Width: testWidth, Height: testHeight,
	})

	venc, _ := codec.NewVideoEncoder(codec.CodecRawVideo)
	venc.Configure(codec.VideoConfig{Codec: codec.CodecRawVideo, Width: testWidth, Height: testHeight})

	key, _ := venc.Encode(solid(0, 0x11), true)
	key.Track = 1
	m.WriteSample(key)

	corrupt := &media.Packet{
		Track: 1, PTS: 40000, Duration: 40000, Keyframe: false,
		Data: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01},
	}
	m.WriteSample(corrupt)
	venc.Encode(solid(0.04, 0x22), false) // keep encoder state aligned

	for i := 2; i < 10; i++ {
		pkt, _ := venc.Encode(solid(float64(i)/testFPS, byte(0x10*i)), i%5 == 0)
		pkt.Track = 1
		m.WriteSample(pkt)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func solid(ts float64, fill byte) *media.Frame {
	f := media.NewFrame(ts, 1.0/testFPS, testWidth, testHeight)
	for i := range f.Data {
		f.Data[i] = fill
	}
	return f
}
