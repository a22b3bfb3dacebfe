package ring

import (
	"sync"
	"testing"
)

func planes(chs, n int, fill func(ch, i int) float32) [][]float32 {
	p := make([][]float32, chs)
	for ch := range p {
		p[ch] = make([]float32, n)
		if fill != nil {
			for i := range p[ch] {
				p[ch][i] = fill(ch, i)
			}
		}
	}
	return p
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	b := New(2, 16)
	b.SetPlaying(true)

	in := planes(2, 8, func(ch, i int) float32 { return float32(ch*100 + i) })
	if got := b.Write(in, 8); got != 8 {
		t.Fatalf("Write: got %d, want 8", got)
	}

	out := planes(2, 8, nil)
	if got := b.Read(out, 8); got != 8 {
		t.Fatalf("Read: got %d, want 8", got)
	}
	for ch := 0; ch < 2; ch++ {
		for i := 0; i < 8; i++ {
			if out[ch][i] != in[ch][i] {
				t.Fatalf("sample [%d][%d]: got %v, want %v", ch, i, out[ch][i], in[ch][i])
			}
		}
	}
}

func TestReadWhileStoppedOutputsSilence(t *testing.T) {
	t.Parallel()

	b := New(1, 8)
	b.Write(planes(1, 4, func(_, i int) float32 { return 1 }), 4)

	out := planes(1, 4, func(_, i int) float32 { return 7 })
	if got := b.Read(out, 4); got != 0 {
		t.Fatalf("Read while stopped: got %d, want 0", got)
	}
	for i, v := range out[0] {
		if v != 0 {
			t.Fatalf("sample %d: got %v, want silence", i, v)
		}
	}
	if b.Occupancy() != 4 {
		t.Fatalf("occupancy: got %d, want 4 (stopped reads consume nothing)", b.Occupancy())
	}
}

func TestUnderrunFillsTailWithSilence(t *testing.T) {
	t.Parallel()

	b := New(1, 8)
	b.SetPlaying(true)
	b.Write(planes(1, 3, func(_, i int) float32 { return float32(i + 1) }), 3)

	out := planes(1, 6, func(_, i int) float32 { return 9 })
	if got := b.Read(out, 6); got != 3 {
		t.Fatalf("Read: got %d, want 3", got)
	}
	want := []float32{1, 2, 3, 0, 0, 0}
	for i, v := range out[0] {
		if v != want[i] {
			t.Fatalf("sample %d: got %v, want %v", i, v, want[i])
		}
	}
}

func TestWriteStopsAtCapacity(t *testing.T) {
	t.Parallel()

	b := New(1, 8)
	in := planes(1, 10, func(_, i int) float32 { return float32(i) })
	if got := b.Write(in, 10); got != 8 {
		t.Fatalf("first Write: got %d, want 8", got)
	}
	if got := b.Write(in, 10); got != 0 {
		t.Fatalf("Write into full ring: got %d, want 0", got)
	}
}

func TestWrapAround(t *testing.T) {
	t.Parallel()

	b := New(1, 4)
	b.SetPlaying(true)
	out := planes(1, 3, nil)

	seq := float32(0)
	for round := 0; round < 10; round++ {
		in := planes(1, 3, func(_, i int) float32 { return seq + float32(i) })
		if got := b.Write(in, 3); got != 3 {
			t.Fatalf("round %d Write: got %d, want 3", round, got)
		}
		if got := b.Read(out, 3); got != 3 {
			t.Fatalf("round %d Read: got %d, want 3", round, got)
		}
		for i := 0; i < 3; i++ {
			if out[0][i] != seq+float32(i) {
				t.Fatalf("round %d sample %d: got %v, want %v", round, i, out[0][i], seq+float32(i))
			}
		}
		seq += 3
	}
}

// TestConcurrentPrefixProperty drives a writer and reader concurrently and
// verifies the read sequence (minus silence fill) is a prefix of the
// written sequence.
func TestConcurrentPrefixProperty(t *testing.T) {
	t.Parallel()

	const total = 20000
	b := New(1, 64)
	b.SetPlaying(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		written := 0
		buf := planes(1, 16, nil)
		for written < total {
			n := 16
			if total-written < n {
				n = total - written
			}
			for i := 0; i < n; i++ {
				buf[0][i] = float32(written + i + 1)
			}
			w := b.Write(buf, n)
			written += w
		}
	}()

	var got []float32
	out := planes(1, 16, nil)
	for len(got) < total {
		n := b.Read(out, 16)
		got = append(got, out[0][:n]...)
	}
	wg.Wait()

	for i, v := range got {
		if v != float32(i+1) {
			t.Fatalf("sample %d: got %v, want %v (read sequence must be the written prefix)", i, v, i+1)
		}
	}
}
