// Package sched implements the single-word priority scheduler shared
// between the recorder's muxer worker and every video decoder. The muxer
// observes its encoder queue depth on each enqueue; decoders consult the
// flag before decoding non-keyframes and shed delta frames while the
// encoder is behind.
package sched

import "sync/atomic"

// Flag values stored in the shared word.
const (
	idle int32 = 0
	busy int32 = 1
)

// Hysteresis thresholds. The flag is raised only above the high watermark
// and lowered only below the low watermark so a queue oscillating around a
// single depth cannot thrash the decoders.
const (
	raiseAbove = 5
	lowerBelow = 2
)

// Word is a shared scheduler cell. The zero value is idle and ready to use.
// The recorder session calls Observe (on each enqueue into the muxer queue)
// and Reset (on stop); any number of readers call ShouldSkipDeltaFrames.
// All accesses are atomic.
type Word struct {
	flag atomic.Int32
}

// Observe records the encoder queue depth after an enqueue, applying
// hysteresis to the shared flag.
func (w *Word) Observe(queueDepth int) {
	switch {
	case queueDepth > raiseAbove:
		w.flag.CompareAndSwap(idle, busy)
	case queueDepth < lowerBelow:
		w.flag.CompareAndSwap(busy, idle)
	}
}

// Reset forces the flag back to idle. Called when recording stops so a
// drained encoder cannot leave decoders shedding frames forever.
func (w *Word) Reset() {
	w.flag.Store(idle)
}

// ShouldSkipDeltaFrames reports whether video decoders should drop their
// next non-keyframe. Keyframes are never dropped regardless of the flag.
func (w *Word) ShouldSkipDeltaFrames() bool {
	return w.flag.Load() == busy
}
