// Package compositor owns the canvas: it keeps one texture per connected
// clip, composes the active placements each frame through their compiled
// effect chains, and captures export frames. It runs the consumer side of
// every video worker's frame port and the per-track preview readers.
package compositor

import (
	"sync"

	"github.com/bigmistqke/eddy/media"
)

// Port is the point-to-point frame channel from one video worker into the
// compositor. Exactly one port is active per clip; reconnecting a clip
// closes the prior port, which is the loop-handoff mechanism.
type Port struct {
	ch   chan *media.Frame
	done chan struct{}
	once sync.Once
}

func newPort() *Port {
	return &Port{
		ch:   make(chan *media.Frame, media.VideoPortBuffer),
		done: make(chan struct{}),
	}
}

// Send transfers a frame into the compositor, passing ownership. Frames
// sent to a closed or saturated port are closed and false is returned;
// the sender simply moves on to its next frame.
func (p *Port) Send(f *media.Frame) bool {
	select {
	case <-p.done:
		f.Close()
		return false
	default:
	}
	select {
	case p.ch <- f:
		return true
	case <-p.done:
		f.Close()
		return false
	default:
		f.Close()
		return false
	}
}

// Closed reports whether the port has been shut.
func (p *Port) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close shuts the port and releases any undelivered frames.
func (p *Port) Close() {
	p.once.Do(func() {
		close(p.done)
		for {
			select {
			case f := <-p.ch:
				f.Close()
			default:
				return
			}
		}
	})
}
