package player

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bigmistqke/eddy/playback"
	"github.com/bigmistqke/eddy/ring"
)

// ScheduleAhead is the lookahead horizon: successors are pre-created this
// many seconds before the loop point so the swap frame is already decoded
// when the clock wraps.
const ScheduleAhead = 2.0

// scheduled is one clip's pre-created successor unit.
type scheduled struct {
	clipID    string
	trackID   string
	unit      *playback.Unit
	ring      *ring.Buffer
	ready     bool
	cancelled bool
}

// AheadScheduler pre-creates a second playback unit per clip ahead of the
// loop point and hands it over atomically at the wrap. At most one
// successor exists per clip: the entry is registered synchronously before
// any loading starts, so consecutive render ticks cannot double-schedule.
type AheadScheduler struct {
	log *slog.Logger

	newUnit     func() (*playback.Unit, *ring.Buffer, error)
	releaseUnit func(*playback.Unit)

	mu      sync.Mutex
	entries map[string]*scheduled
}

// newAheadScheduler wires the scheduler to the coordinator's pools via
// the two callbacks.
func newAheadScheduler(log *slog.Logger, newUnit func() (*playback.Unit, *ring.Buffer, error), releaseUnit func(*playback.Unit)) *AheadScheduler {
	return &AheadScheduler{
		log:         log.With("component", "ahead-scheduler"),
		newUnit:     newUnit,
		releaseUnit: releaseUnit,
		entries:     make(map[string]*scheduled),
	}
}

// Scheduled reports whether a successor exists (in any state) for a clip.
func (s *AheadScheduler) Scheduled(clipID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[clipID]
	return ok
}

// Schedule pre-creates a successor for clipID positioned at mediaTime.
// The new unit loads and seeks in the background; its video worker is
// deliberately NOT connected to the compositor — the active worker keeps
// the port and keeps rendering the tail until activation.
func (s *AheadScheduler) Schedule(ctx context.Context, clipID, trackID string, mediaTime float64) {
	s.mu.Lock()
	if _, ok := s.entries[clipID]; ok {
		s.mu.Unlock()
		return
	}
	entry := &scheduled{clipID: clipID, trackID: trackID}
	s.entries[clipID] = entry
	s.mu.Unlock()

	go func() {
		unit, r, err := s.newUnit()
		if err != nil {
			s.log.Warn("successor pool acquire failed", "clip", clipID, "error", err)
			s.drop(entry)
			return
		}
		entry.unit = unit
		entry.ring = r

		if err := unit.Load(ctx, clipID); err != nil {
			s.log.Warn("successor load failed", "clip", clipID, "error", err)
			s.abort(entry)
			return
		}
		if err := unit.Seek(ctx, mediaTime); err != nil {
			s.log.Warn("successor seek failed", "clip", clipID, "error", err)
			s.abort(entry)
			return
		}

		s.mu.Lock()
		if entry.cancelled {
			s.mu.Unlock()
			unit.Destroy()
			s.releaseUnit(unit)
			return
		}
		entry.ready = true
		s.mu.Unlock()
		s.log.Debug("successor ready", "clip", clipID, "at", mediaTime)
	}()
}

// Activate hands over the ready successor for clipID, or nil when none is
// ready — the caller falls back to an in-place seek. A not-yet-ready
// successor is cancelled so it cannot activate on a later wrap at a stale
// position.
func (s *AheadScheduler) Activate(clipID string) (*playback.Unit, *ring.Buffer) {
	s.mu.Lock()
	entry, ok := s.entries[clipID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	delete(s.entries, clipID)
	if !entry.ready {
		entry.cancelled = true
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return entry.unit, entry.ring
}

// Cancel discards one clip's successor, releasing its workers.
func (s *AheadScheduler) Cancel(clipID string) {
	s.mu.Lock()
	entry, ok := s.entries[clipID]
	if ok {
		delete(s.entries, clipID)
	}
	s.mu.Unlock()
	if ok {
		s.discard(entry)
	}
}

// CancelAll discards every successor. Called on setLoop(false) and stop.
func (s *AheadScheduler) CancelAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*scheduled)
	s.mu.Unlock()
	for _, entry := range entries {
		s.discard(entry)
	}
}

// discard tears down an entry already removed from the map. Entries still
// loading are flagged; their goroutine releases the unit when it completes.
func (s *AheadScheduler) discard(entry *scheduled) {
	s.mu.Lock()
	ready := entry.ready
	if !ready {
		entry.cancelled = true
	}
	s.mu.Unlock()

	if ready {
		entry.unit.Destroy()
		s.releaseUnit(entry.unit)
	}
}

// drop removes an entry that never acquired workers.
func (s *AheadScheduler) drop(entry *scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[entry.clipID] == entry {
		delete(s.entries, entry.clipID)
	}
}

// abort releases a half-built entry after a load or seek failure.
func (s *AheadScheduler) abort(entry *scheduled) {
	entry.unit.Destroy()
	s.releaseUnit(entry.unit)
	s.drop(entry)
}
