package worker

import (
	"sync"
	"time"
)

// SlidingWindow counts events that happened within a fixed horizon from now.
// The chat room uses it for the "invited but not yet joined" visitor counter:
// each invite notes a timestamp, and the reported visitor count includes the
// timestamps that have not expired yet, so that admission control does not
// double-book visitor slots while the invitees are still connecting.
type SlidingWindow struct {
	mutex   sync.Mutex
	horizon time.Duration
	stamps  []time.Time
	now     func() time.Time
}

// NewSlidingWindow creates a window with the given expiry horizon.
func NewSlidingWindow(horizon time.Duration) *SlidingWindow {
	return &SlidingWindow{horizon: horizon, now: time.Now}
}

// Note records one event at the current time.
func (w *SlidingWindow) Note() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.expire(w.now())
	w.stamps = append(w.stamps, w.now())
}

// Count returns the number of events still within the horizon.
func (w *SlidingWindow) Count() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.expire(w.now())
	return len(w.stamps)
}

// The stamps are appended in order, so expiry only ever trims the head.
func (w *SlidingWindow) expire(now time.Time) {
	cutoff := now.Add(-w.horizon)

	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}

	if idx > 0 {
		w.stamps = append([]time.Time{}, w.stamps[idx:]...)
	}
}
