package scheduler

import "time"

// slidingWindow admits at most limit promotions per rolling window.
// Callers hold the scheduler mutex, so the window itself is unlocked.
type slidingWindow struct {
	window time.Duration
	limit  int
	starts []time.Time
}

func newSlidingWindow(window time.Duration, limit int) *slidingWindow {
	if window <= 0 || limit <= 0 {
		return nil
	}
	return &slidingWindow{window: window, limit: limit}
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.starts) && !w.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.starts = append(w.starts[:0], w.starts[i:]...)
	}
}

// Allow records a promotion at now if the window has room.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.prune(now)
	if len(w.starts) >= w.limit {
		return false
	}
	w.starts = append(w.starts, now)
	return true
}

// NextFree reports when the oldest recorded promotion falls out of the
// window. Only meaningful right after Allow returned false.
func (w *slidingWindow) NextFree(now time.Time) time.Time {
	w.prune(now)
	if len(w.starts) < w.limit {
		return now
	}
	return w.starts[0].Add(w.window)
}
