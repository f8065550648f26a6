package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const rateSpan = time.Hour

// rateWindow counts deliveries per user over a sliding hour.
type rateWindow struct {
	mu    sync.Mutex
	sends map[uuid.UUID][]time.Time
}

func newRateWindow() *rateWindow {
	return &rateWindow{sends: make(map[uuid.UUID][]time.Time)}
}

// allow records a delivery if the user is under max within the last hour and
// reports whether it fit.
func (w *rateWindow) allow(userID uuid.UUID, max int, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-rateSpan)
	kept := w.sends[userID][:0]
	for _, ts := range w.sends[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		w.sends[userID] = kept
		return false
	}
	w.sends[userID] = append(kept, now)
	return true
}

// prune drops users with no activity inside the window.
func (w *rateWindow) prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-rateSpan)
	for id, times := range w.sends {
		live := false
		for _, ts := range times {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(w.sends, id)
		}
	}
}
