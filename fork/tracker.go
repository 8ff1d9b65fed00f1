package fork

import (
	"sync"
	"time"
)

// DefaultTrackerTTL bounds how long a fork request stays consumable.
const DefaultTrackerTTL = 10 * time.Minute

type pending struct {
	key     string
	expires time.Time
}

// Tracker remembers fork requests issued by this process so that only a
// response to one of them is ever consumed.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]pending
}

// NewTracker returns a Tracker whose entries expire after ttl. A non-positive
// ttl selects DefaultTrackerTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	return &Tracker{ttl: ttl, now: time.Now, pending: make(map[string]pending)}
}

// Track records a pending request.
func (t *Tracker) Track(r RequestResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	t.pending[r.State] = pending{key: r.Key, expires: t.now().Add(t.ttl)}
}

// Pending returns the number of unexpired requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	return len(t.pending)
}

// take removes state and returns its key if it was tracked and unexpired.
func (t *Tracker) take(state string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[state]
	if !ok {
		return "", false
	}
	delete(t.pending, state)
	if !t.now().Before(p.expires) {
		return "", false
	}
	return p.key, true
}

func (t *Tracker) prune() {
	now := t.now()
	for state, p := range t.pending {
		if !now.Before(p.expires) {
			delete(t.pending, state)
		}
	}
}
