package notifier

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDedupTTL covers the redelivery window of both brokers.
const DefaultDedupTTL = 10 * time.Minute

// Deduplicator remembers handled message ids for a limited time. It is safe
// for concurrent use.
type Deduplicator struct {
	mu        sync.Mutex
	ttl       time.Duration
	clock     clockwork.Clock
	seen      map[string]time.Time
	nextSweep time.Time
}

func NewDeduplicator(ttl time.Duration, clock clockwork.Clock) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Deduplicator{
		ttl:   ttl,
		clock: clock,
		seen:  make(map[string]time.Time),
	}
}

// Seen reports whether id was marked less than ttl ago.
func (d *Deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiresAt, ok := d.seen[id]
	if !ok {
		return false
	}
	if !d.clock.Now().Before(expiresAt) {
		delete(d.seen, id)
		return false
	}
	return true
}

func (d *Deduplicator) Mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	d.seen[id] = now.Add(d.ttl)
	if now.After(d.nextSweep) {
		for k, expiresAt := range d.seen {
			if !now.Before(expiresAt) {
				delete(d.seen, k)
			}
		}
		d.nextSweep = now.Add(d.ttl)
	}
}

// Len returns the number of remembered ids, expired ones included until
// the next sweep.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
