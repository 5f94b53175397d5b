// Package retention prunes terminal workflows past their TTL, both from
// the persistent store and from the engine's in-memory index.
package retention

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// StorePurger removes persisted terminal workflows older than a cutoff.
type StorePurger interface {
	PurgeTerminalBefore(cutoff time.Time) (int64, error)
}

// MemoryPurger removes in-memory terminal workflows older than an age.
type MemoryPurger interface {
	PurgeTerminal(olderThan time.Duration) int
}

// Sweeper runs the purge on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	store  StorePurger
	memory MemoryPurger
	ttl    time.Duration
}

// New builds a sweeper. schedule is standard 5-field cron syntax. Either
// purger may be nil when that side has nothing to prune.
func New(schedule string, ttl time.Duration, store StorePurger, memory MemoryPurger) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		memory: memory,
		ttl:    ttl,
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduled sweeps in a background goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep purges once, immediately.
func (s *Sweeper) Sweep() {
	if s.store != nil {
		n, err := s.store.PurgeTerminalBefore(time.Now().Add(-s.ttl))
		if err != nil {
			log.Printf("retention: store purge: %v", err)
		} else if n > 0 {
			log.Printf("retention: purged %d stored workflows older than %s", n, s.ttl)
		}
	}
	if s.memory != nil {
		if n := s.memory.PurgeTerminal(s.ttl); n > 0 {
			log.Printf("retention: dropped %d in-memory workflows older than %s", n, s.ttl)
		}
	}
}
