package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultJanitorInterval is how often the janitor sweeps the lock tree.
const DefaultJanitorInterval = time.Minute

// Janitor periodically invokes the lock manager's cleanup across the whole
// lock tree, guarding against lock files leaked by crashed holders. It is an
// explicit, owned task handle: Start and Stop are idempotent and at most one
// sweep goroutine runs per Janitor.
type Janitor struct {
	locks    *LockManager
	interval time.Duration
	metrics  *Metrics // optional

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewJanitor creates a janitor sweeping locks at the given interval.
// An interval of 0 means DefaultJanitorInterval. metrics may be nil.
func NewJanitor(locks *LockManager, interval time.Duration, metrics *Metrics) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{locks: locks, interval: interval, metrics: metrics}
}

// Start launches the sweep goroutine. Calling Start on a running janitor is
// a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.stop = make(chan struct{})
	j.done = make(chan struct{})
	j.running = true

	go j.run(j.stop, j.done)
	log.Debug().Dur("interval", j.interval).Msg("lock janitor started")
}

// Stop halts the sweep goroutine and waits for it to exit. Calling Stop on a
// stopped janitor is a no-op.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	close(j.stop)
	<-j.done
	j.running = false
	log.Debug().Msg("lock janitor stopped")
}

// Running reports whether the sweep goroutine is active.
func (j *Janitor) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Janitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one cleanup pass over the lock tree. It is idempotent and safe
// to call concurrently with acquires and releases.
func (j *Janitor) Sweep() (cleaned, failed int) {
	cleaned, failed = j.locks.Cleanup()
	if cleaned > 0 || failed > 0 {
		log.Info().Int("cleaned", cleaned).Int("failed", failed).Msg("lock janitor sweep")
	}
	if j.metrics != nil {
		j.metrics.LocksCleaned.Add(float64(cleaned))
	}
	return cleaned, failed
}
