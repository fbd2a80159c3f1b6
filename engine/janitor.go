package engine

import "time"

// Janitor periodically drops terminal sessions from the registry once their
// snapshots are old enough that no client still polls them.
type Janitor struct {
	registry  *Registry
	interval  time.Duration
	retention time.Duration
	done      chan struct{}
}

func NewJanitor(registry *Registry, interval, retention time.Duration) *Janitor {
	if interval == 0 {
		interval = time.Minute
	}
	if retention == 0 {
		retention = time.Hour
	}
	return &Janitor{
		registry:  registry,
		interval:  interval,
		retention: retention,
		done:      make(chan struct{}),
	}
}

// Run blocks, pruning on every tick until Stop is called.
func (j *Janitor) Run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			if n := j.registry.Prune(j.retention); n > 0 {
				logger.Info().Int("sessions", n).Msg("pruned finished sessions")
			}
		}
	}
}

func (j *Janitor) Stop() {
	close(j.done)
}
