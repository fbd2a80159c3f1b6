// Package netmon samples connectivity quality on a fixed schedule and
// exposes the latest classification read-only. Sessions read a snapshot at
// start time; transfer decisions derived from it stay fixed for the session.
package netmon

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
	TierOffline   Tier = "offline"
)

// Status is one connectivity classification. Stale means the last probe is
// older than the expected cadence; readers get the last-known value rather
// than blocking on a fresh sample.
type Status struct {
	Tier      Tier      `json:"tier"`
	LatencyMS int64     `json:"latency_ms"`
	KBps      float64   `json:"kbps"`
	SampledAt time.Time `json:"sampled_at"`
	Stale     bool      `json:"stale"`
}

// Prober measures the link. Implementations must honour ctx deadlines.
type Prober interface {
	Probe(ctx context.Context) (latency time.Duration, kbps float64, err error)
}

// HTTPProber times a small GET against a well-known endpoint and estimates
// throughput from the response size.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, float64, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", p.URL, nil)
	if err != nil {
		return 0, 0, err
	}
	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer res.Body.Close()
	n := int64(0)
	buf := make([]byte, 32*1024)
	for {
		read, rerr := res.Body.Read(buf)
		n += int64(read)
		if rerr != nil {
			break
		}
	}
	elapsed := time.Since(start)
	kbps := float64(n) / 1024 / elapsed.Seconds()
	return elapsed, kbps, nil
}

// Monitor probes periodically and keeps the latest Status. Run blocks until
// Stop is called; start it in a goroutine, like the other scheduled tasks
// owned by the process lifecycle.
type Monitor struct {
	prober   Prober
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}

	mu   sync.RWMutex
	last Status
}

func NewMonitor(p Prober, interval time.Duration) *Monitor {
	if interval == 0 {
		interval = 2 * time.Minute
	}
	return &Monitor{
		prober:   p,
		interval: interval,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		last:     Status{Tier: TierOffline, Stale: true},
	}
}

func (m *Monitor) Run() {
	m.sample()
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) Stop() {
	m.ticker.Stop()
	close(m.done)
}

func (m *Monitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval/2)
	defer cancel()
	latency, kbps, err := m.prober.Probe(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		logger.Warn().Err(err).Msg("connectivity probe failed, marking offline")
		m.last = Status{Tier: TierOffline, SampledAt: time.Now()}
		return
	}
	m.last = Status{
		Tier:      Classify(latency, kbps),
		LatencyMS: latency.Milliseconds(),
		KBps:      kbps,
		SampledAt: time.Now(),
	}
}

// Status returns the last-known classification without blocking on a fresh
// sample. Stale is set when the sample has outlived three probe intervals.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.last
	if s.SampledAt.IsZero() || time.Since(s.SampledAt) > 3*m.interval {
		s.Stale = true
	}
	return s
}

// Classify maps raw probe measurements onto a quality tier.
func Classify(latency time.Duration, kbps float64) Tier {
	switch {
	case latency < 100*time.Millisecond && kbps > 1024:
		return TierExcellent
	case latency < 300*time.Millisecond && kbps > 256:
		return TierGood
	case latency < 1000*time.Millisecond && kbps > 64:
		return TierFair
	case kbps > 0:
		return TierPoor
	}
	return TierOffline
}
