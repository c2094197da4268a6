package engine

import (
	"time"

	"golang.org/x/time/rate"
)

// speedWindow is how far back throughput is averaged.
const speedWindow = 1500 * time.Millisecond

type sample struct {
	at    time.Time
	total int64
}

// progressTracker turns a stream of byte totals into throughput and ETA,
// and throttles how often progress is published.
type progressTracker struct {
	samples  []sample
	throttle rate.Sometimes
}

func newProgressTracker(interval time.Duration) *progressTracker {
	return &progressTracker{throttle: rate.Sometimes{Interval: interval}}
}

// observe records total at now and returns bytes per second over the
// sliding window.
func (p *progressTracker) observe(now time.Time, total int64) float64 {
	p.samples = append(p.samples, sample{at: now, total: total})

	// Keep the newest sample older than the window as the baseline
	cutoff := now.Add(-speedWindow)
	drop := 0
	for drop+1 < len(p.samples) && !p.samples[drop+1].at.After(cutoff) {
		drop++
	}
	p.samples = p.samples[drop:]

	first, last := p.samples[0], p.samples[len(p.samples)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.total-first.total) / dt
}

// publish runs fn at most once per interval. The first call always runs.
func (p *progressTracker) publish(fn func()) {
	p.throttle.Do(fn)
}

func estimate(speed float64, done, total int64) time.Duration {
	if speed <= 0 || total <= 0 || done >= total {
		return 0
	}
	secs := float64(total-done) / speed
	return time.Duration(secs * float64(time.Second))
}
