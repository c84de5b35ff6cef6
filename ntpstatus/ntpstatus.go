// Package ntpstatus keeps a low-rate, mutex-guarded cache of the host's
// NTP synchronization status so no pipeline stage ever blocks on a
// subprocess or syscall in its critical path.
package ntpstatus

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the most recently refreshed NTP synchronization snapshot.
type Status struct {
	Synced      bool
	OffsetMs    float64
	StratumHint int
	RefreshedAt time.Time
}

// Reader serves Status reads from a cache refreshed on a fixed interval
// by a single background goroutine, so readers never block on chronyc/
// ntpq.
type Reader struct {
	mu     sync.RWMutex
	status Status

	log zerolog.Logger
}

// NewReader constructs a Reader with a zero-value (unsynced) status
// until the first refresh completes.
func NewReader(log zerolog.Logger) *Reader {
	return &Reader{log: log.With().Str("component", "ntpstatus").Logger()}
}

// Current returns the most recently cached status. Safe for concurrent
// use by any number of readers.
func (r *Reader) Current() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Run refreshes the cache on every tick of interval until ctx is
// canceled. Intended to be started once per process, not per channel:
// NTP status is host-wide.
func (r *Reader) Run(ctx context.Context, interval time.Duration) {
	r.refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Reader) refresh(ctx context.Context) {
	st, err := queryChrony(ctx)
	if err != nil {
		r.log.Debug().Err(err).Msg("ntp status query failed, keeping last known status")
		r.mu.Lock()
		r.status.RefreshedAt = time.Now()
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.status = st
	r.mu.Unlock()
}

var trackingOffsetRe = regexp.MustCompile(`System time\s*:\s*([\-0-9.]+)\s*seconds`)
var trackingStratumRe = regexp.MustCompile(`Stratum\s*:\s*(\d+)`)
var trackingLeapRe = regexp.MustCompile(`Leap status\s*:\s*(\w+)`)

// queryChrony shells out to `chronyc tracking`, the standard way to read
// NTP discipline status on the systems this recorder targets. A fixed
// timeout keeps a hung subprocess from ever stalling the refresh loop.
func queryChrony(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "chronyc", "tracking").Output()
	if err != nil {
		return Status{}, err
	}

	text := string(out)
	status := Status{RefreshedAt: time.Now()}

	if m := trackingOffsetRe.FindStringSubmatch(text); m != nil {
		if v, perr := strconv.ParseFloat(m[1], 64); perr == nil {
			status.OffsetMs = v * 1000
		}
	}
	if m := trackingStratumRe.FindStringSubmatch(text); m != nil {
		if v, perr := strconv.Atoi(m[1]); perr == nil {
			status.StratumHint = v
		}
	}
	if m := trackingLeapRe.FindStringSubmatch(text); m != nil {
		status.Synced = m[1] == "Normal"
	}

	return status, nil
}
