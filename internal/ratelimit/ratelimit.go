// Package ratelimit implements the dual-axis sliding-window connection
// limiter used by the Gateway and Authenticator.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Limiter tracks attempts per key (peer address or hashed token) within a
// sliding time window, independently for two axes.
type Limiter struct {
	window      time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu   sync.Mutex
	ip   map[string][]time.Time
	tok  map[string][]time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a Limiter with the given window and per-key attempt bound.
func New(window time.Duration, maxAttempts int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		window:      window,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "ratelimit"),
		ip:          make(map[string][]time.Time),
		tok:         make(map[string][]time.Time),
	}
}

// CheckIP applies the limiter to a peer address.
func (l *Limiter) CheckIP(addr string) bool {
	return l.check(l.ip, addr)
}

// CheckToken applies the limiter to a bearer token, hashed so the raw
// secret never sits in memory under this key.
func (l *Limiter) CheckToken(token string) bool {
	sum := sha256.Sum256([]byte(token))
	return l.check(l.tok, hex.EncodeToString(sum[:]))
}

func (l *Limiter) check(bucket map[string][]time.Time, key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := pruneBefore(bucket[key], cutoff)
	if len(kept) >= l.maxAttempts {
		bucket[key] = kept
		return false
	}
	bucket[key] = append(kept, now)
	return true
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// StartSweep launches a background goroutine that runs Sweep once per
// window.
func (l *Limiter) StartSweep() {
	l.sweepStop = make(chan struct{})
	l.sweepDone = make(chan struct{})
	go func() {
		defer close(l.sweepDone)
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()
		for {
			select {
			case <-l.sweepStop:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Sweep prunes both maps once, deleting keys whose attempt list has
// gone empty. StartSweep calls it on a ticker; internal/housekeeping may
// also drive it directly.
func (l *Limiter) Sweep() {
	cutoff := time.Now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ts := range l.ip {
		kept := pruneBefore(ts, cutoff)
		if len(kept) == 0 {
			delete(l.ip, k)
		} else {
			l.ip[k] = kept
		}
	}
	for k, ts := range l.tok {
		kept := pruneBefore(ts, cutoff)
		if len(kept) == 0 {
			delete(l.tok, k)
		} else {
			l.tok[k] = kept
		}
	}
	l.logger.Debug("sweep complete", "ipKeys", len(l.ip), "tokenKeys", len(l.tok))
}

// StopSweep stops the background sweep goroutine, if running.
func (l *Limiter) StopSweep() {
	if l.sweepStop == nil {
		return
	}
	close(l.sweepStop)
	<-l.sweepDone
}
