package auth

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ipFailureTracker implements the per-IP JWT brute-force defense (§4.5):
// a sliding window of auth failures per remote address, logging a
// warning once it crosses warnThreshold and blocking new attempts for
// blockCooldown once it crosses blockThreshold.
type ipFailureTracker struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	window        time.Duration
	warnThreshold int
	blockThreshold int
	blockCooldown time.Duration
	log           logrus.FieldLogger

	failures map[string][]time.Time
	blocked  map[string]time.Time
	warned   map[string]bool
}

func newIPFailureTracker(clock clockwork.Clock, window time.Duration, warnAt, blockAt int, cooldown time.Duration, log logrus.FieldLogger) *ipFailureTracker {
	return &ipFailureTracker{
		clock:          clock,
		window:         window,
		warnThreshold:  warnAt,
		blockThreshold: blockAt,
		blockCooldown:  cooldown,
		log:            log,
		failures:       map[string][]time.Time{},
		blocked:        map[string]time.Time{},
		warned:         map[string]bool{},
	}
}

// Blocked reports whether ip is currently within its block cooldown.
func (t *ipFailureTracker) Blocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.blocked[ip]
	if !ok {
		return false
	}
	if t.clock.Now().After(until) {
		delete(t.blocked, ip)
		return false
	}
	return true
}

// RecordFailure appends a failure for ip, prunes entries outside the
// window, and escalates to warn/block as thresholds are crossed.
func (t *ipFailureTracker) RecordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	cutoff := now.Add(-t.window)
	kept := t.failures[ip][:0]
	for _, ts := range t.failures[ip] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.failures[ip] = kept

	count := len(kept)
	if count >= t.blockThreshold {
		t.blocked[ip] = now.Add(t.blockCooldown)
		t.log.WithField("remote_ip", ip).WithField("failures", count).
			Warn("blocking remote ip after repeated JWT auth failures")
		return
	}
	if count >= t.warnThreshold && !t.warned[ip] {
		t.warned[ip] = true
		t.log.WithField("remote_ip", ip).WithField("failures", count).
			Warn("elevated JWT auth failure rate from remote ip")
	}
}

// RecordSuccess clears ip's failure history: a good token resets the
// window rather than letting stale failures linger toward a future block.
func (t *ipFailureTracker) RecordSuccess(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, ip)
	delete(t.warned, ip)
}
