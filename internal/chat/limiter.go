package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter applies a token bucket per sender and evicts idle senders.
type SendLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	bySender map[int64]*limiterEntry
	hits     uint64
	idleTTL  time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSendLimiter returns nil (no limit) when rps or burst is not positive.
func NewSendLimiter(rps float64, burst int, idleTTL time.Duration) *SendLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &SendLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		bySender: make(map[int64]*limiterEntry),
		idleTTL:  idleTTL,
	}
}

// Allow reports whether senderID may append one more message at now.
func (l *SendLimiter) Allow(senderID int64, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.bySender[senderID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bySender[senderID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range l.bySender {
			if v.lastSeen.Before(cutoff) {
				delete(l.bySender, id)
			}
		}
	}
	return allowed
}
