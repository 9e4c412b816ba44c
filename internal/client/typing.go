package client

import (
	"sync"
	"time"
)

const (
	// DefaultTypingTTL is how long a typing indicator stays on without a
	// refresh from the other participant.
	DefaultTypingTTL = 5 * time.Second
	// DefaultTypingThrottle spaces outbound "typing" frames while the user
	// keeps typing.
	DefaultTypingThrottle = 1200 * time.Millisecond
)

type typingKey struct {
	conversationID int64
	userID         int64
}

// TypingTracker holds remote typing indicators. An indicator switches off by
// itself when no refresh arrives within the TTL, so a lost "stopped" event
// never leaves it stuck on.
type TypingTracker struct {
	ttl      time.Duration
	onChange func(conversationID int64)

	mu      sync.Mutex
	timers  map[typingKey]*indicator
	stopped bool
}

// NewTypingTracker returns a tracker with the given TTL. onChange, when not
// nil, runs after an indicator of a conversation turns on or off.
func NewTypingTracker(ttl time.Duration, onChange func(conversationID int64)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		onChange: onChange,
		timers:   make(map[typingKey]*indicator),
	}
}

// Observe applies one typing event.
func (t *TypingTracker) Observe(ev TypingUpdate) {
	key := typingKey{conversationID: ev.ConversationID, userID: ev.UserID}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	current, active := t.timers[key]
	if active {
		current.timer.Stop()
		delete(t.timers, key)
	}
	changed := active != ev.Typing
	if ev.Typing {
		ind := &indicator{}
		ind.timer = time.AfterFunc(t.ttl, func() { t.expire(key, ind) })
		t.timers[key] = ind
	}
	t.mu.Unlock()

	if changed {
		t.notify(ev.ConversationID)
	}
}

// TypingUpdate is the tracker's view of a typing event.
type TypingUpdate struct {
	ConversationID int64
	UserID         int64
	Typing         bool
}

type indicator struct {
	timer *time.Timer
}

func (t *TypingTracker) expire(key typingKey, ind *indicator) {
	t.mu.Lock()
	if t.timers[key] != ind {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.mu.Unlock()
	t.notify(key.conversationID)
}

func (t *TypingTracker) notify(conversationID int64) {
	if t.onChange != nil {
		t.onChange(conversationID)
	}
}

func (t *TypingTracker) IsTyping(conversationID, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[typingKey{conversationID: conversationID, userID: userID}]
	return ok
}

// Typing returns the ids of users currently typing in the conversation.
func (t *TypingTracker) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int64
	for key := range t.timers {
		if key.conversationID == conversationID {
			ids = append(ids, key.userID)
		}
	}
	return ids
}

// Stop clears every indicator and ignores later events.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, ind := range t.timers {
		ind.timer.Stop()
		delete(t.timers, key)
	}
}

// TypingNotifier throttles the local user's typing frames. Keystrokes call
// Keystroke; at most one "typing" frame goes out per interval, and Idle sends
// the "stopped" frame once.
type TypingNotifier struct {
	interval time.Duration
	send     func(typing bool) error
	now      func() time.Time

	mu     sync.Mutex
	last   time.Time
	active bool
}

func NewTypingNotifier(interval time.Duration, send func(typing bool) error) *TypingNotifier {
	if interval <= 0 {
		interval = DefaultTypingThrottle
	}
	return &TypingNotifier{interval: interval, send: send, now: time.Now}
}

func (n *TypingNotifier) Keystroke() error {
	n.mu.Lock()
	now := n.now()
	if n.active && now.Sub(n.last) < n.interval {
		n.mu.Unlock()
		return nil
	}
	n.active = true
	n.last = now
	n.mu.Unlock()
	return n.send(true)
}

func (n *TypingNotifier) Idle() error {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return nil
	}
	n.active = false
	n.mu.Unlock()
	return n.send(false)
}
