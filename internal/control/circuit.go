package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker counts consecutive failures per error class and opens once
// any class reaches Threshold. After Cooldown a single probe is admitted;
// its outcome closes or reopens the breaker. Safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	probing     bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a call may proceed at now. While half-open only
// the first caller gets through until that probe is recorded.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < c.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return true
	default:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
}

// RecordSuccess closes the breaker and forgets past failures.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.openedClass = ""
	c.probing = false
	clear(c.failures)
}

// RecordFailure counts a failure of errClass and reports whether this call
// opened the breaker. A failed probe reopens it immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	switch c.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		c.trip(errClass, now)
		return true
	}
	c.failures[errClass]++
	if c.failures[errClass] < c.Threshold {
		return false
	}
	c.trip(errClass, now)
	return true
}

func (c *CircuitBreaker) trip(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
	c.probing = false
}

// OpenedClass names the error class that last opened the breaker.
func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

// Breakers hands out one breaker per provider name.
type Breakers struct {
	threshold int
	cooldown  time.Duration

	mu     sync.Mutex
	byName map[string]*CircuitBreaker
}

func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	return &Breakers{threshold: threshold, cooldown: cooldown, byName: map[string]*CircuitBreaker{}}
}

func (b *Breakers) For(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byName[name]
	if !ok {
		cb = NewCircuitBreaker(b.threshold, b.cooldown)
		b.byName[name] = cb
	}
	return cb
}

// States snapshots every known breaker.
func (b *Breakers) States() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CircuitState, len(b.byName))
	for name, cb := range b.byName {
		out[name] = cb.State()
	}
	return out
}
