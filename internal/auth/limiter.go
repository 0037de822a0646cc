package auth

import (
	"sync"
	"time"
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// limiter は IP ごとのログイン失敗回数を数え、上限に達したら一定時間ロックします。
type limiter struct {
	max     int
	window  time.Duration
	lockFor time.Duration

	mu       sync.Mutex
	attempts map[string]*attemptState
}

func newLimiter(max int, window, lockFor time.Duration) *limiter {
	return &limiter{
		max:      max,
		window:   window,
		lockFor:  lockFor,
		attempts: make(map[string]*attemptState),
	}
}

// lockedFor はロック解除までの残り時間を返します。ロックされていなければ 0 です。
func (l *limiter) lockedFor(ip string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.attempts[ip]
	if !ok || !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// fail は失敗を記録し、残りの試行回数を返します。
func (l *limiter) fail(ip string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > l.window {
		state = &attemptState{firstAttempt: now}
		l.attempts[ip] = state
	}
	state.count++
	if state.count >= l.max {
		state.count = l.max
		state.lockedUntil = now.Add(l.lockFor)
	}
	return l.max - state.count
}

func (l *limiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}
