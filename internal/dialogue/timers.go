package dialogue

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// timerTable holds at most one inactivity timer per contact. Every arm
// bumps a generation counter, and a fired callback only counts when its
// generation is still the current one for that contact.
type timerTable struct {
	clock clock.WithDelayedExecution

	mu     sync.Mutex
	gen    uint64
	timers map[string]armedTimer
}

type armedTimer struct {
	gen   uint64
	timer clock.Timer
}

func newTimerTable(c clock.WithDelayedExecution) *timerTable {
	return &timerTable{clock: c, timers: make(map[string]armedTimer)}
}

// Arm replaces any timer of jid with one that calls fire after d. fire
// receives the generation it was armed with.
func (t *timerTable) Arm(jid string, d time.Duration, fire func(gen uint64)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[jid]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[jid] = armedTimer{gen: gen, timer: t.clock.AfterFunc(d, func() { fire(gen) })}
	return gen
}

// Cancel stops the timer of jid, if any.
func (t *timerTable) Cancel(jid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[jid]; ok {
		old.timer.Stop()
		delete(t.timers, jid)
	}
}

// Claim reports whether gen is the live timer of jid and, if so, forgets it.
// A stale or cancelled generation returns false.
func (t *timerTable) Claim(jid string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.timers[jid]
	if !ok || cur.gen != gen {
		return false
	}
	delete(t.timers, jid)
	return true
}

// Active reports whether jid has a live timer.
func (t *timerTable) Active(jid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[jid]
	return ok
}

// Len returns the number of live timers.
func (t *timerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// StopAll cancels every timer.
func (t *timerTable) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for jid, cur := range t.timers {
		cur.timer.Stop()
		delete(t.timers, jid)
	}
}
