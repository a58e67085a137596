package dialogue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces consecutive sends to the same contact.
type pacer struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: interval, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until jid may receive another message.
func (p *pacer) Wait(ctx context.Context, jid string) error {
	if p.interval <= 0 {
		return nil
	}
	p.mu.Lock()
	lim, ok := p.limiters[jid]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[jid] = lim
	}
	p.mu.Unlock()
	return lim.Wait(ctx)
}

// Forget drops the limiter of jid.
func (p *pacer) Forget(jid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, jid)
}

// Len returns the number of contacts with a limiter.
func (p *pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
