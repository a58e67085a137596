package connection

import "sync"

// outboundRing remembers the most recent message ids sent by the bot so
// their echoes can be told apart from messages typed by the operator.
type outboundRing struct {
	mu   sync.Mutex
	ids  []string
	set  map[string]struct{}
	next int
}

func newOutboundRing(size int) *outboundRing {
	if size <= 0 {
		size = 1
	}
	return &outboundRing{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

func (r *outboundRing) Add(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}

func (r *outboundRing) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}

type heldEcho struct {
	id, text string
}

// echoGate decides whether a message from the business account is an echo of
// the bot's own send. While a send to a chat is unacknowledged its message id
// is unknown, so own-account messages for that chat are held until the send
// finishes and then checked against the ring.
type echoGate struct {
	ring *outboundRing

	mu       sync.Mutex
	inflight map[string]int
	held     map[string][]heldEcho
}

func newEchoGate(ring *outboundRing) *echoGate {
	return &echoGate{
		ring:     ring,
		inflight: make(map[string]int),
		held:     make(map[string][]heldEcho),
	}
}

// Begin marks a send to jid as in flight.
func (g *echoGate) Begin(jid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight[jid]++
}

// Finish records the message id of a completed send (empty when it failed)
// and returns the held messages that turned out to be typed by the operator.
func (g *echoGate) Finish(jid, id string) []heldEcho {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ring.Add(id)
	if g.inflight[jid]--; g.inflight[jid] > 0 {
		return nil
	}
	delete(g.inflight, jid)
	held := g.held[jid]
	delete(g.held, jid)

	var operator []heldEcho
	for _, h := range held {
		if !g.ring.Contains(h.id) {
			operator = append(operator, h)
		}
	}
	return operator
}

// Admit reports whether an own-account message should go to the operator
// handler now. Echoes of known sends and messages held for an in-flight send
// are not admitted.
func (g *echoGate) Admit(jid, id, text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ring.Contains(id) {
		return false
	}
	if g.inflight[jid] > 0 {
		g.held[jid] = append(g.held[jid], heldEcho{id: id, text: text})
		return false
	}
	return true
}
