// Package dialogue runs the qualification conversation for every contact.
// Inbound messages, timer expiries and operator commands for one contact
// are funneled through a single worker so a session is only ever mutated by
// one goroutine.
package dialogue

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/ashureev/salesbot/internal/catalog"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/flow"
	"github.com/ashureev/salesbot/internal/identity"
	"github.com/ashureev/salesbot/internal/metrics"
	"github.com/ashureev/salesbot/internal/transport"
)

const (
	// DefaultSendInterval spaces consecutive messages to one contact.
	DefaultSendInterval = 1500 * time.Millisecond
	// DefaultOverrideMarker hands a chat to the operator when typed by them.
	DefaultOverrideMarker = "#human"
	// DefaultResetMarker restarts a chat when typed by the operator.
	DefaultResetMarker = "#bot-reset"

	saveTimeout = 10 * time.Second
)

// Sender delivers outbound content to a contact.
type Sender interface {
	Send(ctx context.Context, jid string, content transport.Content) error
}

// Media resolves catalog batches and reads their images.
type Media interface {
	Resolve(tier string, limit int) (catalog.Batch, error)
	Open(item catalog.Item) ([]byte, error)
}

// Config tunes the engine.
type Config struct {
	SendInterval   time.Duration
	OverrideMarker string
	ResetMarker    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the engine settings. Zero fields keep their defaults
// except SendInterval, where zero disables pacing.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg.SendInterval = cfg.SendInterval
		if cfg.OverrideMarker != "" {
			e.cfg.OverrideMarker = cfg.OverrideMarker
		}
		if cfg.ResetMarker != "" {
			e.cfg.ResetMarker = cfg.ResetMarker
		}
	}
}

// WithMedia enables the catalog branch.
func WithMedia(m Media) Option {
	return func(e *Engine) { e.media = m }
}

// WithBlocklist sets the contacts that never get automated replies.
func WithBlocklist(b *identity.Blocklist) Option {
	return func(e *Engine) { e.blocklist = b }
}

// WithClock injects the clock used for inactivity timers.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records dialogue outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine drives the step table for every contact.
type Engine struct {
	flow      *flow.Definition
	sender    Sender
	store     SessionStore
	media     Media
	blocklist *identity.Blocklist
	clock     clock.WithDelayedExecution
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	exec   *Executor
	timers *timerTable
	reg    *registry
	saver  *saver
	pacer  *pacer

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Engine. Call Resume before routing traffic to it.
func New(def *flow.Definition, sender Sender, st SessionStore, opts ...Option) *Engine {
	e := &Engine{
		flow:   def,
		sender: sender,
		store:  st,
		clock:  clock.RealClock{},
		cfg: Config{
			SendInterval:   DefaultSendInterval,
			OverrideMarker: DefaultOverrideMarker,
			ResetMarker:    DefaultResetMarker,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.exec = NewExecutor(e.logger)
	e.timers = newTimerTable(e.clock)
	e.reg = newRegistry()
	e.saver = &saver{reg: e.reg, store: st}
	e.pacer = newPacer(e.cfg.SendInterval)
	return e
}

// Resume loads the persisted session table and re-arms a timer for every
// session that is still mid-sequence.
func (e *Engine) Resume(ctx context.Context) int {
	sessions := e.store.LoadSessions(ctx)
	e.reg.Replace(sessions)

	armed, blocked := 0, 0
	for _, s := range sessions {
		if s.Done() {
			continue
		}
		if e.blocklist.Contains(s.JID) {
			s.HumanOverride = true
			s.UpdatedAt = e.clock.Now()
			e.reg.Put(s)
			e.metrics.Handoff("blocklist")
			blocked++
			continue
		}
		e.arm(s)
		armed++
	}
	if blocked > 0 {
		e.saver.Save(ctx)
	}
	e.metrics.Sessions(len(sessions))
	e.logger.Info("Sessions resumed", "total", len(sessions), "active", armed, "blocklisted", blocked)
	return armed
}

// HandleMessage queues a contact's message for its worker.
func (e *Engine) HandleMessage(_ context.Context, jid, text string) {
	if err := e.exec.Submit(jid, func() { e.onMessage(jid, text) }); err != nil {
		e.logger.Warn("Dropping inbound message", "jid", jid, "error", err)
	}
}

// HandleOperatorMessage turns marker tokens typed by the operator into
// commands. Any other operator text is ordinary conversation and ignored.
func (e *Engine) HandleOperatorMessage(_ context.Context, jid, text string) {
	cmd, ok := e.parseMarker(jid, text)
	if !ok {
		return
	}
	if err := e.exec.Submit(jid, func() { e.apply(cmd) }); err != nil {
		e.logger.Warn("Dropping operator command", "jid", jid, "kind", cmd.Kind, "error", err)
	}
}

// Session returns a copy of the session of jid.
func (e *Engine) Session(jid string) (domain.Session, bool) {
	return e.reg.Get(jid)
}

// Sessions returns a copy of the whole session table.
func (e *Engine) Sessions() map[string]domain.Session {
	return e.reg.Snapshot()
}

// Wait blocks until every queued task has run.
func (e *Engine) Wait() {
	e.exec.Wait()
}

// Close stops all timers, aborts pending paced sends and waits for the
// workers to drain.
func (e *Engine) Close() {
	e.timers.StopAll()
	e.cancel()
	e.exec.Close()
}

// onMessage runs on the contact's worker.
func (e *Engine) onMessage(jid, text string) {
	sess, ok := e.reg.Get(jid)
	if !ok {
		e.firstContact(jid, text)
		return
	}
	if sess.Done() {
		return
	}
	if e.blocklist.Contains(jid) {
		e.block(sess)
		return
	}

	var out outbox
	if sess.WaitingForCatalog {
		e.catalogReply(&sess, text, &out)
	} else {
		e.answer(&sess, text, &out)
	}
	e.commit(sess)
	e.flush(jid, out)
}

func (e *Engine) firstContact(jid, text string) {
	sess := domain.NewSession(jid, e.flow.Start, e.clock.Now())

	if e.blocklist.Contains(jid) {
		e.block(sess)
		return
	}

	var out outbox
	start, _ := e.flow.Step(e.flow.Start)
	if _, ok := start.Match(text); ok {
		e.answer(&sess, text, &out)
	} else {
		out.text(start.Prompt)
		e.arm(sess)
	}
	e.commit(sess)
	e.logger.Info("Session started", "jid", jid, "step", sess.Step)
	e.flush(jid, out)
}

// block hands a blocklisted contact's chat to the operator without a reply.
func (e *Engine) block(sess domain.Session) {
	e.timers.Cancel(sess.JID)
	sess.HumanOverride = true
	e.commit(sess)
	e.pacer.Forget(sess.JID)
	e.metrics.Handoff("blocklist")
	e.logger.Info("Blocklisted contact, handing off", "jid", sess.JID)
}

// commit stores sess in the registry and persists the table.
func (e *Engine) commit(sess domain.Session) {
	sess.UpdatedAt = e.clock.Now()
	e.reg.Put(sess)
	ctx, cancel := context.WithTimeout(e.ctx, saveTimeout)
	defer cancel()
	e.saver.Save(ctx)
	e.metrics.Sessions(e.reg.Len())
}

// arm starts the inactivity timer for the session's current step.
func (e *Engine) arm(sess domain.Session) {
	jid, step, catalogPhase := sess.JID, sess.Step, sess.WaitingForCatalog
	e.timers.Arm(jid, e.flow.StepTimeout(), func(gen uint64) {
		if err := e.exec.Submit(jid, func() { e.onTimeout(jid, gen, step, catalogPhase) }); err != nil {
			e.logger.Debug("Dropping timer expiry", "jid", jid, "error", err)
		}
	})
}

// outbox collects the messages produced by one transition. They are sent
// after the new state is persisted.
type outbox struct {
	msgs []outMsg
}

type outMsg struct {
	text string
	item *catalog.Item
}

func (o *outbox) text(s string) {
	if s != "" {
		o.msgs = append(o.msgs, outMsg{text: s})
	}
}

func (o *outbox) image(item catalog.Item) {
	o.msgs = append(o.msgs, outMsg{item: &item})
}

// flush sends out paced. The contact's limiter is dropped once its session
// has ended since nothing more will be sent to it.
func (e *Engine) flush(jid string, out outbox) {
	defer func() {
		if s, ok := e.reg.Get(jid); !ok || s.Done() {
			e.pacer.Forget(jid)
		}
	}()
	for _, m := range out.msgs {
		if err := e.pacer.Wait(e.ctx, jid); err != nil {
			return
		}
		content, ok := e.content(jid, m)
		if !ok {
			continue
		}
		if err := e.sender.Send(e.ctx, jid, content); err != nil {
			e.logger.Warn("Send failed", "jid", jid, "error", err)
		}
	}
}

func (e *Engine) content(jid string, m outMsg) (transport.Content, bool) {
	if m.item == nil {
		return transport.Text(m.text), true
	}
	data, err := e.media.Open(*m.item)
	if err != nil {
		e.logger.Warn("Catalog image unreadable", "jid", jid, "image", m.item.Path, "error", err)
		if m.text != "" {
			return transport.Text(m.text), true
		}
		return transport.Content{}, false
	}
	return transport.Content{Image: data, Caption: m.text, MimeType: m.item.MimeType}, true
}
