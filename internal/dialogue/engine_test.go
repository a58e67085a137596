package dialogue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ashureev/salesbot/internal/catalog"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/flow"
	"github.com/ashureev/salesbot/internal/identity"
	"github.com/ashureev/salesbot/internal/transport"
)

const contact = "919876543210@s.whatsapp.net"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	JID     string
	Content transport.Content
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) Send(_ context.Context, jid string, c transport.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{JID: jid, Content: c})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func (s *recordingSender) texts() []string {
	var out []string
	for _, m := range s.all() {
		if !m.Content.IsImage() {
			out = append(out, m.Content.Text)
		}
	}
	return out
}

func (s *recordingSender) images() int {
	n := 0
	for _, m := range s.all() {
		if m.Content.IsImage() {
			n++
		}
	}
	return n
}

func (s *recordingSender) count() int {
	return len(s.all())
}

func (s *recordingSender) last() string {
	texts := s.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	saves    int
}

func (m *memStore) LoadSessions(context.Context) map[string]domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v.Clone()
	}
	return out
}

func (m *memStore) SaveSessions(_ context.Context, sessions map[string]domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
	m.saves++
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memStore) get(jid string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[jid]
	return s, ok
}

type harness struct {
	engine *Engine
	sender *recordingSender
	store  *memStore
	clock  *clocktesting.FakeClock
	flow   *flow.Definition
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	def, err := flow.Default()
	require.NoError(t, err)

	h := &harness{
		sender: &recordingSender{},
		store:  &memStore{},
		clock:  clocktesting.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		flow:   def,
	}
	base := []Option{WithClock(h.clock), WithConfig(Config{}), WithLogger(quietLogger())}
	h.engine = New(def, h.sender, h.store, append(base, opts...)...)
	h.engine.Resume(context.Background())
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) say(text string) {
	h.engine.HandleMessage(context.Background(), contact, text)
	h.engine.Wait()
}

func (h *harness) session(t *testing.T) domain.Session {
	t.Helper()
	s, ok := h.engine.Session(contact)
	require.True(t, ok, "session exists")
	return s
}

func (h *harness) prompt(t *testing.T, step domain.Step) string {
	t.Helper()
	s, ok := h.flow.Step(step)
	require.True(t, ok)
	return s.Prompt
}

// expire advances the clock past the step timeout and waits for the
// session to reach the completed step.
func (h *harness) expire(t *testing.T) {
	t.Helper()
	h.clock.Step(h.flow.StepTimeout())
	require.Eventually(t, func() bool {
		s, ok := h.engine.Session(contact)
		return ok && s.Step == domain.StepCompleted
	}, 5*time.Second, 5*time.Millisecond)
	h.engine.Wait()
}

func catalogFS(tier string, total, top int) fstest.MapFS {
	fsys := fstest.MapFS{}
	for i := 0; i < total; i++ {
		fsys[fmt.Sprintf("%s/item%02d.jpg", tier, i)] = &fstest.MapFile{Data: []byte("img")}
	}
	for i := 0; i < top; i++ {
		fsys[fmt.Sprintf("%s/top/best%02d.png", tier, i)] = &fstest.MapFile{Data: []byte("top")}
	}
	return fsys
}

func TestFirstValidAnswerAdvances(t *testing.T) {
	h := newHarness(t)

	h.say("1")

	s := h.session(t)
	assert.Equal(t, domain.Step("function_time"), s.Step)
	assert.Empty(t, s.ErrorCount)
	assert.Equal(t, []string{h.prompt(t, "function_time")}, h.sender.texts())
	assert.True(t, h.engine.timers.Active(contact))

	stored, ok := h.store.get(contact)
	require.True(t, ok, "session persisted")
	assert.Equal(t, domain.Step("function_time"), stored.Step)
}

func TestFirstContactSendsWelcome(t *testing.T) {
	h := newHarness(t)

	h.say("Hi, do you have candles?")

	s := h.session(t)
	assert.Equal(t, domain.StepStart, s.Step)
	assert.Empty(t, s.ErrorCount, "the greeting is not a wrong answer")
	assert.Equal(t, []string{h.prompt(t, domain.StepStart)}, h.sender.texts())
	assert.True(t, h.engine.timers.Active(contact))
}

func TestDeclineCompletes(t *testing.T) {
	h := newHarness(t)

	h.say("hello")
	h.say(" NO ")

	s := h.session(t)
	assert.Equal(t, domain.StepCompleted, s.Step)
	start, _ := h.flow.Step(domain.StepStart)
	assert.Equal(t, start.Choices[1].Reply, h.sender.last())
	assert.False(t, h.engine.timers.Active(contact))
}

func TestInvalidAnswersHandOff(t *testing.T) {
	h := newHarness(t)
	h.say("1")
	h.say("2")
	require.Equal(t, domain.Step("budget"), h.session(t).Step)

	budget, _ := h.flow.Step("budget")
	h.say("x")
	assert.Equal(t, budget.Error, h.sender.last())
	h.say("x")
	assert.Equal(t, budget.Error, h.sender.last())
	assert.True(t, h.engine.timers.Active(contact), "error re-arms the step timer")
	h.say("x")

	s := h.session(t)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, 3, s.ErrorCount["budget"])
	assert.Equal(t, h.flow.Messages.Handoff, h.sender.last())
	assert.False(t, h.engine.timers.Active(contact))

	before := h.sender.count()
	h.say("1")
	h.say("sorry")
	assert.Equal(t, before, h.sender.count(), "no automated replies after handoff")
}

func TestErrorCountsArePerStep(t *testing.T) {
	h := newHarness(t)
	h.say("1")
	h.say("9")
	h.say("9")
	h.say("3")
	h.say("9")
	h.say("9")

	s := h.session(t)
	assert.Equal(t, domain.Step("budget"), s.Step)
	assert.Equal(t, 2, s.ErrorCount["function_time"])
	assert.Equal(t, 2, s.ErrorCount["budget"])
	assert.Equal(t, "3", s.Answers["timing"])
}

func TestStepTimeoutAbandons(t *testing.T) {
	h := newHarness(t)
	for _, answer := range []string{"1", "1", "3", "2"} {
		h.say(answer)
	}
	require.Equal(t, domain.Step("location"), h.session(t).Step)

	h.clock.Step(h.flow.StepTimeout() - time.Second)
	h.engine.Wait()
	assert.Equal(t, domain.Step("location"), h.session(t).Step)

	h.clock.Step(time.Second)
	require.Eventually(t, func() bool {
		return h.session(t).Step == domain.StepCompleted
	}, 5*time.Second, 5*time.Millisecond)
	h.engine.Wait()

	h.clock.Step(time.Hour)
	h.engine.Wait()

	abandoned := 0
	for _, text := range h.sender.texts() {
		if text == h.flow.Messages.Abandoned {
			abandoned++
		}
	}
	assert.Equal(t, 1, abandoned)
	assert.False(t, h.engine.timers.Active(contact))
}

func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.say("hi")

	h.clock.Step(4 * time.Minute)
	h.say("1")
	// The welcome timer would have fired here had it not been replaced.
	h.clock.Step(2 * time.Minute)
	h.engine.Wait()

	s := h.session(t)
	assert.Equal(t, domain.Step("function_time"), s.Step)
	assert.NotContains(t, h.sender.texts(), h.flow.Messages.Abandoned)
}

func TestTimerGenerationCheck(t *testing.T) {
	tt := newTimerTable(clocktesting.NewFakeClock(time.Now()))
	first := tt.Arm(contact, time.Minute, func(uint64) {})
	second := tt.Arm(contact, time.Minute, func(uint64) {})

	assert.Equal(t, 1, tt.Len())
	assert.False(t, tt.Claim(contact, first), "replaced generation")
	assert.True(t, tt.Claim(contact, second))
	assert.False(t, tt.Claim(contact, second), "claimed once")
}

func TestAtMostOneTimerPerSession(t *testing.T) {
	h := newHarness(t)
	h.engine.HandleMessage(context.Background(), "other@s.whatsapp.net", "hi")
	for _, answer := range []string{"hi", "1", "x", "2", "4"} {
		h.say(answer)
		assert.Equal(t, 2, h.engine.timers.Len())
	}
}

func TestBlocklistedContactIsNeverAnswered(t *testing.T) {
	h := newHarness(t, WithBlocklist(identity.NewBlocklist(contact)))

	h.say("1")
	h.say("hello?")

	s := h.session(t)
	assert.True(t, s.HumanOverride)
	assert.Zero(t, h.sender.count())
	assert.False(t, h.engine.timers.Active(contact))
}

func TestBlocklistAppliesToExistingSession(t *testing.T) {
	h := newHarness(t)
	h.say("1")
	require.Equal(t, domain.Step("function_time"), h.session(t).Step)
	sends := h.sender.count()

	h.engine.blocklist = identity.NewBlocklist(contact)
	h.say("1")

	s := h.session(t)
	assert.True(t, s.HumanOverride)
	assert.Equal(t, domain.Step("function_time"), s.Step)
	assert.Equal(t, sends, h.sender.count())
	assert.False(t, h.engine.timers.Active(contact))
}

func TestResumeHandsOffBlocklistedSessions(t *testing.T) {
	def, err := flow.Default()
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mid := domain.NewSession(contact, "budget", now)
	mid.SetAnswer("timing", "1")
	st := &memStore{sessions: map[string]domain.Session{mid.JID: mid}}
	snd := &recordingSender{}
	fc := clocktesting.NewFakeClock(now)
	e := New(def, snd, st, WithClock(fc), WithConfig(Config{}), WithLogger(quietLogger()),
		WithBlocklist(identity.NewBlocklist(contact)))
	t.Cleanup(e.Close)

	assert.Zero(t, e.Resume(context.Background()))
	assert.Zero(t, e.timers.Len())
	stored, ok := st.get(contact)
	require.True(t, ok)
	assert.True(t, stored.HumanOverride)

	e.HandleMessage(context.Background(), contact, "1")
	fc.Step(def.StepTimeout())
	e.Wait()

	s, _ := e.Session(contact)
	assert.Equal(t, domain.Step("budget"), s.Step)
	assert.Empty(t, snd.all())
}

func TestPacerDropsFinishedContacts(t *testing.T) {
	h := newHarness(t, WithConfig(Config{SendInterval: time.Millisecond}))
	other := "911111111111@s.whatsapp.net"

	h.say("1")
	assert.Equal(t, 1, h.engine.pacer.Len())

	h.engine.HandleMessage(context.Background(), other, "no")
	h.engine.Wait()
	s, ok := h.engine.Session(other)
	require.True(t, ok)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, 1, h.engine.pacer.Len(), "only the active contact keeps a limiter")

	h.say("no")
	assert.Equal(t, domain.StepCompleted, h.session(t).Step)
	assert.Zero(t, h.engine.pacer.Len())
}

func TestCompletedSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.say("no")
	require.Equal(t, domain.StepCompleted, h.session(t).Step)

	sends, saves := h.sender.count(), h.store.saveCount()
	before := h.session(t)
	h.say("1")
	h.say("hello")

	assert.Equal(t, sends, h.sender.count())
	assert.Equal(t, saves, h.store.saveCount())
	assert.Equal(t, before, h.session(t))
	assert.False(t, h.engine.timers.Active(contact))
}

func TestSummaryWithoutCatalog(t *testing.T) {
	h := newHarness(t)
	for _, answer := range []string{"1", "2", "3", "5", "  Chennai, Anna Nagar "} {
		h.say(answer)
	}

	s := h.session(t)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, "Chennai, Anna Nagar", s.Answers["location"])

	texts := h.sender.texts()
	require.GreaterOrEqual(t, len(texts), 2)
	summary := texts[len(texts)-2]
	assert.Contains(t, summary, "Budget: ₹101 - ₹150")
	assert.Contains(t, summary, "Quantity: More than 150 pieces")
	assert.Contains(t, summary, "Function Timing: Within 2 weeks")
	assert.Contains(t, summary, "Delivery Location: Chennai, Anna Nagar")
	assert.Equal(t, h.flow.Messages.ThankYou, texts[len(texts)-1])
}

func TestCatalogSeeMore(t *testing.T) {
	media := catalog.New(catalogFS("Gifts_Under50", 12, 10), "top", nil)
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "1", "1"} {
		h.say(answer)
	}
	before := h.sender.count()
	h.say("Madurai")

	msgs := h.sender.all()[before:]
	require.Len(t, msgs, 13)
	assert.Contains(t, msgs[0].Content.Text, "Budget: Under ₹50")
	assert.Equal(t, "🎁 *Here are our return gifts under ₹50:*", msgs[1].Content.Text)
	for _, m := range msgs[2:12] {
		require.True(t, m.Content.IsImage())
		assert.Equal(t, []byte("top"), m.Content.Image)
		assert.Equal(t, "image/png", m.Content.MimeType)
	}
	assert.Contains(t, msgs[12].Content.Text, "We have more return gifts under ₹50")

	s := h.session(t)
	assert.True(t, s.WaitingForCatalog)
	assert.Equal(t, "1", s.CatalogTier)
	assert.Equal(t, domain.Step("location"), s.Step)
	assert.True(t, h.engine.timers.Active(contact))

	h.say("2")
	s = h.session(t)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.False(t, s.WaitingForCatalog)
	assert.Equal(t, h.flow.Catalog.Closing, h.sender.last())
	assert.False(t, h.engine.timers.Active(contact))
}

func TestCatalogAffirmativeFollowUp(t *testing.T) {
	media := catalog.New(catalogFS("Gifts_Under100", 15, 0), "top", nil)
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "2", "1", "Pune"} {
		h.say(answer)
	}
	require.True(t, h.session(t).WaitingForCatalog)
	assert.Equal(t, 10, h.sender.images())

	h.say("YES")
	assert.Equal(t, "Our team will share the rest of the collection under ₹100 with you shortly. 😊", h.sender.last())
	assert.Equal(t, domain.StepCompleted, h.session(t).Step)
}

func TestCatalogWithinLimitCloses(t *testing.T) {
	media := catalog.New(catalogFS("Gifts_Under50", 4, 0), "top", nil)
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "1", "1", "Delhi"} {
		h.say(answer)
	}

	assert.Equal(t, 4, h.sender.images())
	assert.Equal(t, h.flow.Catalog.Closing, h.sender.last())
	s := h.session(t)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.False(t, s.WaitingForCatalog)
}

func TestCatalogMissingTierFallsBack(t *testing.T) {
	media := catalog.New(catalogFS("Gifts_Under50", 4, 0), "top", nil)
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "2", "1", "Delhi"} {
		h.say(answer)
	}

	assert.Zero(t, h.sender.images())
	assert.Contains(t, h.sender.last(), "*Return Gifts under ₹100*")
	assert.Equal(t, domain.StepCompleted, h.session(t).Step)
}

func TestCatalogCuratedOnlyTier(t *testing.T) {
	media := catalog.New(catalogFS("Gifts_Under50", 0, 3), "top", nil)
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "1", "1", "Delhi"} {
		h.say(answer)
	}

	assert.Equal(t, 3, h.sender.images())
	assert.Equal(t, h.flow.Catalog.Closing, h.sender.last())
	assert.False(t, h.session(t).WaitingForCatalog)
}

func TestCatalogWaitTimeoutCloses(t *testing.T) {
	media := catalog.New(catalogFS("Gifts_Under50", 12, 0), "top", nil)
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "1", "1", "Delhi"} {
		h.say(answer)
	}
	require.True(t, h.session(t).WaitingForCatalog)

	h.expire(t)
	assert.Equal(t, h.flow.Catalog.Closing, h.sender.last())
	assert.False(t, h.session(t).WaitingForCatalog)
}

type brokenMedia struct {
	*catalog.Catalog
}

func (brokenMedia) Open(catalog.Item) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func TestUnreadableImagesAreSkipped(t *testing.T) {
	media := brokenMedia{catalog.New(catalogFS("Gifts_Under50", 3, 0), "top", nil)}
	h := newHarness(t, WithMedia(media))
	for _, answer := range []string{"1", "1", "1", "1", "Delhi"} {
		h.say(answer)
	}

	assert.Zero(t, h.sender.images())
	assert.Equal(t, h.flow.Catalog.Closing, h.sender.last())
	assert.Equal(t, domain.StepCompleted, h.session(t).Step)
}

func TestOperatorOverrideMarker(t *testing.T) {
	h := newHarness(t)
	h.say("1")

	h.engine.HandleOperatorMessage(context.Background(), contact, "Sure, I'll take it from here")
	h.engine.Wait()
	assert.False(t, h.session(t).HumanOverride, "plain operator text is not a command")

	h.engine.HandleOperatorMessage(context.Background(), contact, "#HUMAN")
	h.engine.Wait()
	s := h.session(t)
	assert.True(t, s.HumanOverride)
	assert.False(t, h.engine.timers.Active(contact))

	before := h.sender.count()
	h.say("2")
	assert.Equal(t, before, h.sender.count())

	stored, _ := h.store.get(contact)
	assert.True(t, stored.HumanOverride)
}

func TestOperatorResetRestarts(t *testing.T) {
	h := newHarness(t)
	h.say("no")
	require.Equal(t, domain.StepCompleted, h.session(t).Step)

	h.engine.HandleOperatorMessage(context.Background(), contact, "ok #bot-reset")
	h.engine.Wait()
	_, ok := h.engine.Session(contact)
	assert.False(t, ok)
	_, ok = h.store.get(contact)
	assert.False(t, ok, "reset is persisted")

	h.say("hello")
	assert.Equal(t, domain.StepStart, h.session(t).Step)
	assert.Equal(t, h.prompt(t, domain.StepStart), h.sender.last())
}

func TestExecuteCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Execute(ctx, Command{Kind: CommandOverride, JID: contact}))
	assert.True(t, h.session(t).HumanOverride, "override creates the session for an unseen contact")

	require.NoError(t, h.engine.Execute(ctx, Command{Kind: CommandReset, JID: contact}))
	_, ok := h.engine.Session(contact)
	assert.False(t, ok)

	err := h.engine.Execute(ctx, Command{Kind: "pause", JID: contact})
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Error(t, h.engine.Execute(ctx, Command{Kind: CommandReset}))
}

func TestResumeRearmsActiveSessions(t *testing.T) {
	def, err := flow.Default()
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	active := domain.NewSession(contact, "budget", now)
	active.SetAnswer("timing", "1")
	done := domain.NewSession("done@s.whatsapp.net", domain.StepCompleted, now)
	overridden := domain.NewSession("op@s.whatsapp.net", "budget", now)
	overridden.HumanOverride = true

	st := &memStore{sessions: map[string]domain.Session{
		active.JID:     active,
		done.JID:       done,
		overridden.JID: overridden,
	}}
	snd := &recordingSender{}
	fc := clocktesting.NewFakeClock(now)
	e := New(def, snd, st, WithClock(fc), WithConfig(Config{}), WithLogger(quietLogger()))
	t.Cleanup(e.Close)

	assert.Equal(t, 1, e.Resume(context.Background()))
	assert.Equal(t, 1, e.timers.Len())
	assert.Len(t, e.Sessions(), 3)

	fc.Step(def.StepTimeout())
	require.Eventually(t, func() bool {
		s, _ := e.Session(contact)
		return s.Step == domain.StepCompleted
	}, 5*time.Second, 5*time.Millisecond)
	e.Wait()

	msgs := snd.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, contact, msgs[0].JID)
	assert.Equal(t, def.Messages.Abandoned, msgs[0].Content.Text)
}

func TestContactsAreIndependent(t *testing.T) {
	h := newHarness(t)
	other := "911111111111@s.whatsapp.net"

	h.say("1")
	h.engine.HandleMessage(context.Background(), other, "no")
	h.engine.Wait()

	s, ok := h.engine.Session(other)
	require.True(t, ok)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, domain.Step("function_time"), h.session(t).Step)
	assert.Len(t, h.engine.Sessions(), 2)
}
