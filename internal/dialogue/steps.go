package dialogue

import (
	"strings"

	"github.com/ashureev/salesbot/internal/domain"
)

// answer applies text to the session's current step.
func (e *Engine) answer(sess *domain.Session, text string, out *outbox) {
	step, ok := e.flow.Step(sess.Step)
	if !ok {
		// The flow file changed under a persisted session.
		e.logger.Warn("Session on unknown step, closing", "jid", sess.JID, "step", sess.Step)
		e.timers.Cancel(sess.JID)
		out.text(e.flow.Messages.Handoff)
		sess.Complete()
		e.metrics.Handoff("unknown_step")
		return
	}

	if step.FreeText {
		value := strings.TrimSpace(text)
		if value == "" {
			e.invalid(sess, step.Name, step.Error, out)
			return
		}
		sess.SetAnswer(step.Field, value)
		e.advance(sess, step.Next, "", out)
		return
	}

	choice, ok := step.Match(text)
	if !ok {
		e.invalid(sess, step.Name, step.Error, out)
		return
	}
	sess.SetAnswer(step.Field, choice.Value)
	e.advance(sess, step.NextFor(choice), choice.Reply, out)
}

// advance moves the session to next. reply is the copy of a terminal
// choice and replaces the closing summary.
func (e *Engine) advance(sess *domain.Session, next domain.Step, reply string, out *outbox) {
	if next == domain.StepCompleted {
		e.timers.Cancel(sess.JID)
		if reply != "" {
			out.text(reply)
			sess.Complete()
			e.metrics.Completed("declined")
			e.logger.Info("Session declined", "jid", sess.JID)
			return
		}
		e.finish(sess, out)
		return
	}

	step, _ := e.flow.Step(next)
	sess.Step = next
	out.text(step.Prompt)
	e.arm(*sess)
}

// invalid counts a rejected answer and hands off once the limit is reached.
func (e *Engine) invalid(sess *domain.Session, step domain.Step, msg string, out *outbox) {
	n := sess.RecordError(step)
	if n >= e.flow.MaxErrors {
		e.timers.Cancel(sess.JID)
		out.text(e.flow.Messages.Handoff)
		sess.Complete()
		e.metrics.Handoff("errors")
		e.logger.Info("Too many invalid answers, handing off", "jid", sess.JID, "step", step, "errors", n)
		return
	}
	out.text(msg)
	e.arm(*sess)
}

// finish closes a fully answered session with the summary and either the
// catalog branch or the thank-you message.
func (e *Engine) finish(sess *domain.Session, out *outbox) {
	summary, err := e.flow.Summary(sess.Answers)
	if err != nil {
		e.logger.Error("Summary render failed", "jid", sess.JID, "error", err)
	}

	tier, ok := e.flow.Tier(sess.Answers)
	if !ok || e.media == nil {
		out.text(summary)
		out.text(e.flow.Messages.ThankYou)
		sess.Complete()
		e.metrics.Completed("summary")
		e.logger.Info("Session completed", "jid", sess.JID)
		return
	}

	e.showCatalog(sess, summary, tier, out)
}

// onTimeout runs on the contact's worker when an inactivity timer fires.
func (e *Engine) onTimeout(jid string, gen uint64, step domain.Step, catalogPhase bool) {
	if !e.timers.Claim(jid, gen) {
		return
	}
	sess, ok := e.reg.Get(jid)
	if !ok || sess.Done() || sess.Step != step || sess.WaitingForCatalog != catalogPhase {
		return
	}

	var out outbox
	if catalogPhase {
		out.text(e.flow.Catalog.Closing)
		e.metrics.Completed("catalog_timeout")
	} else {
		out.text(e.flow.Messages.Abandoned)
		e.metrics.Handoff("timeout")
	}
	sess.Complete()
	e.logger.Info("Session timed out", "jid", jid, "step", step)
	e.commit(sess)
	e.flush(jid, out)
}
