package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/salesbot/internal/domain"
)

// CommandKind names an operator command.
type CommandKind string

const (
	// CommandOverride hands the chat to the operator for good.
	CommandOverride CommandKind = "override"
	// CommandReset forgets the chat so the next message starts over.
	CommandReset CommandKind = "reset"
)

// ErrUnknownCommand is returned for a command kind the engine does not know.
var ErrUnknownCommand = errors.New("dialogue: unknown command")

// Command is an operator instruction for one contact. Chat markers and the
// HTTP API both produce Commands.
type Command struct {
	Kind CommandKind
	JID  string
}

// Execute runs cmd on the contact's worker and waits for it to be applied.
func (e *Engine) Execute(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CommandOverride, CommandReset:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
	if cmd.JID == "" {
		return errors.New("dialogue: command without jid")
	}
	return e.exec.Do(ctx, cmd.JID, func() { e.apply(cmd) })
}

func (e *Engine) parseMarker(jid, text string) (Command, bool) {
	norm := strings.ToLower(text)
	switch {
	case e.cfg.ResetMarker != "" && strings.Contains(norm, strings.ToLower(e.cfg.ResetMarker)):
		return Command{Kind: CommandReset, JID: jid}, true
	case e.cfg.OverrideMarker != "" && strings.Contains(norm, strings.ToLower(e.cfg.OverrideMarker)):
		return Command{Kind: CommandOverride, JID: jid}, true
	}
	return Command{}, false
}

// apply runs on the contact's worker.
func (e *Engine) apply(cmd Command) {
	switch cmd.Kind {
	case CommandOverride:
		sess, ok := e.reg.Get(cmd.JID)
		if !ok {
			sess = domain.NewSession(cmd.JID, e.flow.Start, e.clock.Now())
		}
		e.timers.Cancel(cmd.JID)
		if sess.HumanOverride {
			return
		}
		sess.HumanOverride = true
		e.commit(sess)
		e.metrics.Handoff("operator")
		e.logger.Info("Operator took over chat", "jid", cmd.JID)

	case CommandReset:
		e.timers.Cancel(cmd.JID)
		e.pacer.Forget(cmd.JID)
		if !e.reg.Delete(cmd.JID) {
			return
		}
		ctx, cancel := context.WithTimeout(e.ctx, saveTimeout)
		defer cancel()
		e.saver.Save(ctx)
		e.metrics.Sessions(e.reg.Len())
		e.logger.Info("Operator reset chat", "jid", cmd.JID)
	}
}
