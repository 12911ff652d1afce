package manager

import (
	"errors"
	"strings"
	"time"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/jsonrpc"
	"github.com/zhubert/plural-acp/prompt"
)

type promptDone struct {
	gen      uint64
	promptID string
	call     *jsonrpc.Call
}

// cancelExpired fires when the agent has not answered a cancelled prompt
// within Options.CancelTimeout.
type cancelExpired struct {
	gen      uint64
	promptID string
}

func (sm *SessionManager) submitPrompt(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyPrompt
	}
	if sm.status != StatusConnecting && sm.status != StatusConnected {
		return "", ErrNotConnected
	}
	p, activated := sm.queue.Submit(text)
	sm.appendTurn(sm.turns.AppendUser(text, p.ID, !activated))
	if activated {
		sm.sendPrompt(p)
	} else {
		sm.log.Debug("prompt queued", "promptID", p.ID, "queued", sm.queue.Len())
		sm.emit(PromptQueued{ID: p.ID})
	}
	return p.ID, nil
}

// activateNext sends the oldest queued prompt if the slot is free.
func (sm *SessionManager) activateNext() {
	if p, ok := sm.queue.Next(); ok {
		sm.sendPrompt(p)
	}
}

func (sm *SessionManager) sendPrompt(p *prompt.Prompt) {
	if t, ok := sm.turns.MarkSent(p.ID); ok {
		sm.updateTurn(t, "")
	}
	call := sm.conn.Go(acp.MethodSessionPrompt, acp.Prompt(sm.session.ID, p.Text, sm.terminalContext()))
	sm.log.Debug("prompt sent", "promptID", p.ID)
	sm.emit(PromptStarted{ID: p.ID})

	gen, id := sm.gen, p.ID
	go func() {
		<-call.Done
		sm.post(promptDone{gen: gen, promptID: id, call: call})
	}()
}

func (sm *SessionManager) onPromptDone(m promptDone) {
	if m.gen != sm.gen {
		return
	}
	// Updates read before the reply are still buffered; apply them first so
	// the turn completes with all of its text.
	sm.drainInbound()

	var res acp.PromptResult
	err := m.call.Decode(&res)
	if errors.Is(err, jsonrpc.ErrTransportClosed) {
		// Teardown fails the prompt once the exit status is known.
		return
	}
	p, ok := sm.queue.Complete(m.promptID, err)
	if !ok {
		sm.log.Debug("ignoring reply to inactive prompt", "promptID", m.promptID, "stopReason", res.StopReason)
		return
	}

	sm.completeOpenTurns()
	if p.State == prompt.Cancelled {
		sm.log.Debug("cancel acknowledged", "promptID", p.ID, "stopReason", res.StopReason)
		sm.finishCancel(p)
		return
	}
	if err != nil {
		sm.log.Warn("prompt failed", "promptID", p.ID, "error", err)
		sm.appendSystem("Prompt failed: " + errorText(err))
	} else {
		sm.log.Debug("prompt completed", "promptID", p.ID, "stopReason", res.StopReason)
	}
	sm.emit(PromptCompleted{ID: p.ID, StopReason: res.StopReason, Err: err})
	sm.activateNext()
}

// errorText prefers the agent's own message for RPC errors.
func errorText(err error) string {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Message != "" {
		return rpcErr.Message
	}
	return err.Error()
}

// cancelActive sends session/cancel and holds the slot until the agent
// answers the prompt. Updates that arrive in between are dropped.
func (sm *SessionManager) cancelActive() {
	p, ok := sm.queue.RequestCancel()
	if !ok {
		return
	}
	if sm.conn != nil && sm.session != nil {
		if err := sm.conn.Notify(acp.MethodSessionCancel, acp.Cancel(sm.session.ID)); err != nil {
			sm.log.Warn("failed to send cancel", "error", err)
		}
	}
	sm.cancelPromptPermissions(p.ID)
	sm.completeOpenTurns()
	sm.log.Info("cancel requested", "promptID", p.ID)

	gen, id := sm.gen, p.ID
	time.AfterFunc(sm.opts.CancelTimeout, func() {
		sm.post(cancelExpired{gen: gen, promptID: id})
	})
}

func (sm *SessionManager) onCancelExpired(m cancelExpired) {
	if m.gen != sm.gen || !sm.queue.Cancelling() || sm.queue.Active().ID != m.promptID {
		return
	}
	sm.log.Warn("agent did not acknowledge cancel", "promptID", m.promptID, "timeout", sm.opts.CancelTimeout)
	p, _ := sm.queue.CancelActive()
	sm.finishCancel(p)
}

func (sm *SessionManager) finishCancel(p *prompt.Prompt) {
	sm.log.Info("prompt cancelled", "promptID", p.ID)
	sm.emit(PromptCancelled{ID: p.ID})
	sm.appendSystem("Cancelled.")
	sm.activateNext()
}

func (sm *SessionManager) cancelQueued(id string) error {
	p, ok := sm.queue.CancelQueued(id)
	if !ok {
		return ErrUnknownPrompt
	}
	sm.markCancelled(p.ID)
	sm.appendSystem("Queued message cancelled.")
	return nil
}

func (sm *SessionManager) markCancelled(promptID string) {
	if t, ok := sm.turns.MarkCancelled(promptID); ok {
		sm.updateTurn(t, "")
	}
	sm.emit(PromptCancelled{ID: promptID})
}

// completeOpenTurns closes streaming turns and announces any command
// suggestions found in the agent's text.
func (sm *SessionManager) completeOpenTurns() {
	completed, suggestions := sm.turns.CompleteOpen()
	for _, t := range completed {
		sm.updateTurn(t, "")
	}
	sm.announceSuggestions(suggestions)
}

func (sm *SessionManager) flushAgentText() {
	t, suggestions, ok := sm.turns.CompleteAgentText()
	if !ok {
		return
	}
	sm.updateTurn(t, "")
	sm.announceSuggestions(suggestions)
}

// announceSuggestions appends suggestion turns and, with AutoExecute and
// terminal access on, runs each one.
func (sm *SessionManager) announceSuggestions(suggestions []*chat.Turn) {
	auto := sm.opts.AutoExecute && sm.terminalAccess && sm.opts.Terminal != nil
	for _, s := range suggestions {
		sm.appendTurn(s)
		if auto {
			sm.log.Info("auto-executing suggested command", "command", s.Text)
			sm.runSuggestion(s.Text)
		}
	}
}
