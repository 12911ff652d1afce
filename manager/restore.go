package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/jsonrpc"
)

// restoreState is set while the replay prompt is in flight. The agent's
// reply to it is not part of the conversation, so its updates are dropped
// and its permission requests cancelled.
type restoreState struct {
	started    time.Time
	suppressed int
}

type restoreDone struct {
	gen  uint64
	call *jsonrpc.Call
}

func (sm *SessionManager) startRestore(text string) {
	sm.restore = &restoreState{started: time.Now()}
	call := sm.conn.Go(acp.MethodSessionPrompt, acp.Prompt(sm.session.ID, text))
	sm.log.Info("replaying conversation to new session", "chars", len(text))

	gen := sm.gen
	go func() {
		<-call.Done
		sm.post(restoreDone{gen: gen, call: call})
	}()
}

func (sm *SessionManager) onRestoreDone(m restoreDone) {
	if m.gen != sm.gen {
		return
	}
	sm.drainInbound()
	if errors.Is(m.call.Err, jsonrpc.ErrTransportClosed) {
		return
	}

	rs := sm.restore
	sm.restore = nil
	if err := m.call.Err; err != nil {
		sm.log.Warn("context restore failed", "error", err)
		sm.appendSystem(fmt.Sprintf("%v: %s. Continuing without it.", chat.ErrRestoreDegraded, errorText(err)))
	} else if rs != nil {
		sm.log.Info("context restored", "suppressedUpdates", rs.suppressed, "elapsed", time.Since(rs.started))
	}
	sm.queue.Release()
	sm.activateNext()
}
