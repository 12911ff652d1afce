package manager

import (
	"encoding/json"
	"errors"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/fstools"
	"github.com/zhubert/plural-acp/jsonrpc"
)

// drainInbound applies messages the read loop has already queued.
func (sm *SessionManager) drainInbound() {
	for sm.conn != nil && !sm.closing {
		select {
		case msg, ok := <-sm.conn.Inbound():
			if !ok {
				sm.onInboundClosed()
				return
			}
			sm.handleInbound(msg)
		default:
			return
		}
	}
}

func (sm *SessionManager) handleInbound(msg jsonrpc.Message) {
	if !msg.IsRequest() {
		sm.handleNotification(msg)
		return
	}
	switch {
	case msg.Method == acp.MethodRequestPermission:
		sm.handlePermission(msg)
	case fstools.Handles(msg.Method):
		sm.handleFS(msg)
	case acp.CanonicalMethod(msg.Method) == acp.MethodConfigUpdate:
		sm.handleConfigUpdate(msg)
	default:
		sm.log.Debug("unsupported agent request", "method", msg.Method)
		sm.respondError(msg.ID, jsonrpc.CodeMethodNotFound, "Method not found: "+msg.Method)
	}
}

func (sm *SessionManager) respond(id json.RawMessage, result any) {
	if sm.conn == nil {
		return
	}
	if err := sm.conn.Respond(id, result); err != nil {
		sm.log.Debug("failed to send response", "id", string(id), "error", err)
	}
}

func (sm *SessionManager) respondError(id json.RawMessage, code int, message string) {
	if sm.conn == nil {
		return
	}
	if err := sm.conn.RespondError(id, code, message); err != nil {
		sm.log.Debug("failed to send error response", "id", string(id), "error", err)
	}
}

// handleFS serves fs/* requests off the loop; file I/O must not stall
// streaming.
func (sm *SessionManager) handleFS(msg jsonrpc.Message) {
	if sm.session == nil {
		sm.respondError(msg.ID, jsonrpc.CodeInvalidRequest, "no active session")
		return
	}
	h, conn, log := sm.session.fs, sm.conn, sm.log
	go func() {
		result, err := h.Handle(msg.Method, msg.Params)
		if err != nil {
			code := jsonrpc.CodeInternalError
			if errors.Is(err, acp.ErrInvalidParams) || errors.Is(err, fstools.ErrRelativePath) {
				code = jsonrpc.CodeInvalidParams
			}
			log.Debug("fs request failed", "method", msg.Method, "error", err)
			err = conn.RespondError(msg.ID, code, err.Error())
		} else {
			err = conn.Respond(msg.ID, result)
		}
		if err != nil {
			log.Debug("failed to answer fs request", "method", msg.Method, "error", err)
		}
	}()
}

// handleConfigUpdate hands config/update to Options.Config off the loop; the
// updater may write the settings file.
func (sm *SessionManager) handleConfigUpdate(msg jsonrpc.Message) {
	params, err := acp.ParseConfigUpdate(msg.Params)
	if err != nil {
		sm.log.Warn("bad config update", "error", err)
		sm.respondError(msg.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}
	if sm.opts.Config == nil {
		sm.respondError(msg.ID, jsonrpc.CodeServerError, "config updates are not supported")
		return
	}
	updater, conn, log, ctx := sm.opts.Config, sm.conn, sm.log, sm.ctx
	go func() {
		if err := updater.UpdateConfig(ctx, params.Updates); err != nil {
			log.Info("config update rejected", "error", err)
			err = conn.RespondError(msg.ID, jsonrpc.CodeServerError, err.Error())
			if err != nil {
				log.Debug("failed to answer config update", "error", err)
			}
			return
		}
		log.Info("config updated by agent", "keys", len(params.Updates))
		if err := conn.Respond(msg.ID, acp.ConfigUpdateResult{Success: true}); err != nil {
			log.Debug("failed to answer config update", "error", err)
		}
	}()
}

func (sm *SessionManager) handleNotification(msg jsonrpc.Message) {
	if msg.Method != acp.MethodSessionUpdate {
		sm.log.Debug("ignoring notification", "method", msg.Method)
		return
	}
	sessionID, update, err := acp.ParseSessionUpdate(msg.Params)
	if err != nil {
		sm.log.Warn("bad session update", "error", err)
		return
	}
	if sm.session == nil || sessionID != sm.session.ID {
		sm.log.Debug("update for another session", "sessionID", sessionID)
		return
	}
	if sm.restore != nil {
		sm.restore.suppressed++
		return
	}
	if sm.queue.Cancelling() {
		sm.log.Debug("dropping update for cancelled prompt", "promptID", sm.queue.Active().ID)
		return
	}
	sm.applyUpdate(update)
}

func (sm *SessionManager) applyUpdate(update acp.Update) {
	switch u := update.(type) {
	case acp.MessageChunk:
		switch u.Role {
		case acp.RoleAgent:
			t, created := sm.turns.AppendAgentText(u.Text)
			if created {
				sm.appendTurn(t)
			} else {
				sm.updateTurn(t, u.Text)
			}
		case acp.RoleThought:
			t, created := sm.turns.AppendThinking(u.Text)
			if created {
				sm.appendTurn(t)
			} else {
				sm.updateTurn(t, u.Text)
			}
		}
	case acp.ToolCall:
		sm.flushAgentText()
		t, created := sm.turns.StartToolCall(u.ID, u.Title, u.ToolKind, u.Status, u.Content)
		if created {
			sm.appendTurn(t)
		} else {
			sm.updateTurn(t, "")
		}
		sm.emit(ToolCallStatusChanged{TurnID: t.ID, ToolCall: *t.ToolCall})
	case acp.ToolCallUpdate:
		t, statusChanged, ok := sm.turns.UpdateToolCall(u.ID, u.Status, u.Title, u.Content)
		if !ok {
			sm.log.Debug("update for unknown tool call", "toolCallID", u.ID)
			return
		}
		sm.updateTurn(t, "")
		if statusChanged {
			sm.emit(ToolCallStatusChanged{TurnID: t.ID, ToolCall: *t.ToolCall})
		}
	case acp.Plan:
		sm.session.plan = u.Entries
	case acp.AvailableCommands:
		sm.session.commands = u.Commands
	case acp.ModeChange:
		sm.session.Mode = u.ModeID
	default:
		sm.log.Debug("ignoring session update", "kind", update.Kind())
	}
}
