package manager

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/jsonrpc"
	"github.com/zhubert/plural-acp/permission"
)

// handlePermission runs the policy chain on a session/request_permission
// request. Requests no policy settles are held until ResolvePermission.
func (sm *SessionManager) handlePermission(msg jsonrpc.Message) {
	params, err := acp.ParsePermissionRequest(msg.Params)
	if err != nil {
		sm.log.Warn("bad permission request", "error", err)
		sm.respondError(msg.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}
	if sm.session == nil || (params.SessionID != "" && params.SessionID != sm.session.ID) {
		sm.respond(msg.ID, acp.Cancelled())
		return
	}
	if sm.restore != nil {
		sm.log.Info("cancelling permission request during context restore")
		sm.respond(msg.ID, acp.Cancelled())
		return
	}
	if sm.queue.Cancelling() {
		sm.log.Debug("cancelling permission request for cancelled prompt")
		sm.respond(msg.ID, acp.Cancelled())
		return
	}

	req := permission.NewRequest(uuid.New().String(), params.ToolCall, params.Options)
	d := sm.evaluator.Evaluate(req, permission.State{
		Bypass:           sm.bypass,
		ScreenshotAccess: sm.screenshotAccess,
		Grants:           sm.session.grants,
	})
	req.Policy = d.Policy
	log := sm.log.With("tool", req.ToolName, "policy", d.Policy)

	switch d.Action {
	case permission.Approve:
		log.Debug("permission auto-approved", "reason", d.Reason)
		req.Resolution = permission.AutoApproved
		req.OptionID = d.OptionID
		sm.answer(msg.ID, d.OptionID)
		sm.appendTurn(sm.turns.AppendAutoApproved(req.Description()))
		sm.emit(PermissionAutoResolved{ToolName: req.ToolName, Policy: d.Policy, Approved: true, Reason: d.Reason})
	case permission.Deny:
		log.Info("permission auto-denied", "reason", d.Reason)
		req.Resolution = permission.AutoDenied
		req.OptionID = d.OptionID
		sm.answer(msg.ID, d.OptionID)
		sm.appendSystem(d.Reason)
		sm.emit(PermissionAutoResolved{ToolName: req.ToolName, Policy: d.Policy, Approved: false, Reason: d.Reason})
	default:
		log.Debug("forwarding permission request", "requestID", req.ID)
		pending := &req
		turn := sm.turns.AppendPermission(pending)
		sm.turns.LinkPermission(req.ToolCallID, req.ID)
		pp := &pendingPermission{req: pending, rpcID: msg.ID, turnID: turn.ID}
		if p := sm.queue.Active(); p != nil {
			pp.promptID = p.ID
		}
		sm.session.pending[req.ID] = pp
		sm.appendTurn(turn)
		sm.emit(PermissionRequested{Request: *pending})
	}
}

// answer sends the chosen option, or the cancelled outcome when there is
// none.
func (sm *SessionManager) answer(id json.RawMessage, optionID string) {
	if optionID == "" {
		sm.respond(id, acp.Cancelled())
		return
	}
	sm.respond(id, acp.Selected(optionID))
}

func (sm *SessionManager) resolvePermission(requestID, optionID string) error {
	if sm.session == nil {
		return ErrUnknownPermission
	}
	pp, ok := sm.session.pending[requestID]
	if !ok {
		sm.log.Warn("resolve for unknown permission request", "requestID", requestID)
		return ErrUnknownPermission
	}
	req := pp.req

	if optionID == "" {
		if o, ok := permission.RejectOption(req.Options); ok {
			optionID = o.ID
		}
		req.Resolution = permission.UserDenied
	} else {
		o, ok := req.Option(optionID)
		if !ok {
			return ErrUnknownOption
		}
		if o.IsAllow() {
			req.Resolution = permission.UserApproved
			if o.Kind == permission.KindAllowAlways && req.ToolName != "" {
				sm.session.grants.Grant(req.ToolName)
				sm.log.Info("tool allowed for this session", "tool", req.ToolName)
			}
		} else {
			req.Resolution = permission.UserDenied
		}
	}
	req.OptionID = optionID
	req.Policy = permission.PolicyForward

	sm.answer(pp.rpcID, optionID)
	delete(sm.session.pending, requestID)
	if t, ok := sm.turns.Turn(pp.turnID); ok {
		sm.updateTurn(t, "")
	}
	return nil
}

// cancelPendingPermissions answers every forwarded request with the
// cancelled outcome.
func (sm *SessionManager) cancelPendingPermissions() {
	sm.cancelPermissions(func(*pendingPermission) bool { return true })
}

// cancelPromptPermissions cancels the forwarded requests raised while
// promptID was active.
func (sm *SessionManager) cancelPromptPermissions(promptID string) {
	sm.cancelPermissions(func(pp *pendingPermission) bool { return pp.promptID == promptID })
}

func (sm *SessionManager) cancelPermissions(match func(*pendingPermission) bool) {
	sess := sm.session
	if sess == nil {
		return
	}
	for _, id := range sess.pendingIDs() {
		pp := sess.pending[id]
		if !match(pp) {
			continue
		}
		if !sm.closing {
			sm.respond(pp.rpcID, acp.Cancelled())
		}
		pp.req.Resolution = permission.Cancelled
		delete(sess.pending, id)
		if t, ok := sm.turns.Turn(pp.turnID); ok {
			sm.updateTurn(t, "")
		}
	}
}
