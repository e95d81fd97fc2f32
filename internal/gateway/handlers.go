package gateway

import (
	"encoding/json"
	"time"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// codeServerError is the application-defined range entry used for domain
// failures; the specific domain code travels in error.data.code.
const codeServerError = -32000

func (g *Gateway) registerHandlers() {
	g.RegisterHandler("connect", g.handleConnect)
	g.RegisterHandler("chat.send", g.handleChatSend)
	g.RegisterHandler("approval.list", g.handleApprovalList)
	g.RegisterHandler("approval.grant", g.handleApprovalGrant)
	g.RegisterHandler("session.get", g.handleSessionGet)
	g.RegisterHandler("disconnect", g.handleDisconnect)
	g.RegisterHandler("task.abort", g.handleTaskAbort)
	g.RegisterHandler("node.pairing.create", g.handlePairingCreate)
	g.RegisterHandler("node.list", g.handleNodeList)
	g.RegisterHandler("node.consent.grant", g.handleConsentGrant)
}

type connectParams struct {
	ClientType string `json:"clientType"`
	Version    string `json:"version"`
	Token      string `json:"token,omitempty"`
}

type connectResult struct {
	ClientID    string    `json:"clientId"`
	Type        string    `json:"type"`
	Version     string    `json:"version"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// handleConnect is the first call after socket open: it authenticates
// the peer and assigns a clientId.
func (g *Gateway) handleConnect(c *Client, raw json.RawMessage) (any, *RPCError) {
	var p connectParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, rpcErrorf(codeInvalidParams, "", "invalid params")
		}
	}
	if g.authn != nil {
		if authErr := g.authn.ValidateToken(p.Token); authErr != nil {
			return nil, rpcErrorf(codeServerError, authErr.Code, authErr.UserMessage)
		}
	}
	id := g.admit(c, p.ClientType, p.Version)
	return connectResult{ClientID: id, Type: p.ClientType, Version: p.Version, ConnectedAt: c.ConnectedAt}, nil
}

type chatSendResult struct {
	TaskID string          `json:"taskId"`
	State  types.TaskState `json:"state"`
	Status string          `json:"status"`
}

// handleChatSend enqueues a task and returns immediately; the outcome is
// delivered later as a chat.response notification. A full queue comes
// back as a structured refusal: a codeServerError reply whose data carries
// the refusal code (QUEUE_FULL), not an internal error.
func (g *Gateway) handleChatSend(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var msg types.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "", "invalid params")
	}
	if msg.ChannelID == "" || msg.Text == "" {
		return nil, rpcErrorf(codeInvalidParams, "", "channelId and text are required")
	}

	task, refusal := g.orch.CreateTask(msg)
	if refusal != nil {
		return nil, rpcErrorf(codeServerError, refusal.Code, refusal.UserMessage)
	}
	return chatSendResult{TaskID: task.ID, State: types.TaskPending, Status: "queued"}, nil
}

type approvalListEntry struct {
	TaskID      string    `json:"taskId"`
	ChannelID   string    `json:"channelId"`
	ToolID      string    `json:"toolId"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (g *Gateway) handleApprovalList(_ *Client, _ json.RawMessage) (any, *RPCError) {
	pending := g.orch.PendingApprovals()
	entries := make([]approvalListEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, approvalListEntry{
			TaskID: p.TaskID, ChannelID: p.ChannelID, ToolID: p.ToolID, RequestedAt: p.RequestedAt,
		})
	}
	return map[string]any{"pending": entries, "count": len(entries)}, nil
}

type grantParams struct {
	TaskID   string `json:"taskId"`
	Approved bool   `json:"approved"`
}

func (g *Gateway) handleApprovalGrant(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var p grantParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "", "invalid params")
	}
	if p.TaskID == "" {
		return nil, rpcErrorf(codeInvalidParams, "", "taskId is required")
	}
	ok := g.orch.Grant(p.TaskID, p.Approved)
	return map[string]any{"success": ok, "taskId": p.TaskID, "approved": p.Approved}, nil
}

type sessionGetParams struct {
	SessionID string `json:"sessionId"`
}

func (g *Gateway) handleSessionGet(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var p sessionGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "", "invalid params")
	}
	taskID, ok := g.orch.ResolveSession(p.SessionID)
	result := map[string]any{"sessionId": p.SessionID, "exists": ok}
	if ok {
		result["taskId"] = taskID
		if task, found := g.orch.Get(taskID); found {
			result["state"] = task.State
		}
	}
	return result, nil
}

type disconnectParams struct {
	ClientID string `json:"clientId"`
}

func (g *Gateway) handleDisconnect(c *Client, raw json.RawMessage) (any, *RPCError) {
	var p disconnectParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	id := p.ClientID
	if id == "" {
		id = c.ID
	}
	g.mu.Lock()
	delete(g.clients, id)
	g.mu.Unlock()
	return map[string]any{"success": true}, nil
}

type abortParams struct {
	TaskID string `json:"taskId"`
}

func (g *Gateway) handleTaskAbort(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var p abortParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "", "invalid params")
	}
	ok := g.orch.Abort(p.TaskID)
	return map[string]any{"success": ok, "taskId": p.TaskID}, nil
}

type pairingCreateParams struct {
	UserID string `json:"userId"`
}

func (g *Gateway) handlePairingCreate(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var p pairingCreateParams
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		return nil, rpcErrorf(codeInvalidParams, "", "userId is required")
	}
	code, err := g.nodes.GeneratePairingCode(p.UserID)
	if err != nil {
		return nil, rpcErrorf(codeServerError, types.ErrNodeNotAvailable, "pairing refused")
	}
	return map[string]any{"code": code}, nil
}

type nodeListParams struct {
	UserID string `json:"userId"`
}

func (g *Gateway) handleNodeList(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var p nodeListParams
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		return nil, rpcErrorf(codeInvalidParams, "", "userId is required")
	}
	nodes := g.nodes.NodesForUser(p.UserID)
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"nodeId":   n.NodeID,
			"nodeName": n.NodeName,
			"platform": n.Platform,
			"status":   n.Status,
			"lastSeen": n.LastSeen,
		})
	}
	return map[string]any{"nodes": out, "count": len(out)}, nil
}

type consentGrantParams struct {
	NodeID     string `json:"nodeId"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (g *Gateway) handleConsentGrant(_ *Client, raw json.RawMessage) (any, *RPCError) {
	var p consentGrantParams
	if err := json.Unmarshal(raw, &p); err != nil || p.NodeID == "" {
		return nil, rpcErrorf(codeInvalidParams, "", "nodeId is required")
	}
	if cerr := g.nodes.GrantScreenCaptureConsent(p.NodeID, time.Duration(p.DurationMs)*time.Millisecond); cerr != nil {
		return nil, rpcErrorf(codeServerError, cerr.Code, cerr.UserMessage)
	}
	return map[string]any{"success": true, "nodeId": p.NodeID}, nil
}
