package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawinfra/moonbot-gateway/internal/nodecomm"
	"github.com/clawinfra/moonbot-gateway/internal/nodesession"
)

// nodePairParams is the params shape of the node.pair frame a companion
// sends right after opening its socket.
type nodePairParams struct {
	Code     string               `json:"code"`
	NodeInfo nodesession.NodeInfo `json:"nodeInfo"`
}

// serveNode admits one node-companion connection. The companion pairs
// with a one-time code, then the socket carries bidirectional JSON-RPC:
// requests from the Communicator flow out, responses flow back in
// through HandleResponse.
func (g *Gateway) serveNode(w http.ResponseWriter, r *http.Request) {
	addr := peerAddr(r.RemoteAddr)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Debug("node accept failed", "error", err)
		return
	}
	if g.limiter != nil && !g.limiter.CheckIP(addr) {
		conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
		return
	}

	socketID := uuid.NewString()
	sender := nodecomm.NewWSSender(conn)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	g.nodeSenders[socketID] = sender
	g.nodeConns[socketID] = conn
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.nodeReadLoop(socketID, sender, conn)
	}()
}

// nodeReadLoop frames messages off one node socket until it closes, then
// marks the node offline and cancels only that node's pending requests.
func (g *Gateway) nodeReadLoop(socketID string, sender *nodecomm.WSSender, conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		delete(g.nodeSenders, socketID)
		delete(g.nodeConns, socketID)
		delete(g.nodeBySocket, socketID)
		g.mu.Unlock()
		if nodeID, ok := g.nodes.MarkOffline(socketID); ok {
			g.comm.CancelNode(nodeID)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame nodecomm.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.logger.Debug("bad node frame", "socketId", socketID, "error", err)
			continue
		}

		switch frame.Method {
		case "":
			// A response to one of our outbound requests.
			g.comm.HandleResponse(frame)
		case "node.pair":
			g.handleNodePair(socketID, sender, frame)
		case "node.ping":
			g.mu.Lock()
			nodeID := g.nodeBySocket[socketID]
			g.mu.Unlock()
			if nodeID != "" {
				g.nodes.Touch(nodeID)
			}
			g.sendNodeResult(sender, frame.ID, map[string]any{"ok": true})
		default:
			g.sendNodeError(sender, frame.ID, codeMethodNotFound, "method not found")
		}
	}
}

// handleNodePair consumes a pairing code and promotes this socket to a
// paired node connection.
func (g *Gateway) handleNodePair(socketID string, sender *nodecomm.WSSender, frame nodecomm.Frame) {
	b, err := json.Marshal(frame.Params)
	if err != nil {
		g.sendNodeError(sender, frame.ID, codeInvalidParams, "invalid params")
		return
	}
	var p nodePairParams
	if err := json.Unmarshal(b, &p); err != nil || p.Code == "" {
		g.sendNodeError(sender, frame.ID, codeInvalidParams, "invalid params")
		return
	}

	node, err := g.nodes.CompletePairing(p.Code, socketID, p.NodeInfo)
	if err != nil {
		g.logger.Info("pairing failed", "socketId", socketID, "error", err)
		g.sendNodeError(sender, frame.ID, codeServerError, "pairing failed")
		return
	}
	g.mu.Lock()
	g.nodeBySocket[socketID] = node.NodeID
	g.mu.Unlock()

	result := map[string]any{"nodeId": node.NodeID}
	if token, err := g.nodes.IssueSessionToken(node.NodeID); err == nil {
		result["sessionToken"] = token
	}
	g.sendNodeResult(sender, frame.ID, result)
}

func (g *Gateway) sendNodeResult(sender *nodecomm.WSSender, id string, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := sender.Send(ctx, nodecomm.Frame{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		g.logger.Debug("node write failed", "error", err)
	}
}

func (g *Gateway) sendNodeError(sender *nodecomm.WSSender, id string, code int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	frame := nodecomm.Frame{JSONRPC: "2.0", ID: id, Error: &nodecomm.FrameError{Code: code, Message: message}}
	if err := sender.Send(ctx, frame); err != nil {
		g.logger.Debug("node write failed", "error", err)
	}
}
