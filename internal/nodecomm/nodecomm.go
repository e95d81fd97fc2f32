// Package nodecomm correlates JSON-RPC requests and responses exchanged
// with remote node companions over already-established WebSocket
// connections, with per-request deadlines, per-node cancellation on
// disconnect, and a TTL sweep as a safety net.
package nodecomm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// Frame is the JSON-RPC 2.0 envelope exchanged with a node companion.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error member of a node response frame.
type FrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Sender writes one frame to a node's socket. The Gateway supplies the
// concrete implementation so the Communicator never holds a Gateway
// reference directly.
type Sender interface {
	Send(ctx context.Context, frame Frame) error
}

// SocketResolver maps a nodeId to its live socket, if any. A nil Sender
// or ok=false means the node has no writable socket right now.
type SocketResolver func(nodeID string) (Sender, bool)

// Directory answers whether a node is currently paired. The
// NodeSessionManager satisfies this.
type Directory interface {
	NodeStatus(nodeID string) (string, bool)
}

// pendingRequest is one outstanding RPC to a node.
type pendingRequest struct {
	correlationID string
	nodeID        string
	resultCh      chan result
	createdAt     time.Time
	deadline      time.Time
}

type result struct {
	raw json.RawMessage
	err *types.TaskError
}

// Config bounds the Communicator's timers.
type Config struct {
	RequestTimeout time.Duration
	SweepTTL       time.Duration
}

// DefaultConfig matches the spec's node RPC defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second, SweepTTL: 10 * time.Minute}
}

// Communicator is the NodeCommunicator of spec.md section 4.7.
type Communicator struct {
	cfg      Config
	resolver SocketResolver
	dir      Directory
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	shutdown bool
}

// New builds a Communicator. resolver and dir come from the Gateway and
// NodeSessionManager respectively.
func New(cfg Config, resolver SocketResolver, dir Directory, logger *slog.Logger) *Communicator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SweepTTL <= 0 {
		cfg.SweepTTL = 10 * time.Minute
	}
	return &Communicator{
		cfg:      cfg,
		resolver: resolver,
		dir:      dir,
		logger:   logger.With("component", "nodecomm"),
		pending:  make(map[string]*pendingRequest),
	}
}

// SendAndWait issues method to nodeID and blocks until the node responds,
// the per-request deadline passes, the node disconnects, or the
// Communicator shuts down. timeout <= 0 falls back to the configured
// default.
func (c *Communicator) SendAndWait(ctx context.Context, nodeID, method string, params any, timeout time.Duration) (json.RawMessage, *types.TaskError) {
	status, known := c.dir.NodeStatus(nodeID)
	if !known {
		return nil, types.NewTaskError(types.ErrNodeNotFound, "node is not known", nil)
	}
	if status != "paired" {
		return nil, types.NewTaskError(types.ErrNodeNotAvailable, "node is not paired", nil)
	}

	sender, ok := c.resolver(nodeID)
	if !ok || sender == nil {
		return nil, types.NewTaskError(types.ErrNodeUnreachable, "node socket is not writable", nil)
	}

	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	correlationID := uuid.NewString()
	req := &pendingRequest{
		correlationID: correlationID,
		nodeID:        nodeID,
		resultCh:      make(chan result, 1),
		createdAt:     time.Now(),
		deadline:      time.Now().Add(timeout),
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, types.NewTaskError(types.ErrCommunicatorDown, "communicator is shut down", nil)
	}
	c.pending[correlationID] = req
	c.mu.Unlock()

	frame := Frame{JSONRPC: "2.0", ID: correlationID, Method: method, Params: params}
	if err := sender.Send(ctx, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, types.NewTaskError(types.ErrNodeUnreachable, "node socket write failed", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.resultCh:
		return res.raw, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, types.NewTaskError(types.ErrNodeTimeout, "node did not respond in time", nil)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, types.NewTaskError(types.ErrAborted, "request cancelled", ctx.Err())
	}
}

// HandleResponse delivers a response frame read off a node socket to the
// waiter registered under frame.ID. Unmatched responses are dropped with
// a debug log; a late response after timeout is expected noise.
func (c *Communicator) HandleResponse(frame Frame) bool {
	c.mu.Lock()
	req, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response with no pending request", "correlationId", frame.ID)
		return false
	}

	if frame.Error != nil {
		req.resultCh <- result{err: types.NewTaskError(types.ErrExecutionError, frame.Error.Message, nil)}
		return true
	}
	req.resultCh <- result{raw: frame.Result}
	return true
}

// CancelNode rejects every pending request whose nodeId matches the
// disconnecting node, and only those.
func (c *Communicator) CancelNode(nodeID string) int {
	c.mu.Lock()
	var cancelled []*pendingRequest
	for id, req := range c.pending {
		if req.nodeID == nodeID {
			cancelled = append(cancelled, req)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, req := range cancelled {
		req.resultCh <- result{err: types.NewTaskError(types.ErrNodeDisconnected, "node disconnected", nil)}
	}
	if len(cancelled) > 0 {
		c.logger.Info("cancelled pending node requests", "nodeId", nodeID, "count", len(cancelled))
	}
	return len(cancelled)
}

// Sweep rejects requests older than the TTL. Intended to be called
// periodically by internal/housekeeping; the per-request deadline timer
// is the primary mechanism and this is the safety net.
func (c *Communicator) Sweep(now time.Time) int {
	c.mu.Lock()
	var expired []*pendingRequest
	for id, req := range c.pending {
		if now.Sub(req.createdAt) > c.cfg.SweepTTL {
			expired = append(expired, req)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		req.resultCh <- result{err: types.NewTaskError(types.ErrNodeTimeout, "node request expired", nil)}
	}
	return len(expired)
}

// PendingCount reports the number of outstanding requests, optionally
// filtered to one node (empty nodeID counts all).
func (c *Communicator) PendingCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nodeID == "" {
		return len(c.pending)
	}
	n := 0
	for _, req := range c.pending {
		if req.nodeID == nodeID {
			n++
		}
	}
	return n
}

// Shutdown rejects every outstanding request and refuses new ones.
func (c *Communicator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	remaining := make([]*pendingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		remaining = append(remaining, req)
	}
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, req := range remaining {
		req.resultCh <- result{err: types.NewTaskError(types.ErrCommunicatorDown, "communicator is shutting down", nil)}
	}
}

// WSSender adapts a coder/websocket connection to the Sender interface,
// serializing writes since the connection permits one concurrent writer.
type WSSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSSender wraps conn.
func NewWSSender(conn *websocket.Conn) *WSSender {
	return &WSSender{conn: conn}
}

// Send implements Sender.
func (s *WSSender) Send(ctx context.Context, frame Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, b)
}
