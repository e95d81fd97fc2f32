// Package gateway is the loopback WebSocket server: JSON-RPC 2.0
// framing, connection admission (rate limit then authentication), handler
// dispatch, and fan-out of orchestrator notifications to subscribers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawinfra/moonbot-gateway/internal/auth"
	"github.com/clawinfra/moonbot-gateway/internal/nodecomm"
	"github.com/clawinfra/moonbot-gateway/internal/nodesession"
	"github.com/clawinfra/moonbot-gateway/internal/orchestrator"
	"github.com/clawinfra/moonbot-gateway/internal/ratelimit"
	"github.com/clawinfra/moonbot-gateway/internal/types"
)

const writeTimeout = 5 * time.Second

// Handler serves one RPC method. Params arrive raw; the handler decodes
// its own shape and returns either a result or an RPCError.
type Handler func(c *Client, params json.RawMessage) (any, *RPCError)

// Client is one admitted WebSocket connection.
type Client struct {
	ID          string
	ClientType  string
	Version     string
	ConnectedAt time.Time
	remoteAddr  string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
}

// send writes one JSON payload to the client, serializing writers.
func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) markConnected(id, clientType, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ID = id
	c.ClientType = clientType
	c.Version = version
	c.ConnectedAt = time.Now()
	c.connected = true
}

// Config bounds the Gateway's listener and shutdown behavior.
type Config struct {
	BindAddr    string
	DrainWindow time.Duration
}

// Gateway is C1: it owns the sockets, the client registry, the rate
// limiter, the authenticator, and the node communicator.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	limiter *ratelimit.Limiter
	authn   *auth.Authenticator
	orch    *orchestrator.Orchestrator
	comm    *nodecomm.Communicator
	nodes   *nodesession.Manager

	handlers map[string]Handler

	mu           sync.Mutex
	clients      map[string]*Client               // clientID -> admitted client
	anonymous    map[*Client]struct{}             // sockets awaiting connect
	nodeSenders  map[string]*nodecomm.WSSender // socketID -> sender
	nodeConns    map[string]*websocket.Conn    // socketID -> raw socket
	nodeBySocket map[string]string             // socketID -> nodeID
	closed       bool

	listener net.Listener
	httpSrv  *http.Server
	unsubs   []orchestrator.Unsubscribe
	wg       sync.WaitGroup
}

// New wires a Gateway over its collaborators. Call Start to begin
// accepting connections.
func New(cfg Config, limiter *ratelimit.Limiter, authn *auth.Authenticator,
	orch *orchestrator.Orchestrator, comm *nodecomm.Communicator,
	nodes *nodesession.Manager, logger *slog.Logger) *Gateway {

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = 5 * time.Second
	}
	g := &Gateway{
		cfg:          cfg,
		logger:       logger.With("component", "gateway"),
		limiter:      limiter,
		authn:        authn,
		orch:         orch,
		comm:         comm,
		nodes:        nodes,
		handlers:     make(map[string]Handler),
		clients:      make(map[string]*Client),
		anonymous:    make(map[*Client]struct{}),
		nodeSenders:  make(map[string]*nodecomm.WSSender),
		nodeConns:    make(map[string]*websocket.Conn),
		nodeBySocket: make(map[string]string),
	}
	g.registerHandlers()
	return g
}

// RegisterHandler installs a handler under method, replacing any prior
// registration.
func (g *Gateway) RegisterHandler(method string, h Handler) {
	g.handlers[method] = h
}

// ResolveNodeSocket maps a nodeId to its live sender; it is the
// indirection handed to the NodeCommunicator so the Communicator never
// references the Gateway directly.
func (g *Gateway) ResolveNodeSocket(nodeID string) (nodecomm.Sender, bool) {
	node, ok := g.nodes.Get(nodeID)
	if !ok || node.SocketID == "" {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.nodeSenders[node.SocketID]
	return s, ok
}

// Start binds the listener and begins serving. It returns once the
// listener is bound; serving continues in the background.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.BindAddr)
	if err != nil {
		return err
	}
	g.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.serveClient)
	mux.HandleFunc("/node", g.serveNode)
	g.httpSrv = &http.Server{Handler: mux}

	g.subscribeOrchestrator()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("serve stopped", "error", err)
		}
	}()
	g.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr reports the bound listener address, for tests that bind port 0.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.cfg.BindAddr
	}
	return g.listener.Addr().String()
}

// subscribeOrchestrator fans orchestrator events out to every admitted
// socket as chat.response / approval.requested / approval.resolved
// notifications.
func (g *Gateway) subscribeOrchestrator() {
	g.unsubs = append(g.unsubs,
		g.orch.OnResponse(func(r types.ChatResponse) {
			g.Broadcast("chat.response", r)
		}),
		g.orch.OnApprovalRequest(func(a types.ApprovalRequested) {
			g.Broadcast("approval.requested", a)
		}),
		g.orch.OnApprovalResolved(func(a types.ApprovalResolved) {
			g.Broadcast("approval.resolved", a)
		}),
	)
}

// peerAddr extracts the host part of a remote address for rate limiting.
func peerAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// serveClient admits one chat-surface client connection: accept, rate
// limit by peer address (closing with a policy-violation status when over
// the limit), then run the read loop. Authentication happens inside the
// connect RPC.
func (g *Gateway) serveClient(w http.ResponseWriter, r *http.Request) {
	addr := peerAddr(r.RemoteAddr)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Debug("accept failed", "error", err)
		return
	}
	if g.limiter != nil && !g.limiter.CheckIP(addr) {
		conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
		return
	}

	client := &Client{conn: conn, remoteAddr: addr}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	g.anonymous[client] = struct{}{}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.readLoop(client)
	}()
}

// readLoop frames messages off one client socket until it closes.
// Failures on this socket isolate to this socket.
func (g *Gateway) readLoop(client *Client) {
	defer g.dropClient(client)
	ctx := context.Background()
	for {
		_, raw, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		resp, notify := g.handleMessage(client, raw)
		if !notify {
			if err := client.send(resp); err != nil {
				g.logger.Debug("write failed", "clientId", client.ID, "error", err)
				return
			}
		}
	}
}

// handleMessage frames, dispatches, and builds the reply for one raw
// message. notify=true means the message was a notification (no id) and
// gets no reply.
func (g *Gateway) handleMessage(client *Client, raw []byte) (Response, bool) {
	req, rpcErr := parseRequest(raw)
	if rpcErr != nil {
		return errResponse(nil, rpcErr), false
	}
	isNotification := len(req.ID) == 0

	handler, ok := g.handlers[req.Method]
	if !ok {
		return errResponse(req.ID, rpcErrorf(codeMethodNotFound, "", "method not found")), isNotification
	}

	if req.Method != "connect" && !client.isConnected() {
		return errResponse(req.ID, rpcErrorf(codeInvalidRequest, "", "connect required")), isNotification
	}

	result, herr := g.safeInvoke(handler, client, req.Params)
	if herr != nil {
		return errResponse(req.ID, herr), isNotification
	}
	return okResponse(req.ID, result), isNotification
}

// safeInvoke calls a handler, mapping a panic to -32603 with a sanitized
// message; the raw panic value is logged, never echoed to the peer.
func (g *Gateway) safeInvoke(h Handler, client *Client, params json.RawMessage) (result any, rpcErr *RPCError) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panicked", "recover", r)
			result, rpcErr = nil, rpcErrorf(codeInternalError, "", "internal error")
		}
	}()
	return h(client, params)
}

// dropClient unregisters a closed socket.
func (g *Gateway) dropClient(client *Client) {
	g.mu.Lock()
	delete(g.anonymous, client)
	if client.ID != "" {
		delete(g.clients, client.ID)
	}
	g.mu.Unlock()
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// admit moves a client from the anonymous set into the registry under a
// freshly assigned clientId.
func (g *Gateway) admit(client *Client, clientType, version string) string {
	id := uuid.NewString()
	client.markConnected(id, clientType, version)
	g.mu.Lock()
	delete(g.anonymous, client)
	g.clients[id] = client
	g.mu.Unlock()
	g.logger.Info("client connected", "clientId", id, "type", clientType)
	return id
}

// Broadcast sends a notification to every admitted socket. Write errors
// isolate to the failing socket.
func (g *Gateway) Broadcast(method string, params any) {
	g.mu.Lock()
	targets := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	n := Notification{JSONRPC: "2.0", Method: method, Params: params}
	for _, c := range targets {
		if err := c.send(n); err != nil {
			g.logger.Debug("broadcast write failed", "clientId", c.ID, "error", err)
		}
	}
}

// SendToClient is the targeted variant of Broadcast.
func (g *Gateway) SendToClient(clientID, method string, params any) error {
	g.mu.Lock()
	c, ok := g.clients[clientID]
	g.mu.Unlock()
	if !ok {
		return errors.New("gateway: unknown client " + clientID)
	}
	return c.send(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// ClientCount reports the number of admitted clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown closes sockets after a drain window, stops the rate limiter's
// sweep, requests orchestrator shutdown, then node-communicator
// shutdown, in that order.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	clients := make([]*Client, 0, len(g.clients)+len(g.anonymous))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	for c := range g.anonymous {
		clients = append(clients, c)
	}
	nodeConns := make([]*websocket.Conn, 0, len(g.nodeConns))
	for _, c := range g.nodeConns {
		nodeConns = append(nodeConns, c)
	}
	g.mu.Unlock()

	for _, u := range g.unsubs {
		u()
	}

	if g.httpSrv != nil {
		drainCtx, cancel := context.WithTimeout(ctx, g.cfg.DrainWindow)
		defer cancel()
		_ = g.httpSrv.Shutdown(drainCtx)
	}
	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	for _, c := range nodeConns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if g.limiter != nil {
		g.limiter.StopSweep()
	}
	g.orch.Shutdown()
	if g.comm != nil {
		g.comm.Shutdown()
	}
	g.wg.Wait()
	g.logger.Info("gateway stopped")
}
