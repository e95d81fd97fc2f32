// Command gatewayctl is the operator console for a running gateway: a
// terminal UI that watches task responses, lists pending approvals, and
// grants or denies them over the same JSON-RPC wire protocol every other
// client speaks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:18789", "Gateway address")
	token := flag.String("token", "", "Auth token")
	channel := flag.String("channel", "operator", "Channel session id for messages sent from the console")
	flag.Parse()

	client, err := dialGateway(*addr, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	model := newModel(client, *channel)
	program := tea.NewProgram(model, tea.WithAltScreen())
	client.program = program

	go client.readLoop()

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui crashed: %v\n", err)
		os.Exit(1)
	}
}

// rpcRequest/rpcResponse mirror the gateway's JSON-RPC frames.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"` // set on notifications
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// gatewayClient is a minimal JSON-RPC client with request/response
// correlation and notification forwarding into the TUI.
type gatewayClient struct {
	conn    *websocket.Conn
	program *tea.Program

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse

	clientID string
}

func dialGateway(addr, token string) (*gatewayClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/", nil)
	if err != nil {
		return nil, err
	}
	c := &gatewayClient{conn: conn, pending: make(map[int64]chan rpcResponse)}

	// connect is correlated by hand since readLoop is not running yet.
	reqID := c.allocate()
	if err := c.write(rpcRequest{JSONRPC: "2.0", ID: reqID, Method: "connect", Params: map[string]any{
		"clientType": "gatewayctl", "version": "0.1.0", "token": token,
	}}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	_, raw, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if resp.Error != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}
	var result struct {
		ClientID string `json:"clientId"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	c.clientID = result.ClientID
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
	return c, nil
}

func (c *gatewayClient) allocate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.pending[id] = make(chan rpcResponse, 1)
	return id
}

func (c *gatewayClient) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// Call issues one RPC and waits for its reply.
func (c *gatewayClient) Call(method string, params any) (rpcResponse, error) {
	id := c.allocate()
	c.mu.Lock()
	ch := c.pending[id]
	c.mu.Unlock()

	if err := c.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return rpcResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(10 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return rpcResponse{}, fmt.Errorf("request timed out")
	}
}

// readLoop delivers replies to waiters and notifications to the TUI.
func (c *gatewayClient) readLoop() {
	ctx := context.Background()
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if c.program != nil {
				c.program.Send(disconnectedMsg{})
			}
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.Method != "" {
			if c.program != nil {
				c.program.Send(notificationMsg{method: resp.Method, params: resp.Params})
			}
			continue
		}
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (c *gatewayClient) Close() {
	_, _ = c.Call("disconnect", map[string]any{"clientId": c.clientID})
	c.conn.Close(websocket.StatusNormalClosure, "")
}
