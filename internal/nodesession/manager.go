// Package nodesession manages node-companion pairing, connection state,
// screen-capture consent, and command validation for calls delegated to
// remote nodes.
package nodesession

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// pairingAlphabet is digits plus uppercase letters minus I and O, which
// read ambiguously when a user relays a code out loud.
const pairingAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const pairingCodeLength = 8

// NodeStatus is a node connection's lifecycle position.
type NodeStatus string

const (
	StatusPaired  NodeStatus = "paired"
	StatusPending NodeStatus = "pending"
	StatusOffline NodeStatus = "offline"
	StatusExpired NodeStatus = "expired"
)

// Capabilities declares what a node companion can do.
type Capabilities struct {
	ScreenCapture bool `json:"screenCapture"`
	CommandExec   bool `json:"commandExec"`
}

// Consent records a user's screen-capture grant for one node.
type Consent struct {
	Granted   bool
	GrantedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// NodeConnection is the session record for one node companion.
type NodeConnection struct {
	NodeID       string
	SocketID     string
	UserID       string
	NodeName     string
	Platform     string
	Capabilities Capabilities
	Consent      Consent
	Status       NodeStatus
	PairedAt     time.Time
	LastSeen     time.Time
}

// NodeInfo is what a companion reports about itself when completing a
// pairing.
type NodeInfo struct {
	NodeName     string       `json:"nodeName"`
	Platform     string       `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
}

// pairingCode is an unconsumed code with its owner and expiry.
type pairingCode struct {
	userID    string
	createdAt time.Time
	expiresAt time.Time
}

// Config bounds the manager's limits and timers.
type Config struct {
	MaxNodesPerUser int
	PairingCodeTTL  time.Duration
	IdleTimeout     time.Duration
	JWTSecret       []byte
	TokenTTL        time.Duration
}

// DefaultConfig matches the spec defaults.
func DefaultConfig() Config {
	return Config{
		MaxNodesPerUser: 5,
		PairingCodeTTL:  5 * time.Minute,
		IdleTimeout:     time.Hour,
		TokenTTL:        24 * time.Hour,
	}
}

// Manager owns NodeConnections and PairingCodes.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	nodes map[string]*NodeConnection // nodeID -> connection
	codes map[string]*pairingCode    // code -> pairing
}

// NewManager builds a Manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxNodesPerUser <= 0 {
		cfg.MaxNodesPerUser = 5
	}
	if cfg.PairingCodeTTL == 0 {
		cfg.PairingCodeTTL = 5 * time.Minute
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "nodesession"),
		nodes:  make(map[string]*NodeConnection),
		codes:  make(map[string]*pairingCode),
	}
}

// randomCode draws one pairing code from the 34-symbol alphabet.
func randomCode() (string, error) {
	buf := make([]byte, pairingCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nodesession: read random: %w", err)
	}
	out := make([]byte, pairingCodeLength)
	for i, b := range buf {
		out[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(out), nil
}

// GeneratePairingCode issues a fresh one-time code for userID, enforcing
// the per-user node cap and drawing until the code is unique among active
// pairings.
func (m *Manager) GeneratePairingCode(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := 0
	for _, n := range m.nodes {
		if n.UserID == userID {
			owned++
		}
	}
	if owned >= m.cfg.MaxNodesPerUser {
		return "", fmt.Errorf("nodesession: user %s already has %d nodes", userID, owned)
	}

	now := time.Now()
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.codes[code]; taken {
			continue
		}
		m.codes[code] = &pairingCode{
			userID:    userID,
			createdAt: now,
			expiresAt: now.Add(m.cfg.PairingCodeTTL),
		}
		return code, nil
	}
}

// CompletePairing consumes code and promotes the connection to paired,
// or, when the same user already has a node with the same name, updates
// that existing record in place. Code matching is case-sensitive.
func (m *Manager) CompletePairing(code, socketID string, info NodeInfo) (*NodeConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.codes[code]
	if !ok {
		return nil, fmt.Errorf("nodesession: unknown pairing code")
	}
	delete(m.codes, code)
	if time.Now().After(pc.expiresAt) {
		return nil, fmt.Errorf("nodesession: pairing code expired")
	}

	now := time.Now()
	for _, n := range m.nodes {
		if n.UserID == pc.userID && n.NodeName == info.NodeName {
			n.SocketID = socketID
			n.Platform = info.Platform
			n.Capabilities = info.Capabilities
			n.Status = StatusPaired
			n.LastSeen = now
			snapshot := *n
			return &snapshot, nil
		}
	}

	conn := &NodeConnection{
		NodeID:       uuid.NewString(),
		SocketID:     socketID,
		UserID:       pc.userID,
		NodeName:     info.NodeName,
		Platform:     info.Platform,
		Capabilities: info.Capabilities,
		Status:       StatusPaired,
		PairedAt:     now,
		LastSeen:     now,
	}
	m.nodes[conn.NodeID] = conn
	m.logger.Info("node paired", "nodeId", conn.NodeID, "userId", conn.UserID, "name", conn.NodeName)
	snapshot := *conn
	return &snapshot, nil
}

// NodeStatus reports a node's current status; it satisfies
// nodecomm.Directory.
func (m *Manager) NodeStatus(nodeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return "", false
	}
	return string(n.Status), true
}

// Get returns a snapshot of the connection record for nodeID.
func (m *Manager) Get(nodeID string) (*NodeConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, false
	}
	snapshot := *n
	return &snapshot, true
}

// NodesForUser lists snapshots of the connections owned by userID.
func (m *Manager) NodesForUser(userID string) []*NodeConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*NodeConnection
	for _, n := range m.nodes {
		if n.UserID == userID {
			snapshot := *n
			out = append(out, &snapshot)
		}
	}
	return out
}

// MarkOffline flags the node whose socket just closed. The record is
// retained until the idle timeout elapses.
func (m *Manager) MarkOffline(socketID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.SocketID == socketID && n.Status == StatusPaired {
			n.Status = StatusOffline
			n.SocketID = ""
			n.LastSeen = time.Now()
			return n.NodeID, true
		}
	}
	return "", false
}

// Touch refreshes a node's lastSeen stamp.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		n.LastSeen = time.Now()
	}
}

// GrantScreenCaptureConsent records consent for nodeID, optionally
// bounded to duration (0 means no expiry).
func (m *Manager) GrantScreenCaptureConsent(nodeID string, duration time.Duration) *types.TaskError {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return types.NewTaskError(types.ErrNodeNotFound, "node is not known", nil)
	}
	if !n.Capabilities.ScreenCapture {
		return types.NewTaskError(types.ErrNodeCapability, "node does not support screen capture", nil)
	}
	now := time.Now()
	n.Consent = Consent{Granted: true, GrantedAt: now}
	if duration > 0 {
		n.Consent.ExpiresAt = now.Add(duration)
	}
	return nil
}

// HasScreenCaptureConsent reports whether nodeID holds a live consent,
// lazily revoking one that has expired.
func (m *Manager) HasScreenCaptureConsent(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok || !n.Consent.Granted {
		return false
	}
	if !n.Consent.ExpiresAt.IsZero() && time.Now().After(n.Consent.ExpiresAt) {
		n.Consent = Consent{}
		return false
	}
	return true
}

// RevokeScreenCaptureConsent clears any consent held by nodeID.
func (m *Manager) RevokeScreenCaptureConsent(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		n.Consent = Consent{}
	}
}

// nodeClaims is the JWT payload minted for a paired node session.
type nodeClaims struct {
	NodeID string `json:"node_id"`
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueSessionToken mints a signed session token for a paired node,
// letting the companion reconnect without re-pairing until the token
// expires. Issuance is disabled when no secret is configured.
func (m *Manager) IssueSessionToken(nodeID string) (string, error) {
	if len(m.cfg.JWTSecret) == 0 {
		return "", fmt.Errorf("nodesession: token issuance disabled, no secret configured")
	}
	m.mu.Lock()
	n, ok := m.nodes[nodeID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("nodesession: unknown node %s", nodeID)
	}

	now := time.Now()
	claims := nodeClaims{
		NodeID: n.NodeID,
		UserID: n.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.cfg.JWTSecret)
}

// ValidateSessionToken parses a session token and returns the nodeId and
// userId it was minted for.
func (m *Manager) ValidateSessionToken(tokenStr string) (nodeID, userID string, err error) {
	if len(m.cfg.JWTSecret) == 0 {
		return "", "", fmt.Errorf("nodesession: token validation disabled, no secret configured")
	}
	token, err := jwt.ParseWithClaims(tokenStr, &nodeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.cfg.JWTSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("nodesession: invalid session token")
	}
	claims, ok := token.Claims.(*nodeClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("nodesession: invalid session token")
	}
	return claims.NodeID, claims.UserID, nil
}

// Sweep expires stale pairing codes and drops offline nodes idle past
// the timeout. Called periodically by internal/housekeeping.
func (m *Manager) Sweep(now time.Time) (expiredCodes, droppedNodes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, pc := range m.codes {
		if now.After(pc.expiresAt) {
			delete(m.codes, code)
			expiredCodes++
		}
	}
	if m.cfg.IdleTimeout > 0 {
		for id, n := range m.nodes {
			if n.Status == StatusOffline && now.Sub(n.LastSeen) > m.cfg.IdleTimeout {
				delete(m.nodes, id)
				droppedNodes++
			}
		}
	}
	return
}

// ActivePairingCount reports how many unconsumed codes exist.
func (m *Manager) ActivePairingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes)
}
