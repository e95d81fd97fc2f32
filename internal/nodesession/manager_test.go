package nodesession

import (
	"strings"
	"testing"
	"time"
)

func testManager(cfg Config) *Manager {
	return NewManager(cfg, nil)
}

func TestPairingCodeShape(t *testing.T) {
	m := testManager(DefaultConfig())
	code, err := m.GeneratePairingCode("u1")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("code %q has length %d, want 8", code, len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(pairingAlphabet, r) {
			t.Fatalf("code %q contains %q, outside the pairing alphabet", code, r)
		}
		if r == 'I' || r == 'O' {
			t.Fatalf("code %q contains ambiguous symbol %q", code, r)
		}
	}
}

func TestCompletePairingConsumesCode(t *testing.T) {
	m := testManager(DefaultConfig())
	code, _ := m.GeneratePairingCode("u1")

	conn, err := m.CompletePairing(code, "sock-1", NodeInfo{NodeName: "laptop", Platform: "linux"})
	if err != nil {
		t.Fatalf("CompletePairing: %v", err)
	}
	if conn.Status != StatusPaired {
		t.Fatalf("status = %s, want paired", conn.Status)
	}
	if conn.UserID != "u1" {
		t.Fatalf("userId = %s, want u1", conn.UserID)
	}

	if _, err := m.CompletePairing(code, "sock-2", NodeInfo{NodeName: "other"}); err == nil {
		t.Fatal("a consumed code must not pair twice")
	}
}

func TestCompletePairingExpiredCode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairingCodeTTL = -time.Second
	m := testManager(cfg)
	code, _ := m.GeneratePairingCode("u1")

	if _, err := m.CompletePairing(code, "sock-1", NodeInfo{NodeName: "laptop"}); err == nil {
		t.Fatal("expired code must not pair")
	}
}

func TestCompletePairingUpdatesSameNamedNode(t *testing.T) {
	m := testManager(DefaultConfig())
	code1, _ := m.GeneratePairingCode("u1")
	first, _ := m.CompletePairing(code1, "sock-1", NodeInfo{NodeName: "laptop", Platform: "linux"})

	code2, _ := m.GeneratePairingCode("u1")
	second, err := m.CompletePairing(code2, "sock-2", NodeInfo{NodeName: "laptop", Platform: "darwin"})
	if err != nil {
		t.Fatalf("re-pairing: %v", err)
	}
	if second.NodeID != first.NodeID {
		t.Fatal("re-pairing the same (user, name) should update the existing record")
	}
	if second.SocketID != "sock-2" || second.Platform != "darwin" {
		t.Fatal("re-pairing should refresh socket and platform")
	}
	if len(m.NodesForUser("u1")) != 1 {
		t.Fatal("re-pairing must not duplicate the node record")
	}
}

func TestPerUserNodeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodesPerUser = 2
	m := testManager(cfg)

	for i := 0; i < 2; i++ {
		code, err := m.GeneratePairingCode("u1")
		if err != nil {
			t.Fatalf("code %d: %v", i, err)
		}
		name := string(rune('a' + i))
		if _, err := m.CompletePairing(code, "sock", NodeInfo{NodeName: name}); err != nil {
			t.Fatalf("pair %d: %v", i, err)
		}
	}
	if _, err := m.GeneratePairingCode("u1"); err == nil {
		t.Fatal("third node for a user capped at 2 should be refused")
	}
	if _, err := m.GeneratePairingCode("u2"); err != nil {
		t.Fatalf("another user's first code should be allowed: %v", err)
	}
}

func TestMarkOfflineAndStatus(t *testing.T) {
	m := testManager(DefaultConfig())
	code, _ := m.GeneratePairingCode("u1")
	conn, _ := m.CompletePairing(code, "sock-1", NodeInfo{NodeName: "laptop"})

	if s, ok := m.NodeStatus(conn.NodeID); !ok || s != "paired" {
		t.Fatalf("NodeStatus = %q,%v, want paired", s, ok)
	}
	nodeID, ok := m.MarkOffline("sock-1")
	if !ok || nodeID != conn.NodeID {
		t.Fatalf("MarkOffline = %q,%v", nodeID, ok)
	}
	if s, _ := m.NodeStatus(conn.NodeID); s != "offline" {
		t.Fatalf("status after MarkOffline = %q, want offline", s)
	}
}

func TestScreenCaptureConsentLifecycle(t *testing.T) {
	m := testManager(DefaultConfig())
	code, _ := m.GeneratePairingCode("u1")
	conn, _ := m.CompletePairing(code, "sock-1", NodeInfo{
		NodeName: "laptop", Capabilities: Capabilities{ScreenCapture: true},
	})

	if m.HasScreenCaptureConsent(conn.NodeID) {
		t.Fatal("consent should start ungranted")
	}
	if err := m.GrantScreenCaptureConsent(conn.NodeID, 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !m.HasScreenCaptureConsent(conn.NodeID) {
		t.Fatal("unbounded consent should hold")
	}

	if err := m.GrantScreenCaptureConsent(conn.NodeID, 10*time.Millisecond); err != nil {
		t.Fatalf("grant bounded: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if m.HasScreenCaptureConsent(conn.NodeID) {
		t.Fatal("expired consent should lazily revoke")
	}
}

func TestConsentRequiresCapability(t *testing.T) {
	m := testManager(DefaultConfig())
	code, _ := m.GeneratePairingCode("u1")
	conn, _ := m.CompletePairing(code, "sock-1", NodeInfo{NodeName: "headless"})

	err := m.GrantScreenCaptureConsent(conn.NodeID, 0)
	if err == nil || err.Code != "NODE_CAPABILITY_REQUIRED" {
		t.Fatalf("want NODE_CAPABILITY_REQUIRED, got %v", err)
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = []byte("test-secret")
	m := testManager(cfg)
	code, _ := m.GeneratePairingCode("u1")
	conn, _ := m.CompletePairing(code, "sock-1", NodeInfo{NodeName: "laptop"})

	token, err := m.IssueSessionToken(conn.NodeID)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	nodeID, userID, err := m.ValidateSessionToken(token)
	if err != nil {
		t.Fatalf("ValidateSessionToken: %v", err)
	}
	if nodeID != conn.NodeID || userID != "u1" {
		t.Fatalf("claims = (%s,%s), want (%s,u1)", nodeID, userID, conn.NodeID)
	}

	if _, _, err := m.ValidateSessionToken(token + "x"); err == nil {
		t.Fatal("tampered token must not validate")
	}
}

func TestSweepExpiresCodesAndIdleNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	m := testManager(cfg)

	if _, err := m.GeneratePairingCode("u1"); err != nil {
		t.Fatal(err)
	}
	code, _ := m.GeneratePairingCode("u1")
	conn, _ := m.CompletePairing(code, "sock-1", NodeInfo{NodeName: "laptop"})
	m.MarkOffline("sock-1")

	expired, dropped := m.Sweep(time.Now().Add(time.Hour))
	if expired != 1 {
		t.Fatalf("expired %d codes, want 1", expired)
	}
	if dropped != 1 {
		t.Fatalf("dropped %d nodes, want 1", dropped)
	}
	if _, ok := m.Get(conn.NodeID); ok {
		t.Fatal("idle offline node should be gone after sweep")
	}
}
