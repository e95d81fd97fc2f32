package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"testing"
	"time"

	"github.com/clawinfra/moonbot-gateway/internal/ratelimit"
	"github.com/clawinfra/moonbot-gateway/internal/types"
)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestNoTokensDisablesAuth(t *testing.T) {
	a := New(nil, nil)
	if err := a.ValidateToken("anything"); err != nil {
		t.Fatalf("expected auth disabled, got %v", err)
	}
}

func TestEmptyTokenFails(t *testing.T) {
	a := New([]string{hashOf("secret")}, nil)
	err := a.ValidateToken("")
	if err == nil || err.Code != types.ErrAuthMissingToken {
		t.Fatalf("expected AUTH_MISSING_TOKEN, got %v", err)
	}
}

func TestValidTokenAccepted(t *testing.T) {
	a := New([]string{hashOf("secret")}, nil)
	if err := a.ValidateToken("secret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	a := New([]string{hashOf("secret")}, nil)
	err := a.ValidateToken("wrong")
	if err == nil || err.Code != types.ErrAuthInvalidToken {
		t.Fatalf("expected AUTH_INVALID_TOKEN, got %v", err)
	}
}

func TestRateLimiterIntegration(t *testing.T) {
	l := ratelimit.New(60*time.Second, 1, nil)
	a := New([]string{hashOf("secret")}, l)
	if err := a.ValidateToken("secret"); err != nil {
		t.Fatalf("first attempt should pass rate limit, got %v", err)
	}
	err := a.ValidateToken("secret")
	if err == nil || err.Code != types.ErrRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestMultipleTokensAllAreCompared(t *testing.T) {
	a := New([]string{hashOf("a"), hashOf("b"), hashOf("c")}, nil)
	for _, tok := range []string{"a", "b", "c"} {
		if err := a.ValidateToken(tok); err != nil {
			t.Fatalf("token %q should be accepted, got %v", tok, err)
		}
	}
}

// medianRejectionLatency measures the median ValidateToken latency for a
// rejected token over n runs.
func medianRejectionLatency(a *Authenticator, token string, n int) time.Duration {
	samples := make([]time.Duration, n)
	for i := range samples {
		start := time.Now()
		a.ValidateToken(token)
		samples[i] = time.Since(start)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[n/2]
}

// Rejection latency must not depend on where a submitted token diverges
// from a configured one; both candidates hash to fixed-size digests
// compared without short-circuiting.
func TestRejectionLatencyIndependentOfDivergencePoint(t *testing.T) {
	a := New([]string{hashOf("aaaaaaaaaaaaaaaa"), hashOf("bbbbbbbbbbbbbbbb")}, nil)

	const runs = 501
	firstByteOff := medianRejectionLatency(a, "Xaaaaaaaaaaaaaaa", runs)
	lastByteOff := medianRejectionLatency(a, "aaaaaaaaaaaaaaaX", runs)

	diff := firstByteOff - lastByteOff
	if diff < 0 {
		diff = -diff
	}
	if diff > 2*time.Millisecond {
		t.Fatalf("median rejection latencies diverge: first-byte %v vs last-byte %v", firstByteOff, lastByteOff)
	}
}
