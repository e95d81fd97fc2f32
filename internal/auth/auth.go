// Package auth implements timing-safe token validation against a
// configured token set, integrated with the rate limiter.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/clawinfra/moonbot-gateway/internal/ratelimit"
	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// Authenticator validates bearer tokens against a set of accepted
// SHA-256 hex digests.
type Authenticator struct {
	tokenHashes [][]byte
	limiter     *ratelimit.Limiter
}

// New builds an Authenticator. An empty tokenHashes disables
// authentication entirely, per the wire-protocol default.
func New(tokenHashes []string, limiter *ratelimit.Limiter) *Authenticator {
	decoded := make([][]byte, 0, len(tokenHashes))
	for _, h := range tokenHashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			continue
		}
		decoded = append(decoded, b)
	}
	return &Authenticator{tokenHashes: decoded, limiter: limiter}
}

// Enabled reports whether any tokens are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.tokenHashes) > 0
}

// ValidateToken checks token against every configured digest without
// short-circuiting: every comparison executes regardless of earlier
// results, and the final decision is the OR of all of them, so that
// rejection latency carries no information about which prefix matched.
func (a *Authenticator) ValidateToken(token string) *types.TaskError {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return types.NewTaskError(types.ErrAuthMissingToken, "authentication required", nil)
	}
	if a.limiter != nil && !a.limiter.CheckToken(token) {
		return types.NewTaskError(types.ErrRateLimitExceeded, "too many attempts", nil)
	}

	sum := sha256.Sum256([]byte(token))
	candidate := sum[:]

	matched := 0
	for _, want := range a.tokenHashes {
		// want and candidate are both fixed-size SHA-256 digests, so the
		// comparison length never varies with the submitted token.
		matched |= subtle.ConstantTimeCompare(candidate, want)
	}
	if matched == 0 {
		return types.NewTaskError(types.ErrAuthInvalidToken, "invalid token", nil)
	}
	return nil
}
