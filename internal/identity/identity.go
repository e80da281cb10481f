// Package identity authenticates northbound callers: it turns a bearer
// token into a domain.Agent, enforcing token expiry and minimum entropy.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
)

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("identity: missing bearer token")
	// ErrWeakToken is returned when a presented token is too short to carry
	// adequate entropy (fewer than 16 bytes decoded/raw).
	ErrWeakToken = errors.New("identity: token does not meet minimum entropy")
	// ErrUnknownToken is returned when no agent matches the token's hash.
	ErrUnknownToken = errors.New("identity: unknown token")
	// ErrTokenExpired is returned when the matched agent's token has an
	// expiry in the past.
	ErrTokenExpired = errors.New("identity: token expired")
)

const minTokenBytes = 16

// Store is the subset of the store needed to resolve a token to an agent.
type Store interface {
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (domain.Agent, error)
}

// Authenticator resolves bearer tokens to agents.
type Authenticator struct {
	store Store
	now   func() time.Time
}

// New builds an Authenticator. now defaults to time.Now if nil.
func New(store Store, now func() time.Time) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{store: store, now: now}
}

// Authenticate extracts the bearer token from an Authorization header value
// ("Bearer <token>") and resolves it to an agent.
func (a *Authenticator) Authenticate(ctx context.Context, authorizationHeader string) (domain.Agent, error) {
	token := bearerToken(authorizationHeader)
	if token == "" {
		return domain.Agent{}, ErrMissingToken
	}
	if len(token) < minTokenBytes {
		return domain.Agent{}, ErrWeakToken
	}

	hash := HashToken(token)
	agent, err := a.store.GetAgentByTokenHash(ctx, hash)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("%w: %v", ErrUnknownToken, err)
	}

	if agent.TokenExpiresAt != nil && a.now().After(*agent.TokenExpiresAt) {
		return domain.Agent{}, ErrTokenExpired
	}
	return agent, nil
}

// HashToken returns the lowercase-hex SHA-256 digest of token, the form
// stored in agents.token_hash so raw tokens never touch disk.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
