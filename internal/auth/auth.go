// Package auth implements the Auth Service (C3): bcrypt credential checks
// for agents and cache-resident, sliding-window session tokens, grounded on
// Danor93's server/internal/auth/auth.go (bcrypt + random token + SHA256
// token-hash-for-storage idiom) and the teacher's per-identity single-session
// semantics.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenCachePrefix = "kefu:token:"
	agentTokenPrefix = "kefu:agent_token:"
	// slidingTTL is the default expires_at window from last activity.
	slidingTTL = 3600 * time.Second
	// absoluteTTL is the hard cap from issuance; the token cannot be
	// renewed past it even with continuous activity.
	absoluteTTL = 24 * time.Hour
)

// Service authenticates agents and validates session tokens. Customers are
// never authenticated; they are merely identified, per spec.md §3.
type Service struct {
	repo  store.Repository
	cache cache.Service
}

// NewService constructs an Service backed by the durable store for
// credential lookups and the cache for token storage.
func NewService(repo store.Repository, c cache.Service) *Service {
	return &Service{repo: repo, cache: c}
}

// HashPassword hashes a plain-text password using bcrypt, for administrative
// agent-record creation.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func checkPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate verifies an agent's credentials and issues a fresh session
// token, invalidating any token the agent already holds (single-session
// login per spec.md §3).
func (s *Service) Authenticate(ctx context.Context, username, password string) (*domain.SessionToken, *domain.Agent, error) {
	agent, err := s.repo.GetAgentByUsername(ctx, username)
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.CodeDurableUnavailable)
	}
	if agent == nil || !checkPasswordHash(password, agent.PasswordHash) {
		return nil, nil, apperr.New(apperr.CodeBadCredentials, "invalid username or password")
	}
	if !agent.IsActive {
		return nil, nil, apperr.New(apperr.CodeDisabled, "agent account is disabled")
	}

	if err := s.revokeExistingToken(ctx, agent.AgentID); err != nil {
		return nil, nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.CodeBadCredentials)
	}

	now := time.Now()
	st := &domain.SessionToken{
		Token:             token,
		AgentID:           agent.AgentID,
		IssuedAt:          now,
		LastActivity:      now,
		ExpiresAt:         now.Add(slidingTTL),
		AbsoluteExpiresAt: now.Add(absoluteTTL),
	}
	if err := s.storeToken(ctx, st); err != nil {
		return nil, nil, err
	}
	return st, agent, nil
}

// storeToken persists the token under both lookup keys, with the cache TTL
// bound to the token's current sliding expiry rather than the absolute cap,
// so a token that is never renewed actually falls out of the cache at
// expires_at instead of lingering until the 24h hard cap.
func (s *Service) storeToken(ctx context.Context, st *domain.SessionToken) error {
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := cache.SetJSON(ctx, s.cache, tokenCachePrefix+hashToken(st.Token), st, ttl); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	if err := s.cache.SetWithTTL(ctx, agentTokenPrefix+st.AgentID, []byte(hashToken(st.Token)), ttl); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return nil
}

// revokeExistingToken invalidates whatever token the agent currently holds,
// if any, enforcing single-session-per-agent.
func (s *Service) revokeExistingToken(ctx context.Context, agentID string) error {
	existing, err := s.cache.Get(ctx, agentTokenPrefix+agentID)
	if err != nil {
		if err == cache.ErrNotFound {
			return nil
		}
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	_ = s.cache.Del(ctx, tokenCachePrefix+string(existing))
	_ = s.cache.Del(ctx, agentTokenPrefix+agentID)
	return nil
}

// Validate looks up a session token and extends it on activity (sliding
// window), mirroring Danor93's ValidateSession.
func (s *Service) Validate(ctx context.Context, token string) (*domain.SessionToken, error) {
	var st domain.SessionToken
	key := tokenCachePrefix + hashToken(token)
	if err := cache.GetJSON(ctx, s.cache, key, &st); err != nil {
		if err == cache.ErrNotFound {
			return nil, apperr.New(apperr.CodeTokenInvalid, "session token not found")
		}
		return nil, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}

	now := time.Now()
	if st.Expired(now) {
		_ = s.cache.Del(ctx, key)
		_ = s.cache.Del(ctx, agentTokenPrefix+st.AgentID)
		return nil, apperr.New(apperr.CodeTokenExpired, "session token expired")
	}

	// Slide the window forward on activity, but never past the absolute
	// cap fixed at issuance (spec.md §5: "agent token absolute maximum:
	// 24h even with activity").
	newExpiry := now.Add(slidingTTL)
	if newExpiry.After(st.AbsoluteExpiresAt) {
		newExpiry = st.AbsoluteExpiresAt
	}
	if newExpiry.After(st.ExpiresAt) {
		st.LastActivity = now
		st.ExpiresAt = newExpiry
		if err := s.storeToken(ctx, &st); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

// Revoke invalidates a session token, used by the logout endpoint.
func (s *Service) Revoke(ctx context.Context, token string) error {
	key := tokenCachePrefix + hashToken(token)
	var st domain.SessionToken
	if err := cache.GetJSON(ctx, s.cache, key, &st); err == nil {
		_ = s.cache.Del(ctx, agentTokenPrefix+st.AgentID)
	}
	if err := s.cache.Del(ctx, key); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return nil
}
