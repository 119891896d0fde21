// Package session implements durable, sliding-expiration sessions.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/store"
)

// Registry gates access to conversations through session tokens. Expiration
// is a pure function of stored timestamps, never a per-session timer, so
// validation and sweeping work on any replica against the shared store.
type Registry struct {
	store    store.Store
	duration time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewRegistry creates a registry with the given sliding-window duration and
// sweep interval.
func NewRegistry(s store.Store, duration, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		store:    s,
		duration: duration,
		interval: interval,
		metrics:  m,
		log:      log.With().Str("component", "session").Logger(),
	}
}

// Create generates a new session with a cryptographically random token and
// an absolute deadline of now + duration.
func (r *Registry) Create(ctx context.Context, metadata json.RawMessage) (*domain.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now().UTC()
	session := &domain.Session{
		SessionID:    uuid.New().String(),
		Token:        token,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(r.duration),
		IsActive:     true,
		Metadata:     metadata,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	r.log.Debug().Str("session_id", session.SessionID).Time("expires_at", session.ExpiresAt).Msg("session created")
	return session, nil
}

// ValidateAndExtend checks the token against an active, unexpired session and
// slides its deadline to now + duration. The check and the extension are one
// guarded write, so concurrent calls on the same token can never both observe
// a stale pre-extension deadline.
func (r *Registry) ValidateAndExtend(ctx context.Context, token string) (*domain.Session, error) {
	now := time.Now().UTC()
	ok, err := r.store.TouchSession(ctx, token, now, now.Add(r.duration))
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if !ok {
		return nil, domain.ErrUnauthenticated
	}

	session, err := r.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		// Swept between the touch and the read.
		return nil, domain.ErrUnauthenticated
	}
	return session, nil
}

// Revoke marks the session inactive immediately. Idempotent; revoking an
// unknown token is not an error.
func (r *Registry) Revoke(ctx context.Context, token string) error {
	if err := r.store.RevokeSession(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// Sweep hard-deletes every session past its deadline and returns the count.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	if n > 0 {
		r.metrics.SessionsSweptTotal.Add(float64(n))
		r.log.Info().Int64("deleted", n).Msg("swept expired sessions")
	}
	return n, nil
}

// RunSweeper runs Sweep on the configured interval until ctx is cancelled.
// Each sweep is a single bounded DELETE; it holds no lock that validate or
// create operations contend on.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}

// generateToken returns 32 random bytes, URL-safe base64 encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
