// Package session provides the Redis-backed session manager. A session is a
// short-lived grouping token for one actor's continuous editing interaction;
// it is created explicitly via Open, refreshed on every use, and closed as a
// side effect of commit, discard or idle expiry (the Redis TTL).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rpattn/pfasync/internal/capability"
	"github.com/rpattn/pfasync/internal/domain"
)

// Session is the live state of one editing interaction.
type Session struct {
	ID             uuid.UUID `json:"id"`
	ActorID        uuid.UUID `json:"actor_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Capabilities   []string  `json:"capabilities"`
	CreatedAt      time.Time `json:"created_at"`
}

// CapabilitySet parses the stored grants back into a capability set.
func (s Session) CapabilitySet() capability.Set {
	set := capability.Set{}
	for _, raw := range s.Capabilities {
		if grant, ok := capability.Normalize(raw); ok {
			set[grant] = struct{}{}
		}
	}
	return set
}

// Manager issues and scopes session identifiers in Redis with an idle TTL.
type Manager struct {
	client  *redis.Client
	prefix  string
	idleTTL time.Duration
}

// NewManager creates a manager from a Redis URL.
func NewManager(redisURL string, idleTTL time.Duration) (*Manager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewManagerWithClient(client, idleTTL), nil
}

// NewManagerWithClient creates a manager from an existing Redis client.
func NewManagerWithClient(client *redis.Client, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Manager{
		client:  client,
		prefix:  "session:",
		idleTTL: idleTTL,
	}
}

func (m *Manager) key(id uuid.UUID) string {
	return m.prefix + id.String()
}

// Open issues a new session for the actor within the organization scope.
func (m *Manager) Open(ctx context.Context, actorID, organizationID uuid.UUID, capabilities capability.Set) (Session, error) {
	if actorID == uuid.Nil || organizationID == uuid.Nil {
		return Session{}, fmt.Errorf("%w: actor and organization are required", domain.ErrValidationFailed)
	}

	session := Session{
		ID:             uuid.New(),
		ActorID:        actorID,
		OrganizationID: organizationID,
		Capabilities:   capabilities.Names(),
		CreatedAt:      time.Now(),
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}

	if err := m.client.Set(ctx, m.key(session.ID), payload, m.idleTTL).Err(); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	return session, nil
}

// Lookup resolves a session id and refreshes its idle TTL. Expired or unknown
// sessions report domain.ErrNotFound.
func (m *Manager) Lookup(ctx context.Context, id uuid.UUID) (Session, error) {
	payload, err := m.client.Get(ctx, m.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}

	// Sliding idle timeout: every use pushes expiry out.
	if err := m.client.Expire(ctx, m.key(id), m.idleTTL).Err(); err != nil {
		return Session{}, fmt.Errorf("refresh session ttl: %w", err)
	}

	return session, nil
}

// Close removes the session token. Deltas the session saved are untouched;
// their cleanup belongs to commit, discard, or ledger garbage collection.
func (m *Manager) Close(ctx context.Context, id uuid.UUID) error {
	if err := m.client.Del(ctx, m.key(id)).Err(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// CloseClient closes the underlying Redis connection.
func (m *Manager) CloseClient() error {
	return m.client.Close()
}
