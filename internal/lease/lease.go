// Package lease serializes deployments per project ID. A lease is taken by
// the coordinator before launching a worker and released when the worker
// finishes; the TTL bounds how long a crashed worker can block redeploys.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another deployment holds the project's lease.
var ErrHeld = errors.New("lease: held by another deployment")

const keyPrefix = "deployx:lease:"

// Lease identifies a held lease; Token proves ownership on release.
type Lease struct {
	ProjectID string
	Token     string
	ExpiresAt time.Time
}

// Manager acquires and releases per-project leases.
type Manager interface {
	Acquire(ctx context.Context, projectID string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// Key is the store key guarding a project.
func Key(projectID string) string {
	return keyPrefix + projectID
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps leases as SET NX PX keys.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps a redis client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, projectID string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, Key(projectID), token, ttl).Result()
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, ErrHeld
	}
	return Lease{ProjectID: projectID, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (r *Redis) Release(ctx context.Context, l Lease) error {
	if l.Token == "" {
		return nil
	}
	return releaseScript.Run(ctx, r.client, []string{Key(l.ProjectID)}, l.Token).Err()
}

// Memory is a process-local Manager for single-instance setups and tests.
type Memory struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemory creates an empty in-memory lease table.
func NewMemory() *Memory {
	return &Memory{leases: make(map[string]Lease), now: time.Now}
}

func (m *Memory) Acquire(ctx context.Context, projectID string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, ok := m.leases[projectID]; ok && now.Before(held.ExpiresAt) {
		return Lease{}, ErrHeld
	}
	l := Lease{ProjectID: projectID, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.leases[projectID] = l
	return l, nil
}

func (m *Memory) Release(ctx context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[l.ProjectID]; ok && held.Token == l.Token {
		delete(m.leases, l.ProjectID)
	}
	return nil
}

// Noop never blocks a deployment.
type Noop struct{}

func (Noop) Acquire(ctx context.Context, projectID string, ttl time.Duration) (Lease, error) {
	return Lease{ProjectID: projectID}, nil
}

func (Noop) Release(ctx context.Context, l Lease) error { return nil }
