package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"flowboard/internal/repo"
)

// ErrCascadeInProgress is returned when a cascade is requested for a process
// that another cascade is already working on.
var ErrCascadeInProgress = errors.New("cascade already in progress for process")

// Claims guards cascades against concurrent execution on the same process.
type Claims interface {
	Acquire(ctx context.Context, processID string) error
	Release(ctx context.Context, processID string) error
}

// memoryClaims is the single-instance guard: a mutex-protected set. It is
// only correct for one engine instance; multi-instance deployments must use
// StoreClaims so two instances cannot cascade the same process.
type memoryClaims struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewMemoryClaims() Claims {
	return &memoryClaims{active: map[string]bool{}}
}

func (c *memoryClaims) Acquire(_ context.Context, processID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[processID] {
		return ErrCascadeInProgress
	}
	c.active[processID] = true
	return nil
}

func (c *memoryClaims) Release(_ context.Context, processID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, processID)
	return nil
}

// storeClaims is the durable variant: a per-process lease row with an owner
// and expiry, safe across engine instances sharing one store.
type storeClaims struct {
	repo    repo.Repo
	ownerID string
	ttl     time.Duration
}

func NewStoreClaims(r repo.Repo, ownerID string, ttl time.Duration) Claims {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &storeClaims{repo: r, ownerID: ownerID, ttl: ttl}
}

func (c *storeClaims) Acquire(ctx context.Context, processID string) error {
	_, err := c.repo.AcquireClaim(ctx, processID, c.ownerID, c.ttl)
	if errors.Is(err, repo.ErrClaimHeld) {
		return ErrCascadeInProgress
	}
	return err
}

func (c *storeClaims) Release(ctx context.Context, processID string) error {
	return c.repo.ReleaseClaim(ctx, processID, c.ownerID)
}
