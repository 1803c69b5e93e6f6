// Package traffic is the traffic controller: distributed resource locks,
// write conflict resolution, and the emergency stop.
//
// Locks live in the KV store under lock:{hash} with the configured TTL, so
// expiry is authoritative across instances even if a holder crashes.
package traffic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
)

// queueGrace is how close to expiry an existing write lock must be before a
// competing write queues instead of being rejected outright.
const queueGrace = 5 * time.Second

// Controller arbitrates access to logical resources.
type Controller struct {
	store         *kv.Store
	logger        *slog.Logger
	lockTTL       time.Duration
	maxQueueDepth int

	stopped atomic.Bool
}

// NewController creates a controller. When stopEngaged is set the emergency
// stop starts already triggered.
func NewController(store *kv.Store, logger *slog.Logger, lockTTL time.Duration, maxQueueDepth int, stopEngaged bool) *Controller {
	c := &Controller{
		store:         store,
		logger:        logger,
		lockTTL:       lockTTL,
		maxQueueDepth: maxQueueDepth,
	}
	c.stopped.Store(stopEngaged)
	return c
}

// HashResource returns the first 16 hex characters of SHA-256 over
// "type:path". This is the lock key identity across all instances.
func HashResource(typ model.ResourceType, path string) string {
	sum := sha256.Sum256([]byte(string(typ) + ":" + path))
	return hex.EncodeToString(sum[:])[:16]
}

// RequestAccess attempts to acquire the resource for an agent. Reads never
// block; writes are serialized through the lock.
func (c *Controller) RequestAccess(ctx context.Context, agentID string, res Resource, isWrite bool) (model.ConflictResult, error) {
	hash := HashResource(res.Type, res.ID)
	key := kv.LockKey(hash)

	lock := model.ResourceLock{
		ResourceHash:  hash,
		HolderAgentID: agentID,
		AcquiredAt:    time.Now().UTC(),
		TTLSeconds:    int(c.lockTTL.Seconds()),
	}
	value, err := json.Marshal(lock)
	if err != nil {
		return model.ConflictResult{}, fmt.Errorf("traffic: marshal lock: %w", err)
	}

	// Reads do not take the lock, but a write must install one, so try the
	// atomic set-if-absent first either way; a read that wins simply holds a
	// short-lived claim nobody waits on.
	if isWrite {
		won, err := c.store.SetNX(ctx, key, string(value), c.lockTTL)
		if err != nil {
			return model.ConflictResult{}, err
		}
		if won {
			return model.ConflictResult{Resolution: model.ResolutionGranted, Lock: &lock}, nil
		}
	}

	holder, err := c.currentHolder(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			// Lock expired between operations; reads proceed, writes retry
			// the acquisition once.
			if !isWrite {
				return model.ConflictResult{Resolution: model.ResolutionGranted}, nil
			}
			won, err := c.store.SetNX(ctx, key, string(value), c.lockTTL)
			if err != nil {
				return model.ConflictResult{}, err
			}
			if won {
				return model.ConflictResult{Resolution: model.ResolutionGranted, Lock: &lock}, nil
			}
			return model.ConflictResult{Resolution: model.ResolutionRejected, Reason: "resource locked"}, nil
		}
		return model.ConflictResult{}, err
	}

	// Re-entry by the current holder. No renewal; expiry stays authoritative.
	if holder.HolderAgentID == agentID {
		return model.ConflictResult{Resolution: model.ResolutionGranted, Lock: holder}, nil
	}

	if !isWrite {
		return model.ConflictResult{
			Resolution: model.ResolutionGranted,
			Reason:     "may see stale data",
		}, nil
	}

	remaining, err := c.store.TTL(ctx, key)
	if err != nil && err != kv.ErrNotFound {
		return model.ConflictResult{}, err
	}
	if remaining > 0 && remaining <= queueGrace {
		if !c.enqueue(ctx, hash, remaining) {
			return model.ConflictResult{Resolution: model.ResolutionRejected, Reason: "lock queue full"}, nil
		}
		return model.ConflictResult{
			Resolution: model.ResolutionQueued,
			WaitMs:     remaining.Milliseconds() + 100,
			Reason:     "write lock expiring",
		}, nil
	}
	return model.ConflictResult{
		Resolution: model.ResolutionRejected,
		Reason:     fmt.Sprintf("resource locked by %s", holder.HolderAgentID),
	}, nil
}

// enqueue bumps the per-resource waiter counter. The counter expires with
// the lock, so stale waiters never pin the queue shut.
func (c *Controller) enqueue(ctx context.Context, hash string, remaining time.Duration) bool {
	n, err := c.store.IncrBy(ctx, "lock:"+hash+":queue", 1, remaining+time.Second)
	if err != nil {
		c.logger.Warn("traffic: queue counter failed, admitting waiter", "error", err)
		return true
	}
	return n <= int64(c.maxQueueDepth)
}

// ReleaseAccess drops the lock if the agent holds it. A holder mismatch is
// a no-op returning false.
func (c *Controller) ReleaseAccess(ctx context.Context, agentID string, res Resource) (bool, error) {
	hash := HashResource(res.Type, res.ID)
	key := kv.LockKey(hash)

	holder, err := c.currentHolder(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if holder.HolderAgentID != agentID {
		return false, nil
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) currentHolder(ctx context.Context, key string) (*model.ResourceLock, error) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var lock model.ResourceLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return nil, fmt.Errorf("traffic: decode lock: %w", err)
	}
	return &lock, nil
}

// TriggerEmergencyStop halts all proxied traffic on this instance.
func (c *Controller) TriggerEmergencyStop() {
	c.stopped.Store(true)
	c.logger.Warn("traffic: emergency stop triggered")
}

// ResetEmergencyStop resumes proxied traffic.
func (c *Controller) ResetEmergencyStop() {
	c.stopped.Store(false)
	c.logger.Info("traffic: emergency stop reset")
}

// IsStopped reports whether the emergency stop is engaged.
func (c *Controller) IsStopped() bool {
	return c.stopped.Load()
}
