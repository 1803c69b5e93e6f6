// Package policy owns the active policy document and its hot-reload lifecycle.
//
// The snapshot is held behind an atomic pointer: readers on the request path
// never block, and a reload (file change, remote update, control-plane PUT)
// swaps the whole document at once. Per-org overrides layer on top of the
// default document loaded from POLICIES_CONFIG_PATH.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
)

// UpdatesChannel is the pub/sub channel remote policy updates arrive on.
const UpdatesChannel = "switchboard:policy:updates"

// Loader holds the current policy snapshots.
type Loader struct {
	store  *kv.Store
	logger *slog.Logger
	path   string

	def atomic.Pointer[model.Policy]

	mu   sync.RWMutex
	orgs map[uuid.UUID]*model.Policy
}

// NewLoader creates a loader with the built-in default policy. Call Load to
// read the file and Watch to start hot reload.
func NewLoader(store *kv.Store, logger *slog.Logger, path string) *Loader {
	l := &Loader{
		store:  store,
		logger: logger,
		path:   path,
		orgs:   make(map[uuid.UUID]*model.Policy),
	}
	def := model.DefaultPolicy()
	l.def.Store(&def)
	return l
}

// Load reads the policy document from the configured file, replacing the
// default snapshot. Missing path is not an error; the built-in default stays.
func (l *Loader) Load() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", l.path, err)
	}
	var p model.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("policy: parse %s: %w", l.path, err)
	}
	if p.PolicyID == "" {
		p.PolicyID = "file"
	}
	l.def.Store(&p)
	l.logger.Info("policy: loaded", "policy_id", p.PolicyID, "version", p.Version, "shadow_mode", p.ShadowMode)
	return nil
}

// Active returns the current default policy snapshot. The returned pointer
// is shared; callers must not mutate it.
func (l *Loader) Active() *model.Policy {
	return l.def.Load()
}

// ActiveFor returns the policy in effect for an org: the org override when
// one exists, else the default snapshot.
func (l *Loader) ActiveFor(orgID uuid.UUID) *model.Policy {
	l.mu.RLock()
	p, ok := l.orgs[orgID]
	l.mu.RUnlock()
	if ok {
		return p
	}
	return l.def.Load()
}

// SetDefault swaps the default snapshot. Used by the control plane after a
// PUT /policies merge.
func (l *Loader) SetDefault(p model.Policy) {
	l.def.Store(&p)
}

// SetForOrg installs or replaces an org override.
func (l *Loader) SetForOrg(orgID uuid.UUID, p model.Policy) {
	l.mu.Lock()
	l.orgs[orgID] = &p
	l.mu.Unlock()
}

// Publish mirrors the policy to the KV store and notifies other instances.
// Best-effort: a KV failure leaves the local snapshot in place.
func (l *Loader) Publish(ctx context.Context, orgID string, p model.Policy) {
	data, err := json.Marshal(p)
	if err != nil {
		l.logger.Warn("policy: marshal for publish", "error", err)
		return
	}
	if err := l.store.Set(ctx, kv.PolicyKey(orgID), string(data), 0); err != nil {
		l.logger.Warn("policy: kv mirror failed", "error", err)
	}
	if err := l.store.Publish(ctx, UpdatesChannel, data); err != nil {
		l.logger.Warn("policy: publish failed", "error", err)
	}
}

// Watch starts the file watcher and the remote-update subscription. It
// returns immediately; reloads happen in background goroutines until ctx is
// cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("policy: create watcher: %w", err)
		}
		// Watch the directory: editors and config mounts replace the file,
		// which drops a watch registered on the file itself.
		if err := watcher.Add(filepath.Dir(l.path)); err != nil {
			watcher.Close()
			return fmt.Errorf("policy: watch %s: %w", l.path, err)
		}
		go l.watchFile(ctx, watcher)
	}

	go l.watchRemote(ctx)
	return nil
}

func (l *Loader) watchFile(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(l.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Load(); err != nil {
				l.logger.Warn("policy: reload failed, keeping previous snapshot", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("policy: watcher error", "error", err)
		}
	}
}

func (l *Loader) watchRemote(ctx context.Context) {
	for payload := range l.store.Subscribe(ctx, UpdatesChannel) {
		var p model.Policy
		if err := json.Unmarshal(payload, &p); err != nil {
			l.logger.Warn("policy: bad remote update", "error", err)
			continue
		}
		l.def.Store(&p)
		l.logger.Info("policy: remote update applied", "policy_id", p.PolicyID, "version", p.Version)
	}
}
