// Package registry tracks live devcontainers in memory, keyed by
// (repo, branch). The durable store mirrors every entry so a restart can
// rebuild the map from running rows.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

// ErrSessionLimit reports a container already at its session cap.
var ErrSessionLimit = errors.New("registry: session limit reached")

// Registry is safe for concurrent use. Database writes happen after the
// in-memory mutation, outside the lock, so a slow disk never stalls readers.
type Registry struct {
	store *sqlite.Store
	log   *zap.Logger

	mu         sync.RWMutex
	containers map[string]*model.ContainerEntry
}

// New builds an empty registry; call SyncFromDB before serving traffic.
func New(store *sqlite.Store, log *zap.Logger) *Registry {
	return &Registry{
		store:      store,
		log:        log,
		containers: make(map[string]*model.ContainerEntry),
	}
}

// SyncFromDB loads Running container rows into memory. Rows with no active
// sessions get their idle clock seeded from last_activity_at so the idle
// monitor can reap containers orphaned by a crash.
func (r *Registry) SyncFromDB(ctx context.Context) error {
	rows, err := r.store.GetRunningContainers(ctx)
	if err != nil {
		return fmt.Errorf("registry: load running containers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range rows {
		if c.SessionCount == 0 && c.LastSessionStoppedAt == nil {
			stopped := c.LastActivityAt
			c.LastSessionStoppedAt = &stopped
		}
		r.containers[c.Key()] = c
	}
	r.log.Info("registry synced from db", zap.Int("containers", len(rows)))
	return nil
}

// Register persists a new Running container and adds it to the map.
func (r *Registry) Register(ctx context.Context, repo, branch, name, configHash string, port int) (int64, error) {
	entry := &model.ContainerEntry{
		Repo:           repo,
		Branch:         branch,
		Name:           name,
		State:          model.StateRunning,
		SessionCount:   0,
		GRPCPort:       port,
		ConfigHash:     configHash,
		LastActivityAt: time.Now().UTC(),
	}
	id, err := r.store.CreateContainer(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("registry: persist container %s: %w", name, err)
	}
	entry.ID = id

	r.mu.Lock()
	r.containers[entry.Key()] = entry
	r.mu.Unlock()
	return id, nil
}

// Get returns a snapshot of the entry for (repo, branch), if present.
func (r *Registry) Get(repo, branch string) (model.ContainerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[model.ContainerKey(repo, branch)]
	if !ok {
		return model.ContainerEntry{}, false
	}
	return *c, true
}

// ListAll returns snapshots of every live entry, ordered by repo and branch.
func (r *Registry) ListAll() []model.ContainerEntry {
	r.mu.RLock()
	out := make([]model.ContainerEntry, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Repo != out[j].Repo {
			return out[i].Repo < out[j].Repo
		}
		return out[i].Branch < out[j].Branch
	})
	return out
}

// Count returns the number of live containers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}

// AllocatePort returns the lowest port >= start not taken by a live entry.
func (r *Registry) AllocatePort(start int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	taken := make(map[int]bool, len(r.containers))
	for _, c := range r.containers {
		taken[c.GRPCPort] = true
	}
	port := start
	for taken[port] {
		port++
	}
	return port
}

// IncrementSessions bumps the refcount, clears the idle clock, and mirrors
// the change to the store. Returns the new count. A max of zero means
// unlimited; at the cap the count is left untouched and ErrSessionLimit
// comes back.
func (r *Registry) IncrementSessions(ctx context.Context, repo, branch string, max int) (int, error) {
	r.mu.Lock()
	c, ok := r.containers[model.ContainerKey(repo, branch)]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("registry: no container for %s@%s", repo, branch)
	}
	if max > 0 && c.SessionCount >= max {
		count := c.SessionCount
		r.mu.Unlock()
		return count, fmt.Errorf("%w: %s@%s has %d sessions", ErrSessionLimit, repo, branch, count)
	}
	c.SessionCount++
	c.LastActivityAt = time.Now().UTC()
	c.LastSessionStoppedAt = nil
	id, count, activity := c.ID, c.SessionCount, c.LastActivityAt
	r.mu.Unlock()

	if err := r.store.UpdateContainerSessionCount(ctx, id, count, activity, nil); err != nil {
		return count, fmt.Errorf("registry: mirror session count: %w", err)
	}
	return count, nil
}

// DecrementSessions drops the refcount, clamping at zero. Reaching zero
// starts the idle clock. Returns the new count.
func (r *Registry) DecrementSessions(ctx context.Context, repo, branch string) (int, error) {
	r.mu.Lock()
	c, ok := r.containers[model.ContainerKey(repo, branch)]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("registry: no container for %s@%s", repo, branch)
	}
	if c.SessionCount > 0 {
		c.SessionCount--
	}
	c.LastActivityAt = time.Now().UTC()
	if c.SessionCount == 0 {
		stopped := c.LastActivityAt
		c.LastSessionStoppedAt = &stopped
	}
	id, count, activity, stopped := c.ID, c.SessionCount, c.LastActivityAt, c.LastSessionStoppedAt
	r.mu.Unlock()

	if err := r.store.UpdateContainerSessionCount(ctx, id, count, activity, stopped); err != nil {
		return count, fmt.Errorf("registry: mirror session count: %w", err)
	}
	return count, nil
}

// SetState transitions a container. Stopped entries leave the map; the row
// keeps the terminal state for history.
func (r *Registry) SetState(ctx context.Context, repo, branch string, state model.ContainerState) error {
	key := model.ContainerKey(repo, branch)

	r.mu.Lock()
	c, ok := r.containers[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: no container for %s@%s", repo, branch)
	}
	c.State = state
	id := c.ID
	if state == model.StateStopped {
		delete(r.containers, key)
	}
	r.mu.Unlock()

	if err := r.store.UpdateContainerState(ctx, id, state); err != nil {
		return fmt.Errorf("registry: mirror state: %w", err)
	}
	return nil
}

// Remove marks a container Stopped and forgets it.
func (r *Registry) Remove(ctx context.Context, repo, branch string) error {
	return r.SetState(ctx, repo, branch, model.StateStopped)
}
