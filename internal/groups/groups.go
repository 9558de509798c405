// Package groups maintains the bridge-managed tab group: new tabs the
// daemon opens are collected into one group with a well-known name so
// they are easy to spot and clean up in the browser UI.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tabbridge/tabbridge/internal/store"
)

// Coordinator resolves and caches the managed group. All lookups and
// the create run under one mutex so concurrent callers cannot race a
// duplicate group into existence.
type Coordinator struct {
	store  *store.Store
	name   string
	color  string
	logger *slog.Logger

	mu       sync.Mutex
	cachedID string
}

// NewCoordinator creates a coordinator for the group with the given
// well-known name.
func NewCoordinator(st *store.Store, name, color string) *Coordinator {
	return &Coordinator{
		store:  st,
		name:   name,
		color:  color,
		logger: slog.Default().With("component", "groups"),
	}
}

// Ensure returns the managed group id, creating the group on first
// use. A cached handle that turns out stale (the group was deleted) is
// dropped and re-resolved.
func (c *Coordinator) Ensure(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedID != "" {
		if _, err := c.store.GetGroup(ctx, c.cachedID); err == nil {
			return c.cachedID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		c.logger.Debug("cached group vanished, re-resolving", "group", c.cachedID)
		c.cachedID = ""
	}

	g, err := c.store.FindGroupByName(ctx, c.name)
	if errors.Is(err, store.ErrNotFound) {
		g, err = c.store.CreateGroup(ctx, c.name, c.color, 0)
		if err != nil {
			return "", fmt.Errorf("create managed group: %w", err)
		}
		c.logger.Info("created managed group", "group", g.ID, "name", c.name)
	} else if err != nil {
		return "", err
	}

	c.cachedID = g.ID
	return g.ID, nil
}

// Collect moves the given tabs into the managed group and returns the
// group id. Failures are the caller's to log; collection is always
// best effort on the tab-creation path.
func (c *Coordinator) Collect(ctx context.Context, tabIDs []string) (string, error) {
	if len(tabIDs) == 0 {
		return "", nil
	}
	id, err := c.Ensure(ctx)
	if err != nil {
		return "", err
	}
	if err := c.store.AssignTabs(ctx, id, tabIDs); err != nil {
		return "", err
	}
	return id, nil
}

// Release takes the given tabs out of whatever group holds them.
func (c *Coordinator) Release(ctx context.Context, tabIDs []string) error {
	return c.store.UnassignTabs(ctx, tabIDs)
}

// Reset drops the cached handle. Called when a new control session
// starts so the group is re-resolved against current state.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.cachedID = ""
	c.mu.Unlock()
}

// Name returns the well-known group name.
func (c *Coordinator) Name() string {
	return c.name
}
