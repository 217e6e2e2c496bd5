// Package gc removes partition objects no table version references.
// Orphans appear when a mutation writes objects but loses the commit race
// or fails before committing.
package gc

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/fs"
)

// Collector deletes unreferenced partition objects
type Collector struct {
	catalog catalog.Store
	store   fs.ObjectStore
	prefix  string
	logger  *log.Logger

	// Ensures a single collection runs at a time; an overlapping tick is
	// skipped, not queued.
	running sync.Mutex

	// Evict is called for each deleted object so downstream caches can
	// drop their copies. Optional.
	Evict func(objectID string)

	// Pending reports object keys written by statements that have not
	// committed yet; the collector spares them. Optional.
	Pending func() []string
}

// Stats summarizes one collection run
type Stats struct {
	Scanned  int
	Deleted  int
	Duration time.Duration
}

// NewCollector creates a collector scanning objects under prefix
func NewCollector(cat catalog.Store, store fs.ObjectStore, prefix string) *Collector {
	return &Collector{
		catalog: cat,
		store:   store,
		prefix:  prefix,
		logger:  log.Default(),
	}
}

// Run performs one collection pass. Liveness is decided purely by catalog
// reference: an object is deleted when no committed version points at it.
// Deletion is idempotent, so rerunning after a partial failure is safe.
func (c *Collector) Run(ctx context.Context) (*Stats, error) {
	if !c.running.TryLock() {
		return nil, fmt.Errorf("collection already in progress")
	}
	defer c.running.Unlock()

	start := time.Now()

	// Listing before reading references would race with an in-flight
	// mutation: its objects exist but are not yet referenced. Reading
	// references last is just as racy the other way, so the reference set
	// is fetched first and the listing is filtered against objects the
	// catalog has since committed on a second read.
	referenced, err := c.referencedSet(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := c.store.List(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	// In-flight keys come off the pending set only after their commit, so
	// any key absent here either belongs to a commit the late reference
	// read below will observe, or is a true orphan.
	pending := make(map[string]struct{})
	if c.Pending != nil {
		for _, key := range c.Pending() {
			pending[key] = struct{}{}
		}
	}

	// Second reference read: anything committed between the first read and
	// the pending snapshot must survive.
	late, err := c.referencedSet(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Scanned: len(keys)}
	for _, key := range keys {
		if !strings.HasPrefix(key, c.prefix) {
			continue
		}
		if _, ok := referenced[key]; ok {
			continue
		}
		if _, ok := pending[key]; ok {
			continue
		}
		if _, ok := late[key]; ok {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return stats, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		if c.Evict != nil {
			c.Evict(key)
		}
		stats.Deleted++
	}

	stats.Duration = time.Since(start)
	if stats.Deleted > 0 {
		c.logger.Printf("garbage collection removed %d of %d objects in %v",
			stats.Deleted, stats.Scanned, stats.Duration)
	}
	return stats, nil
}

func (c *Collector) referencedSet(ctx context.Context) (map[string]struct{}, error) {
	objects, err := c.catalog.ReferencedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read referenced objects: %w", err)
	}
	set := make(map[string]struct{}, len(objects))
	for _, id := range objects {
		set[id] = struct{}{}
	}
	return set, nil
}

// Start runs collection on a fixed interval until the context is
// cancelled. A zero or negative interval disables collection entirely.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
					c.logger.Printf("garbage collection failed: %v", err)
				}
			}
		}
	}()
}
