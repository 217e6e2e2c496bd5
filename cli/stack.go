package cli

import (
	"fmt"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/catalog/sqlite"
	"github.com/TFMV/driftlake/config"
	"github.com/TFMV/driftlake/engine/duckdb"
	"github.com/TFMV/driftlake/fs"
	"github.com/TFMV/driftlake/gc"
	"github.com/TFMV/driftlake/mutation"
	"github.com/TFMV/driftlake/timetravel"

	// Object store backends register themselves at import time.
	_ "github.com/TFMV/driftlake/fs/local"
	_ "github.com/TFMV/driftlake/fs/memory"
	_ "github.com/TFMV/driftlake/fs/s3"
)

// stack holds the wired components of a running instance
type stack struct {
	config    *config.Config
	catalog   catalog.Store
	store     fs.ObjectStore
	engine    *duckdb.Engine
	resolver  *timetravel.Resolver
	mutation  *mutation.Engine
	collector *gc.Collector
}

// openStack wires all components from a configuration
func openStack(cfg *config.Config) (*stack, error) {
	var cat catalog.Store
	switch cfg.Catalog.Type {
	case "sqlite":
		var err error
		if cat, err = sqlite.NewCatalog(cfg); err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog type: %s", cfg.Catalog.Type)
	}

	store, err := fs.NewObjectStore(cfg)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	engine, err := duckdb.NewEngine(store)
	if err != nil {
		store.Close()
		cat.Close()
		return nil, fmt.Errorf("failed to start query engine: %w", err)
	}

	resolver := timetravel.NewResolver(cat, engine)
	mut := mutation.NewEngine(cat, store, engine, resolver, cfg.Misc.MaxPartitionSize)
	collector := gc.NewCollector(cat, store, "partitions/")
	collector.Evict = engine.EvictStaged
	collector.Pending = mut.Pending

	return &stack{
		config:    cfg,
		catalog:   cat,
		store:     store,
		engine:    engine,
		resolver:  resolver,
		mutation:  mut,
		collector: collector,
	}, nil
}

func (s *stack) close() {
	s.engine.Close()
	s.store.Close()
	s.catalog.Close()
}
