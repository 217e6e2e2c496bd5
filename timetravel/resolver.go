// Package timetravel resolves table references in read queries to concrete
// table versions and executes them against the query engine.
package timetravel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/engine/duckdb"
	"github.com/TFMV/driftlake/plan"
)

// SystemSchema is the schema holding the introspection tables.
const SystemSchema = "system"

// Resolver binds table references to versions and runs read queries
type Resolver struct {
	catalog catalog.Store
	engine  *duckdb.Engine
}

// NewResolver creates a resolver over the given catalog and engine
func NewResolver(cat catalog.Store, engine *duckdb.Engine) *Resolver {
	return &Resolver{catalog: cat, engine: engine}
}

// timestampLayouts are the accepted formats for time-travel selectors.
// Layouts without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a time-travel selector literal.
func ParseTimestamp(literal string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, literal, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", literal)
}

// ResolveAsOf returns the newest version whose creation time is at or
// before the given instant. A table that did not exist yet yields
// ErrNoSuchVersion.
func (r *Resolver) ResolveAsOf(ctx context.Context, schema, name string, asOf time.Time) (*catalog.TableVersion, error) {
	versions, err := r.catalog.ListVersions(ctx, schema, name)
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].CreationTime.After(asOf) {
			return &versions[i], nil
		}
	}
	return nil, catalog.ErrNoSuchVersion
}

// Resolve resolves one reference. No selector means latest; a selector is
// either a bare version number or a timestamp literal.
func (r *Resolver) Resolve(ctx context.Context, ref plan.TableRef) (*catalog.TableVersion, error) {
	schema := ref.Schema
	if schema == "" {
		schema = catalog.DefaultSchema
	}
	if !ref.Versioned() {
		return r.catalog.LatestVersion(ctx, schema, ref.Name)
	}
	if number, err := strconv.ParseInt(ref.Selector, 10, 64); err == nil {
		return r.catalog.Version(ctx, schema, ref.Name, number)
	}
	asOf, err := ParseTimestamp(ref.Selector)
	if err != nil {
		return nil, err
	}
	return r.ResolveAsOf(ctx, schema, ref.Name, asOf)
}

// PrepareQuery resolves every reference in a read query, registers the
// needed snapshots, and returns the query rewritten to point at them.
// The cleanup function releases the query-local bindings and must be
// called once the result has been consumed.
func (r *Resolver) PrepareQuery(ctx context.Context, stmt *plan.QueryStatement) (string, func(), error) {
	bindings := make(map[string]string) // ref string -> binding name
	var registered []string

	release := func(ctx context.Context) {
		for _, binding := range registered {
			// Leaked views are recreated on the next reference; not worth
			// surfacing a drop failure.
			_ = r.engine.DropBinding(ctx, binding)
		}
	}

	needSystem := false
	for _, ref := range stmt.Refs {
		schema := ref.Schema
		if schema == "" {
			schema = catalog.DefaultSchema
		}
		if strings.EqualFold(schema, SystemSchema) {
			needSystem = true
			continue
		}

		version, err := r.Resolve(ctx, ref)
		if err != nil {
			release(ctx)
			return "", nil, err
		}
		parts, err := r.catalog.Partitions(ctx, schema, ref.Name, version.Version)
		if err != nil {
			release(ctx)
			return "", nil, err
		}

		// Every reference is pinned to the version it resolved to, latest
		// included. A stable unversioned binding would let a concurrent
		// commit swap the partition set under a prepared query.
		binding := catalog.BindingName(schema, ref.Name, version.Version)
		if err := r.engine.RegisterSnapshot(ctx, binding, version.Columns, parts); err != nil {
			release(ctx)
			return "", nil, err
		}
		registered = append(registered, binding)
		bindings[ref.String()] = binding
	}

	if needSystem {
		if err := r.refreshSystemTables(ctx); err != nil {
			release(ctx)
			return "", nil, err
		}
	}

	cleanup := func() {
		release(context.WithoutCancel(ctx))
	}

	rewritten := plan.RewriteQuery(stmt.SQL, stmt.Refs, func(ref plan.TableRef) string {
		return bindings[ref.String()]
	})
	return rewritten, cleanup, nil
}

// ExecuteQuery prepares and runs a read query.
func (r *Resolver) ExecuteQuery(ctx context.Context, stmt *plan.QueryStatement) (*duckdb.QueryResult, error) {
	rewritten, cleanup, err := r.PrepareQuery(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return r.engine.Query(ctx, rewritten)
}

// refreshSystemTables rebuilds the introspection tables from committed
// catalog state so a query never observes an in-flight mutation.
func (r *Resolver) refreshSystemTables(ctx context.Context) error {
	versions, err := r.catalog.VersionRecords(ctx)
	if err != nil {
		return err
	}
	partitions, err := r.catalog.PartitionRecords(ctx)
	if err != nil {
		return err
	}
	return r.engine.RefreshSystemTables(ctx, versions, partitions)
}
