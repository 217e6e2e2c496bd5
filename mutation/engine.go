// Package mutation executes write statements against versioned tables.
// Every mutation produces a new table version by copy-on-write over the
// previous partition set; data objects are written before the catalog
// commit, so a failed commit leaves only unreferenced objects behind.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/engine/duckdb"
	"github.com/TFMV/driftlake/fs"
	"github.com/TFMV/driftlake/plan"
	"github.com/TFMV/driftlake/tableops"
	"github.com/TFMV/driftlake/timetravel"
)

// commitAttempts bounds the retry loop for optimistic commit conflicts.
const commitAttempts = 3

// partitionPrefix is where partition objects live in the object store.
const partitionPrefix = "partitions/"

// Engine executes mutation statements
type Engine struct {
	catalog  catalog.Store
	store    fs.ObjectStore
	engine   *duckdb.Engine
	resolver *timetravel.Resolver
	maxRows  int64

	// Keys written by in-flight statements, tracked from before the store
	// write until the statement resolves. Garbage collection spares them;
	// without the fence a pass could delete an object between its write
	// and the commit that references it.
	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// Result describes a completed mutation
type Result struct {
	Schema       string
	Table        string
	Version      int64
	RowsAffected int64
}

// NewEngine creates a mutation engine. maxRows caps rows per partition
// object.
func NewEngine(cat catalog.Store, store fs.ObjectStore, eng *duckdb.Engine, resolver *timetravel.Resolver, maxRows int64) *Engine {
	return &Engine{
		catalog:  cat,
		store:    store,
		engine:   eng,
		resolver: resolver,
		maxRows:  maxRows,
		pending:  make(map[string]struct{}),
	}
}

// Pending returns the object keys of statements still in flight.
func (e *Engine) Pending() []string {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	keys := make([]string, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}
	return keys
}

func (e *Engine) addPending(key string) {
	e.pendingMu.Lock()
	e.pending[key] = struct{}{}
	e.pendingMu.Unlock()
}

func (e *Engine) releasePending(keys []string) {
	e.pendingMu.Lock()
	for _, key := range keys {
		delete(e.pending, key)
	}
	e.pendingMu.Unlock()
}

// Execute runs one mutation statement.
func (e *Engine) Execute(ctx context.Context, stmt plan.Statement) (*Result, error) {
	switch s := stmt.(type) {
	case *plan.CreateTableStatement:
		return e.createTable(ctx, s)
	case *plan.InsertStatement:
		return e.insert(ctx, s)
	case *plan.UpdateStatement:
		return e.update(ctx, s)
	case *plan.DeleteStatement:
		return e.delete(ctx, s)
	default:
		return nil, fmt.Errorf("statement is not a mutation")
	}
}

func (e *Engine) createTable(ctx context.Context, stmt *plan.CreateTableStatement) (*Result, error) {
	schema := defaultSchema(stmt.Schema)
	columns := make([]catalog.ColumnSchema, len(stmt.Columns))
	for i, col := range stmt.Columns {
		// Reject types the partition codec cannot store before the table
		// exists.
		if _, err := tableops.ArrowType(col.Type); err != nil {
			return nil, err
		}
		columns[i] = catalog.ColumnSchema{Name: col.Name, Type: col.Type}
	}

	version, err := e.catalog.CreateTable(ctx, schema, stmt.Name, columns)
	if err != nil {
		if errors.Is(err, catalog.ErrTableAlreadyExists) && stmt.IfNotExists {
			latest, lerr := e.catalog.LatestVersion(ctx, schema, stmt.Name)
			if lerr != nil {
				return nil, lerr
			}
			return &Result{Schema: schema, Table: stmt.Name, Version: latest.Version}, nil
		}
		return nil, err
	}
	return &Result{Schema: schema, Table: stmt.Name, Version: version.Version}, nil
}

func (e *Engine) insert(ctx context.Context, stmt *plan.InsertStatement) (*Result, error) {
	schema := defaultSchema(stmt.Schema)
	return e.commitLoop(ctx, schema, stmt.Name, func(latest *catalog.TableVersion, parts []catalog.Partition) ([]catalog.Partition, int64, error) {
		input, cleanup, err := e.prepareInsertInput(ctx, latest, stmt)
		if err != nil {
			return nil, 0, err
		}
		defer cleanup()

		chunks, err := e.materialize(ctx, latest.Columns, input)
		if err != nil {
			return nil, 0, err
		}
		added, rowCount, err := e.writeChunks(ctx, chunks)
		if err != nil {
			return nil, 0, err
		}
		return append(parts, added...), rowCount, nil
	})
}

// prepareInsertInput turns the raw statement input into a SELECT producing
// rows in the table's column order. Inputs that read other tables get
// their references resolved first.
func (e *Engine) prepareInsertInput(ctx context.Context, latest *catalog.TableVersion, stmt *plan.InsertStatement) (string, func(), error) {
	inputCols := stmt.Columns
	if inputCols == nil {
		inputCols = make([]string, len(latest.Columns))
		for i, col := range latest.Columns {
			inputCols[i] = col.Name
		}
	}

	position := make(map[string]int, len(inputCols))
	for i, name := range inputCols {
		if _, err := columnType(latest.Columns, name); err != nil {
			return "", nil, err
		}
		position[strings.ToLower(name)] = i
	}

	input := stmt.Input
	cleanup := func() {}
	if !strings.EqualFold(firstWord(input), "VALUES") {
		parsed, err := plan.Parse(input)
		if err != nil {
			return "", nil, err
		}
		query, ok := parsed.(*plan.QueryStatement)
		if !ok {
			return "", nil, fmt.Errorf("INSERT input must be a VALUES list or query")
		}
		if input, cleanup, err = e.resolver.PrepareQuery(ctx, query); err != nil {
			return "", nil, err
		}
	}

	// Alias the input relation so target columns line up by name; columns
	// absent from the list become NULL.
	aliases := make([]string, len(inputCols))
	for i, name := range inputCols {
		aliases[i] = duckdb.QuoteIdent(name)
	}

	exprs := make([]string, len(latest.Columns))
	for i, col := range latest.Columns {
		if _, ok := position[strings.ToLower(col.Name)]; ok {
			exprs[i] = fmt.Sprintf("CAST(src.%s AS %s) AS %s",
				duckdb.QuoteIdent(col.Name), col.Type, duckdb.QuoteIdent(col.Name))
		} else {
			exprs[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", col.Type, duckdb.QuoteIdent(col.Name))
		}
	}

	sql := fmt.Sprintf("SELECT %s FROM (%s) AS src(%s)",
		strings.Join(exprs, ", "), input, strings.Join(aliases, ", "))
	return sql, cleanup, nil
}

func (e *Engine) update(ctx context.Context, stmt *plan.UpdateStatement) (*Result, error) {
	schema := defaultSchema(stmt.Schema)
	return e.commitLoop(ctx, schema, stmt.Name, func(latest *catalog.TableVersion, parts []catalog.Partition) ([]catalog.Partition, int64, error) {
		for _, assign := range stmt.Assignments {
			if _, err := columnType(latest.Columns, assign.Column); err != nil {
				return nil, 0, err
			}
		}

		kept, touched, matched, err := e.splitPartitions(ctx, latest.Columns, parts, stmt.Predicate)
		if err != nil {
			return nil, 0, err
		}
		if matched == 0 {
			// Nothing matched; commit an identical partition set so the
			// statement still produces a version.
			return parts, 0, nil
		}

		// Touched partitions are rewritten in full: matched rows get the
		// assignments applied, the rest pass through.
		source, err := e.engine.PartitionSource(ctx, latest.Columns, touched)
		if err != nil {
			return nil, 0, err
		}
		exprs := make([]string, len(latest.Columns))
		for i, col := range latest.Columns {
			expr := duckdb.QuoteIdent(col.Name)
			for _, assign := range stmt.Assignments {
				if strings.EqualFold(assign.Column, col.Name) {
					expr = fmt.Sprintf("CAST(%s AS %s)", assign.Expr, col.Type)
					if stmt.Predicate != "" {
						expr = fmt.Sprintf("CASE WHEN (%s) THEN %s ELSE %s END",
							stmt.Predicate, expr, duckdb.QuoteIdent(col.Name))
					}
					break
				}
			}
			exprs[i] = fmt.Sprintf("%s AS %s", expr, duckdb.QuoteIdent(col.Name))
		}
		rewrite := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), source)

		chunks, err := e.materialize(ctx, latest.Columns, rewrite)
		if err != nil {
			return nil, 0, err
		}
		added, _, err := e.writeChunks(ctx, chunks)
		if err != nil {
			return nil, 0, err
		}
		return append(kept, added...), matched, nil
	})
}

func (e *Engine) delete(ctx context.Context, stmt *plan.DeleteStatement) (*Result, error) {
	schema := defaultSchema(stmt.Schema)
	return e.commitLoop(ctx, schema, stmt.Name, func(latest *catalog.TableVersion, parts []catalog.Partition) ([]catalog.Partition, int64, error) {
		if stmt.Predicate == "" {
			// Unconditional delete keeps no partitions at all.
			var total int64
			for _, part := range parts {
				total += part.RowCount
			}
			return nil, total, nil
		}

		kept, touched, matched, err := e.splitPartitions(ctx, latest.Columns, parts, stmt.Predicate)
		if err != nil {
			return nil, 0, err
		}
		if matched == 0 {
			return parts, 0, nil
		}

		// Rewrite touched partitions keeping only the rows the predicate
		// does not select. Fully matched partitions produce no chunks.
		source, err := e.engine.PartitionSource(ctx, latest.Columns, touched)
		if err != nil {
			return nil, 0, err
		}
		rewrite := fmt.Sprintf("SELECT * FROM %s WHERE NOT (%s)", source, stmt.Predicate)

		chunks, err := e.materialize(ctx, latest.Columns, rewrite)
		if err != nil {
			return nil, 0, err
		}
		added, _, err := e.writeChunks(ctx, chunks)
		if err != nil {
			return nil, 0, err
		}
		return append(kept, added...), matched, nil
	})
}

// commitLoop runs the read-build-commit cycle with bounded retries. The
// build callback sees the latest version and its partitions and returns
// the next partition set. Objects written during a losing attempt stay
// unreferenced and are collected later.
func (e *Engine) commitLoop(ctx context.Context, schema, name string, build func(*catalog.TableVersion, []catalog.Partition) ([]catalog.Partition, int64, error)) (*Result, error) {
	// Objects written across all attempts stay pending until the statement
	// resolves; losing attempts' objects then become collectible orphans.
	var written []string
	defer func() { e.releasePending(written) }()

	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		latest, err := e.catalog.LatestVersion(ctx, schema, name)
		if err != nil {
			return nil, err
		}
		parts, err := e.catalog.Partitions(ctx, schema, name, latest.Version)
		if err != nil {
			return nil, err
		}

		next, affected, err := build(latest, parts)
		if err != nil {
			return nil, err
		}
		inherited := make(map[string]struct{}, len(parts))
		for _, part := range parts {
			inherited[part.ObjectStorageID] = struct{}{}
		}
		for _, part := range next {
			if _, ok := inherited[part.ObjectStorageID]; !ok {
				written = append(written, part.ObjectStorageID)
			}
		}

		committed, err := e.catalog.CommitVersion(ctx, schema, name, latest.Version, next)
		if err != nil {
			if errors.Is(err, catalog.ErrConcurrentModification) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return &Result{
			Schema:       schema,
			Table:        name,
			Version:      committed.Version,
			RowsAffected: affected,
		}, nil
	}
	return nil, fmt.Errorf("commit failed after %d attempts: %w", commitAttempts, lastErr)
}

// splitPartitions classifies a partition set against a predicate: kept
// partitions have no matching rows, touched partitions have at least one.
// Returns the total number of matched rows.
func (e *Engine) splitPartitions(ctx context.Context, columns []catalog.ColumnSchema, parts []catalog.Partition, predicate string) (kept, touched []catalog.Partition, matched int64, err error) {
	for _, part := range parts {
		source, err := e.engine.PartitionSource(ctx, columns, []catalog.Partition{part})
		if err != nil {
			return nil, nil, 0, err
		}
		query := fmt.Sprintf("SELECT count(*) FROM %s", source)
		if predicate != "" {
			query += fmt.Sprintf(" WHERE %s", predicate)
		}
		count, err := e.engine.QueryScalar(ctx, query)
		if err != nil {
			return nil, nil, 0, err
		}
		if count == 0 {
			kept = append(kept, part)
		} else {
			touched = append(touched, part)
			matched += count
		}
	}
	return kept, touched, matched, nil
}

// materialize runs a query and encodes its rows into partition chunks.
func (e *Engine) materialize(ctx context.Context, columns []catalog.ColumnSchema, query string) ([]tableops.Chunk, error) {
	writer, err := tableops.NewWriter(columns, e.maxRows)
	if err != nil {
		return nil, err
	}
	rows, err := e.engine.QueryRows(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return writer.WriteRows(rows)
}

// writeChunks stores chunks as fresh objects and returns their partition
// descriptors. Keys enter the pending set before the write; on failure the
// keys written so far are released immediately, otherwise the commit loop
// releases them once the statement resolves.
func (e *Engine) writeChunks(ctx context.Context, chunks []tableops.Chunk) ([]catalog.Partition, int64, error) {
	var parts []catalog.Partition
	var keys []string
	var total int64
	for _, chunk := range chunks {
		key := fmt.Sprintf("%s%s.parquet", partitionPrefix, uuid.New().String())
		keys = append(keys, key)
		e.addPending(key)
		if err := e.store.Put(ctx, key, chunk.Data); err != nil {
			e.releasePending(keys)
			return nil, 0, fmt.Errorf("failed to store partition: %w", err)
		}
		parts = append(parts, catalog.Partition{
			ObjectStorageID: key,
			RowCount:        chunk.RowCount,
			MinValues:       chunk.MinValues,
			MaxValues:       chunk.MaxValues,
		})
		total += chunk.RowCount
	}
	return parts, total, nil
}

func defaultSchema(schema string) string {
	if schema == "" {
		return catalog.DefaultSchema
	}
	return schema
}

func columnType(columns []catalog.ColumnSchema, name string) (string, error) {
	for _, col := range columns {
		if strings.EqualFold(col.Name, name) {
			return col.Type, nil
		}
	}
	return "", fmt.Errorf("no such column: %s", name)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
