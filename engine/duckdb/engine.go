// Package duckdb runs SQL over partition snapshots using an embedded
// DuckDB instance. Tables are exposed as views over staged Parquet
// objects; the engine itself holds no authoritative state.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/fs"
)

// Engine provides SQL query capabilities over catalog snapshots
type Engine struct {
	db       *sql.DB
	store    fs.ObjectStore
	stageDir string

	mutex  sync.Mutex
	staged map[string]string // object storage id -> staged file path

	bindMu   sync.Mutex
	bindings map[string]int // binding name -> registration count

	logger  *log.Logger
	metrics *Metrics
}

// Metrics tracks engine activity
type Metrics struct {
	QueriesExecuted int64
	ErrorCount      int64
	TotalQueryTime  time.Duration
	mu              sync.Mutex
}

// QueryResult represents the result of a SQL query
type QueryResult struct {
	Columns  []string
	Rows     [][]interface{}
	RowCount int64
	Duration time.Duration
}

// NewEngine creates a DuckDB engine backed by the given object store
func NewEngine(store fs.ObjectStore) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	stageDir, err := os.MkdirTemp("", "driftlake-stage-*")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	engine := &Engine{
		db:       db,
		store:    store,
		stageDir: stageDir,
		staged:   make(map[string]string),
		bindings: make(map[string]int),
		logger:   log.Default(),
		metrics:  &Metrics{},
	}
	if err := engine.initialize(); err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return engine, nil
}

func (e *Engine) initialize() error {
	settings := []string{
		"SET enable_progress_bar = false",
		"CREATE SCHEMA IF NOT EXISTS system",
	}
	for _, stmt := range settings {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the DuckDB connection and removes staged files
func (e *Engine) Close() error {
	var firstErr error
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			firstErr = err
		}
	}
	if e.stageDir != "" {
		if err := os.RemoveAll(e.stageDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetMetrics returns a snapshot of the engine metrics
func (e *Engine) GetMetrics() Metrics {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return Metrics{
		QueriesExecuted: e.metrics.QueriesExecuted,
		ErrorCount:      e.metrics.ErrorCount,
		TotalQueryTime:  e.metrics.TotalQueryTime,
	}
}

// Query executes a SQL query and fetches all results
func (e *Engine) Query(ctx context.Context, query string) (*QueryResult, error) {
	start := time.Now()
	e.metrics.mu.Lock()
	e.metrics.QueriesExecuted++
	e.metrics.mu.Unlock()

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var resultRows [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			e.incrementErrorCount()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	duration := time.Since(start)
	e.metrics.mu.Lock()
	e.metrics.TotalQueryTime += duration
	e.metrics.mu.Unlock()

	return &QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: int64(len(resultRows)),
		Duration: duration,
	}, nil
}

// QueryRows executes a query and hands the raw row stream to the caller,
// who must close it. Used to feed partition encoding without
// materializing results twice.
func (e *Engine) QueryRows(ctx context.Context, query string) (*sql.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return rows, nil
}

// QueryScalar executes a query expected to return a single integer value.
func (e *Engine) QueryScalar(ctx context.Context, query string) (int64, error) {
	var value int64
	if err := e.db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		e.incrementErrorCount()
		return 0, fmt.Errorf("failed to execute scalar query: %w", err)
	}
	return value, nil
}

// PartitionSource stages the given partitions and returns a FROM-clause
// expression scanning them. An empty partition set yields a typed empty
// relation so queries over fresh tables still resolve columns.
func (e *Engine) PartitionSource(ctx context.Context, columns []catalog.ColumnSchema, parts []catalog.Partition) (string, error) {
	if len(parts) == 0 {
		return emptySource(columns), nil
	}

	paths := make([]string, len(parts))
	for i, part := range parts {
		path, err := e.stagePartition(ctx, part.ObjectStorageID)
		if err != nil {
			return "", err
		}
		paths[i] = quoteString(path)
	}
	return fmt.Sprintf("read_parquet([%s])", strings.Join(paths, ", ")), nil
}

// emptySource builds a zero-row relation carrying the table's columns.
func emptySource(columns []catalog.ColumnSchema) string {
	exprs := make([]string, len(columns))
	for i, col := range columns {
		exprs[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", col.Type, QuoteIdent(col.Name))
	}
	return fmt.Sprintf("(SELECT %s WHERE 1 = 0)", strings.Join(exprs, ", "))
}

// stagePartition downloads an object to the staging directory once and
// reuses it afterwards. Objects are immutable, so staleness is not a
// concern.
func (e *Engine) stagePartition(ctx context.Context, objectID string) (string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if path, ok := e.staged[objectID]; ok {
		return path, nil
	}

	data, err := e.store.Get(ctx, objectID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch partition %s: %w", objectID, err)
	}

	path := filepath.Join(e.stageDir, strings.ReplaceAll(objectID, "/", "_"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage partition: %w", err)
	}
	e.staged[objectID] = path
	return path, nil
}

// EvictStaged drops the staged copy of an object, if any. Called by
// garbage collection after the object itself is deleted.
func (e *Engine) EvictStaged(objectID string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if path, ok := e.staged[objectID]; ok {
		os.Remove(path)
		delete(e.staged, objectID)
	}
}

// RegisterSnapshot exposes one table version under the given binding name
// as a view over its partition set. Registrations are counted per binding:
// concurrent queries holding the same version share one view, and the view
// stays until every holder has dropped it. A binding name always maps to
// the same immutable partition set, so reusing an existing view is sound.
func (e *Engine) RegisterSnapshot(ctx context.Context, binding string, columns []catalog.ColumnSchema, parts []catalog.Partition) error {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	if e.bindings[binding] > 0 {
		e.bindings[binding]++
		return nil
	}

	source, err := e.PartitionSource(ctx, columns, parts)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", QuoteIdent(binding), source)
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		e.incrementErrorCount()
		return fmt.Errorf("failed to register snapshot %s: %w", binding, err)
	}
	e.bindings[binding] = 1
	return nil
}

// DropBinding releases one registration of a binding; the view is removed
// when the last holder lets go.
func (e *Engine) DropBinding(ctx context.Context, binding string) error {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	if count := e.bindings[binding]; count > 1 {
		e.bindings[binding] = count - 1
		return nil
	}
	delete(e.bindings, binding)
	stmt := fmt.Sprintf("DROP VIEW IF EXISTS %s", QuoteIdent(binding))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop binding %s: %w", binding, err)
	}
	return nil
}

// RefreshSystemTables rebuilds system.table_versions and
// system.table_partitions from committed catalog state.
func (e *Engine) RefreshSystemTables(ctx context.Context, versions []catalog.VersionRecord, partitions []catalog.PartitionRecord) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE OR REPLACE TABLE system.table_versions (
			table_schema VARCHAR, table_name VARCHAR,
			table_version_id BIGINT, creation_time TIMESTAMP)`,
		`CREATE OR REPLACE TABLE system.table_partitions (
			table_schema VARCHAR, table_name VARCHAR, table_version_id BIGINT,
			table_partition_id BIGINT, object_storage_id VARCHAR, row_count BIGINT)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create system table: %w", err)
		}
	}

	for _, rec := range versions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO system.table_versions VALUES (?, ?, ?, ?)`,
			rec.TableSchema, rec.TableName, rec.VersionID, rec.CreationTime); err != nil {
			return fmt.Errorf("failed to insert version record: %w", err)
		}
	}
	for _, rec := range partitions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO system.table_partitions VALUES (?, ?, ?, ?, ?, ?)`,
			rec.TableSchema, rec.TableName, rec.VersionID,
			rec.PartitionID, rec.ObjectStorageID, rec.RowCount); err != nil {
			return fmt.Errorf("failed to insert partition record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (e *Engine) incrementErrorCount() {
	e.metrics.mu.Lock()
	e.metrics.ErrorCount++
	e.metrics.mu.Unlock()
}

// QuoteIdent quotes a SQL identifier
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
