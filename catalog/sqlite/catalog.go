// Package sqlite implements the versioned catalog on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/config"
	"github.com/mattn/go-sqlite3"
)

// Catalog implements catalog.Store using SQLite
type Catalog struct {
	dsn string
	db  *sql.DB
	now func() time.Time
}

var _ catalog.Store = (*Catalog)(nil)

// NewCatalog creates a new SQLite-based catalog store
func NewCatalog(cfg *config.Config) (*Catalog, error) {
	if cfg.Catalog.SQLite == nil {
		return nil, fmt.Errorf("SQLite catalog configuration is required")
	}
	return Open(cfg.Catalog.SQLite.DSN)
}

// Open opens a catalog at the given DSN, creating the schema if needed.
// The DSN ":memory:" keeps all catalog state in process memory.
func Open(dsn string) (*Catalog, error) {
	if !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A single connection keeps an in-memory database alive and serializes
	// writers; commit conflicts are still surfaced through the version
	// uniqueness constraint.
	db.SetMaxOpenConns(1)

	cat := &Catalog{dsn: dsn, db: db, now: time.Now}
	if err := cat.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return cat, nil
}

// Close closes the database connection
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// SetNowFunc overrides the commit timestamp source. Intended for tests.
func (c *Catalog) SetNowFunc(now func() time.Time) {
	c.now = now
}

// initializeDatabase creates the necessary tables if they don't exist
func (c *Catalog) initializeDatabase() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tables (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_schema TEXT NOT NULL,
			table_name TEXT NOT NULL,
			UNIQUE (table_schema, table_name)
		)`,
		`CREATE TABLE IF NOT EXISTS table_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id INTEGER NOT NULL REFERENCES tables(id),
			version_number INTEGER NOT NULL,
			parent_version INTEGER,
			creation_time INTEGER NOT NULL,
			UNIQUE (table_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS table_columns (
			table_version_id INTEGER NOT NULL REFERENCES table_versions(id),
			ordinal INTEGER NOT NULL,
			column_name TEXT NOT NULL,
			column_type TEXT NOT NULL,
			PRIMARY KEY (table_version_id, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS physical_partitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			object_storage_id TEXT NOT NULL UNIQUE,
			row_count INTEGER NOT NULL,
			min_values TEXT,
			max_values TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS table_partitions (
			table_version_id INTEGER NOT NULL REFERENCES table_versions(id),
			physical_partition_id INTEGER NOT NULL REFERENCES physical_partitions(id),
			PRIMARY KEY (table_version_id, physical_partition_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create catalog schema: %w", err)
		}
	}
	return nil
}

// CreateTable registers a table and its empty version-1 snapshot in one
// transaction.
func (c *Catalog) CreateTable(ctx context.Context, schema, name string, columns []catalog.ColumnSchema) (*catalog.TableVersion, error) {
	if name == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}
	if schema == "" {
		schema = catalog.DefaultSchema
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tables (table_schema, table_name) VALUES (?, ?)`, schema, name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalog.ErrTableAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert table record: %w", err)
	}
	tableID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get table id: %w", err)
	}

	created := c.now().UTC().Truncate(time.Second)
	res, err = tx.ExecContext(ctx,
		`INSERT INTO table_versions (table_id, version_number, parent_version, creation_time)
		 VALUES (?, 1, NULL, ?)`, tableID, created.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert first table version: %w", err)
	}
	versionRowID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get version id: %w", err)
	}

	if err := insertColumns(ctx, tx, versionRowID, columns); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &catalog.TableVersion{
		TableID:      tableID,
		TableSchema:  schema,
		TableName:    name,
		Version:      1,
		CreationTime: created,
		Columns:      append([]catalog.ColumnSchema(nil), columns...),
	}, nil
}

// LatestVersion returns the table's current version.
func (c *Catalog) LatestVersion(ctx context.Context, schema, name string) (*catalog.TableVersion, error) {
	return c.queryVersion(ctx, schema, name,
		`ORDER BY v.version_number DESC LIMIT 1`)
}

// Version returns one specific version of a table.
func (c *Catalog) Version(ctx context.Context, schema, name string, number int64) (*catalog.TableVersion, error) {
	v, err := c.queryVersion(ctx, schema, name,
		fmt.Sprintf(`AND v.version_number = %d`, number))
	if errors.Is(err, catalog.ErrNoSuchTable) {
		// Distinguish a missing table from a missing version.
		if _, tableErr := c.tableID(ctx, schema, name); tableErr == nil {
			return nil, catalog.ErrNoSuchVersion
		}
		return nil, err
	}
	return v, err
}

func (c *Catalog) queryVersion(ctx context.Context, schema, name, tail string) (*catalog.TableVersion, error) {
	query := `
		SELECT t.id, v.id, v.version_number, COALESCE(v.parent_version, 0), v.creation_time
		FROM tables t JOIN table_versions v ON v.table_id = t.id
		WHERE t.table_schema = ? AND t.table_name = ? ` + tail

	var tableID, versionRowID, number, parent, created int64
	err := c.db.QueryRowContext(ctx, query, schema, name).
		Scan(&tableID, &versionRowID, &number, &parent, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.ErrNoSuchTable
		}
		return nil, fmt.Errorf("failed to query table version: %w", err)
	}

	columns, err := c.versionColumns(ctx, versionRowID)
	if err != nil {
		return nil, err
	}

	return &catalog.TableVersion{
		TableID:      tableID,
		TableSchema:  schema,
		TableName:    name,
		Version:      number,
		Parent:       parent,
		CreationTime: time.Unix(created, 0).UTC(),
		Columns:      columns,
	}, nil
}

// ListVersions returns all versions of a table in ascending order.
func (c *Catalog) ListVersions(ctx context.Context, schema, name string) ([]catalog.TableVersion, error) {
	tableID, err := c.tableID(ctx, schema, name)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, version_number, COALESCE(parent_version, 0), creation_time
		FROM table_versions WHERE table_id = ? ORDER BY version_number`, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list table versions: %w", err)
	}
	defer rows.Close()

	var versions []catalog.TableVersion
	var rowIDs []int64
	for rows.Next() {
		var rowID, number, parent, created int64
		if err := rows.Scan(&rowID, &number, &parent, &created); err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		versions = append(versions, catalog.TableVersion{
			TableID:      tableID,
			TableSchema:  schema,
			TableName:    name,
			Version:      number,
			Parent:       parent,
			CreationTime: time.Unix(created, 0).UTC(),
		})
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating version rows: %w", err)
	}

	for i := range versions {
		columns, err := c.versionColumns(ctx, rowIDs[i])
		if err != nil {
			return nil, err
		}
		versions[i].Columns = columns
	}
	return versions, nil
}

// CommitVersion appends a new version in a single conditional transaction.
// The check against parentVersion plus the UNIQUE(table_id, version_number)
// constraint guarantee that exactly one commit per parent succeeds.
func (c *Catalog) CommitVersion(ctx context.Context, schema, name string, parentVersion int64, parts []catalog.Partition) (*catalog.TableVersion, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var tableID, latest, parentRowID int64
	err = tx.QueryRowContext(ctx, `
		SELECT t.id, v.version_number, v.id
		FROM tables t JOIN table_versions v ON v.table_id = t.id
		WHERE t.table_schema = ? AND t.table_name = ?
		ORDER BY v.version_number DESC LIMIT 1`, schema, name).
		Scan(&tableID, &latest, &parentRowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.ErrNoSuchTable
		}
		return nil, fmt.Errorf("failed to query latest version: %w", err)
	}
	if latest != parentVersion {
		return nil, catalog.ErrConcurrentModification
	}

	created := c.now().UTC().Truncate(time.Second)
	newVersion := parentVersion + 1
	res, err := tx.ExecContext(ctx, `
		INSERT INTO table_versions (table_id, version_number, parent_version, creation_time)
		VALUES (?, ?, ?, ?)`, tableID, newVersion, parentVersion, created.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalog.ErrConcurrentModification
		}
		return nil, fmt.Errorf("failed to insert table version: %w", err)
	}
	versionRowID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get version id: %w", err)
	}

	// The schema carries over unchanged from the parent version.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO table_columns (table_version_id, ordinal, column_name, column_type)
		SELECT ?, ordinal, column_name, column_type FROM table_columns
		WHERE table_version_id = ?`, versionRowID, parentRowID); err != nil {
		return nil, fmt.Errorf("failed to copy column schema: %w", err)
	}

	for _, part := range parts {
		partID, err := upsertPhysicalPartition(ctx, tx, part)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO table_partitions (table_version_id, physical_partition_id)
			VALUES (?, ?)`, versionRowID, partID); err != nil {
			return nil, fmt.Errorf("failed to link partition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	columns, err := c.versionColumns(ctx, versionRowID)
	if err != nil {
		return nil, err
	}
	return &catalog.TableVersion{
		TableID:      tableID,
		TableSchema:  schema,
		TableName:    name,
		Version:      newVersion,
		Parent:       parentVersion,
		CreationTime: created,
		Columns:      columns,
	}, nil
}

// Partitions returns the partition set recorded for one version.
func (c *Catalog) Partitions(ctx context.Context, schema, name string, version int64) ([]catalog.Partition, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT p.id, p.object_storage_id, p.row_count, COALESCE(p.min_values, ''), COALESCE(p.max_values, '')
		FROM tables t
		JOIN table_versions v ON v.table_id = t.id
		JOIN table_partitions tp ON tp.table_version_id = v.id
		JOIN physical_partitions p ON p.id = tp.physical_partition_id
		WHERE t.table_schema = ? AND t.table_name = ? AND v.version_number = ?
		ORDER BY p.id`, schema, name, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query partitions: %w", err)
	}
	defer rows.Close()

	var parts []catalog.Partition
	for rows.Next() {
		var part catalog.Partition
		var minJSON, maxJSON string
		if err := rows.Scan(&part.ID, &part.ObjectStorageID, &part.RowCount, &minJSON, &maxJSON); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		if part.MinValues, err = decodeStats(minJSON); err != nil {
			return nil, err
		}
		if part.MaxValues, err = decodeStats(maxJSON); err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition rows: %w", err)
	}
	return parts, nil
}

// ListTables returns all tables.
func (c *Catalog) ListTables(ctx context.Context) ([]catalog.Table, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, table_schema, table_name FROM tables ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []catalog.Table
	for rows.Next() {
		var t catalog.Table
		if err := rows.Scan(&t.ID, &t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	return tables, nil
}

// VersionRecords returns committed state for system.table_versions.
func (c *Catalog) VersionRecords(ctx context.Context) ([]catalog.VersionRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT t.table_schema, t.table_name, v.version_number, v.creation_time
		FROM tables t JOIN table_versions v ON v.table_id = t.id
		ORDER BY t.table_schema, t.table_name, v.version_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query version records: %w", err)
	}
	defer rows.Close()

	var records []catalog.VersionRecord
	for rows.Next() {
		var rec catalog.VersionRecord
		var created int64
		if err := rows.Scan(&rec.TableSchema, &rec.TableName, &rec.VersionID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan version record: %w", err)
		}
		rec.CreationTime = time.Unix(created, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating version records: %w", err)
	}
	return records, nil
}

// PartitionRecords returns committed state for system.table_partitions.
// Versions with an empty partition set yield one row with NULL partition
// columns, so every committed version is observable.
func (c *Catalog) PartitionRecords(ctx context.Context) ([]catalog.PartitionRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT t.table_schema, t.table_name, v.version_number,
		       p.id, p.object_storage_id, p.row_count
		FROM tables t
		JOIN table_versions v ON v.table_id = t.id
		LEFT JOIN table_partitions tp ON tp.table_version_id = v.id
		LEFT JOIN physical_partitions p ON p.id = tp.physical_partition_id
		ORDER BY t.table_schema, t.table_name, v.version_number, p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition records: %w", err)
	}
	defer rows.Close()

	var records []catalog.PartitionRecord
	for rows.Next() {
		var rec catalog.PartitionRecord
		var partID, rowCount sql.NullInt64
		var objectID sql.NullString
		if err := rows.Scan(&rec.TableSchema, &rec.TableName, &rec.VersionID, &partID, &objectID, &rowCount); err != nil {
			return nil, fmt.Errorf("failed to scan partition record: %w", err)
		}
		if partID.Valid {
			rec.PartitionID = &partID.Int64
			rec.ObjectStorageID = &objectID.String
			rec.RowCount = &rowCount.Int64
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition records: %w", err)
	}
	return records, nil
}

// ReferencedObjects returns every object storage id still referenced by a
// table version. Liveness is purely catalog non-reference, never age-based.
func (c *Catalog) ReferencedObjects(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT p.object_storage_id
		FROM physical_partitions p
		JOIN table_partitions tp ON tp.physical_partition_id = p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query referenced objects: %w", err)
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan object id: %w", err)
		}
		objects = append(objects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating object ids: %w", err)
	}
	return objects, nil
}

// Helpers

func (c *Catalog) tableID(ctx context.Context, schema, name string) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM tables WHERE table_schema = ? AND table_name = ?`, schema, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, catalog.ErrNoSuchTable
		}
		return 0, fmt.Errorf("failed to query table: %w", err)
	}
	return id, nil
}

func (c *Catalog) versionColumns(ctx context.Context, versionRowID int64) ([]catalog.ColumnSchema, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, column_type FROM table_columns
		WHERE table_version_id = ? ORDER BY ordinal`, versionRowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []catalog.ColumnSchema
	for rows.Next() {
		var col catalog.ColumnSchema
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	return columns, nil
}

func insertColumns(ctx context.Context, tx *sql.Tx, versionRowID int64, columns []catalog.ColumnSchema) error {
	for i, col := range columns {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO table_columns (table_version_id, ordinal, column_name, column_type)
			VALUES (?, ?, ?, ?)`, versionRowID, i, col.Name, col.Type); err != nil {
			return fmt.Errorf("failed to insert column %s: %w", col.Name, err)
		}
	}
	return nil
}

func upsertPhysicalPartition(ctx context.Context, tx *sql.Tx, part catalog.Partition) (int64, error) {
	minJSON, err := encodeStats(part.MinValues)
	if err != nil {
		return 0, err
	}
	maxJSON, err := encodeStats(part.MaxValues)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO physical_partitions (object_storage_id, row_count, min_values, max_values)
		VALUES (?, ?, ?, ?)`, part.ObjectStorageID, part.RowCount, minJSON, maxJSON); err != nil {
		return 0, fmt.Errorf("failed to insert physical partition: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM physical_partitions WHERE object_storage_id = ?`,
		part.ObjectStorageID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query physical partition: %w", err)
	}
	return id, nil
}

func encodeStats(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode partition statistics: %w", err)
	}
	return string(data), nil
}

func decodeStats(data string) (map[string]string, error) {
	if data == "" {
		return nil, nil
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("failed to decode partition statistics: %w", err)
	}
	return values, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
