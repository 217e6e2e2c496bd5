// Package catalog defines the versioned table catalog: tables, their
// immutable version lineage, and the copy-on-write partition sets backing
// each version.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSchema is the schema tables belong to when none is given.
const DefaultSchema = "public"

var (
	// ErrTableAlreadyExists is returned by CreateTable when the table exists.
	ErrTableAlreadyExists = errors.New("table already exists")
	// ErrNoSuchTable is returned when a referenced table does not exist.
	ErrNoSuchTable = errors.New("table does not exist")
	// ErrNoSuchVersion is returned when a version selector matches no
	// recorded version, e.g. a timestamp older than the first version.
	ErrNoSuchVersion = errors.New("no recorded table versions for the provided selector")
	// ErrConcurrentModification is returned by CommitVersion when another
	// writer committed against the same parent version first.
	ErrConcurrentModification = errors.New("table version changed concurrently")
)

// ColumnSchema is one column of a table version's schema.
type ColumnSchema struct {
	Name string
	Type string
}

// Table identifies a catalog table.
type Table struct {
	ID     int64
	Schema string
	Name   string
}

// QualifiedName returns the schema-qualified table name.
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Partition is an immutable unit of stored rows. Partitions are shared by
// reference across versions and never mutated after creation.
type Partition struct {
	ID              int64
	ObjectStorageID string
	RowCount        int64
	MinValues       map[string]string
	MaxValues       map[string]string
}

// TableVersion is an immutable, numbered snapshot of a table. Version
// numbers per table are contiguous and start at 1; the first version has
// no parent.
type TableVersion struct {
	TableID      int64
	TableSchema  string
	TableName    string
	Version      int64
	Parent       int64 // zero for the first version
	CreationTime time.Time
	Columns      []ColumnSchema
}

// QualifiedName returns the schema-qualified table name.
func (v *TableVersion) QualifiedName() string {
	return v.TableSchema + "." + v.TableName
}

// VersionRecord is one row of the system.table_versions relation.
type VersionRecord struct {
	TableSchema  string
	TableName    string
	VersionID    int64
	CreationTime time.Time
}

// PartitionRecord is one row of the system.table_partitions relation.
// Partition columns are nil for versions with an empty partition set.
type PartitionRecord struct {
	TableSchema     string
	TableName       string
	VersionID       int64
	PartitionID     *int64
	ObjectStorageID *string
	RowCount        *int64
}

// Store is the versioned catalog contract. All mutating operations are
// transactions against the backing metadata store; a TableVersion is never
// visible without its full partition-set linkage.
type Store interface {
	// CreateTable registers a table with its version-1 snapshot (an empty
	// partition set). Returns ErrTableAlreadyExists if the name is taken.
	CreateTable(ctx context.Context, schema, name string, columns []ColumnSchema) (*TableVersion, error)

	// LatestVersion returns the table's current version.
	LatestVersion(ctx context.Context, schema, name string) (*TableVersion, error)

	// Version returns one specific version of a table.
	Version(ctx context.Context, schema, name string, number int64) (*TableVersion, error)

	// ListVersions returns all versions of a table in ascending order.
	ListVersions(ctx context.Context, schema, name string) ([]TableVersion, error)

	// CommitVersion atomically appends a new version whose partition set is
	// exactly parts. It fails with ErrConcurrentModification unless
	// parentVersion is still the table's latest version.
	CommitVersion(ctx context.Context, schema, name string, parentVersion int64, parts []Partition) (*TableVersion, error)

	// Partitions returns the partition set recorded for one version.
	Partitions(ctx context.Context, schema, name string, version int64) ([]Partition, error)

	// ListTables returns all tables. Synthetic per-query bindings are never
	// catalog rows, so they can never appear here.
	ListTables(ctx context.Context) ([]Table, error)

	// VersionRecords returns committed state for system.table_versions.
	VersionRecords(ctx context.Context) ([]VersionRecord, error)

	// PartitionRecords returns committed state for system.table_partitions.
	PartitionRecords(ctx context.Context) ([]PartitionRecord, error)

	// ReferencedObjects returns the object storage ids referenced by any
	// existing table version. Objects absent from this set are garbage.
	ReferencedObjects(ctx context.Context) ([]string, error)

	Close() error
}

// BindingName is the internal alias form for a resolved historical version.
// It is produced only by the time-travel resolver and is deliberately not
// addressable through SQL identifiers users can type unquoted.
func BindingName(schema, name string, version int64) string {
	return fmt.Sprintf("%s.%s:%d", schema, name, version)
}
