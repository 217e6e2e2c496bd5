package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TFMV/driftlake/catalog"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

var testColumns = []catalog.ColumnSchema{
	{Name: "id", Type: "BIGINT"},
	{Name: "value", Type: "DOUBLE"},
}

func TestCreateTableStartsAtVersionOne(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	v, err := cat.CreateTable(ctx, "public", "events", testColumns)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("Expected version 1, got %d", v.Version)
	}
	if len(v.Columns) != 2 || v.Columns[0].Name != "id" {
		t.Errorf("Unexpected columns: %+v", v.Columns)
	}

	parts, err := cat.Partitions(ctx, "public", "events", 1)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("Expected empty partition set for version 1, got %d partitions", len(parts))
	}
}

func TestCreateTableDuplicate(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	_, err := cat.CreateTable(ctx, "public", "events", testColumns)
	if !errors.Is(err, catalog.ErrTableAlreadyExists) {
		t.Errorf("Expected ErrTableAlreadyExists, got %v", err)
	}

	// Same name in a different schema is fine.
	if _, err := cat.CreateTable(ctx, "staging", "events", testColumns); err != nil {
		t.Errorf("Failed to create table in second schema: %v", err)
	}
}

func TestCommitVersionAdvancesLatest(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	parts := []catalog.Partition{
		{ObjectStorageID: "partitions/a.parquet", RowCount: 10, MinValues: map[string]string{"id": "1"}, MaxValues: map[string]string{"id": "10"}},
		{ObjectStorageID: "partitions/b.parquet", RowCount: 5},
	}
	v2, err := cat.CommitVersion(ctx, "public", "events", 1, parts)
	if err != nil {
		t.Fatalf("Failed to commit version: %v", err)
	}
	if v2.Version != 2 || v2.Parent != 1 {
		t.Errorf("Expected version 2 with parent 1, got %d/%d", v2.Version, v2.Parent)
	}
	if len(v2.Columns) != 2 {
		t.Errorf("Expected column schema carried over, got %+v", v2.Columns)
	}

	latest, err := cat.LatestVersion(ctx, "public", "events")
	if err != nil {
		t.Fatalf("Failed to get latest version: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("Expected latest version 2, got %d", latest.Version)
	}

	got, err := cat.Partitions(ctx, "public", "events", 2)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 partitions, got %d", len(got))
	}
	if got[0].MinValues["id"] != "1" || got[0].MaxValues["id"] != "10" {
		t.Errorf("Partition statistics not round-tripped: %+v", got[0])
	}
}

func TestCommitVersionStaleParent(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := cat.CommitVersion(ctx, "public", "events", 1, nil); err != nil {
		t.Fatalf("Failed to commit version 2: %v", err)
	}

	// A writer that read version 1 before the commit above must lose.
	_, err := cat.CommitVersion(ctx, "public", "events", 1, nil)
	if !errors.Is(err, catalog.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification, got %v", err)
	}

	latest, err := cat.LatestVersion(ctx, "public", "events")
	if err != nil {
		t.Fatalf("Failed to get latest version: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("Failed commit must not advance the version, latest is %d", latest.Version)
	}
}

func TestVersionLookup(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := cat.CommitVersion(ctx, "public", "events", 1, nil); err != nil {
		t.Fatalf("Failed to commit version: %v", err)
	}

	v, err := cat.Version(ctx, "public", "events", 1)
	if err != nil {
		t.Fatalf("Failed to get version 1: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("Expected version 1, got %d", v.Version)
	}

	if _, err := cat.Version(ctx, "public", "events", 42); !errors.Is(err, catalog.ErrNoSuchVersion) {
		t.Errorf("Expected ErrNoSuchVersion, got %v", err)
	}
	if _, err := cat.Version(ctx, "public", "missing", 1); !errors.Is(err, catalog.ErrNoSuchTable) {
		t.Errorf("Expected ErrNoSuchTable, got %v", err)
	}
	if _, err := cat.LatestVersion(ctx, "public", "missing"); !errors.Is(err, catalog.ErrNoSuchTable) {
		t.Errorf("Expected ErrNoSuchTable, got %v", err)
	}
}

func TestListVersionsAscending(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	cat.SetNowFunc(func() time.Time { return clock })

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		if _, err := cat.CommitVersion(ctx, "public", "events", i, nil); err != nil {
			t.Fatalf("Failed to commit version %d: %v", i+1, err)
		}
	}

	versions, err := cat.ListVersions(ctx, "public", "events")
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("Expected 4 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Version != int64(i+1) {
			t.Errorf("Expected contiguous version %d, got %d", i+1, v.Version)
		}
	}
	if !versions[3].CreationTime.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("Unexpected creation time: %v", versions[3].CreationTime)
	}
}

func TestSharedPartitionAcrossVersions(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	kept := catalog.Partition{ObjectStorageID: "partitions/kept.parquet", RowCount: 100}
	if _, err := cat.CommitVersion(ctx, "public", "events", 1, []catalog.Partition{kept}); err != nil {
		t.Fatalf("Failed to commit version 2: %v", err)
	}
	added := catalog.Partition{ObjectStorageID: "partitions/added.parquet", RowCount: 50}
	if _, err := cat.CommitVersion(ctx, "public", "events", 2, []catalog.Partition{kept, added}); err != nil {
		t.Fatalf("Failed to commit version 3: %v", err)
	}

	v2Parts, err := cat.Partitions(ctx, "public", "events", 2)
	if err != nil {
		t.Fatalf("Failed to list version 2 partitions: %v", err)
	}
	v3Parts, err := cat.Partitions(ctx, "public", "events", 3)
	if err != nil {
		t.Fatalf("Failed to list version 3 partitions: %v", err)
	}
	if len(v2Parts) != 1 || len(v3Parts) != 2 {
		t.Fatalf("Expected 1 and 2 partitions, got %d and %d", len(v2Parts), len(v3Parts))
	}
	// The shared object maps to the same physical partition row.
	if v2Parts[0].ID != v3Parts[0].ID {
		t.Errorf("Expected shared partition to reuse physical row, got ids %d and %d", v2Parts[0].ID, v3Parts[0].ID)
	}

	objects, err := cat.ReferencedObjects(ctx)
	if err != nil {
		t.Fatalf("Failed to list referenced objects: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("Expected 2 referenced objects, got %d: %v", len(objects), objects)
	}
}

func TestPartitionRecordsNullsForEmptyVersions(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	part := catalog.Partition{ObjectStorageID: "partitions/a.parquet", RowCount: 10}
	if _, err := cat.CommitVersion(ctx, "public", "events", 1, []catalog.Partition{part}); err != nil {
		t.Fatalf("Failed to commit version: %v", err)
	}

	records, err := cat.PartitionRecords(ctx)
	if err != nil {
		t.Fatalf("Failed to get partition records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].VersionID != 1 || records[0].PartitionID != nil {
		t.Errorf("Expected NULL partition columns for empty version 1, got %+v", records[0])
	}
	if records[1].VersionID != 2 || records[1].ObjectStorageID == nil || *records[1].ObjectStorageID != "partitions/a.parquet" {
		t.Errorf("Unexpected record for version 2: %+v", records[1])
	}
}

func TestVersionRecords(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.CreateTable(ctx, "public", "events", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := cat.CreateTable(ctx, "public", "other", testColumns); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := cat.CommitVersion(ctx, "public", "events", 1, nil); err != nil {
		t.Fatalf("Failed to commit version: %v", err)
	}

	records, err := cat.VersionRecords(ctx)
	if err != nil {
		t.Fatalf("Failed to get version records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].TableName != "events" || records[0].VersionID != 1 {
		t.Errorf("Unexpected first record: %+v", records[0])
	}
	if records[2].TableName != "other" {
		t.Errorf("Expected records ordered by table name, got %+v", records[2])
	}
}

func TestInMemoryCatalog(t *testing.T) {
	cat, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory catalog: %v", err)
	}
	defer cat.Close()

	if _, err := cat.CreateTable(context.Background(), "public", "events", testColumns); err != nil {
		t.Errorf("Failed to create table in memory: %v", err)
	}
}
