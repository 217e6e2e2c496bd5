package mutation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/catalog/sqlite"
	"github.com/TFMV/driftlake/engine/duckdb"
	"github.com/TFMV/driftlake/fs/memory"
	"github.com/TFMV/driftlake/plan"
	"github.com/TFMV/driftlake/timetravel"
)

type fixture struct {
	catalog  *sqlite.Catalog
	store    *memory.Store
	engine   *duckdb.Engine
	resolver *timetravel.Resolver
	mutation *Engine
	clock    time.Time
}

func newFixture(t *testing.T, maxRows int64) *fixture {
	t.Helper()
	cat, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store := memory.New()
	eng, err := duckdb.NewEngine(store)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	resolver := timetravel.NewResolver(cat, eng)
	f := &fixture{
		catalog:  cat,
		store:    store,
		engine:   eng,
		resolver: resolver,
		mutation: NewEngine(cat, store, eng, resolver, maxRows),
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	cat.SetNowFunc(func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	})
	return f
}

func (f *fixture) exec(t *testing.T, sql string) *Result {
	t.Helper()
	result, err := f.execErr(sql)
	if err != nil {
		t.Fatalf("Statement %q failed: %v", sql, err)
	}
	return result
}

func (f *fixture) execErr(sql string) (*Result, error) {
	stmt, err := plan.Parse(sql)
	if err != nil {
		return nil, err
	}
	return f.mutation.Execute(context.Background(), stmt)
}

func (f *fixture) queryCount(t *testing.T, sql string) int64 {
	t.Helper()
	stmt, err := plan.Parse(sql)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", sql, err)
	}
	result, err := f.resolver.ExecuteQuery(context.Background(), stmt.(*plan.QueryStatement))
	if err != nil {
		t.Fatalf("Query %q failed: %v", sql, err)
	}
	count, ok := result.Rows[0][0].(int64)
	if !ok {
		t.Fatalf("Expected int64, got %T", result.Rows[0][0])
	}
	return count
}

func TestCreateTable(t *testing.T) {
	f := newFixture(t, 1000)

	result := f.exec(t, "CREATE TABLE events (id BIGINT, name VARCHAR)")
	if result.Version != 1 {
		t.Errorf("Expected version 1, got %d", result.Version)
	}

	// Fresh tables are queryable and empty.
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 0 {
		t.Errorf("Expected empty table, got %d rows", got)
	}

	if _, err := f.execErr("CREATE TABLE events (id BIGINT)"); !errors.Is(err, catalog.ErrTableAlreadyExists) {
		t.Errorf("Expected ErrTableAlreadyExists, got %v", err)
	}

	result = f.exec(t, "CREATE TABLE IF NOT EXISTS events (id BIGINT)")
	if result.Version != 1 {
		t.Errorf("IF NOT EXISTS must return the existing version, got %d", result.Version)
	}
}

func TestCreateTableRejectsUnsupportedType(t *testing.T) {
	f := newFixture(t, 1000)
	if _, err := f.execErr("CREATE TABLE bad (shape GEOMETRY)"); err == nil {
		t.Error("Expected error for unsupported column type")
	}
}

func TestInsertValues(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT, name VARCHAR)")

	result := f.exec(t, "INSERT INTO events VALUES (1, 'a'), (2, 'b'), (3, 'c')")
	if result.Version != 2 {
		t.Errorf("Expected version 2, got %d", result.Version)
	}
	if result.RowsAffected != 3 {
		t.Errorf("Expected 3 rows affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 3 {
		t.Errorf("Expected 3 rows, got %d", got)
	}
}

func TestInsertChunksByPartitionSize(t *testing.T) {
	f := newFixture(t, 2)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1), (2), (3), (4), (5)")

	parts, err := f.catalog.Partitions(context.Background(), "public", "events", 2)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("Expected 3 partitions of at most 2 rows, got %d", len(parts))
	}
	for _, part := range parts {
		if part.RowCount > 2 {
			t.Errorf("Partition %s exceeds size cap: %d rows", part.ObjectStorageID, part.RowCount)
		}
	}
}

func TestInsertColumnSubset(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT, name VARCHAR)")
	f.exec(t, "INSERT INTO events (id) VALUES (7)")

	if got := f.queryCount(t, "SELECT count(*) FROM events WHERE name IS NULL"); got != 1 {
		t.Errorf("Expected omitted column to be NULL, got %d matching rows", got)
	}
}

func TestInsertUnknownColumn(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	if _, err := f.execErr("INSERT INTO events (nope) VALUES (1)"); err == nil {
		t.Error("Expected error for unknown column")
	}
}

func TestInsertFromSelect(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE src (id BIGINT)")
	f.exec(t, "CREATE TABLE dst (id BIGINT)")
	f.exec(t, "INSERT INTO src VALUES (1), (2), (3)")

	result := f.exec(t, "INSERT INTO dst SELECT id FROM src WHERE id > 1")
	if result.RowsAffected != 2 {
		t.Errorf("Expected 2 rows affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM dst"); got != 2 {
		t.Errorf("Expected 2 rows in dst, got %d", got)
	}
}

func TestInsertIntoMissingTable(t *testing.T) {
	f := newFixture(t, 1000)
	if _, err := f.execErr("INSERT INTO nowhere VALUES (1)"); !errors.Is(err, catalog.ErrNoSuchTable) {
		t.Errorf("Expected ErrNoSuchTable, got %v", err)
	}
}

func TestUpdateRewritesMatchedPartitions(t *testing.T) {
	f := newFixture(t, 2)
	f.exec(t, "CREATE TABLE events (id BIGINT, score BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1, 10), (2, 20), (3, 30), (4, 40)")

	result := f.exec(t, "UPDATE events SET score = score + 1 WHERE id >= 3")
	if result.RowsAffected != 2 {
		t.Errorf("Expected 2 rows affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events WHERE score IN (31, 41)"); got != 2 {
		t.Errorf("Expected updated values, got %d matching rows", got)
	}
	// Untouched rows keep their values and total count is unchanged.
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 4 {
		t.Errorf("Expected 4 rows after update, got %d", got)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events WHERE score = 10"); got != 1 {
		t.Errorf("Untouched row lost: %d", got)
	}
}

func TestUpdateKeepsUnmatchedPartitions(t *testing.T) {
	f := newFixture(t, 2)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	// Two partitions: {1,2} and {3,4}.
	f.exec(t, "INSERT INTO events VALUES (1), (2), (3), (4)")

	before, err := f.catalog.Partitions(context.Background(), "public", "events", 2)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}

	f.exec(t, "UPDATE events SET id = 99 WHERE id = 4")

	after, err := f.catalog.Partitions(context.Background(), "public", "events", 3)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}

	// The partition whose rows never matched is carried over unchanged.
	shared := 0
	for _, a := range after {
		for _, b := range before {
			if a.ObjectStorageID == b.ObjectStorageID {
				shared++
			}
		}
	}
	if shared != 1 {
		t.Errorf("Expected exactly 1 shared partition object, got %d", shared)
	}
}

func TestUpdateNoMatchesStillCommits(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1)")

	result := f.exec(t, "UPDATE events SET id = 0 WHERE id = 42")
	if result.Version != 3 {
		t.Errorf("Expected version 3, got %d", result.Version)
	}
	if result.RowsAffected != 0 {
		t.Errorf("Expected 0 rows affected, got %d", result.RowsAffected)
	}
}

func TestUpdateWithoutPredicate(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1), (2)")

	result := f.exec(t, "UPDATE events SET id = 0")
	if result.RowsAffected != 2 {
		t.Errorf("Expected 2 rows affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events WHERE id = 0"); got != 2 {
		t.Errorf("Expected all rows zeroed, got %d", got)
	}
}

func TestDeletePartialAndFullPartitions(t *testing.T) {
	f := newFixture(t, 2)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	// Partitions {1,2}, {3,4}, {5}.
	f.exec(t, "INSERT INTO events VALUES (1), (2), (3), (4), (5)")

	result := f.exec(t, "DELETE FROM events WHERE id >= 3 AND id <= 4")
	if result.RowsAffected != 2 {
		t.Errorf("Expected 2 rows affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 3 {
		t.Errorf("Expected 3 remaining rows, got %d", got)
	}

	result = f.exec(t, "DELETE FROM events WHERE id = 1")
	if result.RowsAffected != 1 {
		t.Errorf("Expected 1 row affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 2 {
		t.Errorf("Expected 2 remaining rows, got %d", got)
	}
}

func TestDeleteAll(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1), (2), (3)")

	result := f.exec(t, "DELETE FROM events")
	if result.RowsAffected != 3 {
		t.Errorf("Expected 3 rows affected, got %d", result.RowsAffected)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 0 {
		t.Errorf("Expected empty table, got %d rows", got)
	}

	parts, err := f.catalog.Partitions(context.Background(), "public", "events", 3)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("Expected empty partition set, got %d", len(parts))
	}
}

func TestOldVersionsSurviveMutations(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1), (2)")

	v2, err := f.catalog.LatestVersion(context.Background(), "public", "events")
	if err != nil {
		t.Fatalf("Failed to get latest: %v", err)
	}
	asOf := v2.CreationTime.Format(time.RFC3339)

	f.exec(t, "DELETE FROM events")

	sql := fmt.Sprintf("SELECT count(*) FROM events('%s')", asOf)
	if got := f.queryCount(t, sql); got != 2 {
		t.Errorf("Expected 2 rows at old version, got %d", got)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 0 {
		t.Errorf("Expected latest to be empty, got %d", got)
	}
}

// conflictingStore injects one concurrent commit before the first
// CommitVersion call passes through.
type conflictingStore struct {
	catalog.Store
	fired bool
}

func (s *conflictingStore) CommitVersion(ctx context.Context, schema, name string, parent int64, parts []catalog.Partition) (*catalog.TableVersion, error) {
	if !s.fired {
		s.fired = true
		if _, err := s.Store.CommitVersion(ctx, schema, name, parent, nil); err != nil {
			return nil, err
		}
	}
	return s.Store.CommitVersion(ctx, schema, name, parent, parts)
}

func TestCommitRetryAfterConflict(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")

	conflicting := &conflictingStore{Store: f.catalog}
	engine := NewEngine(conflicting, f.store, f.engine, f.resolver, 1000)

	stmt, err := plan.Parse("INSERT INTO events VALUES (1)")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	result, err := engine.Execute(context.Background(), stmt)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	// Version 2 was taken by the injected commit; the retry lands on 3.
	if result.Version != 3 {
		t.Errorf("Expected version 3 after retry, got %d", result.Version)
	}
	if got := f.queryCount(t, "SELECT count(*) FROM events"); got != 1 {
		t.Errorf("Expected 1 row, got %d", got)
	}
	// Objects from the losing attempt are released for collection once the
	// statement resolves.
	if keys := engine.Pending(); len(keys) != 0 {
		t.Errorf("Expected no pending keys after retry, got %v", keys)
	}
}

// Four inserts a tick apart give versions 2 through 5 over the empty
// version 1. Each insert's timestamp must reproduce exactly its cumulative
// row set, and peeling the per-version diffs off the latest version must
// recover the oldest insert: v5 - ((v5-v4) + (v4-v3) + (v3-v2)) = v2.
func TestVersionHistoryRoundTrip(t *testing.T) {
	f := newFixture(t, 1000)
	f.exec(t, "CREATE TABLE events (id BIGINT)")
	f.exec(t, "INSERT INTO events VALUES (1), (2), (3)")
	f.exec(t, "INSERT INTO events VALUES (4), (5), (6)")
	f.exec(t, "INSERT INTO events VALUES (7), (8), (9)")
	f.exec(t, "INSERT INTO events VALUES (10), (11), (12)")

	versions, err := f.catalog.ListVersions(context.Background(), "public", "events")
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 5 {
		t.Fatalf("Expected 5 versions, got %d", len(versions))
	}
	at := func(version int64) string {
		return versions[version-1].CreationTime.UTC().Format(time.RFC3339)
	}

	for version, want := range map[int64]int64{1: 0, 2: 3, 3: 6, 4: 9, 5: 12} {
		sql := fmt.Sprintf("SELECT count(*) FROM events('%s')", at(version))
		if got := f.queryCount(t, sql); got != want {
			t.Errorf("Version %d: expected %d rows, got %d", version, want, got)
		}
	}

	sql := fmt.Sprintf(`WITH diff_3_2 AS (
		SELECT id FROM events('%s') EXCEPT SELECT id FROM events('%s')
	), diff_4_3 AS (
		SELECT id FROM events('%s') EXCEPT SELECT id FROM events('%s')
	), diff_5_4 AS (
		SELECT id FROM events EXCEPT SELECT id FROM events('%s')
	)
	SELECT count(*) FROM (
		SELECT id FROM events
		EXCEPT (
			SELECT id FROM diff_5_4
			UNION
			SELECT id FROM diff_4_3
			UNION
			SELECT id FROM diff_3_2
		)
	)`, at(3), at(2), at(4), at(3), at(4))
	if got := f.queryCount(t, sql); got != 3 {
		t.Errorf("Expected version 2's 3 rows after peeling diffs, got %d", got)
	}
}

func TestPendingKeysReleasedAfterStatements(t *testing.T) {
	f := newFixture(t, 2)
	f.exec(t, "CREATE TABLE events (id BIGINT)")

	f.exec(t, "INSERT INTO events VALUES (1), (2), (3), (4), (5)")
	if keys := f.mutation.Pending(); len(keys) != 0 {
		t.Errorf("Expected no pending keys after insert, got %v", keys)
	}

	f.exec(t, "DELETE FROM events WHERE id < 3")
	if keys := f.mutation.Pending(); len(keys) != 0 {
		t.Errorf("Expected no pending keys after delete, got %v", keys)
	}
}
