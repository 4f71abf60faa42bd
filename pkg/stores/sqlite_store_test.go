package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/warmer"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func compileClass(t *testing.T, schemaID, class string) (*compiler.Validator, cache.Key) {
	t.Helper()

	schema := &engine.Schema{
		ID:   schemaID,
		Name: schemaID,
		Slots: map[string]*engine.SlotDef{
			"id":  {Range: "string"},
			"age": {Range: "integer"},
		},
		Classes: map[string]*engine.ClassDef{
			class: {Name: class, Slots: []string{"id", "age"}},
		},
	}
	r, err := engine.NewResolver(schema, engine.ResolverOptions{})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	resolved, err := r.Resolve(class)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", class, err)
	}
	v, err := compiler.Compile(resolved, compiler.DefaultOptions)
	if err != nil {
		t.Fatalf("failed to compile %s: %v", class, err)
	}
	return v, cache.NewKey(schemaID, r.SchemaHash(), class, compiler.DefaultOptions)
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"validators", "access_history"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// TestValidatorTier tests the slow cache tier operations
func TestValidatorTier(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, key := compileClass(t, "people", "Person")

	_, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get on empty store failed: %v", err)
	}
	if ok {
		t.Fatal("expected miss on empty store")
	}

	if err := store.Put(ctx, key, v); err != nil {
		t.Fatalf("failed to put validator: %v", err)
	}
	// Upsert keeps a single row.
	if err := store.Put(ctx, key, v); err != nil {
		t.Fatalf("failed to re-put validator: %v", err)
	}

	n, err := store.CountValidators(ctx)
	if err != nil {
		t.Fatalf("failed to count validators: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 validator, got %d", n)
	}

	loaded, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if loaded.ClassName() != "Person" {
		t.Errorf("expected class Person, got %s", loaded.ClassName())
	}
	if loaded.Instructions() != v.Instructions() {
		t.Errorf("expected %d instructions, got %d", v.Instructions(), loaded.Instructions())
	}

	report := loaded.Validate(map[string]any{"id": "p1", "age": "old"})
	if report.Valid {
		t.Error("expected rehydrated validator to reject a string age")
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("failed to delete validator: %v", err)
	}
	if _, ok, _ := store.Get(ctx, key); ok {
		t.Error("expected miss after delete")
	}
}

// TestValidatorHashIsolation tests that schema versions never share a row
func TestValidatorHashIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, key := compileClass(t, "people", "Person")
	if err := store.Put(ctx, key, v); err != nil {
		t.Fatalf("failed to put validator: %v", err)
	}

	other := key
	other.SchemaHash = "ffffffffffffffff"
	if _, ok, _ := store.Get(ctx, other); ok {
		t.Error("expected miss for a different schema hash")
	}
}

// TestValidatorKeySeparators tests that separator characters inside key
// components never alias two keys onto one row
func TestValidatorKeySeparators(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, key := compileClass(t, "people", "Person")
	a := key
	a.SchemaID = "s@h/X"
	a.SchemaHash = "h2"
	b := key
	b.SchemaID = "s"
	b.SchemaHash = "h/X@h2"

	if err := store.Put(ctx, a, v); err != nil {
		t.Fatalf("failed to put validator: %v", err)
	}
	if _, ok, _ := store.Get(ctx, b); ok {
		t.Error("expected miss for a key that differs only in where separators fall")
	}
	if _, ok, _ := store.Get(ctx, a); !ok {
		t.Error("expected hit for the stored key")
	}
}

// TestDeleteSchema tests removing all validators of a schema
func TestDeleteSchema(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct{ schema, class string }{
		{"people", "Person"},
		{"people", "Employee"},
		{"orgs", "Company"},
	} {
		v, key := compileClass(t, tc.schema, tc.class)
		if err := store.Put(ctx, key, v); err != nil {
			t.Fatalf("failed to put %s: %v", tc.class, err)
		}
	}

	if err := store.DeleteSchema(ctx, "people"); err != nil {
		t.Fatalf("failed to delete schema: %v", err)
	}

	records, err := store.ListValidators(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list validators: %v", err)
	}
	if len(records) != 1 || records[0].SchemaID != "orgs" {
		t.Fatalf("expected only the orgs validator, got %+v", records)
	}
	if records[0].Key().ClassName != "Company" {
		t.Errorf("expected Company, got %s", records[0].Key().ClassName)
	}
}

// TestListAndStaleValidators tests listing and age-based cleanup
func TestListAndStaleValidators(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, class := range []string{"A", "B", "C"} {
		store.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		v, key := compileClass(t, "s", class)
		if err := store.Put(ctx, key, v); err != nil {
			t.Fatalf("failed to put %s: %v", class, err)
		}
	}

	schemaID := "s"
	records, err := store.ListValidators(ctx, &schemaID, 2, 0)
	if err != nil {
		t.Fatalf("failed to list validators: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ClassName != "C" {
		t.Errorf("expected most recent first, got %s", records[0].ClassName)
	}
	if !records[0].AccessedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("unexpected accessed_at %v", records[0].AccessedAt)
	}

	deleted, err := store.DeleteStaleValidators(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("failed to delete stale validators: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 stale validators deleted, got %d", deleted)
	}
}

// TestCorruptPlanIsMiss tests that undecodable rows are dropped
func TestCorruptPlanIsMiss(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, key := compileClass(t, "people", "Person")
	if err := store.Put(ctx, key, v); err != nil {
		t.Fatalf("failed to put validator: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE validators SET plan = ?`, []byte("garbage")); err != nil {
		t.Fatalf("failed to corrupt plan: %v", err)
	}

	_, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("expected corrupt row to be a miss, got %v", err)
	}
	if ok {
		t.Fatal("expected miss for corrupt row")
	}
	if n, _ := store.CountValidators(ctx); n != 0 {
		t.Errorf("expected corrupt row to be deleted, %d remain", n)
	}
}

// TestAccessHistory tests persisted warmer history
func TestAccessHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := cache.NewKey("people", "abc", "Person", compiler.DefaultOptions)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a := warmer.Access{Key: key, At: base.Add(time.Duration(i) * time.Minute)}
		if err := store.AppendAccess(ctx, a); err != nil {
			t.Fatalf("failed to append access: %v", err)
		}
	}

	tests := []struct {
		name  string
		since time.Time
		limit int
		want  int
		first time.Time
	}{
		{"all", base, 10, 5, base},
		{"since", base.Add(2 * time.Minute), 10, 3, base.Add(2 * time.Minute)},
		{"limit keeps newest", base, 2, 2, base.Add(3 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.RecentAccesses(ctx, tt.since, tt.limit)
			if err != nil {
				t.Fatalf("failed to list accesses: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d accesses, got %d", tt.want, len(got))
			}
			if !got[0].At.Equal(tt.first) {
				t.Errorf("expected first access at %v, got %v", tt.first, got[0].At)
			}
			if got[0].Key != key {
				t.Errorf("expected key %v, got %v", key, got[0].Key)
			}
		})
	}

	pruned, err := store.PruneAccesses(ctx, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("failed to prune accesses: %v", err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned, got %d", pruned)
	}
}

// TestAccessHistoryHits tests that hit counts survive a round trip
func TestAccessHistoryHits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := cache.NewKey("people", "abc", "Person", compiler.DefaultOptions)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, hits := range []int{3, 0} {
		a := warmer.Access{Key: key, At: base.Add(time.Duration(i) * time.Minute), Hits: hits}
		if err := store.AppendAccess(ctx, a); err != nil {
			t.Fatalf("failed to append access: %v", err)
		}
	}

	got, err := store.RecentAccesses(ctx, base, 10)
	if err != nil {
		t.Fatalf("failed to list accesses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accesses, got %d", len(got))
	}
	if got[0].Hits != 3 {
		t.Errorf("expected 3 hits, got %d", got[0].Hits)
	}
	if got[1].Hits != 1 {
		t.Errorf("expected an unset hit count to persist as 1, got %d", got[1].Hits)
	}
}

// TestStoreErrorClassification tests that failures map onto recovery kinds
func TestStoreErrorClassification(t *testing.T) {
	busy := storeError("put validator", errors.New("database is locked (5) (SQLITE_BUSY)"))
	if got := guard.Classify(busy); got != guard.KindResourceBusy {
		t.Errorf("expected busy error to classify as %s, got %s", guard.KindResourceBusy, got)
	}

	broken := storeError("get validator", errors.New("disk I/O error"))
	if !errors.Is(broken, engine.ErrCacheUnavailable) {
		t.Errorf("expected cache unavailable, got %v", broken)
	}
	if !guard.ShouldDegrade(broken) {
		t.Error("expected disk failure to degrade")
	}

	if got := guard.Classify(storeError("get validator", context.DeadlineExceeded)); got != guard.KindTimeout {
		t.Errorf("expected timeout, got %s", got)
	}
}

// TestSQLiteStoreAsCacheTier tests the store behind a cache
func TestSQLiteStoreAsCacheTier(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, key := compileClass(t, "people", "Person")

	first := cache.New(cache.Config{}, cache.WithSlowTier(store))
	compile := func(context.Context, cache.Key) (*compiler.Validator, error) { return v, nil }
	if _, err := first.GetOrCompile(ctx, key, compile); err != nil {
		t.Fatalf("failed to compile through cache: %v", err)
	}

	// A fresh cache rehydrates from the store without compiling.
	second := cache.New(cache.Config{}, cache.WithSlowTier(store))
	got, err := second.GetOrCompile(ctx, key, func(context.Context, cache.Key) (*compiler.Validator, error) {
		t.Fatal("unexpected compilation")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("failed to load from slow tier: %v", err)
	}
	if got.ClassName() != "Person" {
		t.Errorf("expected Person, got %s", got.ClassName())
	}
	if second.Stats().SlowHits != 1 {
		t.Errorf("expected one slow tier hit, got %d", second.Stats().SlowHits)
	}
}
