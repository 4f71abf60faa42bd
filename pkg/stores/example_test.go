package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/stores"
	"github.com/openfroyo/linkval/pkg/warmer"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            stores.MemoryPath,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Put demonstrates persisting a compiled validator as the
// slow cache tier.
func ExampleSQLiteStore_Put() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	schema := &engine.Schema{
		ID:   "https://example.org/people",
		Name: "people",
		Slots: map[string]*engine.SlotDef{
			"name": {Range: "string"},
		},
		Classes: map[string]*engine.ClassDef{
			"Person": {Name: "Person", Slots: []string{"name"}},
		},
	}
	resolver, _ := engine.NewResolver(schema, engine.ResolverOptions{})
	resolved, _ := resolver.Resolve("Person")
	v, _ := compiler.Compile(resolved, compiler.DefaultOptions)

	key := cache.NewKey(schema.ID, resolver.SchemaHash(), "Person", compiler.DefaultOptions)
	if err := store.Put(ctx, key, v); err != nil {
		log.Fatal(err)
	}

	loaded, ok, _ := store.Get(ctx, key)
	fmt.Println(ok, loaded.ClassName())
	// Output: true Person
}

// ExampleSQLiteStore_AppendAccess demonstrates persisting warmer access history.
func ExampleSQLiteStore_AppendAccess() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	key := cache.NewKey("people", "abc", "Person", compiler.DefaultOptions)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = store.AppendAccess(ctx, warmer.Access{Key: key, At: start.Add(time.Duration(i) * time.Minute)})
	}

	recent, _ := store.RecentAccesses(ctx, start.Add(time.Minute), 10)
	fmt.Println(len(recent), recent[0].At.Format(time.Kitchen))
	// Output: 2 12:01PM
}
