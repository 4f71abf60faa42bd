package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/linkval/pkg/engine"
)

type reloaded struct {
	path   string
	schema *engine.Schema
}

func startWatcher(t *testing.T, paths ...string) (*Watcher, <-chan reloaded) {
	t.Helper()
	ch := make(chan reloaded, 8)
	w := NewWatcher(NewSchemaLoader(), func(_ context.Context, path string, s *engine.Schema) error {
		ch <- reloaded{path: path, schema: s}
		return nil
	}, zerolog.Nop(), WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	require.NoError(t, w.Watch(ctx, paths...))
	return w, ch
}

func waitReload(t *testing.T, ch <-chan reloaded) reloaded {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return reloaded{}
	}
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "schema.yaml", "id: s\nname: s\nversion: \"1\"\n")

	_, ch := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("id: s\nname: s\nversion: \"2\"\nclasses:\n  A: {}\n"), 0o644))

	r := waitReload(t, ch)
	abs, _ := filepath.Abs(path)
	assert.Equal(t, abs, r.path)
	assert.Equal(t, "2", r.schema.Version)
	assert.Contains(t, r.schema.Classes, "A")
}

func TestWatcher_KeepsPreviousSchemaOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "schema.yaml", "id: s\nname: s\n")

	_, ch := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("id: s\n"), 0o644))
	select {
	case r := <-ch:
		t.Fatalf("unexpected reload of invalid schema: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("id: s\nname: fixed\n"), 0o644))
	r := waitReload(t, ch)
	assert.Equal(t, "fixed", r.schema.Name)
}

func TestWatcher_DirectoryIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	_, ch := startWatcher(t, dir)

	writeFile(t, dir, "notes.txt", "not a schema")
	writeFile(t, dir, "people.yml", "id: people\nname: people\n")

	r := waitReload(t, ch)
	assert.Equal(t, "people", r.schema.ID)
	assert.Equal(t, ".yml", filepath.Ext(r.path))
}

func TestWatcher_Errors(t *testing.T) {
	w := NewWatcher(NewSchemaLoader(), func(context.Context, string, *engine.Schema) error { return nil }, zerolog.Nop())
	err := w.Watch(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
