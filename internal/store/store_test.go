package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "barnabee.db"), WithVectorDimensions(4))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigratesFreshDatabase(t *testing.T) {
	s := newTestStore(t)

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("version = %d, want %d", version, CurrentSchemaVersion)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate run %d: %v", i, err)
		}
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("version = %d, want %d", version, CurrentSchemaVersion)
	}
}

func TestMigrateToUnknownVersion(t *testing.T) {
	s := newTestStore(t)
	if err := s.MigrateTo(context.Background(), CurrentSchemaVersion+1); err == nil {
		t.Fatal("expected an error for a version newer than the binary knows")
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "barnabee.db")
	ctx := context.Background()

	s, err := Open(path, WithVectorDimensions(4))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m, err := s.CreateMemory(ctx, Memory{Summary: "coffee", Content: "Alice takes her coffee black", Type: "preference", Source: "explicit", Owner: "alice"})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, WithVectorDimensions(4))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory after reopen: %v", err)
	}
	if got.Content != m.Content {
		t.Errorf("content = %q, want %q", got.Content, m.Content)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 0, 3.75}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d: %v != %v", i, in[i], out[i])
		}
	}
}
