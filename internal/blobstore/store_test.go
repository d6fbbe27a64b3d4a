package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestLocalFSContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewLocalFS(filepath.Join(t.TempDir(), "data"))
		if err != nil {
			t.Fatalf("create localfs: %v", err)
		}
		return store
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewSQLStore(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "blobs.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func runStoreContract(t *testing.T, factory func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		store := factory(t)
		exists, err := store.Exists(ctx, "missing")
		if err != nil || exists {
			t.Fatalf("expected missing key to not exist, got exists=%v err=%v", exists, err)
		}
		if _, err := store.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("round trip is byte exact", func(t *testing.T) {
		store := factory(t)
		payload := make([]byte, 4096)
		for i := range payload {
			payload[i] = byte(i % 256)
		}
		if err := store.Write(ctx, "blob.artifact", payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		exists, err := store.Exists(ctx, "blob.artifact")
		if err != nil || !exists {
			t.Fatalf("expected key to exist, got exists=%v err=%v", exists, err)
		}
		got, err := store.Read(ctx, "blob.artifact")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("expected %d bytes back unchanged, got %d bytes", len(payload), len(got))
		}
	})

	t.Run("empty value is distinct from absent", func(t *testing.T) {
		store := factory(t)
		if err := store.Write(ctx, "empty", nil); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := store.Read(ctx, "empty")
		if err != nil {
			t.Fatalf("expected empty value, got err=%v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected zero bytes, got %d", len(got))
		}
	})

	t.Run("write overwrites", func(t *testing.T) {
		store := factory(t)
		_ = store.Write(ctx, "k", []byte(`{"job_state":"waiting"}`))
		_ = store.Write(ctx, "k", []byte(`{"job_state":"complete"}`))
		got, err := store.Read(ctx, "k")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != `{"job_state":"complete"}` {
			t.Fatalf("expected last write to win, got %s", got)
		}
	})

	t.Run("concurrent writers leave one whole value", func(t *testing.T) {
		store := factory(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				value := bytes.Repeat([]byte(fmt.Sprintf("%d", n)), 512)
				if err := store.Write(ctx, "contended", value); err != nil {
					t.Errorf("write %d: %v", n, err)
				}
			}(i)
		}
		wg.Wait()

		got, err := store.Read(ctx, "contended")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(got) != 512 || !bytes.Equal(got, bytes.Repeat(got[:1], 512)) {
			t.Fatalf("expected one writer's value intact, got %q", got)
		}
	})
}

func TestLocalFSRejectsPathKeys(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalFS(root)
	if err != nil {
		t.Fatalf("create localfs: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"", ".", "..", "../escape", "nested/key"} {
		if err := store.Write(ctx, key, []byte("x")); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape")); err == nil {
		t.Fatalf("expected no file outside the root")
	}
}

func TestLocalFSLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalFS(root)
	if err != nil {
		t.Fatalf("create localfs: %v", err)
	}
	_ = store.Write(context.Background(), "k", []byte("v"))

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "k" {
		t.Fatalf("expected only the final file, got %v", entries)
	}
}

func TestNewSQLStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewSQLStore(context.Background(), "oracle", "dsn"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
