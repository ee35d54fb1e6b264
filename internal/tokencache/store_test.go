package tokencache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeshaw/envdecode"

	"github.com/afk-console/backend/internal/config"
)

// runStoreTests exercises the behaviour every backend shares.
func runStoreTests(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		if _, err := s.Get(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
		}
	})

	t.Run("set get", func(t *testing.T) {
		if err := s.Set(ctx, "owner-1", []byte(`{"access_token":"a"}`)); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "owner-1")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"access_token":"a"}` {
			t.Errorf("Get = %s", got)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		if err := s.Set(ctx, "owner-1", []byte("v2")); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "owner-1")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "v2" {
			t.Errorf("Get after overwrite = %s, want v2", got)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		if err := s.Set(ctx, "owner-2", []byte("other")); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "owner-1")
		if string(got) != "v2" {
			t.Errorf("owner-1 clobbered: %s", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Delete(ctx, "owner-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, "owner-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "owner-1"); err != nil {
			t.Errorf("second Delete = %v, want nil", err)
		}
		_ = s.Delete(ctx, "owner-2")
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	_ = s.Set(context.Background(), "k", buf)
	buf[0] = 'x'
	got, _ := s.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %s", got)
	}
}

func TestFileStore(t *testing.T) {
	runStoreTests(t, NewFileStore(t.TempDir()))
}

func TestFileStoreCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "tokens")
	s := NewFileStore(dir)
	if err := s.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("dir perm = %v, want 0700", info.Mode().Perm())
	}
}

func TestFileStoreNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	for i := 0; i < 3; i++ {
		if err := s.Set(context.Background(), "k", []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want exactly one token file", names)
	}
}

func TestFileStoreHashesKeys(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if err := s.Set(context.Background(), "../../etc/passwd", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(s.path("../../etc/passwd")) != dir {
		t.Error("key escaped the store directory")
	}
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/var/state")
	if got, want := DefaultDir(), "/var/state/afk-console/tokens"; got != want {
		t.Errorf("DefaultDir() = %q, want %q", got, want)
	}
	if NewFileStore("").Dir() != "/var/state/afk-console/tokens" {
		t.Error("empty dir should fall back to DefaultDir")
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(config.TokenCacheConfig{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}

	s, err = Open(config.TokenCacheConfig{Backend: "file", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("Open(file) = %T", s)
	}

	if _, err := Open(config.TokenCacheConfig{Backend: "etcd"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

type redisTestEnv struct {
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
}

func TestRedisStore(t *testing.T) {
	var env redisTestEnv
	_ = envdecode.Decode(&env)

	s, err := NewRedisStore(env.Addr, "afk:test:tokens:")
	if err != nil {
		t.Skipf("skipping redis token store tests: %v", err)
		return
	}
	defer s.Close()

	runStoreTests(t, s)
}
