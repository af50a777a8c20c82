package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
)

func TestParseConfig(t *testing.T) {
	t.Run("should parse a full config", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
type: benchmark
compress: true
backend:
  type: fs
  path: /srv/data
  max-concurrent-io: 4
  lock:
    lease: 30s
    attempts: 5
    delay: 10ms
    max-delay: 1s
`))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Type != TypeBenchmark || !cfg.Compress || cfg.Backend == nil {
			t.Fatalf("unexpected config %+v", cfg)
		}
		b := cfg.Backend
		if b.Type != TypeFS || b.Path != "/srv/data" || b.MaxConcurrentIO != 4 {
			t.Fatalf("unexpected backend %+v", b)
		}
		want := FileLockConfig{Lease: 30 * time.Second, Attempts: 5, Delay: 10 * time.Millisecond, MaxDelay: time.Second}
		if b.Lock != want {
			t.Fatalf("expected lock %+v, found %+v", want, b.Lock)
		}
	})

	bad := map[string]string{
		"missing type":      "path: /x\n",
		"unknown type":      "type: s3\n",
		"fs without path":   "type: fs\n",
		"bench without one": "type: benchmark\n",
		"bad backend":       "type: benchmark\nbackend:\n  type: nope\n",
		"unknown field":     "type: in-memory\nbucket: x\n",
		"bad duration":      "type: fs\npath: /x\nlock:\n  lease: soon\n",
	}
	for name, doc := range bad {
		t.Run("should reject "+name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(doc)); !errors.Is(err, errors.NotValid) {
				t.Fatalf("expected not valid, found %v", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("should build each storage type", func(t *testing.T) {
		dir := t.TempDir()
		cases := []struct {
			cfg  Config
			want string
		}{
			{Config{Type: TypeMemory}, "InMemoryStorage"},
			{Config{Type: TypeFS, Path: dir}, "FS: " + dir},
			{Config{Type: TypeBenchmark, Backend: &Config{Type: TypeMemory}}, "BenchmarkStorage: InMemoryStorage"},
			{
				Config{Type: TypeBenchmark, Compress: true, Backend: &Config{Type: TypeFS, Path: dir}},
				"Compressed: BenchmarkStorage: FS: " + dir,
			},
		}
		for _, c := range cases {
			s, err := New(c.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if got := s.Identifier(); got != c.want {
				t.Fatalf("expected %q, found %q", c.want, got)
			}
		}
	})

	t.Run("should load a config file", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, "storage.yaml")
		doc := "type: fs\npath: " + filepath.Join(dir, "data") + "\n"
		if err := os.WriteFile(p, []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(p)
		if err != nil {
			t.Fatal(err)
		}
		s, err := New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(s.Identifier(), "data") {
			t.Fatalf("unexpected storage %q", s.Identifier())
		}
	})

	t.Run("should name the file that failed", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(p, []byte("type: nope\n"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadConfig(p)
		if err == nil || !strings.Contains(err.Error(), p) {
			t.Fatalf("expected error naming %q, found %v", p, err)
		}
	})
}
