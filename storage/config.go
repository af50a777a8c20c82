package storage

import (
	"bytes"
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Storage types accepted in Config.Type.
const (
	TypeFS        = "fs"
	TypeMemory    = "in-memory"
	TypeBenchmark = "benchmark"
)

// Config describes a storage declaratively, as read from YAML:
//
//	type: benchmark
//	compress: true
//	backend:
//	  type: fs
//	  path: /var/lib/asto
//	  lock:
//	    lease: 30s
type Config struct {
	Type            string         `yaml:"type"`
	Path            string         `yaml:"path,omitempty"`
	Compress        bool           `yaml:"compress,omitempty"`
	MaxConcurrentIO int            `yaml:"max-concurrent-io,omitempty"`
	Lock            FileLockConfig `yaml:"lock,omitempty"`
	Backend         *Config        `yaml:"backend,omitempty"`
}

// ParseConfig decodes a YAML config. Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.NewNotValid(err, "parsing storage config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading storage config %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Annotatef(err, "in %q", path)
	}
	return cfg, nil
}

// Validate checks that cfg describes a storage New can build.
func (cfg Config) Validate() error {
	switch cfg.Type {
	case TypeFS:
		if cfg.Path == "" {
			return errors.NotValidf("fs storage without path")
		}
	case TypeMemory:
	case TypeBenchmark:
		if cfg.Backend == nil {
			return errors.NotValidf("benchmark storage without backend")
		}
		return errors.Annotate(cfg.Backend.Validate(), "backend")
	case "":
		return errors.NotValidf("storage config without type")
	default:
		return errors.NotValidf("storage type %q", cfg.Type)
	}
	return nil
}

// New builds the storage cfg describes. A benchmark backend is built
// first and handed to the benchmark storage.
func New(cfg Config) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	var (
		s   Storage
		err error
	)
	switch cfg.Type {
	case TypeFS:
		s, err = NewFileStorage(FileConfig{
			Path:            cfg.Path,
			MaxConcurrentIO: cfg.MaxConcurrentIO,
			Lock:            cfg.Lock,
		})
	case TypeMemory:
		s = NewMemoryStorage()
	case TypeBenchmark:
		var backend Storage
		backend, err = New(*cfg.Backend)
		if err == nil {
			s = NewBenchmarkStorage(backend)
		}
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating %s storage", cfg.Type)
	}

	// Wrap it, if asked to...
	if cfg.Compress {
		s = NewCompressedStorage(s)
	}
	logger.Debugf("storage ready: %s", s.Identifier())

	// Done
	return s, nil
}
