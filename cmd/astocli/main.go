// Command astocli inspects and edits a storage from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"github.com/a-poor/asto/storage"
)

var logger = loggo.GetLogger("asto.cli")

const usage = `usage: astocli [--config file | --path dir] [--debug] <command> [args]

commands:
  put <key> [file]     save file (or stdin) at key
  get <key>            write the value at key to stdout
  ls [prefix]          list keys under prefix
  rm <key>             delete key
  rmall <prefix>       delete every key under prefix
  mv <src> <dst>       move a value
  stat <key>           show value metadata

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err == gnuflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "astocli: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and runs one command against the storage they
// describe.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var (
		configPath string
		rootPath   string
		debug      bool
	)
	f := gnuflag.NewFlagSet("astocli", gnuflag.ContinueOnError)
	f.SetOutput(stderr)
	f.Usage = func() {
		fmt.Fprint(stderr, usage)
		f.PrintDefaults()
	}
	f.StringVar(&configPath, "config", "", "storage config file (YAML)")
	f.StringVar(&rootPath, "path", "", "root directory of a file storage")
	f.BoolVar(&debug, "debug", false, "log storage internals")
	if err := f.Parse(false, args); err != nil {
		return err
	}
	if err := setupLogging(stderr, debug); err != nil {
		return errors.Trace(err)
	}

	if f.NArg() == 0 {
		f.Usage()
		return errors.New("no command given")
	}
	cfg, err := storageConfig(configPath, rootPath)
	if err != nil {
		return errors.Trace(err)
	}
	s, err := storage.New(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("using %s", s.Identifier())

	cmd, rest := f.Arg(0), f.Args()[1:]
	switch cmd {
	case "put":
		return put(ctx, s, rest, stdin)
	case "get":
		return get(ctx, s, rest, stdout)
	case "ls":
		return list(ctx, s, rest, stdout)
	case "rm":
		if len(rest) != 1 {
			return errors.New("usage: rm <key>")
		}
		return s.Delete(ctx, storage.NewKey(rest[0]))
	case "rmall":
		if len(rest) != 1 {
			return errors.New("usage: rmall <prefix>")
		}
		return s.DeleteAll(ctx, storage.NewKey(rest[0]))
	case "mv":
		if len(rest) != 2 {
			return errors.New("usage: mv <src> <dst>")
		}
		return s.Move(ctx, storage.NewKey(rest[0]), storage.NewKey(rest[1]))
	case "stat":
		return stat(ctx, s, rest, stdout)
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}

func setupLogging(w io.Writer, debug bool) error {
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(w, loggo.DefaultFormatter)); err != nil {
		return err
	}
	level := "WARNING"
	if debug {
		level = "DEBUG"
	}
	return loggo.ConfigureLoggers("<root>=" + level)
}

func storageConfig(configPath, rootPath string) (storage.Config, error) {
	switch {
	case configPath != "" && rootPath != "":
		return storage.Config{}, errors.New("--config and --path are mutually exclusive")
	case configPath != "":
		return storage.LoadConfig(configPath)
	case rootPath != "":
		return storage.Config{Type: storage.TypeFS, Path: rootPath}, nil
	default:
		return storage.Config{}, errors.New("one of --config or --path is required")
	}
}

func put(ctx context.Context, s storage.Storage, args []string, stdin io.Reader) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: put <key> [file]")
	}
	key := storage.NewKey(args[0])

	content := storage.NewContent(io.NopCloser(stdin), storage.UnknownSize)
	if len(args) == 2 && args[1] != "-" {
		file, err := os.Open(args[1])
		if err != nil {
			return errors.Trace(err)
		}
		fi, err := file.Stat()
		if err != nil {
			file.Close()
			return errors.Trace(err)
		}
		content = storage.NewContent(file, fi.Size())
	}
	defer content.Close()

	// Writers sharing the storage see either the old or the new value
	return s.Exclusively(ctx, key, func(ctx context.Context, s storage.Storage) error {
		return s.Save(ctx, key, content)
	})
}

func get(ctx context.Context, s storage.Storage, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	c, err := s.Value(ctx, storage.NewKey(args[0]))
	if err != nil {
		return errors.Trace(err)
	}
	rc, err := c.Open()
	if err != nil {
		return errors.Trace(err)
	}
	defer rc.Close()
	_, err = io.Copy(stdout, rc)
	return errors.Trace(err)
}

func list(ctx context.Context, s storage.Storage, args []string, stdout io.Writer) error {
	if len(args) > 1 {
		return errors.New("usage: ls [prefix]")
	}
	prefix := storage.Root
	if len(args) == 1 {
		prefix = storage.NewKey(args[0])
	}
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return errors.Trace(err)
	}
	for _, k := range keys {
		fmt.Fprintln(stdout, k.String())
	}
	return nil
}

func stat(ctx context.Context, s storage.Storage, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: stat <key>")
	}
	key := storage.NewKey(args[0])
	meta, err := s.Metadata(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}

	fmt.Fprintf(stdout, "%-8s %s\n", "key:", key.String())
	if n, ok := meta.Size(); ok {
		fmt.Fprintf(stdout, "%-8s %s (%s bytes)\n", "size:", humanize.IBytes(uint64(n)), humanize.Comma(n))
	}
	for _, f := range []storage.MetaField[time.Time]{storage.MetaCreatedAt, storage.MetaUpdatedAt, storage.MetaAccessedAt} {
		if t, ok := storage.ReadMeta(meta, f); ok {
			label := strings.TrimSuffix(f.Name(), "-at") + ":"
			fmt.Fprintf(stdout, "%-8s %s (%s)\n", label, t.Format(time.RFC3339), humanize.Time(t))
		}
	}
	return nil
}
