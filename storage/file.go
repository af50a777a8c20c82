package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

// renameAttempts bounds how often a save or move recreates parent
// directories that a concurrent delete pruned before the rename landed.
const renameAttempts = 100

// FileConfig configures a FileStorage.
type FileConfig struct {
	Path            string         // Root directory; created if missing
	MaxConcurrentIO int            // Blocking calls in flight at once
	Lock            FileLockConfig // Cross-process lock settings
}

// FileStorage keeps one file per key under a root directory.
//
// Saves write to a temporary file in the system directory and rename
// it over the target, so readers see either the old or the new value
// and a crash leaves the previous value in place. Blocking calls run
// on a bounded pool.
type FileStorage struct {
	root   string
	sysDir string
	tmpDir string

	pool  *ioPool
	locks Locker
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage opens (creating if needed) a file storage at
// cfg.Path.
func NewFileStorage(cfg FileConfig) (*FileStorage, error) {
	if cfg.Path == "" {
		return nil, errors.NotValidf("empty file storage path")
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "resolving %q", cfg.Path)
	}

	sysDir := filepath.Join(root, SystemDir)
	tmpDir := filepath.Join(sysDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, errors.Annotatef(err, "creating %q", tmpDir)
	}
	locker, err := NewFileLocker(filepath.Join(sysDir, "locks"), cfg.Lock)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Done
	logger.Debugf("file storage opened at %s", root)
	return &FileStorage{
		root:   root,
		sysDir: sysDir,
		tmpDir: tmpDir,
		pool:   newIOPool(cfg.MaxConcurrentIO),
		locks:  ChainLockers(NewKeyMutex(), locker),
	}, nil
}

// Root returns the absolute root directory.
func (s *FileStorage) Root() string {
	return s.root
}

// Exists implements Storage.
func (s *FileStorage) Exists(ctx context.Context, key Key) (bool, error) {
	if key.IsRoot() {
		return false, nil
	}
	p, err := resolveFile("exists", s.root, key)
	if err != nil {
		return false, err
	}

	var found bool
	err = s.pool.do(ctx, func() error {
		fi, err := os.Stat(p)
		if isNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = fi.Mode().IsRegular()
		return nil
	})
	if err != nil {
		return false, ioFailure(err, "exists", key)
	}
	return found, nil
}

// Save implements Storage.
func (s *FileStorage) Save(ctx context.Context, key Key, content *Content) error {
	target, err := resolveFile("save", s.root, key)
	if err != nil {
		content.Close()
		return err
	}
	rc, err := content.Open()
	if err != nil {
		return errors.Annotatef(err, "save %q", key.String())
	}

	done, err := s.pool.submit(ctx, func() error {
		defer rc.Close()
		return s.write(ctx, target, rc)
	})
	if err != nil {
		rc.Close()
		return ioFailure(err, "save", key)
	}
	return ioFailure(wait(ctx, done), "save", key)
}

// write copies r into a temporary file and renames it onto target.
// The temporary file is gone when write returns.
func (s *FileStorage) write(ctx context.Context, target string, r io.Reader) error {
	name, err := tempName(filepath.Base(target))
	if err != nil {
		return errors.Trace(err)
	}
	tmp := filepath.Join(s.tmpDir, name)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			logger.Warningf("removing temp file %q: %v", tmp, err)
		}
	}()

	// Write and flush the data before it becomes visible...
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	if err := f.Close(); err != nil {
		return errors.Trace(err)
	}

	return s.rename(tmp, target)
}

// rename moves from onto to, creating the parents of to first. A
// delete in this or another process may prune those parents at any
// point, so both steps are retried while the source is still there.
func (s *FileStorage) rename(from, to string) error {
	var err error
	for attempt := 0; attempt < renameAttempts; attempt++ {
		// Make the parents, then move the file into place...
		err = os.MkdirAll(filepath.Dir(to), 0755)
		if err == nil {
			err = os.Rename(from, to)
		}
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return errors.Trace(err)
		}

		// A missing source cannot be fixed by trying again
		if _, serr := os.Lstat(from); serr != nil {
			return errors.Trace(err)
		}
		if attempt > 0 {
			logger.Tracef("rename onto %q raced a prune, attempt %d", to, attempt+1)
		}
	}
	return errors.Annotatef(err, "rename onto %q after %d attempts", to, renameAttempts)
}

type openResult struct {
	content *Content
	err     error
}

// Value implements Storage. The returned content holds an open file,
// which is closed once the content is read or closed.
func (s *FileStorage) Value(ctx context.Context, key Key) (*Content, error) {
	p, err := resolveFile("value", s.root, key)
	if err != nil {
		return nil, err
	}

	res := make(chan openResult, 1)
	if _, err := s.pool.submit(ctx, func() error {
		c, err := openFile(p, key)
		res <- openResult{content: c, err: err}
		return err
	}); err != nil {
		return nil, ioFailure(err, "value", key)
	}

	select {
	case r := <-res:
		if r.err != nil {
			return nil, ioFailure(r.err, "value", key)
		}
		return r.content, nil
	case <-ctx.Done():
		// Nobody will read the file; close it once it is open.
		go func() {
			if r := <-res; r.content != nil {
				r.content.Close()
			}
		}()
		return nil, errors.Trace(ctx.Err())
	}
}

func openFile(p string, key Key) (*Content, error) {
	f, err := os.Open(p)
	if isNotExist(err) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, notFound(key)
	}
	return NewContent(f, fi.Size()), nil
}

// List implements Storage. Keys match by string prefix, as in every
// other backend, so "x" lists "x/1" and "xy/1" alike. Only the
// directory holding the prefix's last segment is walked, and only
// subdirectories that can hold matching keys are entered.
func (s *FileStorage) List(ctx context.Context, prefix Key) ([]Key, error) {
	if _, err := resolvePath(s.root, prefix); err != nil {
		return nil, err
	}
	parent, _ := prefix.Parent()
	dir, err := resolvePath(s.root, parent)
	if err != nil {
		return nil, err
	}

	var keys []Key
	err = s.pool.do(ctx, func() error {
		var err error
		keys, err = s.walk(ctx, dir, prefix.String())
		return err
	})
	if err != nil {
		return nil, ioFailure(err, "list", prefix)
	}
	return keys, nil
}

func (s *FileStorage) walk(ctx context.Context, dir, prefix string) ([]Key, error) {
	keys := []Key{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Missing prefix, or a directory removed under our feet
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			if p == s.sysDir {
				return filepath.SkipDir
			}
			if p == dir {
				return nil
			}
			// Enter a directory if its keys can match, or if it lies
			// on the way to the prefix
			if strings.HasPrefix(name, prefix) || strings.HasPrefix(prefix, name+Delimiter) {
				return nil
			}
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() || !strings.HasPrefix(name, prefix) {
			return nil
		}
		keys = append(keys, NewKey(name))
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	SortKeys(keys)
	return keys, nil
}

// Move implements Storage.
func (s *FileStorage) Move(ctx context.Context, source, destination Key) error {
	src, err := resolveFile("move", s.root, source)
	if err != nil {
		return err
	}
	dst, err := resolveFile("move", s.root, destination)
	if err != nil {
		return err
	}

	err = s.pool.do(ctx, func() error {
		if err := checkFile(src, source); err != nil {
			return err
		}
		if src == dst {
			return nil
		}
		if err := s.rename(src, dst); err != nil {
			return err
		}
		s.prune(filepath.Dir(src))
		return nil
	})
	return ioFailure(err, "move", source)
}

// Delete implements Storage. Directories left empty are removed, up
// to but never including the root.
func (s *FileStorage) Delete(ctx context.Context, key Key) error {
	p, err := resolveFile("delete", s.root, key)
	if err != nil {
		return err
	}

	err = s.pool.do(ctx, func() error {
		if err := checkFile(p, key); err != nil {
			return err
		}
		if err := os.Remove(p); err != nil {
			if isNotExist(err) {
				return notFound(key)
			}
			return errors.Trace(err)
		}
		s.prune(filepath.Dir(p))
		return nil
	})
	return ioFailure(err, "delete", key)
}

// prune removes dir and its ancestors while they are empty.
func (s *FileStorage) prune(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		// Remove fails on a non-empty directory, which ends the walk
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// DeleteAll implements Storage.
func (s *FileStorage) DeleteAll(ctx context.Context, prefix Key) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return errors.Trace(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pool.size)
	for _, key := range keys {
		g.Go(func() error {
			err := s.Delete(gctx, key)
			if err != nil && !errors.Is(err, NotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Metadata implements Storage.
func (s *FileStorage) Metadata(ctx context.Context, key Key) (Meta, error) {
	p, err := resolveFile("metadata", s.root, key)
	if err != nil {
		return Meta{}, err
	}

	var meta Meta
	err = s.pool.do(ctx, func() error {
		fi, err := os.Stat(p)
		if isNotExist(err) {
			return notFound(key)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if !fi.Mode().IsRegular() {
			return notFound(key)
		}
		meta = WithField(NewMeta(fi.Size()), MetaUpdatedAt, fi.ModTime())
		return nil
	})
	if err != nil {
		return Meta{}, ioFailure(err, "metadata", key)
	}
	return meta, nil
}

// Exclusively implements Storage. Goroutines of this process queue on
// an in-memory lock; processes sharing the root coordinate through
// lock sentinels in the system directory.
func (s *FileStorage) Exclusively(ctx context.Context, key Key, op Operation) error {
	return exclusively(ctx, s.locks, s, key, op)
}

// Identifier implements Storage.
func (s *FileStorage) Identifier() string {
	return "FS: " + s.root
}

// checkFile fails with NotFound unless p is a regular file.
func checkFile(p string, key Key) error {
	fi, err := os.Stat(p)
	if isNotExist(err) {
		return notFound(key)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if !fi.Mode().IsRegular() {
		return notFound(key)
	}
	return nil
}

// isNotExist also treats a file standing where a directory was
// expected as absence.
func isNotExist(err error) bool {
	return err != nil && (errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR))
}
