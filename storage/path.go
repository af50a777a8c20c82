package storage

import (
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

// SystemDir is the directory under a file storage root that holds
// temporary files and lock sentinels. Keys may not address it.
const SystemDir = ".asto"

// resolvePath maps key to a path under root without touching the
// filesystem. It fails with InvalidKey if a segment is "." or "..",
// if the path would leave root, or if it would enter the system
// directory. Root resolves to root itself.
func resolvePath(root string, key Key) (string, error) {
	for _, part := range key.parts {
		// Dot segments would store the value under another key's name
		if part == "." || part == ".." {
			return "", errors.NotValidf("key %q segment %q", key.String(), part)
		}
		if strings.ContainsRune(part, filepath.Separator) || strings.ContainsRune(part, 0) {
			return "", errors.NotValidf("key %q segment %q", key.String(), part)
		}
	}

	p := filepath.Join(root, filepath.FromSlash(key.String()))
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", errors.NotValidf("key %q under %q", key.String(), root)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NotValidf("key %q escapes root", key.String())
	}

	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	if first == SystemDir {
		return "", errors.NotValidf("key %q in reserved directory", key.String())
	}
	return p, nil
}

// resolveFile is resolvePath for keys that must name a file, which
// Root never does.
func resolveFile(op, root string, key Key) (string, error) {
	if err := checkValueKey(op, key); err != nil {
		return "", err
	}
	return resolvePath(root, key)
}
