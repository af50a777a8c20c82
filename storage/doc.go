// Package storage provides a key addressed blob store with
// interchangeable backends.
//
// Values are addressed by a Key, a path of non-empty segments joined by
// "/". Every backend implements Storage: existence checks, atomic saves,
// streaming reads, prefix listing, moves, deletes, metadata, and
// per-key exclusive execution. The backends are MemoryStorage,
// FileStorage and BenchmarkStorage, and CompressedStorage wraps any of
// them. New builds one from a Config.
//
// # FileStorage Disk Layout
//
// A FileStorage keeps one file per key under its root:
//
//	path/to/root/
//	├── .asto/
//	│   ├── tmp/
//	│   │   ├── {{ BASE }}.tmp.{{ UUID }}
//	│   ├── locks/
//	│   │   ├── {{ KEY_UUID }}.lock
//	├── {{ KEY_SEGMENT }}/
//	│   ├── {{ KEY_SEGMENT }}
//
// Where in the above, BASE is the file name a save will rename its
// temporary file onto, and KEY_UUID is the name based UUID of a locked
// key. Each lock file holds a JSON record of its owner and lease.
//
// The .asto directory is reserved; keys may not address it and List
// never returns it.
//
// Done
package storage
