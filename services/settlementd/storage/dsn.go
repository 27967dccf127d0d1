package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// sqlitePragmas tune the on-disk store for a single-writer daemon: WAL so
// query traffic can read while a sweep writes, a busy timeout so lease
// contention does not surface as SQLITE_BUSY, and enforced foreign keys.
var sqlitePragmas = []string{
	"mode=rwc",
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_foreign_keys=on",
}

// FileDSN builds the SQLite DSN for a state file path.
func FileDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve state path %q: %w", path, err)
	}
	return fmt.Sprintf("file:%s?%s", abs, strings.Join(sqlitePragmas, "&")), nil
}
