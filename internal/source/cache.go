package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"
)

const cacheExt = ".parquet"

// Cache stores parquet conversions of text files. Entries are keyed by the
// source's absolute path, size and modification time, so an edited file
// misses.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Key names the cache entry for a source file.
func (c *Cache) Key(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	fingerprint := abs + "\x00" + strconv.FormatInt(info.Size(), 10) + "\x00" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	return fmt.Sprintf("%s-%016x", SanitizeName(stem(abs)), xxhash.Sum64String(fingerprint)), nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+cacheExt)
}

// Ensure returns the cached parquet file for path, converting it with
// reader on a miss. Entries that fail verification are rebuilt.
func (c *Cache) Ensure(ctx context.Context, db *sql.DB, path, reader string) (string, bool, error) {
	key, err := c.Key(path)
	if err != nil {
		return "", false, fmt.Errorf("cache key: %w", err)
	}
	target := c.path(key)
	if _, err := VerifyParquet(target); err == nil {
		return target, true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(target)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, key+"-*.tmp")
	if err != nil {
		return "", false, fmt.Errorf("create cache file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	copySQL := fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET, COMPRESSION ZSTD)", reader, quoteString(tmpPath))
	if _, err := db.ExecContext(ctx, copySQL); err != nil {
		return "", false, fmt.Errorf("convert to parquet: %w", err)
	}
	if _, err := VerifyParquet(tmpPath); err != nil {
		return "", false, fmt.Errorf("verify converted parquet: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", false, fmt.Errorf("store cache entry: %w", err)
	}
	return target, false, nil
}

// Clear removes every cache entry and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, cacheExt) || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			return removed, fmt.Errorf("remove cache entry %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

// VerifyParquet opens path as a parquet file and returns its row count.
func VerifyParquet(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	file, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return file.NumRows(), nil
}
