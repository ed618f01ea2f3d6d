// Package cache keeps small API lookups on disk between CLI runs.
//
// Cache files are JSON, scoped per key, server URL and account ID. Default
// TTL is 5 minutes. Disable with CRMSYNC_NO_CACHE=1.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const DefaultTTL = 5 * time.Minute

type entry struct {
	CachedAt time.Time       `json:"cached_at"`
	Value    json.RawMessage `json:"value"`
}

// Store reads and writes a single cache key (key+server+account).
type Store struct {
	path string
	ttl  time.Duration
}

// NewStore creates a Store with the default TTL in dir.
func NewStore(dir, key, baseURL string, accountID int) *Store {
	return NewStoreWithTTL(dir, key, baseURL, accountID, DefaultTTL)
}

// NewStoreWithTTL creates a Store with a custom TTL.
func NewStoreWithTTL(dir, key, baseURL string, accountID int, ttl time.Duration) *Store {
	hash := sha1.Sum([]byte(strings.TrimRight(baseURL, "/")))
	filename := fmt.Sprintf("%s_%s_%d.json", sanitizeKey(key), hex.EncodeToString(hash[:6]), accountID)
	return &Store{path: filepath.Join(dir, filename), ttl: ttl}
}

// Get loads the cached value into dst. It returns false on a miss: no file,
// expired, unreadable or disabled.
func (s *Store) Get(dst any) bool {
	if disabled() {
		return false
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return false
	}
	if time.Since(e.CachedAt) > s.ttl {
		return false
	}
	return json.Unmarshal(e.Value, dst) == nil
}

// Put writes value to the cache. Errors are ignored.
func (s *Store) Put(value any) {
	if disabled() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	data, err := json.Marshal(entry{CachedAt: time.Now(), Value: raw})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return
	}
	_ = os.Rename(tmp, s.path)
}

// Clear removes this cache file.
func (s *Store) Clear() {
	_ = os.Remove(s.path)
}

// ClearAll removes every cache file in dir. Files not matching the cache
// naming scheme are left alone.
func ClearAll(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && isCacheFilename(e.Name()) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// DefaultDir returns "$XDG_CACHE_HOME/crmsync" or the platform equivalent.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "crmsync"), nil
}

func disabled() bool {
	return os.Getenv("CRMSYNC_NO_CACHE") != ""
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "cache"
	}
	return strings.NewReplacer("/", "-", "\\", "-", "_", "-").Replace(key)
}

// isCacheFilename matches "<key>_<12hex>_<account>.json".
func isCacheFilename(name string) bool {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return false
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 || parts[0] == "" || len(parts[1]) != 12 {
		return false
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return false
	}
	_, err := strconv.Atoi(parts[2])
	return err == nil
}
