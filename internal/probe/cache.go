// SPDX-License-Identifier: MIT

package probe

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/guidepipe/guidepipe/internal/log"
)

const defaultCacheTTL = 10 * time.Minute

// Cache stores probe results with a TTL so a URL shared by several discovery
// sources is only probed once per window. Entries expire on their own;
// nothing ever invalidates them early. Transient failures never enter the
// cache in the first place (see cacheable in probe.go).
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenCache opens (or creates) the probe cache at dir. An empty dir opens an
// in-memory cache, which tests and one-shot runs use.
func OpenCache(dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open probe cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Get returns the cached result for url, if present and unexpired.
func (c *Cache) Get(url string) (Result, bool) {
	var res Result
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &res)
		})
	})
	return res, err == nil
}

// Put stores res under url. Cache write failures are logged and swallowed;
// a probe result is never lost over them.
func (c *Cache) Put(url string, res Result) {
	val, err := json.Marshal(res)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(cacheKey(url), val).WithTTL(c.ttl))
	})
	if err != nil {
		logger := log.WithComponent("probe")
		logger.Warn().
			Str("event", "probe.cache.write_failed").
			Err(err).
			Msg("probe cache write failed")
	}
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(url string) []byte {
	return []byte("probe\x00" + url)
}
