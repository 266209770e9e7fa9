package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// recentEntries is the size of the in-memory front of the cache.
const recentEntries = 512

// Cache stores completion replies on disk keyed by model and conversation.
type Cache struct {
	db     *badger.DB
	recent *lru.Cache[string, string]
}

// OpenCache opens the cache at dir. An empty dir keeps the cache in memory.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}

	recent, err := lru.New[string, string](recentEntries)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create recent cache: %w", err)
	}

	return &Cache{db: db, recent: recent}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached reply for key.
func (c *Cache) Get(key string) (string, bool, error) {
	if v, ok := c.recent.Get(key); ok {
		return v, true, nil
	}

	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cache entry: %w", err)
	}

	c.recent.Add(key, string(value))
	return string(value), true, nil
}

// Put stores the reply for key.
func (c *Cache) Put(key, value string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	c.recent.Add(key, value)
	return nil
}

// CacheKey derives the cache key of a request sent to model.
func CacheKey(model string, req Request) string {
	payload, _ := json.Marshal(struct {
		Model       string    `json:"model"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		Messages    []Message `json:"messages"`
	}{model, req.Temperature, req.MaxTokens, req.Messages})

	sum := sha256.Sum256(payload)
	return "completion/" + hex.EncodeToString(sum[:])
}

// CachingCompleter serves repeated requests from a Cache.
type CachingCompleter struct {
	next   Completer
	cache  *Cache
	model  string
	logger *slog.Logger
}

// NewCachingCompleter wraps next. model must identify what next talks to.
func NewCachingCompleter(next Completer, cache *Cache, model string, logger *slog.Logger) *CachingCompleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingCompleter{next: next, cache: cache, model: model, logger: logger}
}

// Complete implements Completer.
func (c *CachingCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	key := CacheKey(c.model, req)

	content, ok, err := c.cache.Get(key)
	if err != nil {
		c.logger.Warn("Response cache lookup failed", "error", err)
	}
	if ok {
		return &Response{Content: content, Model: c.model, Cached: true}, nil
	}

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(key, resp.Content); err != nil {
		c.logger.Warn("Response cache write failed", "error", err)
	}
	return resp, nil
}
