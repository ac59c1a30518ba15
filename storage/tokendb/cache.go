package tokendb

import (
	"encoding/json"
	"fmt"

	"jmzkchain/core/types"
)

// Cache is the typed shim above TokenDatabase: values deserialize once and
// are shared until the store invalidates them. The controller owns exactly
// one cache per database; rollbacks invalidate through the registered hooks.
type Cache struct {
	db      *TokenDatabase
	entries map[string]any
}

// NewCache wires a cache to the database's invalidation hooks.
func NewCache(db *TokenDatabase) *Cache {
	c := &Cache{db: db, entries: make(map[string]any)}
	db.SetCacheHooks(c.removeValue, c.rollbackValue)
	return c
}

// DB exposes the underlying store for untyped operations.
func (c *Cache) DB() *TokenDatabase { return c.db }

// removeValue drops a cached entry whose key a rollback erased.
func (c *Cache) removeValue(rawKey []byte) {
	delete(c.entries, string(rawKey))
}

// rollbackValue drops a cached entry whose key a rollback restored to an
// older image; the next read re-deserializes.
func (c *Cache) rollbackValue(rawKey []byte) {
	delete(c.entries, string(rawKey))
}

func (c *Cache) rawKey(t TokenType, domain *types.Name128, key Key) ([]byte, error) {
	prefix, err := c.db.resolvePrefix(t, domain)
	if err != nil {
		return nil, err
	}
	return tokenRawKey(prefix, key), nil
}

// ReadToken reads and deserializes a value, sharing the cached copy on
// repeat reads. Returns ErrUnknownKey when absent.
func ReadToken[T any](c *Cache, t TokenType, domain *types.Name128, key Key) (*T, error) {
	raw, err := c.rawKey(t, domain, key)
	if err != nil {
		return nil, err
	}
	if cached, ok := c.entries[string(raw)]; ok {
		if v, ok := cached.(*T); ok {
			return v, nil
		}
	}
	data, err := c.db.ReadToken(t, domain, key, false)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: decode %T: %v", ErrEngine, v, err)
	}
	c.entries[string(raw)] = v
	return v, nil
}

// ReadTokenNoThrow is ReadToken with (nil, nil) for missing keys.
func ReadTokenNoThrow[T any](c *Cache, t TokenType, domain *types.Name128, key Key) (*T, error) {
	v, err := ReadToken[T](c, t, domain, key)
	if err != nil {
		if ok, _ := c.db.ExistsToken(t, domain, key); !ok {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// PutToken serializes and writes a value, inserting it into the cache.
func PutToken[T any](c *Cache, t TokenType, op OpKind, domain *types.Name128, key Key, v *T) error {
	raw, err := c.rawKey(t, domain, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %T: %v", ErrEngine, v, err)
	}
	if err := c.db.PutToken(t, op, domain, key, data); err != nil {
		return err
	}
	c.entries[string(raw)] = v
	return nil
}
