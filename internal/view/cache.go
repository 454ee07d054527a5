package view

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rpattn/pfasync/internal/domain"
)

// Cache memoizes merged views keyed by (record, mirror content, delta set
// hash). Merging is cheap, but list endpoints recompute the same views on
// every poll; the cache short-circuits that without ever serving a stale
// view, because any mirror or delta change changes the key. The mirror's
// field content is hashed directly rather than trusting its version number:
// a commit rewrites fields without bumping source_version.
type Cache struct {
	entries *lru.Cache[string, domain.PfaView]
}

// NewCache creates a view cache holding up to size entries.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 4096
	}
	entries, err := lru.New[string, domain.PfaView](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create view cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the memoized view for the key, if present.
func (c *Cache) Get(key string) (domain.PfaView, bool) {
	return c.entries.Get(key)
}

// Put stores a merged view under the key.
func (c *Cache) Put(key string, view domain.PfaView) {
	c.entries.Add(key, view)
}

// Key derives the memoization key for a mirror record and its applicable
// deltas. Field maps marshal with sorted keys, so equal content always
// hashes equally.
func Key(mirror domain.MirrorRecord, deltas []domain.Modification) string {
	hash := fnv.New64a()
	if encoded, err := json.Marshal(mirror.Fields); err == nil {
		hash.Write(encoded)
	}
	for _, delta := range deltas {
		fmt.Fprintf(hash, "%s|%s|%s|%d|", delta.SessionID, delta.State, delta.Reason, delta.CreatedAt.UnixNano())
		if encoded, err := json.Marshal(delta.Fields); err == nil {
			hash.Write(encoded)
		}
	}
	return fmt.Sprintf("%s:%d:%d:%x", mirror.ID, mirror.SourceVersion, mirror.SyncedAt.UnixNano(), hash.Sum64())
}
