package download

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/strata/pkg/domain"
)

const (
	inProcessCacheSize = 1000
	inProcessTTL       = 300 * time.Second
	registryTTL        = 1800 * time.Second
	redisKeyPrefix     = "strata:download:meta:"
)

// MetadataSource is the database fallback tier: Query's searchable cache,
// or Admin's File table directly, whichever the caller wires in.
type MetadataSource interface {
	GetFile(ctx context.Context, fileID uuid.UUID) (domain.File, error)
}

type lruEntry struct {
	file     domain.File
	cachedAt time.Time
}

// MetadataCache is the three-tier lookup the download path uses before ever
// hitting the database: in-process LRU (300s) → Redis (1800s) → source.
type MetadataCache struct {
	local *lru.Cache[uuid.UUID, lruEntry]
	rdb   *redis.Client
	src   MetadataSource
}

// NewMetadataCache builds a MetadataCache. rdb may be nil to skip the
// registry tier (falling through straight to src on an in-process miss).
func NewMetadataCache(rdb *redis.Client, src MetadataSource) (*MetadataCache, error) {
	local, err := lru.New[uuid.UUID, lruEntry](inProcessCacheSize)
	if err != nil {
		return nil, err
	}
	return &MetadataCache{local: local, rdb: rdb, src: src}, nil
}

// Lookup resolves fileID through all three tiers, populating faster tiers
// on a slower-tier hit.
func (c *MetadataCache) Lookup(ctx context.Context, fileID uuid.UUID) (domain.File, error) {
	if entry, ok := c.local.Get(fileID); ok && time.Since(entry.cachedAt) < inProcessTTL {
		return entry.file, nil
	}

	if c.rdb != nil {
		if file, ok := c.lookupRedis(ctx, fileID); ok {
			c.local.Add(fileID, lruEntry{file: file, cachedAt: time.Now()})
			return file, nil
		}
	}

	file, err := c.src.GetFile(ctx, fileID)
	if err != nil {
		return domain.File{}, err
	}
	c.local.Add(fileID, lruEntry{file: file, cachedAt: time.Now()})
	if c.rdb != nil {
		c.storeRedis(ctx, fileID, file)
	}
	return file, nil
}

// Invalidate drops fileID from both cache tiers, for callers that learn of
// a file:updated/file:deleted event ahead of its natural TTL expiry.
func (c *MetadataCache) Invalidate(ctx context.Context, fileID uuid.UUID) {
	c.local.Remove(fileID)
	if c.rdb != nil {
		c.rdb.Del(ctx, redisKeyPrefix+fileID.String())
	}
}

func (c *MetadataCache) lookupRedis(ctx context.Context, fileID uuid.UUID) (domain.File, bool) {
	data, err := c.rdb.Get(ctx, redisKeyPrefix+fileID.String()).Bytes()
	if err != nil {
		return domain.File{}, false
	}
	var file domain.File
	if err := json.Unmarshal(data, &file); err != nil {
		return domain.File{}, false
	}
	return file, true
}

func (c *MetadataCache) storeRedis(ctx context.Context, fileID uuid.UUID, file domain.File) {
	data, err := json.Marshal(file)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, redisKeyPrefix+fileID.String(), data, registryTTL)
}
