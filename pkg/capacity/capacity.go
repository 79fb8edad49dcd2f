// Package capacity implements the Capacity Monitor: a single cluster-wide
// leader polls every registered Storage Element at an adaptive interval and
// publishes capacity records plus two sorted indices to a shared registry.
package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/strata/pkg/domain"
)

const (
	recordTTL   = 120 * time.Second
	rwIndexKey  = "capacity:rw:available"
	editIndexKey = "capacity:edit:available"
)

// Poller fetches the current capacity of one Storage Element by calling its
// /api/v1/capacity endpoint. Implementations wrap an *http.Client in
// production; tests supply a fake.
type Poller interface {
	Poll(ctx context.Context, se domain.StorageElement) (domain.CapacityRecord, error)
}

// ElementLister returns the current fleet to poll. Backed by Admin's
// storage element registration table.
type ElementLister interface {
	ListStorageElements(ctx context.Context) ([]domain.StorageElement, error)
}

// Registry is the shared-registry write surface the Monitor needs: one hash
// per element (the record) and two sorted sets (the mode indices).
type Registry struct {
	rdb *redis.Client
}

// NewRegistry wraps a Redis client as a capacity Registry.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func recordKey(elementID string) string {
	return "capacity:record:" + elementID
}

// Write stores rec with a 120s TTL and updates the sorted index for its
// mode, keyed by IndexScore so the selector can fetch the best candidate
// with a single range read.
func (r *Registry) Write(ctx context.Context, rec domain.CapacityRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("capacity: marshaling record: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(rec.ElementID), payload, recordTTL)

	indexKey := indexKeyForMode(rec.Mode)
	if indexKey != "" {
		if rec.Health == domain.HealthHealthy {
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: rec.IndexScore(), Member: rec.ElementID})
		} else {
			pipe.ZRem(ctx, indexKey, rec.ElementID)
		}
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("capacity: writing record: %w", err)
	}
	return nil
}

// Invalidate removes elementID from both sorted indices, forcing the
// selector to skip it until the next successful poll re-adds it. Used when
// an SE returns 507 mid-upload.
func (r *Registry) Invalidate(ctx context.Context, elementID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, rwIndexKey, elementID)
	pipe.ZRem(ctx, editIndexKey, elementID)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the cached record for elementID, if present and not expired.
func (r *Registry) Get(ctx context.Context, elementID string) (domain.CapacityRecord, bool, error) {
	raw, err := r.rdb.Get(ctx, recordKey(elementID)).Bytes()
	if err == redis.Nil {
		return domain.CapacityRecord{}, false, nil
	}
	if err != nil {
		return domain.CapacityRecord{}, false, fmt.Errorf("capacity: reading record: %w", err)
	}
	var rec domain.CapacityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.CapacityRecord{}, false, fmt.Errorf("capacity: decoding record: %w", err)
	}
	return rec, true, nil
}

// BestCandidates returns up to limit element IDs from the given mode's
// sorted index, lowest priority value first and, within a priority, most
// available bytes first. The priority tier is read back from the IndexScore
// as score/1e9, so an available figure of 1e9 bytes or more ranks the
// element in a later tier.
func (r *Registry) BestCandidates(ctx context.Context, mode domain.Mode, limit int64) ([]string, error) {
	key := indexKeyForMode(mode)
	if key == "" {
		return nil, fmt.Errorf("capacity: no index for mode %s", mode)
	}
	zs, err := r.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(zs, func(i, j int) bool {
		ti, tj := int64(zs[i].Score/1e9), int64(zs[j].Score/1e9)
		return ti < tj || (ti == tj && zs[i].Score > zs[j].Score)
	})
	ids := make([]string, 0, len(zs))
	for i := 0; i < len(zs) && int64(i) < limit; i++ {
		ids = append(ids, zs[i].Member.(string))
	}
	return ids, nil
}

func indexKeyForMode(mode domain.Mode) string {
	switch mode {
	case domain.ModeRW:
		return rwIndexKey
	case domain.ModeEdit:
		return editIndexKey
	default:
		return ""
	}
}
