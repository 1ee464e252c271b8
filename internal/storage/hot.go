package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/model"
)

// Key conventions for the hot store.
const (
	keyLatestPrefix = "latest:"
	keySeriesMeta   = "series:meta:"
	keyCycleLast    = "cycle:last"
	keyCorrelations = "correlations:"
)

// Cache is the narrow hot-store contract. Implementations are an in-process
// map or an external redis server.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

type memoryCache struct {
	mu sync.Mutex
	m  map[string]memEntry
}

type memEntry struct {
	b   []byte
	exp time.Time
}

// NewMemoryCache returns an in-process cache for deployments without redis.
func NewMemoryCache() Cache {
	return &memoryCache{m: make(map[string]memEntry)}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		delete(c.m, key)
		return nil, false
	}
	return e.b, true
}

func (c *memoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

func (c *memoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

type redisCache struct {
	r *redis.Client
}

// NewRedisCache wraps a redis client as the hot store backend.
func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{r: client}
}

// NewCache picks the redis backend when an address is configured, the
// in-process map otherwise.
func NewCache(redisAddr string) Cache {
	if redisAddr != "" {
		log.Info().Str("addr", redisAddr).Msg("Hot store using redis")
		return NewRedisCache(redis.NewClient(&redis.Options{Addr: redisAddr}))
	}
	log.Info().Msg("Hot store using in-process cache")
	return NewMemoryCache()
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := r.r.Set(ctx, key, val, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Hot store write failed")
	}
}

func (r *redisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = r.r.Del(ctx, key).Err()
}

// HotStore layers the key conventions and serialization over a Cache.
type HotStore struct {
	cache        Cache
	minLatestTTL time.Duration
}

// NewHotStore builds the typed hot-store facade.
func NewHotStore(cache Cache, minLatestTTL time.Duration) *HotStore {
	return &HotStore{cache: cache, minLatestTTL: minLatestTTL}
}

// Latest returns the cached latest observation for the series.
func (h *HotStore) Latest(ctx context.Context, seriesKey string) (*model.Observation, bool) {
	raw, ok := h.cache.Get(ctx, keyLatestPrefix+seriesKey)
	if !ok {
		return nil, false
	}
	var obs model.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		log.Warn().Err(err).Str("series", seriesKey).Msg("Corrupt latest entry dropped")
		h.cache.Delete(ctx, keyLatestPrefix+seriesKey)
		return nil, false
	}
	return &obs, true
}

// SetLatest updates the latest pointer iff the candidate's timestamp is
// strictly newer than the cached one. Callers serialize writers per series.
func (h *HotStore) SetLatest(ctx context.Context, obs *model.Observation, refreshPeriod time.Duration) bool {
	if current, ok := h.Latest(ctx, obs.SeriesKey); ok && !obs.Timestamp.After(current.Timestamp) {
		return false
	}
	ttl := 2 * refreshPeriod
	if ttl < h.minLatestTTL {
		ttl = h.minLatestTTL
	}
	raw, err := json.Marshal(obs)
	if err != nil {
		log.Error().Err(err).Str("series", obs.SeriesKey).Msg("Failed to encode latest observation")
		return false
	}
	h.cache.Set(ctx, keyLatestPrefix+obs.SeriesKey, raw, ttl)
	return true
}

// SeriesMeta caches a descriptor snapshot with no expiry.
type SeriesMeta struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Unit     string `json:"unit,omitempty"`
	Category string `json:"category"`
}

// SetSeriesMeta stores the descriptor snapshot for dashboard lookups.
func (h *HotStore) SetSeriesMeta(ctx context.Context, meta SeriesMeta) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	h.cache.Set(ctx, keySeriesMeta+meta.Key, raw, 0)
}

// GetSeriesMeta returns the cached descriptor snapshot.
func (h *HotStore) GetSeriesMeta(ctx context.Context, key string) (*SeriesMeta, bool) {
	raw, ok := h.cache.Get(ctx, keySeriesMeta+key)
	if !ok {
		return nil, false
	}
	var meta SeriesMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false
	}
	return &meta, true
}

// SetCycleReport persists the last cycle report for one hour.
func (h *HotStore) SetCycleReport(ctx context.Context, report *model.CycleReport) {
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	h.cache.Set(ctx, keyCycleLast, raw, time.Hour)
}

// CycleReport returns the last persisted cycle report.
func (h *HotStore) CycleReport(ctx context.Context) (*model.CycleReport, bool) {
	raw, ok := h.cache.Get(ctx, keyCycleLast)
	if !ok {
		return nil, false
	}
	var report model.CycleReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false
	}
	return &report, true
}

// SetCorrelations caches a computed correlation snapshot for one hour.
func (h *HotStore) SetCorrelations(ctx context.Context, window string, raw []byte) {
	h.cache.Set(ctx, keyCorrelations+window, raw, time.Hour)
}

// Correlations returns the cached snapshot for the window, if any.
func (h *HotStore) Correlations(ctx context.Context, window string) ([]byte, bool) {
	return h.cache.Get(ctx, keyCorrelations+window)
}
