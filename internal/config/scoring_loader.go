package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/mswim"
	"github.com/avaplatform/ava/internal/persistence"
)

// ScoringLoader resolves scoring configs with a short-TTL in-process cache and
// an optional Redis second level shared across instances. Misses fall back
// site -> global -> built-in defaults; a persistence failure also serves
// defaults so evaluation never stalls on the config path.
type ScoringLoader struct {
	repo  persistence.ScoringConfigRepo
	redis *redis.Client // nil disables the L2
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	cfg     domain.ScoringConfig
	expires time.Time
}

var _ mswim.ConfigSource = (*ScoringLoader)(nil)

// NewScoringLoader creates a loader. rdb may be nil.
func NewScoringLoader(repo persistence.ScoringConfigRepo, rdb *redis.Client, ttl time.Duration) *ScoringLoader {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &ScoringLoader{
		repo:  repo,
		redis: rdb,
		ttl:   ttl,
		cache: make(map[string]cachedConfig),
	}
}

func cacheKey(siteURL, configID string) string {
	site := siteURL
	if site == "" {
		site = "global"
	}
	id := configID
	if id == "" {
		id = "active"
	}
	return site + ":" + id
}

// Load implements mswim.ConfigSource.
func (l *ScoringLoader) Load(ctx context.Context, siteURL, configID string) (domain.ScoringConfig, error) {
	key := cacheKey(siteURL, configID)

	l.mu.Lock()
	if c, ok := l.cache[key]; ok && time.Now().Before(c.expires) {
		l.mu.Unlock()
		return c.cfg, nil
	}
	l.mu.Unlock()

	if cfg, ok := l.loadL2(ctx, key); ok {
		l.store(key, cfg)
		return cfg, nil
	}

	cfg := l.resolve(ctx, siteURL, configID)
	l.store(key, cfg)
	l.storeL2(ctx, key, cfg)
	return cfg, nil
}

func (l *ScoringLoader) resolve(ctx context.Context, siteURL, configID string) domain.ScoringConfig {
	var (
		cfg *domain.ScoringConfig
		err error
	)
	if configID != "" {
		cfg, err = l.repo.GetByID(ctx, configID)
	} else {
		cfg, err = l.repo.GetActiveConfig(ctx, siteURL)
	}

	switch {
	case err == nil:
		return *cfg
	case errors.Is(err, persistence.ErrNotFound):
		// No stored config for this scope; defaults are the contract.
		return mswim.DefaultScoringConfig()
	default:
		log.Error().Err(err).
			Str("site", siteURL).
			Str("config_id", configID).
			Msg("scoring config load failed, serving defaults")
		return mswim.DefaultScoringConfig()
	}
}

func (l *ScoringLoader) store(key string, cfg domain.ScoringConfig) {
	l.mu.Lock()
	l.cache[key] = cachedConfig{cfg: cfg, expires: time.Now().Add(l.ttl)}
	l.mu.Unlock()
}

func (l *ScoringLoader) loadL2(ctx context.Context, key string) (domain.ScoringConfig, bool) {
	if l.redis == nil {
		return domain.ScoringConfig{}, false
	}
	raw, err := l.redis.Get(ctx, "ava:scfg:"+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("redis config read failed")
		}
		return domain.ScoringConfig{}, false
	}
	var cfg domain.ScoringConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis config entry corrupt, ignoring")
		return domain.ScoringConfig{}, false
	}
	return cfg, true
}

func (l *ScoringLoader) storeL2(ctx context.Context, key string, cfg domain.ScoringConfig) {
	if l.redis == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := l.redis.Set(ctx, "ava:scfg:"+key, raw, l.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis config write failed")
	}
}

// Invalidate drops every cached entry, both levels. Called after config
// mutations so activation takes effect within one request rather than one TTL.
func (l *ScoringLoader) Invalidate(ctx context.Context) {
	l.mu.Lock()
	l.cache = make(map[string]cachedConfig)
	l.mu.Unlock()

	if l.redis != nil {
		iter := l.redis.Scan(ctx, 0, "ava:scfg:*", 0).Iterator()
		for iter.Next(ctx) {
			if err := l.redis.Del(ctx, iter.Val()).Err(); err != nil {
				log.Warn().Err(err).Msg("redis config invalidation failed")
				return
			}
		}
		if err := iter.Err(); err != nil {
			log.Warn().Err(err).Msg("redis config scan failed")
		}
	}
}
