package revgeo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"subregion-map/internal/logger"
)

// 文档注释：Redis 二级缓存
// 背景：多个会话共享同一数据集，热点单元的候选要素跨会话复用；键带数据集版本前缀，换数据后自然失效。
// 约束：Redis 不可用时静默降级为未命中，不影响命中测试结果。
type RedisCache struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rc *redis.Client, datasetVersion string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{rc: rc, prefix: "revgeo:cand:" + datasetVersion + ":", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, k string) ([]string, bool) {
	if c == nil || c.rc == nil {
		return nil, false
	}
	s, err := c.rc.Get(ctx, c.prefix+k).Result()
	if err != nil {
		if err != redis.Nil {
			logger.L().Debug("revgeo_redis_get_error", "err", err)
		}
		return nil, false
	}
	var names []string
	if err := json.Unmarshal([]byte(s), &names); err != nil {
		return nil, false
	}
	return names, true
}

func (c *RedisCache) Set(ctx context.Context, k string, names []string) {
	if c == nil || c.rc == nil {
		return
	}
	if names == nil {
		names = []string{}
	}
	b, _ := json.Marshal(names)
	if err := c.rc.Set(ctx, c.prefix+k, string(b), c.ttl).Err(); err != nil {
		logger.L().Debug("revgeo_redis_set_error", "err", err)
	}
}
