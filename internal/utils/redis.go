// 包 utils：环境变量读取与外部连接（Redis / PostgreSQL）工具
package utils

import (
	"subregion-map/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedisFromEnv：从环境变量打开 Redis 客户端，支持 REDIS_DB 选择
// 约束：REDIS_ENABLED 不为 true 时返回 nil，命中测试仅使用进程内缓存
func OpenRedisFromEnv() *redis.Client {
	if !EnvBool("REDIS_ENABLED", false) {
		return nil
	}
	addr := EnvString("REDIS_HOST", "127.0.0.1") + ":" + EnvString("REDIS_PORT", "6379")
	db := EnvInt("REDIS_DB", 0)
	if db < 0 {
		db = 0
	}
	logger.L().Debug("redis_env", "addr", addr, "db", db)
	return redis.NewClient(&redis.Options{Addr: addr, Password: EnvString("REDIS_PASS", ""), DB: db})
}
