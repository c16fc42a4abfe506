// 包 middleware：会话升级入口的限流
package middleware

import (
	"net/http"
	"sync"
	"time"

	"subregion-map/internal/logger"
	"subregion-map/internal/utils"
)

// 文档注释：令牌桶限流（每秒）
// 背景：每个 websocket 会话都会创建视图与图层；在连接峰值时对升级请求限速，避免会话装配压垮进程。
// 约束：简化实现，不做队列排队，仅丢弃并返回 429；桶在每个自然秒开始时补满。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	mu       sync.Mutex
	now      func() time.Time
}

func NewTokenBucket(qps int) *TokenBucket {
	return &TokenBucket{capacity: qps, tokens: qps, lastSec: time.Now().Unix(), now: time.Now}
}

func (tb *TokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limit：按令牌桶放行请求
func (tb *TokenBucket) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tb.allow() {
			logger.L().Debug("ratelimit_drop", "path", r.URL.Path, "ip", utils.VisitorIP(r))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FromEnv：RATE_LIMIT_ENABLED=true 时按 RATE_LIMIT_QPS（默认 200）构建限流中间件；未启用时返回 nil
func FromEnv() func(http.Handler) http.Handler {
	if !utils.EnvBool("RATE_LIMIT_ENABLED", false) {
		return nil
	}
	qps := utils.EnvInt("RATE_LIMIT_QPS", 200)
	if qps <= 0 {
		qps = 200
	}
	logger.L().Info("ratelimit_enabled", "qps", qps)
	return NewTokenBucket(qps).Limit
}
