package utils

import (
	"net"
	"net/http"
	"strings"
)

// 常见反向代理头，按优先级排列
var proxyHeaders = []string{
	"x-forwarded-for",
	"cf-connecting-ip",
	"x-real-ip",
	"x-client-ip",
	"x-edge-client-ip",
	"x-edgeone-ip",
}

// 文档注释：获取访问者 IP（用于 GeoIP 定位与限流）
// 背景：多层代理环境下，优先常见反向代理头，其次 Forwarded 的 for=，最后回退远端地址。
// 约束：头部存在伪造风险；部署于未经信任的代理链路需配合网关过滤。
func VisitorIP(r *http.Request) string {
	h := r.Header
	for _, k := range proxyHeaders {
		if x := h.Get(k); x != "" {
			return strings.TrimSpace(strings.Split(x, ",")[0])
		}
	}
	if x := h.Get("forwarded"); x != "" {
		i := strings.Index(strings.ToLower(x), "for=")
		if i >= 0 {
			y := x[i+4:]
			if p := strings.IndexByte(y, ';'); p >= 0 {
				y = y[:p]
			}
			if p := strings.IndexByte(y, ','); p >= 0 {
				y = y[:p]
			}
			y = strings.Trim(y, "\" ")
			return strings.Trim(y, "[]")
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
