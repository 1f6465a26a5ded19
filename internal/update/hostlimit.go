package update

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter はホストごとのリクエストレートを制限する。
type hostLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// newHostLimiter はhostLimiterを生成する。limitが0以下なら制限しない。
func newHostLimiter(limit rate.Limit, burst int) *hostLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Wait はrawURLのホストへのリクエストが許可されるまで待つ。
func (h *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	return h.limiter(hostKey(rawURL)).Wait(ctx)
}

func (h *hostLimiter) limiter(host string) *rate.Limiter {
	h.mu.RLock()
	l, ok := h.limiters[host]
	h.mu.RUnlock()
	if ok {
		return l
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[host]; ok {
		return l
	}
	l = rate.NewLimiter(h.limit, h.burst)
	h.limiters[host] = l
	return l
}

func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
