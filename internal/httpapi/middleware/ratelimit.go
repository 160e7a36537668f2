package middleware

import (
	"context"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/ratelimit"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit runs after AuthRequired and throttles per user and route. When
// the limiter backend is unavailable requests are let through.
func RateLimit(l Limiter, route string, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		uid, _ := UserID(c)
		d, err := l.Allow(c.Request.Context(), ratelimit.Key(route, uid))
		if err != nil {
			log.Printf("[RateLimit] limiter unavailable, allowing uid=%d route=%s err=%v", uid, route, err)
			c.Next()
			return
		}
		if !d.Allowed {
			m.RateLimit(route)
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
			common.AbortFail(c, http.StatusTooManyRequests, 42900, common.ErrRateLimited.Error())
			return
		}
		c.Next()
	}
}
