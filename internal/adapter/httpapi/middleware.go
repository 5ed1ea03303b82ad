package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"litecoord/internal/shared"
)

// RateLimiter ограничивает частоту запросов с одного адреса.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	rate time.Duration
	now  func() time.Time
}

// NewRateLimiter создаёт ограничитель: не чаще одного запроса за rate.
func NewRateLimiter(rate time.Duration) *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), rate: rate, now: time.Now}
}

// Allow возвращает false, если клиент превысил лимит.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if t, ok := r.last[key]; ok && now.Sub(t) < r.rate {
		return false
	}
	// старые записи больше не влияют на решение
	for k, t := range r.last {
		if now.Sub(t) >= r.rate {
			delete(r.last, k)
		}
	}
	r.last[key] = now
	return true
}

// Middleware отвечает 429, если лимит превышен.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.rate > 0 && !r.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfterSeconds(r.rate))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorView{Error: "too many requests", Kind: shared.KindBusy.String()})
			return
		}
		c.Next()
	}
}

// RequireToken пропускает только запросы с "Authorization: Bearer <token>".
// Пустой token отключает проверку.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorView{Error: "unauthorized", Kind: shared.KindValidation.String()})
			return
		}
		c.Next()
	}
}

// RequestLogger пишет каждый запрос в slog.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(started)),
		)
	}
}
