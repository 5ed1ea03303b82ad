package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"litecoord/internal/shared"
)

// statusFor сопоставляет класс ошибки с HTTP статусом.
func statusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict, shared.KindProtocol:
		return http.StatusConflict
	case shared.KindBusy, shared.KindUnavailable, shared.KindClosed:
		return http.StatusServiceUnavailable
	case shared.KindTimeout, shared.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if shared.IsRetryable(err) {
		c.Header("Retry-After", "1")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorView{Error: err.Error(), Kind: shared.KindOf(err).String()})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return strconv.Itoa(max(secs, 1))
}
