package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/common"
)

// Recovery turns a panic into the JSON error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Recovery] panic request_id=%s path=%s err=%v\n%s",
					c.GetString(RequestIDKey), c.Request.URL.Path, r, debug.Stack())
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.AbortFail(c, http.StatusInternalServerError, 50000, "internal server error")
			}
		}()
		c.Next()
	}
}
