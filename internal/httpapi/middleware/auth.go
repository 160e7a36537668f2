package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/auth"
	"github.com/suPer8Hu/ragchat/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired rejects the request with 401 unless it carries a valid bearer
// token, and stores the user id under UserIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
