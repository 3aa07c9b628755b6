package fileserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireAuth accepts the passcode as a bearer token, an auth query
// parameter, or an auth form field.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.checkPasscode(requestToken(c)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func requestToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := c.Query("auth"); token != "" {
		return token
	}
	if c.Request.Method == http.MethodPost {
		return c.PostForm("auth")
	}
	return ""
}

func (s *Server) checkPasscode(got string) bool {
	if got == "" || s.passcode == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.passcode)) == 1
}
