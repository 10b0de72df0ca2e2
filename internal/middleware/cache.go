package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of responses. Submissions and admin output must
// never be kept by an intermediary.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// PrivateCache lets the requesting browser alone keep a response for
// maxAgeSeconds. Used for test payloads, which never change once published.
func PrivateCache(maxAgeSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAgeSeconds))
		c.Next()
	}
}
