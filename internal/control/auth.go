package control

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// basicAuth rejects requests without the configured user and a password
// matching hash. The hash is compared even for an unknown user so both
// failures take the same time.
func (s *Server) basicAuth(user string, hash []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, pass, ok := c.Request.BasicAuth()
		if ok {
			nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(user)) == 1
			passOK := bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
			if nameOK && passOK {
				c.Next()
				return
			}
			s.log.Warn("failed login", "user", name, "remote", c.ClientIP())
		}
		c.Header("WWW-Authenticate", `Basic realm="dvswitch"`)
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}
