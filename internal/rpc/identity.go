package rpc

import "github.com/gin-gonic/gin"

const identityContextKey = "tokengate.identity"

// SetIdentity stores the resolved caller on the gin context; the auth
// middleware calls this once per request.
func SetIdentity(c *gin.Context, ident Identity) {
	c.Set(identityContextKey, ident)
}

// IdentityFrom reads the resolved caller; absent means anonymous.
func IdentityFrom(c *gin.Context) Identity {
	if v, ok := c.Get(identityContextKey); ok {
		if ident, ok := v.(Identity); ok {
			return ident
		}
	}
	return Identity{RemoteAddr: c.ClientIP()}
}
