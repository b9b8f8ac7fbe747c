package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Organization resolves the organization a request reads: the
// organization_id query parameter, else the one named by the bearer token,
// else defaultOrg.
func Organization(defaultOrg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenOrg := c.GetString("token_organization")
		org := c.Query("organization_id")

		switch {
		case org != "" && tokenOrg != "" && org != tokenOrg:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token is not valid for this organization"})
			return
		case org == "" && tokenOrg != "":
			org = tokenOrg
		case org == "":
			org = defaultOrg
		}
		if org == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
			return
		}

		c.Set("organization_id", org)
		c.Next()
	}
}
