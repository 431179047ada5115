package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscalia/internal/accountcontext"
)

const HeaderAccount = "X-Account-Id"

// AccountContext resolves the issuing account from the request header. Authentication
// happens upstream; this service only scopes data by account.
func AccountContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderAccount))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		accountID, err := snowflake.ParseString(raw)
		if err != nil || accountID <= 0 {
			AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account id"))
			return
		}

		ctx := accountcontext.WithAccountID(c.Request.Context(), accountID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
