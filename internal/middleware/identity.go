package middleware

// identity.go holds the context keys written by JWTAuth and the helpers that
// read them back.  Handlers and the rate limiter share these so the caller
// is identified the same way everywhere.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"
)

// HolderHeader carries the opaque hold session token between requests.
const HolderHeader = "X-Holder-Token"

// UserID returns the authenticated user id stored by JWTAuth.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(userIDKey).(uint64)
	return id, ok && id > 0
}

// parseUserID accepts the numeric or string forms a "sub" claim arrives in.
func parseUserID(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		if t >= 1 && t == float64(uint64(t)) {
			return uint64(t), true
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// identity returns a rate limit identity for the caller: the user id when
// authenticated, else the hold session token, else "guest".
func identity(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	if h := c.Request().Header.Get(HolderHeader); h != "" {
		return "holder-" + h
	}
	return "guest"
}
