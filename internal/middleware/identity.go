package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// BuyerKey is the echo.Context key holding the resolved buyer id.
const BuyerKey = "user_id"

// BuyerHeader carries the buyer id when no bearer token is sent.
const BuyerHeader = "X-Buyer-ID"

// BuyerIdentity resolves the buyer for every request.  A bearer token is
// verified with HS256 against secret and its sub claim becomes the buyer
// id; an invalid token is rejected with 401.  Without a token the
// X-Buyer-ID header is used.  When neither is present the context key is
// left unset and handlers decide whether a buyer is required.
func BuyerIdentity(secret string) echo.MiddlewareFunc {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, echo.ErrUnauthorized
		}
		return []byte(secret), nil
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if raw, ok := strings.CutPrefix(auth, "Bearer "); ok {
				tok, err := jwt.Parse(raw, keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
				if err != nil || !tok.Valid {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token", "code": "invalid_token"})
				}
				sub, err := tok.Claims.GetSubject()
				if err != nil || sub == "" {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token has no subject", "code": "invalid_token"})
				}
				c.Set(BuyerKey, sub)
				return next(c)
			}
			if id := strings.TrimSpace(c.Request().Header.Get(BuyerHeader)); id != "" {
				c.Set(BuyerKey, id)
			}
			return next(c)
		}
	}
}

// BuyerID returns the buyer resolved by BuyerIdentity or "".
func BuyerID(c echo.Context) string {
	if s, ok := c.Get(BuyerKey).(string); ok {
		return s
	}
	return ""
}
