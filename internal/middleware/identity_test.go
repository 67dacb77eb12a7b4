package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestBuyerIdentity(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name      string
		auth      string
		header    string
		wantCode  int
		wantBuyer string
	}{
		{"token subject", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u42", "exp": exp}), "", http.StatusOK, "u42"},
		{"token wins over header", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u42", "exp": exp}), "u7", http.StatusOK, "u42"},
		{"header only", "", " u7 ", http.StatusOK, "u7"},
		{"anonymous", "", "", http.StatusOK, ""},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "u42", "exp": exp}), "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u42", "exp": time.Now().Add(-time.Minute).Unix()}), "", http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"exp": exp}), "", http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-token", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.GET("/whoami", func(c echo.Context) error {
				return c.String(http.StatusOK, BuyerID(c))
			}, BuyerIdentity(testSecret))

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.auth != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.auth)
			}
			if tt.header != "" {
				req.Header.Set(BuyerHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantBuyer, rec.Body.String())
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_token", body["code"])
		})
	}
}
