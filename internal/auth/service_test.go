package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret")

	t.Run("round trip", func(t *testing.T) {
		signed, err := svc.IssueToken("owner", []string{PermAdmin}, time.Hour)
		require.NoError(t, err)

		claims, err := svc.Validate(signed)
		require.NoError(t, err)
		assert.Equal(t, "owner", claims.Subject)
		assert.True(t, claims.HasPerm(PermAdmin))
		assert.False(t, claims.HasPerm("withdraw"))
	})

	t.Run("expired token", func(t *testing.T) {
		signed, err := svc.IssueToken("owner", []string{PermAdmin}, -time.Minute)
		require.NoError(t, err)

		_, err = svc.Validate(signed)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService("other-secret")
		signed, err := other.IssueToken("owner", []string{PermAdmin}, time.Hour)
		require.NoError(t, err)

		_, err = svc.Validate(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.Validate("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService("test-secret")

	router := gin.New()
	router.GET("/admin", svc.Middleware(PermAdmin), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("valid admin token passes", func(t *testing.T) {
		signed, err := svc.IssueToken("owner", []string{PermAdmin}, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, do("Bearer "+signed).Code)
	})

	t.Run("missing header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("").Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("Token abc").Code)
	})

	t.Run("token without the permission", func(t *testing.T) {
		signed, err := svc.IssueToken("reader", []string{"read"}, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, do("Bearer "+signed).Code)
	})
}
