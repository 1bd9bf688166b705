package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Ada",
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	var gotUser, gotName string
	h := Auth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
		gotName = GetDisplayName(r.Context())
	}))

	serve := func(header string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	t.Run("should accept a valid token", func(t *testing.T) {
		req := require.New(t)
		req.Equal(http.StatusOK, serve("Bearer "+sign(t, "secret", "u1", jwt.SigningMethodHS256)))
		req.Equal("u1", gotUser)
		req.Equal("Ada", gotName)
	})

	t.Run("should reject bad credentials", func(t *testing.T) {
		req := require.New(t)
		req.Equal(http.StatusUnauthorized, serve(""))
		req.Equal(http.StatusUnauthorized, serve("Basic abc"))
		req.Equal(http.StatusUnauthorized, serve("Bearer "+sign(t, "other", "u1", jwt.SigningMethodHS256)))
		req.Equal(http.StatusUnauthorized, serve("Bearer "+sign(t, "secret", "u1/evil", jwt.SigningMethodHS256)))
	})
}

func TestRequireIDParams(t *testing.T) {
	req := require.New(t)
	r := chi.NewRouter()
	r.With(RequireIDParams("id")).Get("/c/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/c/abc-123", nil))
	req.Equal(http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/c/a.b", nil))
	req.Equal(http.StatusBadRequest, rec.Code)
}
