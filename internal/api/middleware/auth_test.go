package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, sub string, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAuthAcceptsValidToken(t *testing.T) {
	pid := uuid.New()
	var got uuid.UUID
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipalID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, pid.String(), testSecret))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, pid, got)
}

func TestAuthRejectsBadCredentials(t *testing.T) {
	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage token":  "Bearer not.a.jwt",
		"wrong secret":   "Bearer " + signToken(t, uuid.NewString(), []byte("other-secret")),
		"non-uuid sub":   "Bearer " + signToken(t, "root", testSecret),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}
