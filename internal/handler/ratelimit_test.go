package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(0.001, 2, zap.NewNop())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	request := func(addr string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/user/login", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	require.Equal(t, http.StatusOK, request("10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, request("10.0.0.1:1001"))
	require.Equal(t, http.StatusTooManyRequests, request("10.0.0.1:1002"))
	// другой адрес считается отдельно
	require.Equal(t, http.StatusOK, request("10.0.0.2:1000"))

	rl.cleanup(time.Now().Add(time.Hour), 10*time.Minute)
	require.Empty(t, rl.limiters)
	require.Equal(t, http.StatusOK, request("10.0.0.1:1003"))
}
