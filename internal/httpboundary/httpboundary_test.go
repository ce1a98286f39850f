package httpboundary

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/resource"
	"github.com/ciriscore/agentcore/internal/security"
	"github.com/ciriscore/agentcore/internal/statemachine"
)

type stubSource struct{}

func (stubSource) AgentState() statemachine.State { return statemachine.Work }

func (stubSource) ResourceSnapshot() resource.Snapshot {
	return resource.Snapshot{
		UsedPct:  map[resource.Class]float64{resource.ClassMemory: 42.5},
		Warnings: []string{"tokens"},
	}
}

func TestHealthIsRateLimitExempt(t *testing.T) {
	limiter := security.NewRateLimiter(3, time.Minute)
	b := New(zap.NewNop(), limiter, stubSource{})
	router := b.Router()

	// Far more requests than the bucket holds; health never consumes one.
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/system/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	// The same client still has its full budget on the status route.
	req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusIsRateLimited(t *testing.T) {
	limiter := security.NewRateLimiter(3, time.Minute)
	b := New(zap.NewNop(), limiter, stubSource{})
	router := b.Router()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d within budget", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrRateLimited, body.Error)
}

func TestStatusReportsStateAndResources(t *testing.T) {
	b := New(zap.NewNop(), nil, stubSource{})
	router := b.Router()

	req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "WORK", body.State)
	assert.Equal(t, 42.5, body.Resources["memory"])
	assert.Equal(t, []string{"tokens"}, body.Warnings)
}

func TestStatusWithoutSourceIsUnavailable(t *testing.T) {
	b := New(zap.NewNop(), nil, nil)
	router := b.Router()

	req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrServiceUnavailable, body.Error)
}
