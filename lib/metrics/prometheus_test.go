package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	mr := NewMetricsRegistry()
	require.NotNil(t, mr)
	require.NotNil(t, mr.registry)
	require.NotNil(t, mr.pendingRequests)
}

func TestHTTPMiddleware(t *testing.T) {
	mr := NewMetricsRegistry()

	handler := mr.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test response"))
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test response", w.Body.String())
}

func TestHTTPMiddlewareWithChiRouter(t *testing.T) {
	mr := NewMetricsRegistry()

	r := chi.NewRouter()
	r.Use(mr.HTTPMiddleware)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("user data"))
	})

	req := httptest.NewRequest("GET", "/api/users/123", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	assert.Equal(t, http.StatusNotFound, rw.statusCode)

	data := []byte("test data")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, len(data), rw.bytesWritten)
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "UUID replacement",
			input:    "/api/users/550e8400-e29b-41d4-a716-446655440000/profile",
			expected: "/api/users/{id}/profile",
		},
		{
			name:     "Numeric ID replacement",
			input:    "/api/users/12345/posts",
			expected: "/api/users/{id}/posts",
		},
		{
			name:     "No replacement needed",
			input:    "/api/users/profile",
			expected: "/api/users/profile",
		},
		{
			name:     "Multiple IDs",
			input:    "/api/users/123/posts/456",
			expected: "/api/users/{id}/posts/{id}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizePath(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestAgentConnectionMetrics(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordAgentConnection("agent-1", true)
	mr.RecordAgentConnection("agent-1", false)
	mr.RecordAgentDisconnection("agent-1")
	mr.RecordAgentOperation("agent-1", "reconcile", 100*time.Millisecond, true)
	mr.RecordAgentOperation("agent-1", "reconcile", 200*time.Millisecond, false)
	mr.RecordAgentError("agent-1", "malformed_envelope")
}

func TestAgentOperationTimer(t *testing.T) {
	mr := NewMetricsRegistry()

	done := mr.AgentOperationTimer("agent-1", "drain")
	time.Sleep(10 * time.Millisecond)
	done(true)

	done = mr.AgentOperationTimer("agent-1", "drain")
	time.Sleep(5 * time.Millisecond)
	done(false)
}

func TestBufferedRequestMetrics(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordRequestAdmitted("req-1")
	assert.Equal(t, float64(1), testutil.ToFloat64(mr.bufferedRequestsGauge))

	mr.RecordRequestAdmitted("req-2")
	assert.Equal(t, float64(2), testutil.ToFloat64(mr.bufferedRequestsGauge))

	time.Sleep(10 * time.Millisecond)
	mr.RecordRequestResolved("req-1", "dispatched")
	assert.Equal(t, float64(1), testutil.ToFloat64(mr.bufferedRequestsGauge))

	mr.RecordRequestResolved("req-2", "timed_out")
	assert.Equal(t, float64(0), testutil.ToFloat64(mr.bufferedRequestsGauge))

	// Resolving a request not being tracked should not panic or double-decrement.
	mr.RecordRequestResolved("non-existent", "rejected")
	assert.Equal(t, float64(0), testutil.ToFloat64(mr.bufferedRequestsGauge))
}

func TestDatabaseMetrics(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordDBQuery("SELECT", 50*time.Millisecond, nil)
	mr.RecordDBQuery("INSERT", 100*time.Millisecond, errors.New("constraint violation"))

	mr.RecordDBConnection(5, nil)
	mr.RecordDBConnection(5, errors.New("connection failed"))
}

func TestDBQueryTimer(t *testing.T) {
	mr := NewMetricsRegistry()

	done := mr.DBQueryTimer("SELECT")
	time.Sleep(10 * time.Millisecond)
	done(nil)

	done = mr.DBQueryTimer("UPDATE")
	time.Sleep(5 * time.Millisecond)
	done(errors.New("update failed"))
}

func TestCacheMetrics(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordCacheHit("embedding-cache")
	mr.RecordCacheMiss("embedding-cache")
	assert.Equal(t, float64(1), testutil.ToFloat64(mr.cacheHitsTotal.WithLabelValues("embedding-cache")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mr.cacheMissesTotal.WithLabelValues("embedding-cache")))

	mr.RecordCacheOperation("embedding-cache", "get", 1*time.Millisecond)
	mr.RecordCacheOperation("embedding-cache", "set", 2*time.Millisecond)
}

func TestCacheOperationTimer(t *testing.T) {
	mr := NewMetricsRegistry()

	done := mr.CacheOperationTimer("embedding-cache", "get")
	time.Sleep(5 * time.Millisecond)
	done()
}

func TestSystemMetrics(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.UpdateSystemMetrics(100, 1024*1024, 2048*1024)
	mr.UpdateSystemMetrics(120, 1024*1024*2, 2048*1024*2)
}

func TestHTTPHandler(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordRequestAdmitted("req-1")
	mr.RecordCacheHit("test-cache")

	handler := mr.HTTPHandler()
	require.NotNil(t, handler)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "buffered_requests_count")
	assert.Contains(t, body, "cache_hits_total")
}

func TestJSONHandler(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordRequestAdmitted("req-1")
	mr.RecordCacheHit("test-cache")

	handler := mr.JSONHandler()
	require.NotNil(t, handler)

	req := httptest.NewRequest("GET", "/metrics/json", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	body := w.Body.String()
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "metrics")
}

func TestContextHelpers(t *testing.T) {
	mr := NewMetricsRegistry()
	ctx := context.Background()

	ctx = WithMetrics(ctx, mr)

	retrieved := FromContext(ctx)
	assert.NotNil(t, retrieved)
	assert.Equal(t, mr, retrieved)

	emptyCtx := context.Background()
	retrieved = FromContext(emptyCtx)
	assert.Nil(t, retrieved)
}

func TestHTTPHandlerIntegration(t *testing.T) {
	mr := NewMetricsRegistry()

	r := chi.NewRouter()
	r.Use(mr.HTTPMiddleware)

	r.Get("/api/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"users": []}`))
	})

	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"user": {"id": "123"}}`))
	})

	r.Post("/api/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"user": {"id": "456"}}`))
	})

	r.Get("/metrics", mr.HTTPHandler().ServeHTTP)
	r.Get("/metrics/json", mr.JSONHandler())

	testCases := []struct {
		method string
		path   string
		status int
	}{
		{"GET", "/api/users", http.StatusOK},
		{"GET", "/api/users/123", http.StatusOK},
		{"POST", "/api/users", http.StatusCreated},
		{"GET", "/api/users/456", http.StatusOK},
	}

	for _, tc := range testCases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, "http_request_duration_seconds")
}

func BenchmarkHTTPMiddleware(b *testing.B) {
	mr := NewMetricsRegistry()

	handler := mr.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkRecordAgentOperation(b *testing.B) {
	mr := NewMetricsRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mr.RecordAgentOperation("agent-1", "reconcile", 10*time.Millisecond, true)
	}
}

func BenchmarkRecordCacheHit(b *testing.B) {
	mr := NewMetricsRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mr.RecordCacheHit("test-cache")
	}
}

func TestMetricsEndpointFormat(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordRequestAdmitted("req-1")
	mr.RecordCacheHit("embedding-cache")
	mr.RecordCacheMiss("embedding-cache")
	mr.RecordAgentConnection("agent-1", true)
	mr.RecordDBQuery("SELECT", 50*time.Millisecond, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mr.HTTPHandler().ServeHTTP(w, req)

	body := w.Body.String()

	assert.Contains(t, body, "# HELP buffered_requests_count")
	assert.Contains(t, body, "# TYPE buffered_requests_count gauge")
	assert.Contains(t, body, "buffered_requests_count 1")

	assert.Contains(t, body, "# HELP cache_hits_total")
	assert.Contains(t, body, "# TYPE cache_hits_total counter")
	assert.Contains(t, body, `cache_hits_total{cache_name="embedding-cache"} 1`)

	assert.Contains(t, body, "# HELP agent_connections_active")
	assert.Contains(t, body, "# TYPE agent_connections_active gauge")
}

func TestConcurrentMetrics(t *testing.T) {
	mr := NewMetricsRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			requestID := "req-" + string(rune(id))
			mr.RecordRequestAdmitted(requestID)
			time.Sleep(10 * time.Millisecond)
			mr.RecordRequestResolved(requestID, "dispatched")
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, float64(0), testutil.ToFloat64(mr.bufferedRequestsGauge))
}

func TestMetricsExport(t *testing.T) {
	mr := NewMetricsRegistry()

	mr.RecordRequestAdmitted("req-1")
	mr.RecordCacheHit("cache-1")
	mr.RecordAgentConnection("agent-1", true)

	promReq := httptest.NewRequest("GET", "/metrics", nil)
	promW := httptest.NewRecorder()
	mr.HTTPHandler().ServeHTTP(promW, promReq)

	promBody, err := io.ReadAll(promW.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, promBody)
	assert.Contains(t, string(promBody), "buffered_requests_count")

	jsonReq := httptest.NewRequest("GET", "/metrics/json", nil)
	jsonW := httptest.NewRecorder()
	mr.JSONHandler().ServeHTTP(jsonW, jsonReq)

	jsonBody, err := io.ReadAll(jsonW.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, jsonBody)
	assert.True(t, strings.HasPrefix(jsonW.Header().Get("Content-Type"), "application/json"))
}
