package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/middleware/realip"
)

func logEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("LogsRequestFields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := Middleware(logger)(okHandler("hello"))

		req := httptest.NewRequest("GET", "/api/v1/ledger/supply", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "hello", rr.Body.String())

		entry := logEntry(t, &buf)
		assert.Equal(t, "request", entry["msg"])
		assert.Equal(t, "GET", entry["method"])
		assert.Equal(t, "/api/v1/ledger/supply", entry["path"])
		assert.Equal(t, float64(http.StatusOK), entry["status"])
		assert.Equal(t, float64(5), entry["bytes"])
		assert.Contains(t, entry, "duration")
		assert.Equal(t, "192.168.1.100", entry["client_ip"])
	})

	t.Run("LogsErrorStatus", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))

		req := httptest.NewRequest("POST", "/api/v1/ledger/transfer", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		entry := logEntry(t, &buf)
		assert.Equal(t, "POST", entry["method"])
		assert.Equal(t, float64(http.StatusConflict), entry["status"])
	})

	t.Run("DefaultStatus200", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := Middleware(logger)(okHandler("implicit status"))

		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "127.0.0.1:8080"
		handler.ServeHTTP(httptest.NewRecorder(), req)

		entry := logEntry(t, &buf)
		assert.Equal(t, float64(http.StatusOK), entry["status"])
	})

	t.Run("IncludesChiRequestID", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := middleware.RequestID(Middleware(logger)(okHandler("")))

		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "127.0.0.1:8080"
		handler.ServeHTTP(httptest.NewRecorder(), req)

		entry := logEntry(t, &buf)
		assert.NotEmpty(t, entry["request_id"])
	})

	t.Run("RequestIDFromContext", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := Middleware(logger)(okHandler(""))

		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "127.0.0.1:8080"
		ctx := context.WithValue(req.Context(), middleware.RequestIDKey, "req-42")
		handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

		entry := logEntry(t, &buf)
		assert.Equal(t, "req-42", entry["request_id"])
	})

	t.Run("ResolvedClientIP", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		resolver := realip.Middleware(realip.Config{
			TrustProxy:     true,
			TrustedProxies: []string{"10.0.0.0/8"},
		})
		handler := resolver(Middleware(logger)(okHandler("")))

		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.50")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		entry := logEntry(t, &buf)
		assert.Equal(t, "203.0.113.50", entry["client_ip"])
	})
}

func TestResponseWriter(t *testing.T) {
	t.Run("FirstWriteHeaderWins", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

		rw.WriteHeader(http.StatusNotFound)
		assert.Equal(t, http.StatusNotFound, rw.status)
		assert.True(t, rw.wroteHeader)

		rw.WriteHeader(http.StatusOK)
		assert.Equal(t, http.StatusNotFound, rw.status)
	})

	t.Run("WriteAccumulatesBytes", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

		n, err := rw.Write([]byte("test"))
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.True(t, rw.wroteHeader)

		_, err = rw.Write([]byte("more"))
		require.NoError(t, err)
		assert.Equal(t, 8, rw.bytes)
	})

	t.Run("Unwrap", func(t *testing.T) {
		rr := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rr, status: http.StatusOK}
		assert.Equal(t, rr, rw.Unwrap())
	})
}
