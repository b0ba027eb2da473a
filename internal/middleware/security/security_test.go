package security

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func getPath(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestFilterMiddleware_BlocksScannerPaths(t *testing.T) {
	handler := FilterMiddleware(true)(okHandler())

	blocked := []string{
		"/wp-admin/index.php",
		"/wp-login.php",
		"/wp-content/uploads/",
		"/xmlrpc.php",
		"/.git/config",
		"/.env",
		"/.htaccess",
		"/phpmyadmin/",
		"/phpinfo.php",
		"/cgi-bin/script.cgi",
		"/shell.php",
		"/server-status",
	}

	for _, path := range blocked {
		rr := getPath(handler, path)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "path %s should be blocked", path)
	}
}

func TestFilterMiddleware_BlocksTraversal(t *testing.T) {
	handler := FilterMiddleware(true)(okHandler())

	blocked := []string{
		"/../../etc/passwd",
		"/files/../../../etc/passwd",
		"/foo%2e%2e/bar",
	}

	for _, path := range blocked {
		rr := getPath(handler, path)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "path %s should be blocked", path)
	}
}

func TestFilterMiddleware_CaseInsensitive(t *testing.T) {
	handler := FilterMiddleware(true)(okHandler())

	for _, path := range []string{"/WP-ADMIN/", "/Wp-Login.php", "/.GIT/config", "/.ENV"} {
		rr := getPath(handler, path)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "path %s should be blocked", path)
	}
}

func TestFilterMiddleware_AllowsAPITraffic(t *testing.T) {
	handler := FilterMiddleware(true)(okHandler())

	allowed := []string{
		"/",
		"/api/v1/ledger/supply",
		"/api/v1/market/datasets/123",
		"/api/v1/verification/quality/7",
		"/api/v1/events/?after=5",
	}

	for _, path := range allowed {
		rr := getPath(handler, path)
		assert.Equal(t, http.StatusOK, rr.Code, "path %s should pass", path)
	}
}

func TestFilterMiddleware_HealthChecksExempt(t *testing.T) {
	handler := FilterMiddleware(true)(okHandler())

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rr := getPath(handler, path)
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestFilterMiddleware_Disabled(t *testing.T) {
	handler := FilterMiddleware(false)(okHandler())

	for _, path := range []string{"/wp-admin/", "/.git/config", "/../etc/passwd"} {
		rr := getPath(handler, path)
		assert.Equal(t, http.StatusOK, rr.Code, "path %s should pass when disabled", path)
	}
}

func TestFilterMiddleware_ResponseFormat(t *testing.T) {
	handler := FilterMiddleware(true)(okHandler())

	rr := getPath(handler, "/wp-admin/")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "BAD_REQUEST", errObj["code"])
}

func TestMaxBodySizeMiddleware(t *testing.T) {
	readAll := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := MaxBodySizeMiddleware(1)(readAll)

	t.Run("SmallBody", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/market/datasets", bytes.NewReader([]byte(`{"name":"x"}`)))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("ExactLimit", func(t *testing.T) {
		body := strings.Repeat("x", 1024*1024)
		req := httptest.NewRequest("POST", "/api/v1/market/datasets", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("OverLimit", func(t *testing.T) {
		body := strings.Repeat("x", 2*1024*1024)
		req := httptest.NewRequest("POST", "/api/v1/market/datasets", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("NoBody", func(t *testing.T) {
		rr := getPath(handler, "/api/v1/ledger/supply")
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
