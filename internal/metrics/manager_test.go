package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/autosave"
	"github.com/vaultgate/vaultgate/internal/config"
)

func scrape(t *testing.T, m Manager) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func newEnabled() Manager {
	return NewManager(config.MetricsConfig{Enable: true, Namespace: "test"})
}

func TestNewManager_Disabled(t *testing.T) {
	manager := NewManager(config.MetricsConfig{Enable: false})
	_, ok := manager.(*noopManager)
	assert.True(t, ok, "disabled manager should be noopManager")

	rec := httptest.NewRecorder()
	manager.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewManager_InitialStatus(t *testing.T) {
	body := scrape(t, newEnabled())
	assert.Contains(t, body, `test_autosave_status{status="idle"} 1`)
	assert.Contains(t, body, `test_autosave_status{status="saving"} 0`)
	assert.Contains(t, body, "go_goroutines")
}

func TestObserveFlush(t *testing.T) {
	m := newEnabled()
	m.ObserveFlush(3, 20*time.Millisecond, nil)
	m.ObserveFlush(1, 5*time.Millisecond, errors.New("boom"))

	body := scrape(t, m)
	assert.Contains(t, body, `test_autosave_flushes_total{result="success"} 1`)
	assert.Contains(t, body, `test_autosave_flushes_total{result="error"} 1`)
	assert.Contains(t, body, "test_autosave_flush_batch_size_sum 4")
}

func TestObserveStatus(t *testing.T) {
	m := newEnabled()
	m.ObserveStatus(autosave.StatusSaving)

	body := scrape(t, m)
	assert.Contains(t, body, `test_autosave_status{status="saving"} 1`)
	assert.Contains(t, body, `test_autosave_status{status="idle"} 0`)
}

func TestRecordSettingsUpdate(t *testing.T) {
	m := newEnabled()
	m.RecordSettingsUpdate(2, OutcomeSuccess)
	m.RecordSettingsUpdate(5, OutcomeInvalid)

	body := scrape(t, m)
	assert.Contains(t, body, `test_settings_updates_total{outcome="success"} 1`)
	assert.Contains(t, body, `test_settings_updates_total{outcome="invalid"} 1`)
	assert.Contains(t, body, "test_settings_update_batch_size_count 1")
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	m := newEnabled()

	router := mux.NewRouter()
	router.Use(m.Middleware())
	router.HandleFunc("/api/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)

	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/items/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	body := scrape(t, m)
	assert.Contains(t, body, `test_http_requests_total{method="GET",route="/api/v1/items/{id}",status="418"} 3`)
}
