package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWalk(t *testing.T) {
	before := testutil.ToFloat64(walksTotal.WithLabelValues("published"))
	RecordWalk("published", 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(walksTotal.WithLabelValues("published")))
}

func TestSetSnapshot(t *testing.T) {
	SetSnapshot(7, 42)
	assert.Equal(t, float64(7), testutil.ToFloat64(snapshotEntries))
	assert.Equal(t, float64(42), testutil.ToFloat64(snapshotGeneration))
}

func TestSetTimerRunning(t *testing.T) {
	SetTimerRunning(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(timerRunning))
	SetTimerRunning(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(timerRunning))
}

func TestRecordMutationStatus(t *testing.T) {
	ok := testutil.ToFloat64(mutationsTotal.WithLabelValues("create_directory", "success"))
	failed := testutil.ToFloat64(mutationsTotal.WithLabelValues("create_directory", "error"))

	RecordMutation("create_directory", true)
	RecordMutation("create_directory", false)

	assert.Equal(t, ok+1, testutil.ToFloat64(mutationsTotal.WithLabelValues("create_directory", "success")))
	assert.Equal(t, failed+1, testutil.ToFloat64(mutationsTotal.WithLabelValues("create_directory", "error")))
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /items/{id}", "418"))
	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /items/{id}", "418")))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")), float64(1))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordNotification("tick")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `treemirror_notifications_total{trigger="tick"}`))
}
