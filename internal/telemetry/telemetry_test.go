package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveTask(t *testing.T) {
	ObserveTask("kb_price", "success", "", 120*time.Millisecond)
	val := testutil.ToFloat64(tasksTotal.WithLabelValues("kb_price", "success", "none"))
	require.GreaterOrEqual(t, val, float64(1))
}

func TestObserveRunAndItems(t *testing.T) {
	ObserveRun("partial", 42*time.Second)
	ObserveItems("molit_tx", 7)
	ObserveItems("molit_tx", 0) // no-op

	val := testutil.ToFloat64(itemsCollectedTotal.WithLabelValues("molit_tx"))
	require.GreaterOrEqual(t, val, float64(7))
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/7")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	require.GreaterOrEqual(t, val, float64(1))
}
