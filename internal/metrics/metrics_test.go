package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(reservations.WithLabelValues("insufficient_stock"))
	TrackReservation("insufficient_stock")
	TrackReservation("insufficient_stock")
	assert.Equal(t, before+2, testutil.ToFloat64(reservations.WithLabelValues("insufficient_stock")))

	before = testutil.ToFloat64(storageConflicts)
	TrackStorageConflict()
	assert.Equal(t, before+1, testutil.ToFloat64(storageConflicts))
}

func TestHandlerExposesCollectors(t *testing.T) {
	TrackTransition("confirmed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `booking_transitions_total{status="confirmed"}`)
}
