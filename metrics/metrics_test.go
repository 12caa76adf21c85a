package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsExposed(t *testing.T) {
	assert := assert.New(t)

	EventsIngested.WithLabelValues("http", "pour", "applied").Inc()
	TapVolume.WithLabelValues("7").Set(2500)
	NewTimer().ObserveDuration(ApplyDuration.WithLabelValues("pour"))

	assert.Equal(float64(2500), testutil.ToFloat64(TapVolume.WithLabelValues("7")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	assert.Nil(err)
	assert.True(strings.Contains(string(body), "kegwatch_events_ingested_total"))
	assert.True(strings.Contains(string(body), `kegwatch_tap_volume_available_ml{tap="7"} 2500`))
	assert.True(strings.Contains(string(body), "kegwatch_apply_duration_seconds_bucket"))
}
