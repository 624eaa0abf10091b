package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

func TestWeatherMetrics_HandleReading(t *testing.T) {
	m := NewWeatherMetrics(prometheus.NewRegistry())

	m.HandleReading(wmr.Reading{Kind: wmr.KindWind, Wind: &wmr.Wind{GustSpeed: 102.4, AvgSpeed: 5.4}})
	m.HandleReading(wmr.Reading{Kind: wmr.KindTemperature, Temp: &wmr.Temperature{SensorID: 1, Temp: -12.3, Humidity: 55}})
	m.HandleReading(wmr.Reading{Kind: wmr.KindTemperature, Temp: &wmr.Temperature{SensorID: 0, Temp: 21}})
	m.HandleReading(wmr.Reading{Kind: wmr.KindStatus, Status: &wmr.Status{
		WindBat: "low", TempBat: "ok", RainBat: "ok", UVBat: "ok",
		WindSensor: "ok", TempSensor: "failed", RainSensor: "ok", UVSensor: "ok",
	}})
	m.HandleReading(wmr.Reading{Kind: wmr.KindMeta, Meta: &wmr.ConnectionMeta{
		NumFrames: 40, NumPackets: 9, NumFailed: 1, Uptime: 90 * time.Second,
	}})

	assert.InDelta(t, 102.4, testutil.ToFloat64(m.WindGust), 1e-9)
	assert.InDelta(t, 5.4, testutil.ToFloat64(m.WindAvg), 1e-9)
	assert.InDelta(t, -12.3, testutil.ToFloat64(m.Temp.WithLabelValues("1")), 1e-9)
	assert.InDelta(t, 21.0, testutil.ToFloat64(m.Temp.WithLabelValues("0")), 1e-9)
	assert.Equal(t, 55.0, testutil.ToFloat64(m.Humidity.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BatteryOK.WithLabelValues("wind")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatteryOK.WithLabelValues("temp")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SensorOK.WithLabelValues("temp")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.Packets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failed))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.Uptime))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReadingsTotal.WithLabelValues("temp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadingsTotal.WithLabelValues("meta")))
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewWeatherMetrics(reg)
	m.HandleReading(wmr.Reading{Kind: wmr.KindUVIndex, UVI: &wmr.UVIndex{Index: 4}})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wmr_uv_index 4")
	assert.Contains(t, string(body), `wmr_readings_total{kind="uvi"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
