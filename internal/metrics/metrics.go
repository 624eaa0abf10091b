// Package metrics exposes decoded weather readings and session counters
// as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// WeatherMetrics mirrors the latest readings into gauges. It is a
// wmr.Handler.
type WeatherMetrics struct {
	ReadingsTotal *prometheus.CounterVec // labels: kind
	Reconnects    prometheus.Counter

	WindGust  prometheus.Gauge
	WindAvg   prometheus.Gauge
	RainRate  prometheus.Gauge
	RainTotal prometheus.Gauge
	UVIndex   prometheus.Gauge
	Pressure  prometheus.Gauge
	Temp      *prometheus.GaugeVec // labels: sensor
	DewPoint  *prometheus.GaugeVec // labels: sensor
	Humidity  *prometheus.GaugeVec // labels: sensor
	BatteryOK *prometheus.GaugeVec // labels: sensor; 1 ok, 0 low
	SensorOK  *prometheus.GaugeVec // labels: sensor; 1 ok, 0 failed

	// Session counters, reset on reconnect.
	Frames  prometheus.Gauge
	Packets prometheus.Gauge
	Failed  prometheus.Gauge
	Uptime  prometheus.Gauge
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "wmr", Name: name, Help: help})
}

func gaugeVec(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "wmr", Name: name, Help: help}, []string{"sensor"})
}

// NewWeatherMetrics registers and returns the weather metrics.
func NewWeatherMetrics(reg prometheus.Registerer) *WeatherMetrics {
	m := &WeatherMetrics{
		ReadingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wmr",
			Name:      "readings_total",
			Help:      "Decoded readings by kind.",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wmr",
			Name:      "reconnects_total",
			Help:      "Sessions opened after the first.",
		}),

		WindGust:  gauge("wind_gust_meters_per_second", "Latest wind gust speed."),
		WindAvg:   gauge("wind_average_meters_per_second", "Latest average wind speed."),
		RainRate:  gauge("rain_rate_millimeters", "Latest rain rate."),
		RainTotal: gauge("rain_total_millimeters", "Rain accumulated since the console was reset."),
		UVIndex:   gauge("uv_index", "Latest UV index."),
		Pressure:  gauge("pressure_hectopascals", "Latest station pressure."),
		Temp:      gaugeVec("temperature_celsius", "Latest temperature per sensor."),
		DewPoint:  gaugeVec("dew_point_celsius", "Latest dew point per sensor."),
		Humidity:  gaugeVec("humidity_percent", "Latest relative humidity per sensor."),
		BatteryOK: gaugeVec("battery_ok", "Sensor battery level, 1 ok, 0 low."),
		SensorOK:  gaugeVec("sensor_ok", "Sensor link state, 1 ok, 0 failed."),

		Frames:  gauge("session_frames", "Frames read in the current session."),
		Packets: gauge("session_packets", "Valid packets in the current session."),
		Failed:  gauge("session_failed_packets", "Packets dropped on checksum in the current session."),
		Uptime:  gauge("session_uptime_seconds", "Age of the current session."),
	}
	reg.MustRegister(
		m.ReadingsTotal, m.Reconnects,
		m.WindGust, m.WindAvg, m.RainRate, m.RainTotal, m.UVIndex, m.Pressure,
		m.Temp, m.DewPoint, m.Humidity, m.BatteryOK, m.SensorOK,
		m.Frames, m.Packets, m.Failed, m.Uptime,
	)
	return m
}

func okValue(s string) float64 {
	if s == "ok" {
		return 1
	}
	return 0
}

// HandleReading updates the gauges for r.
func (m *WeatherMetrics) HandleReading(r wmr.Reading) {
	m.ReadingsTotal.WithLabelValues(r.Kind.String()).Inc()

	switch {
	case r.Wind != nil:
		m.WindGust.Set(r.Wind.GustSpeed)
		m.WindAvg.Set(r.Wind.AvgSpeed)
	case r.Rain != nil:
		m.RainRate.Set(r.Rain.Rate)
		m.RainTotal.Set(r.Rain.AccumTotal)
	case r.UVI != nil:
		m.UVIndex.Set(float64(r.UVI.Index))
	case r.Baro != nil:
		m.Pressure.Set(float64(r.Baro.Pressure))
	case r.Temp != nil:
		id := strconv.Itoa(r.Temp.SensorID)
		m.Temp.WithLabelValues(id).Set(r.Temp.Temp)
		m.DewPoint.WithLabelValues(id).Set(r.Temp.DewPoint)
		m.Humidity.WithLabelValues(id).Set(float64(r.Temp.Humidity))
	case r.Status != nil:
		s := r.Status
		m.BatteryOK.WithLabelValues("wind").Set(okValue(s.WindBat))
		m.BatteryOK.WithLabelValues("temp").Set(okValue(s.TempBat))
		m.BatteryOK.WithLabelValues("rain").Set(okValue(s.RainBat))
		m.BatteryOK.WithLabelValues("uv").Set(okValue(s.UVBat))
		m.SensorOK.WithLabelValues("wind").Set(okValue(s.WindSensor))
		m.SensorOK.WithLabelValues("temp").Set(okValue(s.TempSensor))
		m.SensorOK.WithLabelValues("rain").Set(okValue(s.RainSensor))
		m.SensorOK.WithLabelValues("uv").Set(okValue(s.UVSensor))
	case r.Meta != nil:
		m.Frames.Set(float64(r.Meta.NumFrames))
		m.Packets.Set(float64(r.Meta.NumPackets))
		m.Failed.Set(float64(r.Meta.NumFailed))
		m.Uptime.Set(r.Meta.Uptime.Seconds())
	}
}
