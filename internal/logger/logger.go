package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// Logger records decoded readings to CSV files with automatic rotation.
// It is a wmr.Handler; register it on the session's registry.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     *zap.Logger
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000 // ~2 days of live packets

var csvHeader = []string{
	"time", "received", "kind", "sensor_id",
	"wind_dir", "wind_gust_ms", "wind_avg_ms", "wind_chill",
	"rain_rate_mm", "rain_hour_mm", "rain_24h_mm", "rain_total_mm",
	"uvi",
	"pressure_hpa", "alt_pressure_hpa", "forecast",
	"temp_c", "dew_point_c", "humidity_pct", "heat_index",
	"wind_bat", "temp_bat", "rain_bat", "uv_bat",
	"wind_sensor", "temp_sensor", "rain_sensor", "uv_sensor", "rtc_signal",
}

// New creates a new Logger.
func New(cfg Config, log *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/wmrd"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log.Named("logger"),
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// HandleReading writes one row per weather reading. Connection meta
// readings are not recorded.
func (l *Logger) HandleReading(r wmr.Reading) {
	if r.Kind == wmr.KindMeta {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	if err := l.writer.Write(buildRow(now, r)); err != nil {
		l.log.Error("write failed", zap.Error(err))
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("wmr200_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("opened file", zap.String("path", path))
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(received time.Time, r wmr.Reading) []string {
	row := make([]string, len(csvHeader))

	row[0] = r.Time.Format(time.RFC3339)
	row[1] = received.Format(time.RFC3339Nano)
	row[2] = r.Kind.String()

	if w := r.Wind; w != nil {
		row[4] = w.Dir
		row[5] = fmt.Sprintf("%.1f", w.GustSpeed)
		row[6] = fmt.Sprintf("%.1f", w.AvgSpeed)
		row[7] = fmt.Sprintf("%.0f", w.Chill)
	}
	if rn := r.Rain; rn != nil {
		row[8] = fmt.Sprintf("%.2f", rn.Rate)
		row[9] = fmt.Sprintf("%.2f", rn.AccumHour)
		row[10] = fmt.Sprintf("%.2f", rn.Accum24h)
		row[11] = fmt.Sprintf("%.2f", rn.AccumTotal)
	}
	if u := r.UVI; u != nil {
		row[12] = strconv.Itoa(u.Index)
	}
	if b := r.Baro; b != nil {
		row[13] = strconv.Itoa(b.Pressure)
		row[14] = strconv.Itoa(b.AltPressure)
		row[15] = b.Forecast
	}
	if t := r.Temp; t != nil {
		row[3] = strconv.Itoa(t.SensorID)
		row[16] = fmt.Sprintf("%.1f", t.Temp)
		row[17] = fmt.Sprintf("%.1f", t.DewPoint)
		row[18] = strconv.Itoa(t.Humidity)
		row[19] = strconv.Itoa(t.HeatIndex)
	}
	if s := r.Status; s != nil {
		row[20] = s.WindBat
		row[21] = s.TempBat
		row[22] = s.RainBat
		row[23] = s.UVBat
		row[24] = s.WindSensor
		row[25] = s.TempSensor
		row[26] = s.RainSensor
		row[27] = s.UVSensor
		row[28] = s.RTCSignalLevel
	}

	return row
}
