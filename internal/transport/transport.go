// Package transport provides the byte pipes a wmr.Session runs over: the
// Linux hidraw device the console enumerates as, a serial port for
// USB-serial bridges and captured-stream replay, and a simulated console.
package transport

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// Config selects and configures a transport.
type Config struct {
	Type string `yaml:"type" json:"type"` // "hidraw", "serial" or "demo"
	// Path is the device node. Empty autodetects a hidraw node.
	Path     string `yaml:"path" json:"path"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// ReadTimeout bounds a single read so cancellation is noticed.
	ReadTimeout int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	VendorID    uint16 `yaml:"vendor_id" json:"vendorId"`
	ProductID   uint16 `yaml:"product_id" json:"productId"`
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.ReadTimeout) * time.Millisecond
}

// Open opens the transport named by cfg.Type.
func Open(cfg Config, log *zap.Logger) (wmr.Transport, error) {
	switch cfg.Type {
	case "hidraw", "":
		return OpenHIDRaw(cfg, log)
	case "serial":
		return OpenSerial(cfg, log)
	case "demo":
		return NewDemo(DemoConfig{}), nil
	default:
		return nil, fmt.Errorf("transport: unknown type %q", cfg.Type)
	}
}
