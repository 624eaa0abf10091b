package transport

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// sysClassHIDRaw is where the kernel lists hidraw nodes. Tests point it at
// a fake tree.
var sysClassHIDRaw = "/sys/class/hidraw"

// HIDRaw talks to the console through a Linux /dev/hidrawN node. Every
// read returns one 8-byte input report; every write sends one output report.
type HIDRaw struct {
	path    string
	timeout time.Duration
	log     *zap.Logger

	mu sync.Mutex
	f  *os.File
}

// OpenHIDRaw opens cfg.Path, or the first hidraw node whose HID_ID matches
// the configured vendor and product when no path is given.
func OpenHIDRaw(cfg Config, log *zap.Logger) (*HIDRaw, error) {
	if cfg.VendorID == 0 {
		cfg.VendorID = wmr.VendorID
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = wmr.ProductID
	}
	log = log.Named("hidraw")

	path := cfg.Path
	if path == "" {
		found, err := FindHIDRaw(cfg.VendorID, cfg.ProductID)
		if err != nil {
			return nil, err
		}
		path = found
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hidraw: failed to open %s: %w", path, err)
	}

	h := &HIDRaw{path: path, timeout: cfg.readTimeout(), log: log, f: f}
	if err := f.SetReadDeadline(time.Now().Add(h.timeout)); err != nil {
		// Not pollable: reads block until a report arrives.
		log.Warn("read deadlines unsupported, cancellation waits for the next report",
			zap.String("path", path), zap.Error(err))
		h.timeout = 0
	}
	log.Info("opened device", zap.String("path", path),
		zap.String("id", fmt.Sprintf("%04X:%04X", cfg.VendorID, cfg.ProductID)))
	return h, nil
}

// FindHIDRaw returns the /dev path of the first hidraw node whose uevent
// carries the given USB vendor and product id.
func FindHIDRaw(vendor, product uint16) (string, error) {
	entries, err := os.ReadDir(sysClassHIDRaw)
	if err != nil {
		return "", fmt.Errorf("hidraw: list %s: %w", sysClassHIDRaw, err)
	}
	want := fmt.Sprintf(":%08X:%08X", vendor, product)
	for _, e := range entries {
		id, err := readHIDID(filepath.Join(sysClassHIDRaw, e.Name(), "device", "uevent"))
		if err != nil {
			continue
		}
		if strings.HasSuffix(strings.ToUpper(id), want) {
			return filepath.Join("/dev", e.Name()), nil
		}
	}
	return "", fmt.Errorf("hidraw: no device %04X:%04X found", vendor, product)
}

// readHIDID extracts the HID_ID value (bus:vendor:product) from a uevent file.
func readHIDID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "HID_ID="); ok {
			return v, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no HID_ID")
}

func (h *HIDRaw) file() (*os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil, wmr.ErrClosed
	}
	return h.f, nil
}

// ReadFrame reads one input report.
func (h *HIDRaw) ReadFrame(buf []byte) (int, error) {
	f, err := h.file()
	if err != nil {
		return 0, err
	}
	if h.timeout > 0 {
		_ = f.SetReadDeadline(time.Now().Add(h.timeout))
	}
	n, err := f.Read(buf)
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return 0, wmr.ErrReadTimeout
	case errors.Is(err, syscall.EIO), errors.Is(err, syscall.ENODEV):
		// device unplugged
		return n, fmt.Errorf("hidraw: read: %w: %w", wmr.ErrClosed, err)
	case err != nil:
		return n, fmt.Errorf("hidraw: read: %w", err)
	case n != wmr.FrameSize:
		return n, fmt.Errorf("hidraw: short report: %d bytes", n)
	}
	return n, nil
}

// WriteFrame sends one output report.
func (h *HIDRaw) WriteFrame(buf []byte) (int, error) {
	f, err := h.file()
	if err != nil {
		return 0, err
	}
	n, err := f.Write(buf)
	if err != nil {
		return n, fmt.Errorf("hidraw: write: %w", err)
	}
	return n, nil
}

func (h *HIDRaw) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	h.log.Info("closed device", zap.String("path", h.path))
	return err
}
