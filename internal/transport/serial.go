package transport

import (
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// Serial carries console frames over a serial line, 8 bytes per frame.
// Useful behind USB-serial bridges and for replaying a captured stream
// through a pty.
type Serial struct {
	path     string
	baudRate int
	log      *zap.Logger

	mu   sync.Mutex
	port serial.Port

	// frame holds a partly received frame across read timeouts.
	frame [wmr.FrameSize]byte
	got   int
}

// OpenSerial opens the port at cfg.Path (8N1).
func OpenSerial(cfg Config, log *zap.Logger) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Path == "" {
		return nil, errors.New("serial: no port path configured")
	}
	log = log.Named("serial")

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.Path, err)
	}
	if err := port.SetReadTimeout(cfg.readTimeout()); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Warn("cannot reset input buffer", zap.Error(err))
	}

	log.Info("opened port", zap.String("path", cfg.Path), zap.Int("baud", cfg.BaudRate))
	return &Serial{path: cfg.Path, baudRate: cfg.BaudRate, log: log, port: port}, nil
}

func (s *Serial) getPort() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, wmr.ErrClosed
	}
	return s.port, nil
}

// ReadFrame collects one full frame. A timeout is ErrReadTimeout; bytes
// already received are kept and the next call completes the same frame, so
// a stall never shifts the frame boundary.
func (s *Serial) ReadFrame(buf []byte) (int, error) {
	port, err := s.getPort()
	if err != nil {
		return 0, err
	}
	for s.got < len(s.frame) {
		n, err := port.Read(s.frame[s.got:])
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
			s.got = 0
			return 0, fmt.Errorf("serial: read: %w: %w", wmr.ErrClosed, err)
		}
		if err != nil {
			s.got = 0
			return 0, fmt.Errorf("serial: read: %w", err)
		}
		if n == 0 {
			if s.got > 0 {
				s.log.Debug("frame stalled", zap.Int("got", s.got))
			}
			return 0, wmr.ErrReadTimeout
		}
		s.got += n
	}
	s.got = 0
	return copy(buf, s.frame[:]), nil
}

func (s *Serial) WriteFrame(buf []byte) (int, error) {
	port, err := s.getPort()
	if err != nil {
		return 0, err
	}
	n, err := port.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serial: write failed: %w", err)
	}
	return n, nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.log.Info("closed port", zap.String("path", s.path))
	return err
}
