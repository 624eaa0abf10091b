package wmr

import (
	"errors"
	"fmt"
)

// Transport moves raw HID frames to and from the console. Implementations
// live in internal/transport; the session only ever talks to this interface.
type Transport interface {
	// ReadFrame blocks until one frame is available and copies it into buf,
	// which is FrameSize bytes long. It returns ErrReadTimeout when nothing
	// arrived within the transport's poll window. A short read returns the
	// byte count together with a non-nil error.
	ReadFrame(buf []byte) (int, error)
	// WriteFrame sends one frame to the console.
	WriteFrame(buf []byte) (int, error)
	// Close releases the device.
	Close() error
}

var (
	ErrReadTimeout   = errors.New("wmr: frame read timed out")
	ErrClosed        = errors.New("wmr: transport closed")
	ErrShortPacket   = errors.New("wmr: packet too short")
	ErrUnknownSensor = errors.New("wmr: unknown temperature sensor")
	ErrUnknownPacket = errors.New("wmr: unknown packet type")
)

// CommandError reports a failed command write. The session cannot continue
// without device control, so it is always fatal.
type CommandError struct {
	Cmd byte
	N   int // bytes written
	Err error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wmr: cannot send 0x%02X command frame (wrote %d bytes): %v", e.Cmd, e.N, e.Err)
	}
	return fmt.Sprintf("wmr: cannot send 0x%02X command frame (wrote %d bytes)", e.Cmd, e.N)
}

func (e *CommandError) Unwrap() error { return e.Err }
