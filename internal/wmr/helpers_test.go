package wmr

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeTransport replays queued frames and records writes. When the queue is
// empty it either reports io.EOF (eof=true) or a read timeout.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	short    map[int]int // frame index -> bytes reported read
	read     int
	writes   [][]byte
	failCmd  map[byte]bool
	failWake bool
	eof      bool
	closed   bool
}

func newFake(frames ...[]byte) *fakeTransport {
	return &fakeTransport{frames: frames, failCmd: map[byte]bool{}, short: map[int]int{}}
}

func (f *fakeTransport) push(frames ...[]byte) {
	f.mu.Lock()
	f.frames = append(f.frames, frames...)
	f.mu.Unlock()
}

func (f *fakeTransport) ReadFrame(buf []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, ErrClosed
	}
	if len(f.frames) == 0 {
		eof := f.eof
		f.mu.Unlock()
		if eof {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
		return 0, ErrReadTimeout
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	idx := f.read
	f.read++
	n, short := f.short[idx]
	f.mu.Unlock()

	if short {
		copy(buf, fr[:n])
		return n, io.ErrUnexpectedEOF
	}
	return copy(buf, fr), nil
}

func (f *fakeTransport) WriteFrame(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWake && buf[0] == wakeUp[0] {
		return 0, io.ErrClosedPipe
	}
	if len(buf) > 1 && f.failCmd[buf[1]] {
		return 0, io.ErrClosedPipe
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// commands returns the command bytes written so far.
func (f *fakeTransport) commands() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		if len(w) == FrameSize && w[0] == 0x01 {
			out = append(out, w[1])
		}
	}
	return out
}

// wire turns packets into frames, concatenated as one stream.
func wire(parts ...[]byte) [][]byte {
	var stream []byte
	for _, p := range parts {
		stream = append(stream, p...)
	}
	return packFrames(stream)
}

// build returns a sealed packet of total bytes stamped 2026-10-19 14:30.
func build(typ byte, total int, set func(p []byte)) []byte {
	p := make([]byte, total)
	p[0] = typ
	p[1] = byte(total)
	p[2], p[3], p[4], p[5], p[6] = 30, 14, 19, 10, 26
	if set != nil {
		set(p)
	}
	binary.LittleEndian.PutUint16(p[total-2:], checksum16(p[:total-2]))
	return p
}

func windPacket() []byte {
	return build(byte(KindWind), 16, func(p []byte) {
		p[7] = 0x00
		p[9], p[10], p[11] = 0x00, 0x64, 0x03
		p[12] = 0x05
	})
}

func tempPacket(id byte) []byte {
	return build(byte(KindTemperature), 16, func(p []byte) {
		p[7] = id
		p[8], p[9] = 0x7B, 0x00 // 12.3
		p[10] = 55
		p[11], p[12] = 0x32, 0x00 // 5.0
		p[13] = 12
	})
}

func observedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

// packFrames splits a byte stream into console frames, seven payload bytes
// per frame with the count in byte 0.
func packFrames(stream []byte) [][]byte {
	var out [][]byte
	for len(stream) > 0 {
		n := min(len(stream), FrameSize-1)
		f := make([]byte, FrameSize)
		f[0] = byte(n)
		copy(f[1:], stream[:n])
		out = append(out, f)
		stream = stream[n:]
	}
	return out
}

// registrySize returns the number of registered handlers.
func registrySize(reg *Registry) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.handlers)
}
