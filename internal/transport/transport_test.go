package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(Config{Type: "usb-magic"}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpen_Demo(t *testing.T) {
	tr, err := Open(Config{Type: "demo"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Demo{}, tr)
	require.NoError(t, tr.Close())
}

func TestOpenSerial_NeedsPath(t *testing.T) {
	_, err := OpenSerial(Config{Type: "serial"}, zap.NewNop())
	assert.Error(t, err)
}

// scriptedPort replays reads; an empty chunk stands for a read timeout.
type scriptedPort struct {
	serial.Port
	reads  [][]byte
	writes [][]byte
	closed bool
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	chunk := p.reads[0]
	p.reads = p.reads[1:]
	return copy(b, chunk), nil
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *scriptedPort) Close() error { p.closed = true; return nil }

func TestSerial_ReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		reads   [][]byte
		want    int
		wantErr error
	}{
		{"whole frame", [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}}, 8, nil},
		{"split frame", [][]byte{{1, 2, 3}, {4, 5, 6, 7, 8}}, 8, nil},
		{"idle", [][]byte{{}}, 0, wmr.ErrReadTimeout},
		{"stalls mid frame", [][]byte{{1, 2, 3}, {}}, 0, wmr.ErrReadTimeout},
		{"port error", nil, 0, io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Serial{path: "test", log: zap.NewNop(), port: &scriptedPort{reads: tt.reads}}
			buf := make([]byte, wmr.FrameSize)
			n, err := s.ReadFrame(buf)
			assert.Equal(t, tt.want, n)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSerial_ReadFrameKeepsAlignmentAcrossStall(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{
		{3, 0xA1, 0xA2},
		{},
		{0xA3, 0, 0, 0, 0},
		{2, 0xB1, 0xB2, 0, 0, 0, 0, 0},
	}}
	s := &Serial{path: "test", log: zap.NewNop(), port: port}
	buf := make([]byte, wmr.FrameSize)

	_, err := s.ReadFrame(buf)
	assert.ErrorIs(t, err, wmr.ErrReadTimeout)

	n, err := s.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, wmr.FrameSize, n)
	assert.Equal(t, []byte{3, 0xA1, 0xA2, 0xA3, 0, 0, 0, 0}, buf)

	n, err = s.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, wmr.FrameSize, n)
	assert.Equal(t, []byte{2, 0xB1, 0xB2, 0, 0, 0, 0, 0}, buf)
}

func TestSerial_ReadFrameDropsPartialOnError(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{{3, 0xA1}}}
	s := &Serial{path: "test", log: zap.NewNop(), port: port}
	buf := make([]byte, wmr.FrameSize)

	_, err := s.ReadFrame(buf)
	assert.ErrorIs(t, err, io.EOF)

	port.reads = [][]byte{{1, 0x42, 0, 0, 0, 0, 0, 0}}
	n, err := s.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, wmr.FrameSize, n)
	assert.Equal(t, byte(0x42), buf[1])
}

func TestSerial_WriteAndClose(t *testing.T) {
	port := &scriptedPort{}
	s := &Serial{path: "test", log: zap.NewNop(), port: port}

	n, err := s.WriteFrame([]byte{0x01, wmr.CmdHeartbeat, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	require.Len(t, port.writes, 1)

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	require.NoError(t, s.Close())

	_, err = s.ReadFrame(make([]byte, wmr.FrameSize))
	assert.ErrorIs(t, err, wmr.ErrClosed)
	_, err = s.WriteFrame([]byte{0x01})
	assert.True(t, errors.Is(err, wmr.ErrClosed))
}

func TestDemo_DrivesSession(t *testing.T) {
	demo := NewDemo(DemoConfig{
		Interval:      5 * time.Millisecond,
		HistoricEvery: 2,
		PollWindow:    time.Millisecond,
		Seed:          1,
	})

	reg := wmr.NewRegistry()
	seen := make(chan wmr.Kind, 256)
	reg.Register(wmr.HandlerFunc(func(r wmr.Reading) {
		select {
		case seen <- r.Kind:
		default:
		}
	}))

	s, err := wmr.Open(demo, wmr.Options{Handlers: reg, HeartbeatInterval: 10 * time.Millisecond, Log: zap.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	want := map[wmr.Kind]bool{
		wmr.KindWind: true, wmr.KindRain: true, wmr.KindUVIndex: true,
		wmr.KindBarometric: true, wmr.KindTemperature: true, wmr.KindStatus: true,
		wmr.KindMeta: true,
	}
	deadline := time.After(5 * time.Second)
	for len(want) > 0 {
		select {
		case k := <-seen:
			delete(want, k)
		case <-deadline:
			t.Fatalf("kinds never seen: %v", want)
		}
	}

	assert.Eventually(t, func() bool {
		for _, c := range demo.Commands() {
			if c == wmr.CmdRequestHistoricData {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "logger record was never requested")

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, s.Meta().NumFailed)

	require.NoError(t, s.Close())
	assert.Contains(t, demo.Commands(), wmr.CmdCommunicationStop)
	_, err = demo.ReadFrame(make([]byte, wmr.FrameSize))
	assert.ErrorIs(t, err, wmr.ErrClosed)
}

func TestTenths(t *testing.T) {
	lo, hi := tenths(12.3)
	assert.Equal(t, byte(0x7B), lo)
	assert.Equal(t, byte(0x00), hi)

	lo, hi = tenths(-12.3)
	assert.Equal(t, byte(0x7B), lo)
	assert.Equal(t, byte(0x80), hi)
}
