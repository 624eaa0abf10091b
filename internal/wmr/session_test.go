package wmr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestSession(t *testing.T, ft *fakeTransport, opts Options) *Session {
	t.Helper()
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s, err := Open(ft, opts)
	require.NoError(t, err)
	return s
}

// collect forwards readings of the wanted kinds to a channel.
func collect(reg *Registry, kinds ...Kind) <-chan Reading {
	ch := make(chan Reading, 64)
	want := map[Kind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	reg.Register(HandlerFunc(func(r Reading) {
		if want[r.Kind] {
			ch <- r
		}
	}))
	return ch
}

func waitReading(t *testing.T, ch <-chan Reading) Reading {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reading")
		return Reading{}
	}
}

func TestOpen_SendsWakeUp(t *testing.T) {
	ft := newFake()
	s := openTestSession(t, ft, Options{})
	require.Len(t, ft.writes, 1)
	assert.Equal(t, wakeUp[:], ft.writes[0])
	assert.NotEmpty(t, s.ID())
	assert.NotNil(t, s.Store())
	assert.NotNil(t, s.Handlers())
}

func TestOpen_WakeUpFailure(t *testing.T) {
	ft := newFake()
	ft.failWake = true
	_, err := Open(ft, Options{})
	assert.Error(t, err)
}

func TestSession_RunDeliversReadings(t *testing.T) {
	ft := newFake(wire(
		[]byte{CmdLoggerDataErase},
		windPacket(),
		tempPacket(2), // unknown sensor, skipped
		tempPacket(1),
	)...)
	reg := NewRegistry()
	got := collect(reg, KindWind, KindTemperature)
	s := openTestSession(t, ft, Options{Handlers: reg, HeartbeatInterval: time.Hour, Log: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	wind := waitReading(t, got)
	assert.Equal(t, KindWind, wind.Kind)
	temp := waitReading(t, got)
	assert.Equal(t, 1, temp.Temp.SensorID)

	latest, ok := s.Store().Temperature(1)
	require.True(t, ok)
	assert.InDelta(t, 12.3, latest.Temp.Temp, 1e-9)

	meta := s.Meta()
	assert.Equal(t, uint64(3), meta.NumPackets)
	assert.Zero(t, meta.NumFailed)
	assert.False(t, meta.LatestPacket.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	cmds := ft.commands()
	require.GreaterOrEqual(t, len(cmds), 2)
	assert.Contains(t, cmds, CmdHeartbeat)
	assert.Contains(t, cmds, CmdLoggerDataErase)
}

func TestSession_HeartbeatEmitsMeta(t *testing.T) {
	ft := newFake()
	reg := NewRegistry()
	metas := collect(reg, KindMeta)
	s := openTestSession(t, ft, Options{Handlers: reg, HeartbeatInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	first := waitReading(t, metas)
	second := waitReading(t, metas)
	require.NotNil(t, first.Meta)
	assert.Equal(t, s.ID(), first.Meta.SessionID)
	assert.False(t, second.Time.Before(first.Time))

	stored, ok := s.Store().Latest(KindMeta)
	require.True(t, ok)
	assert.NotNil(t, stored.Meta)
}

func TestSession_HeartbeatWriteFailureIsFatal(t *testing.T) {
	ft := newFake()
	ft.failCmd[CmdHeartbeat] = true
	s := openTestSession(t, ft, Options{})

	err := s.Run(context.Background())
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, CmdHeartbeat, cmdErr.Cmd)
}

func TestSession_RunTwice(t *testing.T) {
	ft := newFake()
	s := openTestSession(t, ft, Options{HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, s.Run(ctx))

	cancel()
	assert.NoError(t, <-done)
}

func TestSession_Close(t *testing.T) {
	ft := newFake()
	s := openTestSession(t, ft, Options{})

	require.NoError(t, s.Close())
	assert.Equal(t, []byte{CmdCommunicationStop}, ft.commands())
	assert.True(t, ft.closed)
}
