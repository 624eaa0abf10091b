package wmr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func readN(t *testing.T, r *frameReader, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := r.next(context.Background())
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestFrameReader_AcrossFrames(t *testing.T) {
	ft := newFake(
		[]byte{3, 0xA1, 0xA2, 0xA3, 0xEE, 0xEE, 0xEE, 0xEE},
		[]byte{2, 0xB1, 0xB2, 0, 0, 0, 0, 0},
	)
	ft.eof = true
	var stats counters
	r := newFrameReader(ft, &stats, zap.NewNop())

	assert.Equal(t, []byte{0xA1, 0xA2, 0xA3, 0xB1, 0xB2}, readN(t, r, 5))
	assert.Equal(t, uint64(2), stats.frames.Load())
	assert.Equal(t, uint64(5), stats.bytes.Load())

	_, err := r.next(context.Background())
	assert.Error(t, err)
}

func TestFrameReader_SkipsEmptyFrames(t *testing.T) {
	ft := newFake(
		[]byte{0, 0xEE, 0, 0, 0, 0, 0, 0},
		[]byte{1, 0x42, 0, 0, 0, 0, 0, 0},
	)
	var stats counters
	r := newFrameReader(ft, &stats, zap.NewNop())

	assert.Equal(t, []byte{0x42}, readN(t, r, 1))
	assert.Equal(t, uint64(2), stats.frames.Load())
	assert.Equal(t, uint64(1), stats.bytes.Load())
}

func TestFrameReader_ShortReadUsesDeclaredCount(t *testing.T) {
	ft := newFake([]byte{4, 0x10, 0x11, 0x12, 0x13, 0, 0, 0})
	ft.short[0] = 3
	log, logs := observedLogger(zapcore.WarnLevel)
	var stats counters
	r := newFrameReader(ft, &stats, log)

	got := readN(t, r, 4)
	assert.Equal(t, []byte{0x10, 0x11, 0x00, 0x00}, got)
	assert.Equal(t, 1, logs.FilterMessage("cannot read frame").Len())
}

func TestFrameReader_ClampsDeclaredCount(t *testing.T) {
	ft := newFake([]byte{0xFF, 1, 2, 3, 4, 5, 6, 7})
	ft.eof = true
	log, logs := observedLogger(zapcore.WarnLevel)
	var stats counters
	r := newFrameReader(ft, &stats, log)

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, readN(t, r, 7))
	assert.Equal(t, 1, logs.Len())

	_, err := r.next(context.Background())
	assert.Error(t, err)
}

func TestFrameReader_CancelWhileWaiting(t *testing.T) {
	ft := newFake()
	var stats counters
	r := newFrameReader(ft, &stats, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, stats.frames.Load())
}

func TestFrameReader_ClosedTransport(t *testing.T) {
	ft := newFake()
	require.NoError(t, ft.Close())
	var stats counters
	r := newFrameReader(ft, &stats, zap.NewNop())

	_, err := r.next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// failingTransport fails every read with err until ok frames are queued.
type failingTransport struct {
	*fakeTransport
	err   error
	fails int // reads left to fail, <0 fails forever
	reads int
}

func (f *failingTransport) ReadFrame(buf []byte) (int, error) {
	f.reads++
	if f.fails != 0 {
		if f.fails > 0 {
			f.fails--
		}
		return 0, f.err
	}
	return f.fakeTransport.ReadFrame(buf)
}

func TestFrameReader_BacksOffOnReadErrors(t *testing.T) {
	old := readRetryDelay
	readRetryDelay = 10 * time.Millisecond
	t.Cleanup(func() { readRetryDelay = old })

	ft := &failingTransport{fakeTransport: newFake(), err: errors.New("EPROTO"), fails: -1}
	log, logs := observedLogger(zapcore.WarnLevel)
	var stats counters
	r := newFrameReader(ft, &stats, log)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := r.next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, stats.frames.Load())
	assert.Less(t, ft.reads, 20)
	assert.Equal(t, 1, logs.FilterMessage("read frame failed, retrying").Len())
}

func TestFrameReader_RecoversAfterReadErrors(t *testing.T) {
	old := readRetryDelay
	readRetryDelay = time.Millisecond
	t.Cleanup(func() { readRetryDelay = old })

	ft := &failingTransport{
		fakeTransport: newFake([]byte{1, 0x42, 0, 0, 0, 0, 0, 0}),
		err:           errors.New("EPROTO"),
		fails:         3,
	}
	log, logs := observedLogger(zapcore.InfoLevel)
	var stats counters
	r := newFrameReader(ft, &stats, log)

	assert.Equal(t, []byte{0x42}, readN(t, r, 1))
	assert.Equal(t, uint64(1), stats.frames.Load())
	assert.Equal(t, 1, logs.FilterMessage("read frame failed, retrying").Len())
	assert.Equal(t, 1, logs.FilterMessage("read frame recovered").Len())
}
