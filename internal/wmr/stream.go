package wmr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// readRetryDelay is how long fill waits after a failed read that delivered
// nothing.
var readRetryDelay = 100 * time.Millisecond

// frameReader turns the transport's fixed-size frames into a byte stream.
// It is owned by the framing loop and is not safe for concurrent use.
type frameReader struct {
	t     Transport
	log   *zap.Logger
	stats *counters

	buf   [FrameSize]byte
	avail int // valid bytes left in buf
	pos   int // next byte to yield

	failures int // consecutive failed reads
}

func newFrameReader(t Transport, stats *counters, log *zap.Logger) *frameReader {
	return &frameReader{t: t, stats: stats, log: log}
}

// next returns the next payload byte, reading frames as needed.
func (r *frameReader) next(ctx context.Context) (byte, error) {
	for r.avail == 0 {
		if err := r.fill(ctx); err != nil {
			return 0, err
		}
	}
	r.stats.bytes.Add(1)
	r.avail--
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// fill reads one frame. A short read is logged and the frame is used as-is:
// the declared count in byte 0 decides how many bytes are yielded, and
// bytes the transport did not deliver read as zero. A read that fails with
// nothing delivered is retried after readRetryDelay; only the first failure
// of a run is logged as a warning.
func (r *frameReader) fill(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		clear(r.buf[:])
		n, err := r.t.ReadFrame(r.buf[:])
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if isClosed(err) {
			return fmt.Errorf("read frame: %w", err)
		}
		if n == 0 && err != nil {
			r.failures++
			if r.failures == 1 {
				r.log.Warn("read frame failed, retrying", zap.Error(err))
			} else {
				r.log.Debug("read frame failed", zap.Int("failures", r.failures), zap.Error(err))
			}
			if err := wait(ctx, readRetryDelay); err != nil {
				return err
			}
			continue
		}
		if r.failures > 0 {
			r.log.Info("read frame recovered", zap.Int("failures", r.failures))
			r.failures = 0
		}
		r.stats.frames.Add(1)
		if n != FrameSize {
			r.log.Warn("cannot read frame", zap.Int("got", n), zap.Int("want", FrameSize), zap.Error(err))
		}
		break
	}

	declared := int(r.buf[0])
	if declared > FrameSize-1 {
		r.log.Warn("frame declares more bytes than it carries, clamping",
			zap.Int("declared", declared))
		declared = FrameSize - 1
	}
	r.avail = declared
	r.pos = 1
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
}
