package wmr

import (
	"sync/atomic"
	"time"
)

// counters is the live connection state shared by the framing and
// heartbeat loops.
type counters struct {
	frames       atomic.Uint64
	bytes        atomic.Uint64
	packets      atomic.Uint64
	failed       atomic.Uint64
	latestPacket atomic.Int64 // unix nanoseconds, 0 if none yet
}

func (c *counters) markPacket(t time.Time) {
	c.latestPacket.Store(t.UnixNano())
}

// snapshot copies the counters into a ConnectionMeta. The fields are read
// one by one, so a snapshot taken while packets arrive may be off by one
// packet between fields.
func (c *counters) snapshot(sessionID string, since, now time.Time) ConnectionMeta {
	m := ConnectionMeta{
		SessionID:  sessionID,
		ConnSince:  since,
		Uptime:     now.Sub(since).Truncate(time.Second),
		NumFrames:  c.frames.Load(),
		NumBytes:   c.bytes.Load(),
		NumPackets: c.packets.Load(),
		NumFailed:  c.failed.Load(),
	}
	if ns := c.latestPacket.Load(); ns != 0 {
		m.LatestPacket = time.Unix(0, ns)
	}
	return m
}
