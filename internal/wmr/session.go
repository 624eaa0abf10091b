package wmr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultHeartbeatInterval keeps the console from dropping the link.
const DefaultHeartbeatInterval = 30 * time.Second

// Options configures a Session. Zero values pick the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	// MaxExternalSensors bounds the accepted temperature sensor ids and the
	// external sensor list of historic records. 0 means
	// DefaultMaxExternalSensors.
	MaxExternalSensors int
	Location           *time.Location

	// Store and Handlers may be shared across reconnects; new ones are
	// created when nil.
	Store    *Store
	Handlers *Registry

	Log *zap.Logger
}

// Session is one connection to a console. It owns the transport's byte
// stream and the connection counters; the store and handler registry are
// shared with whoever created them.
type Session struct {
	id       string
	t        Transport
	log      *zap.Logger
	interval time.Duration
	decoder  Decoder
	store    *Store
	handlers *Registry
	stats    counters
	since    time.Time
	now      func() time.Time

	writeMu sync.Mutex
	running atomic.Bool
}

// Open wakes the console up and returns a session ready to Run.
func Open(t Transport, opts Options) (*Session, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxExternalSensors <= 0 {
		opts.MaxExternalSensors = DefaultMaxExternalSensors
	}
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Handlers == nil {
		opts.Handlers = NewRegistry()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	id := uuid.NewString()
	log := opts.Log.Named("wmr").With(zap.String("session", id))
	s := &Session{
		id:       id,
		t:        t,
		log:      log,
		interval: opts.HeartbeatInterval,
		decoder: Decoder{
			Location:           opts.Location,
			MaxExternalSensors: opts.MaxExternalSensors,
			Log:                log,
		},
		store:    opts.Store,
		handlers: opts.Handlers,
		now:      time.Now,
	}

	n, err := t.WriteFrame(wakeUp[:])
	if err != nil || n != len(wakeUp) {
		return nil, fmt.Errorf("wmr: cannot initialize communication (wrote %d/%d bytes): %v", n, len(wakeUp), err)
	}
	s.since = s.now()
	log.Info("communication initialized")
	return s, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Store() *Store        { return s.store }
func (s *Session) Handlers() *Registry  { return s.handlers }
func (s *Session) ConnSince() time.Time { return s.since }

// Meta returns the current connection counters.
func (s *Session) Meta() ConnectionMeta {
	return s.stats.snapshot(s.id, s.since, s.now())
}

// Run starts the framing and heartbeat loops and blocks until both exit.
// It returns nil when ctx is cancelled and the first fatal error otherwise;
// a fatal error in one loop stops the other.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("wmr: session already running")
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error { return s.framingLoop(gctx) })

	if err := s.sendCommand(CmdLoggerDataErase); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	s.log.Info("session started", zap.Duration("heartbeat", s.interval))

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.log.Info("session stopped")
		return nil
	}
	return err
}

// Close tells the console to stop talking and releases the transport.
// Call it after Run has returned.
func (s *Session) Close() error {
	cmdErr := s.sendCommand(CmdCommunicationStop)
	return errors.Join(cmdErr, s.t.Close())
}

// sendCommand writes one command frame. Writes from both loops are
// serialized.
func (s *Session) sendCommand(cmd byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.t.WriteFrame(commandFrame(cmd))
	if err != nil || n != FrameSize {
		return &CommandError{Cmd: cmd, N: n, Err: err}
	}
	return nil
}

func (s *Session) framingLoop(ctx context.Context) error {
	src := newFrameReader(s.t, &s.stats, s.log)
	fr := newFramer(src, s.sendCommand, &s.stats, s.log)
	fr.now = s.now
	for {
		pkt, err := fr.next(ctx)
		if err != nil {
			return err
		}
		s.dispatchPacket(pkt)
	}
}

// dispatchPacket decodes a verified packet and publishes its readings.
// Decode errors never end the session.
func (s *Session) dispatchPacket(pkt []byte) {
	readings, err := s.decoder.Decode(pkt)
	switch {
	case errors.Is(err, ErrUnknownPacket):
		s.log.Warn("ignoring unknown packet", zap.Uint8("type", pkt[0]))
	case err != nil:
		s.log.Warn("cannot decode packet", zap.Uint8("type", pkt[0]), zap.Error(err))
	}
	for _, r := range readings {
		s.emit(r)
	}
}

func (s *Session) emit(r Reading) {
	s.store.Update(r)
	s.handlers.Dispatch(r)
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.beat(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// beat sends the keep-alive and emits a ConnectionMeta reading.
func (s *Session) beat() error {
	s.log.Debug("sending heartbeat")
	if err := s.sendCommand(CmdHeartbeat); err != nil {
		return err
	}
	meta := s.Meta()
	s.emit(Reading{Kind: KindMeta, Time: s.now(), Meta: &meta})
	return nil
}
