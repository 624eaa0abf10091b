package wmr

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// framerState is a state of the packet-boundary machine.
type framerState int

const (
	stateAwaitType framerState = iota
	stateAwaitLengthOrType
	stateAwaitPayload
	stateComplete
)

func (s framerState) String() string {
	switch s {
	case stateAwaitType:
		return "await-type"
	case stateAwaitLengthOrType:
		return "await-length-or-type"
	case stateAwaitPayload:
		return "await-payload"
	case stateComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// framer assembles packets from the byte stream. The console interleaves
// bare command bytes with length-prefixed packets; a byte in the command
// range where a length is expected always starts a new command.
type framer struct {
	src   *frameReader
	send  func(cmd byte) error
	stats *counters
	log   *zap.Logger
	now   func() time.Time

	state  framerState
	typ    byte
	length byte
	pkt    []byte
}

func newFramer(src *frameReader, send func(byte) error, stats *counters, log *zap.Logger) *framer {
	return &framer{src: src, send: send, stats: stats, log: log, now: time.Now}
}

// next blocks until one packet is complete and has passed its checksum.
// Packets that fail verification are counted and dropped.
func (f *framer) next(ctx context.Context) ([]byte, error) {
	for {
		pkt, err := f.assemble(ctx)
		if err != nil {
			return nil, err
		}
		if !Verify(pkt) {
			f.stats.failed.Add(1)
			f.log.Warn("received incorrect packet, dropping",
				zap.Uint8("type", pkt[0]), zap.Int("len", len(pkt)))
			continue
		}
		f.stats.markPacket(f.now())
		f.log.Debug("packet", zap.Uint8("type", pkt[0]), zap.Int("len", len(pkt)))
		return pkt, nil
	}
}

// assemble runs the state machine from AwaitType to Complete.
func (f *framer) assemble(ctx context.Context) ([]byte, error) {
	f.state = stateAwaitType
	for {
		var err error
		switch f.state {
		case stateAwaitType:
			err = f.awaitType(ctx)
		case stateAwaitLengthOrType:
			err = f.awaitLengthOrType(ctx)
		case stateAwaitPayload:
			err = f.awaitPayload(ctx)
		case stateComplete:
			pkt := f.pkt
			f.pkt = nil
			return pkt, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (f *framer) awaitType(ctx context.Context) error {
	b, err := f.src.next(ctx)
	if err != nil {
		return err
	}
	return f.actOnType(b)
}

// actOnType handles the command bytes that carry no length or payload and
// picks the next state.
func (f *framer) actOnType(typ byte) error {
	f.typ = typ
	switch typ {
	case CmdHistoricDataNotif:
		f.log.Info("data logger contains unprocessed historic records, requesting them")
		if err := f.send(CmdRequestHistoricData); err != nil {
			return err
		}
		f.state = stateAwaitType
	case CmdLoggerDataErase:
		f.log.Info("data logger database purge successful")
		f.state = stateAwaitType
	case CmdCommunicationStop:
		// answer to an earlier COMMUNICATION_STOP
		f.log.Debug("ignoring COMMUNICATION_STOP packet")
		f.state = stateAwaitLengthOrType
	default:
		f.state = stateAwaitLengthOrType
	}
	return nil
}

func (f *framer) awaitLengthOrType(ctx context.Context) error {
	b, err := f.src.next(ctx)
	if err != nil {
		return err
	}
	if IsCommand(b) {
		// a type marker, not a length
		return f.actOnType(b)
	}
	f.length = b
	f.state = stateAwaitPayload
	return nil
}

func (f *framer) awaitPayload(ctx context.Context) error {
	n := int(f.length)
	if n < 2 {
		n = 2
	}
	pkt := make([]byte, n)
	pkt[0] = f.typ
	pkt[1] = f.length
	for i := 2; i < n; i++ {
		b, err := f.src.next(ctx)
		if err != nil {
			return err
		}
		pkt[i] = b
	}
	f.stats.packets.Add(1)
	f.pkt = pkt
	f.state = stateComplete
	return nil
}
