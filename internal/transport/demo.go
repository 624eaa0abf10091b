package transport

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// DemoConfig tunes the simulated console.
type DemoConfig struct {
	Interval      time.Duration    // between observation bursts, default 2s
	HistoricEvery int              // announce a logger record every N bursts; 0 = 10, <0 = never
	PollWindow    time.Duration    // longest a ReadFrame blocks with nothing queued, default 50ms
	Clock         func() time.Time // console clock, default time.Now
	Seed          int64
}

// Demo simulates a WMR200 console for development and testing. It speaks
// the same frame protocol as the device: packets are packed 7 bytes per
// frame, logger records are announced and served on request, and erase
// and stop commands are acknowledged.
type Demo struct {
	cfg DemoConfig
	rnd *rand.Rand

	mu      sync.Mutex
	closed  bool
	pending []byte
	next    time.Time
	bursts  int
	t       float64 // virtual time accumulator
	writes  [][]byte
	rainSum float64
}

func NewDemo(cfg DemoConfig) *Demo {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.HistoricEvery == 0 {
		cfg.HistoricEvery = 10
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Demo{cfg: cfg, rnd: rand.New(rand.NewSource(cfg.Seed))}
}

// ReadFrame hands out the next frame of queued stream, producing a fresh
// burst of observations once the interval has elapsed.
func (d *Demo) ReadFrame(buf []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, wmr.ErrClosed
	}
	if len(d.pending) == 0 {
		now := d.cfg.Clock()
		if now.Before(d.next) {
			wait := min(d.next.Sub(now), d.cfg.PollWindow)
			d.mu.Unlock()
			time.Sleep(wait)
			return 0, wmr.ErrReadTimeout
		}
		d.pending = append(d.pending, d.burst(now)...)
		d.next = now.Add(d.cfg.Interval)
	}

	n := min(len(d.pending), wmr.FrameSize-1)
	clear(buf)
	buf[0] = byte(n)
	copy(buf[1:], d.pending[:n])
	d.pending = d.pending[n:]
	d.mu.Unlock()
	return wmr.FrameSize, nil
}

// WriteFrame records the frame and reacts to the commands a real console
// answers.
func (d *Demo) WriteFrame(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, wmr.ErrClosed
	}
	d.writes = append(d.writes, append([]byte(nil), buf...))
	if len(buf) < 2 || buf[0] != 0x01 {
		return len(buf), nil
	}
	switch buf[1] {
	case wmr.CmdRequestHistoricData:
		d.pending = append(d.pending, d.historic(d.cfg.Clock().Add(-time.Hour))...)
	case wmr.CmdLoggerDataErase:
		d.pending = append(d.pending, wmr.CmdLoggerDataErase)
	case wmr.CmdCommunicationStop:
		d.pending = append(d.pending, wmr.CmdCommunicationStop)
	}
	return len(buf), nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.mu.Unlock()
	return nil
}

// Commands returns the command bytes received so far.
func (d *Demo) Commands() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, w := range d.writes {
		if len(w) >= 2 && w[0] == 0x01 {
			out = append(out, w[1])
		}
	}
	return out
}

// weather is one simulated set of conditions.
type weather struct {
	dir       int
	gust, avg float64
	chill     int
	rainRate  float64
	uvi       int
	pressure  int
	forecast  int
	indoor    float64
	outdoor   float64
	humidity  int
	dewPoint  float64
}

func (d *Demo) sample() weather {
	d.t += 0.05

	outdoor := 8.0 + 10.0*math.Sin(d.t*0.2) + d.rnd.Float64()*0.5
	humidity := int(60 + 25*math.Cos(d.t*0.2) + d.rnd.Float64()*3)
	gust := 2.0 + 8.0*math.Abs(math.Sin(d.t*0.7)) + d.rnd.Float64()
	rate := 0.0
	if humidity > 80 {
		rate = float64(humidity-80) * 0.254
	}
	d.rainSum += rate / 60

	forecast := 3 // sunny
	switch {
	case rate > 0:
		forecast = 1
	case humidity > 70:
		forecast = 2
	}

	return weather{
		dir:      int(d.t*2) % 16,
		gust:     gust,
		avg:      gust * 0.6,
		chill:    int(math.Max(outdoor-gust/2, 0)),
		rainRate: rate,
		uvi:      int(math.Max(0, 6*math.Sin(d.t*0.1))),
		pressure: 1013 + int(6*math.Sin(d.t*0.05)),
		forecast: forecast,
		indoor:   21.0 + d.rnd.Float64(),
		outdoor:  outdoor,
		humidity: humidity,
		dewPoint: outdoor - float64(100-humidity)/5,
	}
}

// burst builds one round of live packets, optionally preceded by a logger
// record announcement.
func (d *Demo) burst(now time.Time) []byte {
	d.bursts++
	w := d.sample()

	var stream []byte
	if d.cfg.HistoricEvery > 0 && d.bursts%d.cfg.HistoricEvery == 0 {
		stream = append(stream, wmr.CmdHistoricDataNotif)
	}
	stream = append(stream, windPacket(now, w)...)
	stream = append(stream, rainPacket(now, w, d.rainSum)...)
	stream = append(stream, uvPacket(now, w)...)
	stream = append(stream, baroPacket(now, w)...)
	stream = append(stream, tempPacket(now, 0, w.indoor, 45, w.indoor-10)...)
	stream = append(stream, tempPacket(now, 1, w.outdoor, w.humidity, w.dewPoint)...)
	stream = append(stream, statusPacket(now)...)
	return stream
}

func (d *Demo) historic(at time.Time) []byte {
	w := d.sample()
	p := newPacket(wmr.CmdHistoricData, 0x31, at)
	putRain(p[0:], w, d.rainSum)
	putWind(p[13:], w)
	p[20+7] = byte(w.uvi & 0x0F)
	putBaro(p[21:], w)
	putTemp(p[26:], 0, w.indoor, 45, w.indoor-10)
	p[32] = 1
	putTemp(p[33:], 1, w.outdoor, w.humidity, w.dewPoint)
	return seal(p)
}

// newPacket allocates a packet of total bytes with the header and
// timestamp filled in.
func newPacket(typ byte, total int, at time.Time) []byte {
	p := make([]byte, total)
	p[0] = typ
	p[2] = byte(at.Minute())
	p[3] = byte(at.Hour())
	p[4] = byte(at.Day())
	p[5] = byte(at.Month())
	p[6] = byte(at.Year() - 2000)
	return p
}

func seal(p []byte) []byte {
	return wmr.Seal(p[0], p[2:len(p)-2])
}

func windPacket(at time.Time, w weather) []byte {
	p := newPacket(byte(wmr.KindWind), 0x10, at)
	putWind(p, w)
	return seal(p)
}

func putWind(p []byte, w weather) {
	gust := int(math.Round(w.gust * 10))
	avg := int(math.Round(w.avg * 10))
	p[7] = byte(w.dir & 0x0F)
	p[9] = byte(gust)
	p[10] = byte(gust>>8)&0x0F | byte(avg&0x0F)<<4
	p[11] = byte(avg>>4) & 0x0F
	p[12] = byte(w.chill)
}

func rainPacket(at time.Time, w weather, total float64) []byte {
	p := newPacket(byte(wmr.KindRain), 0x16, at)
	putRain(p, w, total)
	return seal(p)
}

func putRain(p []byte, w weather, total float64) {
	put := func(i int, mm float64) {
		raw := int(math.Round(mm / 0.0254))
		p[i] = byte(raw)
		p[i+1] = byte(raw >> 8)
	}
	put(7, w.rainRate)
	put(9, w.rainRate)
	put(11, total)
	put(13, total)
}

func uvPacket(at time.Time, w weather) []byte {
	p := newPacket(byte(wmr.KindUVIndex), 0x0A, at)
	p[7] = byte(w.uvi & 0x0F)
	return seal(p)
}

func baroPacket(at time.Time, w weather) []byte {
	p := newPacket(byte(wmr.KindBarometric), 0x0D, at)
	putBaro(p, w)
	return seal(p)
}

func putBaro(p []byte, w weather) {
	p[7] = byte(w.pressure)
	p[8] = byte(w.forecast)<<4 | byte(w.pressure>>8)&0x0F
	alt := w.pressure + 4
	p[9] = byte(alt)
	p[10] = byte(alt>>8) & 0x0F
}

func tempPacket(at time.Time, id int, temp float64, hum int, dew float64) []byte {
	p := newPacket(byte(wmr.KindTemperature), 0x10, at)
	putTemp(p, id, temp, hum, dew)
	return seal(p)
}

func putTemp(p []byte, id int, temp float64, hum int, dew float64) {
	p[7] = byte(id & 0x0F)
	p[8], p[9] = tenths(temp)
	p[10] = byte(hum)
	p[11], p[12] = tenths(dew)
	p[13] = byte(int(math.Max(temp, 0)))
}

// tenths encodes v as a 12-bit tenths magnitude with the sign in the high
// nibble of the second byte.
func tenths(v float64) (lo, hi byte) {
	sign := byte(0)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	raw := int(math.Round(v*10)) & 0x0FFF
	return byte(raw), byte(raw>>8) | sign
}

func statusPacket(at time.Time) []byte {
	return seal(newPacket(byte(wmr.KindStatus), 0x08, at))
}
