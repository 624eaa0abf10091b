package wmr

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxExternalSensors matches the sensor ids the console firmware
// reports out of the box: 0 for the console itself, 1 for the outdoor unit.
const DefaultMaxExternalSensors = 1

// Historic record layout, relative to the start of the packet.
const (
	histRainOff     = 0
	histWindOff     = 13
	histUVOff       = 20
	histBaroOff     = 21
	histTempOff     = 26
	histExtCountOff = 32
	histExtTempOff  = 33
	histExtStride   = 7
)

// Decoder turns verified packets into Readings. Field decoders read relative
// to an offset into the packet; the timestamp always comes from the packet
// header, so the same decoder serves live and historic packets.
type Decoder struct {
	Location           *time.Location // zone of the console clock, default time.Local
	MaxExternalSensors int            // highest accepted temperature sensor id
	Log                *zap.Logger
}

func (d Decoder) loc() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

func (d Decoder) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Decode dispatches pkt on its type byte. Errors from individual parts of
// a historic record are joined; the readings that did decode are returned
// alongside.
func (d Decoder) Decode(pkt []byte) ([]Reading, error) {
	if len(pkt) == 0 {
		return nil, ErrShortPacket
	}
	var (
		r   Reading
		err error
	)
	switch typ := pkt[0]; typ {
	case CmdHistoricData:
		return d.Historic(pkt)
	case byte(KindWind):
		r, err = d.Wind(pkt, 0)
	case byte(KindRain):
		r, err = d.Rain(pkt, 0)
	case byte(KindUVIndex):
		r, err = d.UVIndex(pkt, 0)
	case byte(KindBarometric):
		r, err = d.Barometric(pkt, 0)
	case byte(KindTemperature):
		r, err = d.Temperature(pkt, 0)
	case byte(KindStatus):
		r, err = d.Status(pkt, 0)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownPacket, typ)
	}
	if err != nil {
		return nil, err
	}
	return []Reading{r}, nil
}

// PacketTime decodes the minute-resolution timestamp in bytes 2..6.
func (d Decoder) PacketTime(pkt []byte) (time.Time, error) {
	if len(pkt) < 7 {
		return time.Time{}, ErrShortPacket
	}
	return time.Date(
		2000+int(pkt[6]),
		time.Month(pkt[5]),
		int(pkt[4]),
		int(pkt[3]),
		int(pkt[2]),
		0, 0, d.loc(),
	), nil
}

// field returns a view of pkt starting at off that is guaranteed to hold
// index last, along with the packet time.
func (d Decoder) field(pkt []byte, off, last int) ([]byte, time.Time, error) {
	ts, err := d.PacketTime(pkt)
	if err != nil {
		return nil, ts, err
	}
	if off < 0 || off+last >= len(pkt) {
		return nil, ts, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortPacket, last+1, off, len(pkt))
	}
	return pkt[off:], ts, nil
}

// Wind decodes direction, gust and average speed, and the raw chill byte.
func (d Decoder) Wind(pkt []byte, off int) (Reading, error) {
	b, ts, err := d.field(pkt, off, 12)
	if err != nil {
		return Reading{}, fmt.Errorf("wind: %w", err)
	}
	return Reading{
		Kind: KindWind,
		Time: ts,
		Wind: &Wind{
			Dir:       windDirString[low(b[7])],
			GustSpeed: float64(256*low(b[10])+int(b[9])) / 10.0,
			AvgSpeed:  float64(16*low(b[11])+high(b[10])) / 10.0,
			Chill:     float64(b[12]),
		},
	}, nil
}

// Rain decodes the rate and three accumulators, 16-bit little endian each.
func (d Decoder) Rain(pkt []byte, off int) (Reading, error) {
	b, ts, err := d.field(pkt, off, 14)
	if err != nil {
		return Reading{}, fmt.Errorf("rain: %w", err)
	}
	le := func(i int) float64 {
		return float64(int(b[i+1])<<8+int(b[i])) * tenthOfInch
	}
	return Reading{
		Kind: KindRain,
		Time: ts,
		Rain: &Rain{
			Rate:       le(7),
			AccumHour:  le(9),
			Accum24h:   le(11),
			AccumTotal: le(13),
		},
	}, nil
}

func (d Decoder) UVIndex(pkt []byte, off int) (Reading, error) {
	b, ts, err := d.field(pkt, off, 7)
	if err != nil {
		return Reading{}, fmt.Errorf("uvi: %w", err)
	}
	return Reading{
		Kind: KindUVIndex,
		Time: ts,
		UVI:  &UVIndex{Index: low(b[7])},
	}, nil
}

// Barometric decodes station and altitude-adjusted pressure and the
// forecast icon. Icons outside the known table decode as "unknown".
func (d Decoder) Barometric(pkt []byte, off int) (Reading, error) {
	b, ts, err := d.field(pkt, off, 10)
	if err != nil {
		return Reading{}, fmt.Errorf("baro: %w", err)
	}
	forecast := "unknown"
	if f := high(b[8]); f < len(forecastString) {
		forecast = forecastString[f]
	}
	return Reading{
		Kind: KindBarometric,
		Time: ts,
		Baro: &Barometric{
			Pressure:    256*low(b[8]) + int(b[7]),
			AltPressure: 256*low(b[10]) + int(b[9]),
			Forecast:    forecast,
		},
	}, nil
}

// Temperature decodes one temperature/humidity sensor. A sensor id above
// MaxExternalSensors returns ErrUnknownSensor.
func (d Decoder) Temperature(pkt []byte, off int) (Reading, error) {
	b, ts, err := d.field(pkt, off, 13)
	if err != nil {
		return Reading{}, fmt.Errorf("temp: %w", err)
	}
	id := low(b[7])
	if id > d.MaxExternalSensors {
		return Reading{}, fmt.Errorf("temp: %w: id %d", ErrUnknownSensor, id)
	}
	return Reading{
		Kind: KindTemperature,
		Time: ts,
		Temp: &Temperature{
			SensorID:  id,
			Temp:      signedTenths(b[8], b[9]),
			DewPoint:  signedTenths(b[11], b[12]),
			Humidity:  int(b[10]),
			HeatIndex: int(b[13]),
		},
	}, nil
}

// signedTenths decodes a 12-bit tenths value whose sign lives in the high
// nibble of hi.
func signedTenths(lo, hi byte) float64 {
	v := float64(256*low(hi)+int(lo)) / 10.0
	if high(hi) == signNegative {
		v = -v
	}
	return v
}

// Status decodes battery, sensor and RTC flags.
func (d Decoder) Status(pkt []byte, off int) (Reading, error) {
	b, ts, err := d.field(pkt, off, 5)
	if err != nil {
		return Reading{}, fmt.Errorf("status: %w", err)
	}
	return Reading{
		Kind: KindStatus,
		Time: ts,
		Status: &Status{
			WindBat: levelString[bit(0, b[4])],
			TempBat: levelString[bit(1, b[4])],
			RainBat: levelString[bit(4, b[5])],
			UVBat:   levelString[bit(5, b[5])],

			WindSensor: statusString[bit(0, b[2])],
			TempSensor: statusString[bit(1, b[2])],
			RainSensor: statusString[bit(4, b[3])],
			UVSensor:   statusString[bit(5, b[3])],

			RTCSignalLevel: levelString[bit(7, b[4])],
		},
	}, nil
}

// Historic decodes a logger record: rain, wind, UV, barometric, the primary
// temperature sensor and a variable list of external sensors. The external
// count is clamped to MaxExternalSensors. Parts that fail are skipped and
// their errors joined.
func (d Decoder) Historic(pkt []byte) ([]Reading, error) {
	parts := []func([]byte, int) (Reading, error){
		d.Rain, d.Wind, d.UVIndex, d.Barometric, d.Temperature,
	}
	offsets := []int{histRainOff, histWindOff, histUVOff, histBaroOff, histTempOff}

	out := make([]Reading, 0, len(parts)+d.MaxExternalSensors)
	var errs []error
	for i, decode := range parts {
		r, err := decode(pkt, offsets[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}

	if histExtCountOff >= len(pkt) {
		errs = append(errs, fmt.Errorf("historic: %w: no sensor count", ErrShortPacket))
		return out, errors.Join(errs...)
	}
	count := int(pkt[histExtCountOff])
	if count > d.MaxExternalSensors {
		d.logger().Warn("too many external sensors in historic record, skipping extraneous sensors",
			zap.Int("count", count), zap.Int("max", d.MaxExternalSensors))
		count = d.MaxExternalSensors
	}
	for i := 0; i < count; i++ {
		r, err := d.Temperature(pkt, histExtTempOff+histExtStride*i)
		if err != nil {
			errs = append(errs, fmt.Errorf("historic sensor %d: %w", i, err))
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}
