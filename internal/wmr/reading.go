package wmr

import (
	"fmt"
	"time"
)

// Kind identifies the sensor a Reading comes from. Wire kinds reuse the
// packet type byte the console sends them with.
type Kind byte

const (
	KindWind        Kind = 0xD3
	KindRain        Kind = 0xD4
	KindUVIndex     Kind = 0xD5
	KindBarometric  Kind = 0xD6
	KindTemperature Kind = 0xD7
	KindStatus      Kind = 0xD9
	KindMeta        Kind = 0xFF // synthesized, never on the wire
)

// String returns the lowercase name used in logs, JSON and bus subjects.
func (k Kind) String() string {
	switch k {
	case KindWind:
		return "wind"
	case KindRain:
		return "rain"
	case KindUVIndex:
		return "uvi"
	case KindBarometric:
		return "baro"
	case KindTemperature:
		return "temp"
	case KindStatus:
		return "status"
	case KindMeta:
		return "meta"
	default:
		return fmt.Sprintf("0x%02X", byte(k))
	}
}

// MarshalText makes Kind render as its name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names String produces.
func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{KindWind, KindRain, KindUVIndex, KindBarometric, KindTemperature, KindStatus, KindMeta} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown reading kind %q", b)
}

// Reading is one decoded, timestamped observation. Exactly one of the
// kind-specific pointers is set, matching Kind.
type Reading struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Wind   *Wind           `json:"wind,omitempty"`
	Rain   *Rain           `json:"rain,omitempty"`
	UVI    *UVIndex        `json:"uvi,omitempty"`
	Baro   *Barometric     `json:"baro,omitempty"`
	Temp   *Temperature    `json:"temp,omitempty"`
	Status *Status         `json:"status,omitempty"`
	Meta   *ConnectionMeta `json:"meta,omitempty"`
}

// Wind speeds are in m/s.
type Wind struct {
	Dir       string  `json:"dir"`
	GustSpeed float64 `json:"gust_speed"`
	AvgSpeed  float64 `json:"avg_speed"`
	// Chill is the raw console byte; the conversion formula is unverified.
	Chill float64 `json:"chill"`
}

// Rain carries the rate and the accumulators, each scaled by 0.0254.
type Rain struct {
	Rate       float64 `json:"rate"`
	AccumHour  float64 `json:"accum_hour"`
	Accum24h   float64 `json:"accum_24h"`
	AccumTotal float64 `json:"accum_total"` // since last console reset
}

type UVIndex struct {
	Index int `json:"index"`
}

// Barometric pressures are in hPa.
type Barometric struct {
	Pressure    int    `json:"pressure"`
	AltPressure int    `json:"alt_pressure"`
	Forecast    string `json:"forecast"`
}

// Temperature values are in degrees Celsius, humidity in percent.
type Temperature struct {
	SensorID  int     `json:"sensor_id"`
	Temp      float64 `json:"temp"`
	DewPoint  float64 `json:"dew_point"`
	Humidity  int     `json:"humidity"`
	HeatIndex int     `json:"heat_index"`
}

// Status holds the console's battery ("ok"/"low") and sensor
// ("ok"/"failed") flags.
type Status struct {
	WindBat string `json:"wind_bat"`
	TempBat string `json:"temp_bat"`
	RainBat string `json:"rain_bat"`
	UVBat   string `json:"uv_bat"`

	WindSensor string `json:"wind_sensor"`
	TempSensor string `json:"temp_sensor"`
	RainSensor string `json:"rain_sensor"`
	UVSensor   string `json:"uv_sensor"`

	RTCSignalLevel string `json:"rtc_signal_level"`
}

// ConnectionMeta describes the link to the console.
type ConnectionMeta struct {
	SessionID    string        `json:"session_id"`
	ConnSince    time.Time     `json:"conn_since"`
	Uptime       time.Duration `json:"uptime"`
	NumFrames    uint64        `json:"num_frames"`
	NumBytes     uint64        `json:"num_bytes"`
	NumPackets   uint64        `json:"num_packets"`
	NumFailed    uint64        `json:"num_failed"`
	LatestPacket time.Time     `json:"latest_packet"`
}
