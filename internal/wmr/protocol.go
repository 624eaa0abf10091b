package wmr

// USB identification of the WMR200 console.
const (
	VendorID  = 0x0FDE
	ProductID = 0xCA01
)

// FrameSize is the size of one HID report exchanged with the console.
// The first byte of an incoming frame is the number of valid payload bytes.
const FrameSize = 8

// Command and packet type codes. Every code the console uses on the wire
// lives in 0xD0..0xDF, a range a length byte never falls into.
const (
	CmdHeartbeat           byte = 0xD0
	CmdHistoricDataNotif   byte = 0xD1
	CmdHistoricData        byte = 0xD2
	CmdRequestHistoricData byte = 0xDA
	CmdLoggerDataErase     byte = 0xDB
	CmdCommunicationStop   byte = 0xDF

	commandRangeLo byte = 0xD0
	commandRangeHi byte = 0xDF
)

// wakeUp is sent once after opening the device, before any command frame.
var wakeUp = [FrameSize]byte{0x20, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00}

// IsCommand reports whether b is in the command/type marker range.
func IsCommand(b byte) bool {
	return b >= commandRangeLo && b <= commandRangeHi
}

// commandFrame builds the 8-byte frame carrying a single command byte.
func commandFrame(cmd byte) []byte {
	f := make([]byte, FrameSize)
	f[0] = 0x01
	f[1] = cmd
	return f
}

func low(b byte) int  { return int(b & 0x0F) }
func high(b byte) int { return int(b>>4) & 0x0F }
func bit(n uint, b byte) int {
	return int(b>>n) & 1
}

const (
	signPositive = 0x0
	signNegative = 0x8

	// tenthOfInch scales the console's rain counters. Kept literal.
	tenthOfInch = 0.0254
)

var levelString = [2]string{"ok", "low"}

var statusString = [2]string{"ok", "failed"}

var forecastString = [7]string{
	"partly_cloudy-day", "rainy", "cloudy",
	"sunny", "clear", "snowy",
	"partly_cloudy-night",
}

var windDirString = [16]string{
	"N", "NNE", "NE", "ENE",
	"E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW",
	"W", "WNW", "NW", "NNW",
}
