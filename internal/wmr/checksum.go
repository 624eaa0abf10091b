package wmr

import "encoding/binary"

// checksum16 sums bytes into the low 16 bits.
func checksum16(b []byte) uint16 {
	var sum uint32
	for _, v := range b {
		sum += uint32(v)
	}
	return uint16(sum & 0xFFFF)
}

// Verify reports whether pkt carries a valid little-endian checksum of all
// bytes but the last two. Packets of two bytes or fewer are never valid.
func Verify(pkt []byte) bool {
	if len(pkt) <= 2 {
		return false
	}
	got := binary.LittleEndian.Uint16(pkt[len(pkt)-2:])
	return got == checksum16(pkt[:len(pkt)-2])
}

// Seal builds a wire packet: type, length, body and checksum trailer.
func Seal(typ byte, body []byte) []byte {
	n := 2 + len(body) + 2
	pkt := make([]byte, n)
	pkt[0] = typ
	pkt[1] = byte(n)
	copy(pkt[2:], body)
	binary.LittleEndian.PutUint16(pkt[n-2:], checksum16(pkt[:n-2]))
	return pkt
}
