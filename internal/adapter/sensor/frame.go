package sensor

import (
	"errors"
	"fmt"
)

// The sensor emits fixed 4-byte frames over UART:
//
//	0xFF  distance_high  distance_low  checksum
//
// where checksum = (0xFF + high + low) & 0xFF and the distance is in
// millimeters.
const (
	frameHeader = 0xFF
	frameSize   = 4
)

var (
	errBadHeader   = errors.New("bad frame header")
	errBadChecksum = errors.New("bad frame checksum")
)

// parseFrame decodes one frame into a distance in millimeters.
func parseFrame(frame []byte) (uint16, error) {
	if len(frame) != frameSize {
		return 0, fmt.Errorf("frame must be %d bytes, got %d", frameSize, len(frame))
	}
	if frame[0] != frameHeader {
		return 0, errBadHeader
	}
	if byte(frameHeader+frame[1]+frame[2]) != frame[3] {
		return 0, errBadChecksum
	}
	return uint16(frame[1])<<8 | uint16(frame[2]), nil
}

// percentOf maps a distance to a fill percentage given the distances
// measured at empty and full, clamped to [0, 100]. For a downward-
// facing ultrasonic sensor the full distance is the smaller one.
func percentOf(millimeters uint16, emptyMM, fullMM uint16) float64 {
	if emptyMM == fullMM {
		return 0
	}
	p := float64(int(emptyMM)-int(millimeters)) / float64(int(emptyMM)-int(fullMM)) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
