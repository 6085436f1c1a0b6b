package qos

// staticClockRates are the RTP clock rates of the static payload types
// (RFC 3551). G.722 uses 8000 for historical reasons.
var staticClockRates = map[uint8]int{
	0:  8000,
	3:  8000,
	4:  8000,
	5:  8000,
	6:  16000,
	7:  8000,
	8:  8000,
	9:  8000,
	10: 44100,
	11: 44100,
	12: 8000,
	13: 8000,
	14: 90000,
	15: 8000,
	16: 11025,
	17: 22050,
	18: 8000,
	25: 90000,
	26: 90000,
	28: 90000,
	31: 90000,
	32: 90000,
	33: 90000,
	34: 90000,
}

// DefaultClockRate returns the clock rate of a static RTP payload type, or
// 0 for dynamic and unassigned types.
func DefaultClockRate(pt uint8) int {
	return staticClockRates[pt]
}
