package capture

type options struct {
	rtpLow, rtpHigh      uint16
	detectRTP            bool
	iperfPorts           map[uint16]bool
	maxConsecutiveErrors int
}

// Option configures a Reader.
type Option func(*options)

// WithRTPPorts restricts RTP detection to UDP ports in [low, high]. By
// default any even port may carry RTP.
func WithRTPPorts(low, high uint16) Option {
	return func(o *options) {
		o.rtpLow, o.rtpHigh = low, high
	}
}

// WithoutRTP disables RTP and RTCP detection: every UDP datagram is
// analyzed as plain UDP.
func WithoutRTP() Option {
	return func(o *options) {
		o.detectRTP = false
	}
}

// WithIperfPorts sets the UDP ports whose datagrams carry an iPerf3 header.
// The default is 5201.
func WithIperfPorts(ports ...uint16) Option {
	return func(o *options) {
		o.iperfPorts = map[uint16]bool{}
		for _, p := range ports {
			o.iperfPorts[p] = true
		}
	}
}

// WithMaxConsecutiveErrors sets how many unreadable records in a row make
// the capture unreadable.
func WithMaxConsecutiveErrors(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConsecutiveErrors = n
		}
	}
}

func (o *options) rtpPort(port uint16) bool {
	if o.rtpHigh != 0 {
		return port >= o.rtpLow && port <= o.rtpHigh
	}
	return port%2 == 0 && port >= 1024
}
