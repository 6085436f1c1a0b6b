package flow

// Unwrapper extends fixed-width sequence numbers into a monotonic space.
//
// A sequence number is interpreted relative to the highest one seen so far:
// a backward jump of more than half the sequence space is a wraparound, not
// a reordering.
type Unwrapper struct {
	bits    uint8
	highest int64
	started bool
}

// NewUnwrapper returns an Unwrapper for a sequence space of the given
// width in bits. Widths of 63 bits or more are never unwrapped.
func NewUnwrapper(bits uint8) *Unwrapper {
	return &Unwrapper{bits: bits}
}

// Unwrap returns the extended value of seq.
func (u *Unwrapper) Unwrap(seq uint64) int64 {
	if u.bits == 0 || u.bits >= 63 {
		ext := int64(seq)
		if !u.started || ext > u.highest {
			u.highest, u.started = ext, true
		}
		return ext
	}
	if !u.started {
		u.highest, u.started = int64(seq), true
		return u.highest
	}
	mod := uint64(1) << u.bits
	d := int64((seq - uint64(u.highest)) & (mod - 1))
	if d >= int64(mod/2) {
		d -= int64(mod)
	}
	ext := u.highest + d
	if ext > u.highest {
		u.highest = ext
	}
	return ext
}

// Highest returns the highest extended value seen.
func (u *Unwrapper) Highest() int64 {
	return u.highest
}
