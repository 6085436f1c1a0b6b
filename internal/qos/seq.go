package qos

import "sort"

// gap is a range [lo, hi) of the sequence space that hasn't been received.
type gap struct {
	lo, hi int64
	// revealer is the arrival index of the packet that opened the gap.
	revealer int
}

// seqTracker counts loss, reordering and duplicates over one direction of
// a flow.
//
// In packet mode every sequence number is one packet and loss is counted in
// packets. In byte mode (TCP, plain UDP) sequence numbers are byte offsets
// and loss is counted in missing ranges.
type seqTracker struct {
	bytes   bool
	started bool
	lowest  int64
	next    int64
	gaps    []gap
	seen    map[int64]bool

	received   int
	reordered  int
	duplicates int
	// lostAt is the net number of losses attributed to each arrival index.
	lostAt map[int]int
	// counted marks arrivals that belong to the analyzed sequence space.
	counted map[int]bool
}

func newSeqTracker(bytes bool) *seqTracker {
	return &seqTracker{
		bytes:   bytes,
		seen:    map[int64]bool{},
		lostAt:  map[int]int{},
		counted: map[int]bool{},
	}
}

func (t *seqTracker) units(lo, hi int64) int64 {
	if hi <= lo {
		return 0
	}
	if t.bytes {
		return 1
	}
	return hi - lo
}

// add records the arrival idx carrying [seq, seq+length). length is 1 in
// packet mode. It returns false for duplicates.
func (t *seqTracker) add(idx int, seq, length int64) bool {
	if !t.bytes {
		length = 1
	}
	end := seq + length
	if !t.started {
		t.started = true
		t.lowest, t.next = seq, end
		t.received++
		t.seen[seq] = true
		t.counted[idx] = true
		return true
	}
	if !t.bytes && t.seen[seq] {
		t.duplicates++
		return false
	}

	if seq >= t.next {
		if seq > t.next {
			t.gaps = append(t.gaps, gap{lo: t.next, hi: seq, revealer: idx})
			t.lostAt[idx] += int(t.units(t.next, seq))
		}
		t.next = end
		t.received++
		t.seen[seq] = true
		t.counted[idx] = true
		return true
	}

	filled := t.fill(seq, end)
	if end > t.next {
		t.next = end
		filled = true
	}
	switch {
	case seq < t.lowest:
		// Older than anything seen: late, but no gap was ever open for it.
		t.lowest = seq
		t.reordered++
	case filled:
		t.reordered++
	default:
		t.duplicates++
		return false
	}
	t.received++
	t.seen[seq] = true
	t.counted[idx] = true
	return true
}

// fill removes [lo, hi) from the open gaps and reports whether any of it
// was open.
func (t *seqTracker) fill(lo, hi int64) bool {
	filled := false
	var out []gap
	for _, g := range t.gaps {
		if hi <= g.lo || lo >= g.hi {
			out = append(out, g)
			continue
		}
		filled = true
		before := t.units(g.lo, g.hi)
		var after int64
		if g.lo < lo {
			left := gap{lo: g.lo, hi: lo, revealer: g.revealer}
			out = append(out, left)
			after += t.units(left.lo, left.hi)
		}
		if hi < g.hi {
			right := gap{lo: hi, hi: g.hi, revealer: g.revealer}
			out = append(out, right)
			after += t.units(right.lo, right.hi)
		}
		t.lostAt[g.revealer] += int(after - before)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lo < out[j].lo })
	t.gaps = out
	return filled
}

// lost returns the losses still open.
func (t *seqTracker) lost() int64 {
	var n int64
	for _, g := range t.gaps {
		n += t.units(g.lo, g.hi)
	}
	return n
}

func (t *seqTracker) expected() int64 {
	return int64(t.received) + t.lost()
}
