package qos

import "math"

// running holds streaming mean and variance (Welford).
type running struct {
	n    int
	mean float64
	m2   float64
}

func (r *running) add(x float64) {
	r.n++
	d := x - r.mean
	r.mean += d / float64(r.n)
	r.m2 += d * (x - r.mean)
}

func (r *running) meanPtr() *float64 {
	if r.n == 0 {
		return nil
	}
	m := r.mean
	return &m
}

func (r *running) variancePtr() *float64 {
	if r.n == 0 {
		return nil
	}
	v := r.m2 / float64(r.n)
	return &v
}

// jitter is the RFC 3550 interarrival jitter estimator.
type jitter struct {
	j     float64
	valid bool
}

// update adds one transit time difference, in milliseconds.
func (j *jitter) update(d float64) {
	j.j += (math.Abs(d) - j.j) / 16
	j.valid = true
}

func (j *jitter) ptr() *float64 {
	if !j.valid {
		return nil
	}
	v := j.j
	return &v
}

func ptr[T any](v T) *T {
	return &v
}

func ms(seconds float64) float64 {
	return seconds * 1000
}
