package flow

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/leonetem/leonetem/pkg/analysis/model"
)

// trackedFlow is a flow state shared between Add and the eviction callback.
type trackedFlow struct {
	mu        sync.Mutex
	state     *state
	delivered bool
}

// Tracker reconstructs flows from a live packet stream. A flow that
// receives no packet for the idle timeout is evicted and passed to the
// callback.
type Tracker struct {
	cache  *ttlcache.Cache[model.FlowKey, *trackedFlow]
	onFlow func(*model.Flow)

	// waitEvictions unsubscribes the eviction callback and waits for the
	// running ones to return.
	waitEvictions func()
	stopOnce      sync.Once

	// addMu serializes Add. It is never taken by the eviction callback.
	addMu     sync.Mutex
	unmatched int
}

// NewTracker returns a Tracker evicting flows idle for longer than idle.
// onFlow is called once per flow, from an eviction goroutine on expiry or
// from Flush. It may run concurrently with itself.
func NewTracker(idle time.Duration, onFlow func(*model.Flow)) *Tracker {
	cache := ttlcache.New(
		ttlcache.WithTTL[model.FlowKey, *trackedFlow](idle),
	)
	t := &Tracker{cache: cache, onFlow: onFlow}
	t.waitEvictions = cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[model.FlowKey, *trackedFlow]) {
		log.Debug("Flow evicted", "flow", i.Key(), "reason", er)
		t.deliver(i.Value())
	})
	go cache.Start()
	return t
}

// Add adds p to its flow. RTCP packets are attached to the RTP flow they
// report on, if it is being tracked.
func (t *Tracker) Add(p model.PacketRecord) {
	t.addMu.Lock()
	defer t.addMu.Unlock()

	if p.Protocol == model.ProtocolRTCP {
		t.addRTCP(p)
		return
	}
	key, forward, ok := KeyOf(&p)
	if !ok {
		return
	}
	for {
		var tf *trackedFlow
		if item := t.cache.Get(key); item != nil {
			tf = item.Value()
		} else {
			tf = &trackedFlow{state: newState(key)}
			t.cache.Set(key, tf, ttlcache.DefaultTTL)
		}
		tf.mu.Lock()
		if tf.delivered {
			// Evicted between Get and Lock: start a new flow.
			tf.mu.Unlock()
			t.cache.Delete(key)
			continue
		}
		tf.state.add(p, forward)
		tf.mu.Unlock()
		return
	}
}

func (t *Tracker) addRTCP(p model.PacketRecord) {
	matched := false
	for key, item := range t.cache.Items() {
		if key.Protocol != model.ProtocolRTP || !reportsOn(&p, key.ID) {
			continue
		}
		tf := item.Value()
		tf.mu.Lock()
		if !tf.delivered {
			tf.state.flow.RTCP = append(tf.state.flow.RTCP, p)
			matched = true
		}
		tf.mu.Unlock()
	}
	if !matched {
		t.unmatched++
	}
}

// UnmatchedRTCP returns the number of RTCP packets that reported on no
// tracked RTP flow when they arrived.
func (t *Tracker) UnmatchedRTCP() int {
	t.addMu.Lock()
	defer t.addMu.Unlock()
	return t.unmatched
}

func (t *Tracker) deliver(tf *trackedFlow) {
	tf.mu.Lock()
	if tf.delivered {
		tf.mu.Unlock()
		return
	}
	tf.delivered = true
	f := tf.state.finish()
	tf.mu.Unlock()
	if t.onFlow != nil {
		t.onFlow(f)
	}
}

// Len returns the number of flows being tracked.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// Snapshot returns a copy of every tracked flow, without evicting them.
func (t *Tracker) Snapshot() []*model.Flow {
	var out []*model.Flow
	for _, item := range t.cache.Items() {
		tf := item.Value()
		tf.mu.Lock()
		if !tf.delivered {
			s := &state{flow: &model.Flow{
				Key:      tf.state.flow.Key,
				Arrivals: append([]model.FlowPacket(nil), tf.state.flow.Arrivals...),
				RTCP:     append([]model.PacketRecord(nil), tf.state.flow.RTCP...),
			}}
			out = append(out, s.finish())
		}
		tf.mu.Unlock()
	}
	return out
}

// Flush delivers every tracked flow to the callback and empties the
// tracker. Flows that expired before Flush may still be in the callback
// when it returns; Stop waits for them.
func (t *Tracker) Flush() {
	t.addMu.Lock()
	defer t.addMu.Unlock()
	for _, item := range t.cache.Items() {
		t.deliver(item.Value())
	}
	t.cache.DeleteAll()
}

// Stop flushes the tracker, stops the cache's expiry goroutine and waits
// until the callback has returned for every flow. Add must not be called
// after Stop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.Flush()
		t.cache.Stop()
		t.waitEvictions()
	})
}
