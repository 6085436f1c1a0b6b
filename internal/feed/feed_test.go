package feed_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"

	"github.com/leonetem/leonetem/internal/feed"
	"github.com/leonetem/leonetem/pkg/trace"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) feed.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var m feed.Message
	rtx.Must(json.Unmarshal(b, &m), "cannot decode message")
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_Publish(t *testing.T) {
	epoch := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := feed.New()
	h.SetEpoch(epoch)
	server := httptest.NewServer(h)
	defer server.Close()

	conns := []*websocket.Conn{dial(t, server.URL), dial(t, server.URL)}
	for _, c := range conns {
		defer c.Close()
		hello := read(t, c)
		if hello.Type != feed.TypeHello || hello.Epoch == nil || !hello.Epoch.Equal(epoch) {
			t.Fatalf("hello = %+v", hello)
		}
	}
	waitFor(t, func() bool { return h.Len() == 2 })

	tr := trace.Transition{
		LinkState: trace.LinkState{
			Link:      "sat0",
			AppliedAt: epoch.Add(5 * time.Second),
			Event: trace.Event{
				Offset:     5 * time.Second,
				Impairment: trace.Impairment{LatencyMs: 40, BandwidthKbps: 2000},
				Handover:   true,
			},
		},
		Offset:   5 * time.Second,
		Handover: true,
	}
	h.Publish(tr)
	for i, c := range conns {
		m := read(t, c)
		if m.Type != feed.TypeTransition || m.Data == nil {
			t.Fatalf("conn %d: got %+v", i, m)
		}
		if m.Epoch == nil || !m.Epoch.Equal(epoch) {
			t.Errorf("conn %d: transition epoch = %v, want %v", i, m.Epoch, epoch)
		}
		if m.Data.Link != "sat0" || !m.Data.Handover || m.Data.Offset != 5*time.Second ||
			m.Data.Event.LatencyMs != 40 {
			t.Errorf("conn %d: transition = %+v", i, *m.Data)
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	h := feed.New()
	server := httptest.NewServer(h)
	defer server.Close()

	c := dial(t, server.URL)
	if m := read(t, c); m.Type != feed.TypeHello || m.Epoch != nil {
		t.Fatalf("hello = %+v", m)
	}
	waitFor(t, func() bool { return h.Len() == 1 })
	c.Close()
	waitFor(t, func() bool { return h.Len() == 0 })
	// Publishing with no subscribers is a no-op.
	h.Publish(trace.Transition{})
}

func TestHub_Close(t *testing.T) {
	h := feed.New()
	server := httptest.NewServer(h)
	defer server.Close()

	c := dial(t, server.URL)
	defer c.Close()
	read(t, c)
	waitFor(t, func() bool { return h.Len() == 1 })

	h.Close()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage() error = %v, want normal closure", err)
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d after Close", h.Len())
	}

	// New subscribers are rejected once closed.
	late, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err == nil {
		defer late.Close()
		late.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := late.ReadMessage(); err == nil {
			t.Errorf("closed hub delivered a message")
		}
	}
}

func TestHub_EpochSetAfterConnect(t *testing.T) {
	h := feed.New()
	server := httptest.NewServer(h)
	defer server.Close()

	c := dial(t, server.URL)
	defer c.Close()
	if m := read(t, c); m.Epoch != nil {
		t.Fatalf("hello before the run started carries epoch %v", m.Epoch)
	}
	waitFor(t, func() bool { return h.Len() == 1 })

	epoch := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.SetEpoch(epoch)
	h.Publish(trace.Transition{Offset: time.Second})
	m := read(t, c)
	if m.Type != feed.TypeTransition || m.Epoch == nil || !m.Epoch.Equal(epoch) {
		t.Errorf("transition = %+v, want epoch %v", m, epoch)
	}
}
