package scheduler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/models"
)

func TestBroker_PublishReachesOwnerOnly(t *testing.T) {
	b := NewBroker(common.NewSilentLogger())

	aliceCh, cancelAlice := b.Subscribe("alice")
	defer cancelAlice()
	bobCh, cancelBob := b.Subscribe("bob")
	defer cancelBob()

	b.Publish(models.JobEvent{JobID: "j1", UserID: "alice", Status: models.JobStatusCompleted})

	select {
	case ev := <-aliceCh:
		if ev.JobID != "j1" || ev.Status != models.JobStatusCompleted {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("alice never received her event")
	}

	select {
	case ev := <-bobCh:
		t.Errorf("bob received alice's event: %+v", ev)
	default:
	}
}

func TestBroker_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroker(common.NewSilentLogger())

	_, cancel := b.Subscribe("alice")
	defer cancel()

	// Flood well past the buffer; Publish must return promptly every time.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*10; i++ {
			b.Publish(models.JobEvent{JobID: "j", UserID: "alice", Status: models.JobStatusQueued})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBroker_CancelRemovesSubscription(t *testing.T) {
	b := NewBroker(common.NewSilentLogger())

	ch, cancel := b.Subscribe("alice")
	cancel()

	b.Publish(models.JobEvent{JobID: "j1", UserID: "alice", Status: models.JobStatusFailed})

	select {
	case ev := <-ch:
		t.Errorf("cancelled subscriber received event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// Cancelling twice is harmless.
	cancel()
}

func TestBroker_MultipleSubscribersSameUser(t *testing.T) {
	b := NewBroker(common.NewSilentLogger())

	ch1, cancel1 := b.Subscribe("alice")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("alice")
	defer cancel2()

	b.Publish(models.JobEvent{JobID: "j1", UserID: "alice", Status: models.JobStatusRunning})

	for i, ch := range []<-chan models.JobEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.JobID != "j1" {
				t.Errorf("subscriber %d got wrong event: %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestWSHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := NewWSHub(common.NewSilentLogger())
	// Without Run draining the channel, overflow must drop rather than block.
	for i := 0; i < 300; i++ {
		hub.Broadcast(models.JobEvent{JobID: "j", Status: models.JobStatusQueued})
	}
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestWSHub_StopReleasesConnectedClients(t *testing.T) {
	hub := NewWSHub(common.NewSilentLogger())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// With Run gone, the read pump's deferred unregister must not hang when
	// the peer disconnects.
	hub.Stop()
	conn.Close()

	pump := &wsClient{hub: hub, conn: mustServerConn(t), send: make(chan []byte, 1)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump.readPump()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump blocked on unregister after Stop")
	}
}

// mustServerConn hands back the server side of a fresh WebSocket pair whose
// peer closes immediately, so a read pump exits on its first read.
func mustServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client := dialHub(t, srv)
	client.Close()

	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server connection never arrived")
		return nil
	}
}

func TestWSHub_ServeWSAfterStopClosesConnection(t *testing.T) {
	hub := NewWSHub(common.NewSilentLogger())
	hub.Stop() // never ran

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the stopped hub to close the connection")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected no registered clients, got %d", hub.ClientCount())
	}
}
