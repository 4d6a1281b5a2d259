package overlay

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-capture/internal/bus/bustest"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) protocol.CaptureStatus {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status protocol.CaptureStatus
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status
}

func TestHubStreamsStatus(t *testing.T) {
	hub := NewHub(nil, bustest.Logger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	if initial := readStatus(t, conn); initial.State != string(capture.StateIdle) || initial.Overlay {
		t.Fatalf("expected idle snapshot, got %+v", initial)
	}

	hub.StatusChanged(capture.Status{SessionID: "s1", State: capture.StateListening, Listening: true, Pulsing: true, Overlay: true})
	got := readStatus(t, conn)
	if got.SessionID != "s1" || got.State != "listening" || !got.Pulsing || !got.Overlay {
		t.Fatalf("unexpected status: %+v", got)
	}
	if hub.Latest().State != capture.StateListening {
		t.Fatalf("expected latest to track updates")
	}

	late := dial(t, srv)
	if snapshot := readStatus(t, late); snapshot.SessionID != "s1" {
		t.Fatalf("late client should receive latest status, got %+v", snapshot)
	}
	if hub.Clients() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.Clients())
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil, bustest.Logger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readStatus(t, conn)
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestHubPublishesOnBus(t *testing.T) {
	client := bustest.New(t)
	hub := NewHub(client, bustest.Logger())

	ch := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectCaptureStatus, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.StatusChanged(capture.Status{SessionID: "s1", State: capture.StateFailed, Error: "Voice input failed. Please try again."})

	select {
	case msg := <-ch:
		var status protocol.CaptureStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.State != "failed" || status.Error == "" || status.Overlay {
			t.Fatalf("unexpected status: %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
}

func TestHubBusOrderMatchesClients(t *testing.T) {
	client := bustest.New(t)
	hub := NewHub(client, bustest.Logger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	ch := make(chan *nats.Msg, 16)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectCaptureStatus, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn := dial(t, srv)
	readStatus(t, conn)

	const writers, perWriter = 4, 3
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				hub.StatusChanged(capture.Status{SessionID: fmt.Sprintf("w%d-%d", w, i), State: capture.StateListening, Overlay: true})
			}
		}(w)
	}
	wg.Wait()

	var onBus, onSocket []string
	for len(onBus) < writers*perWriter {
		select {
		case msg := <-ch:
			var status protocol.CaptureStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			onBus = append(onBus, status.SessionID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d bus statuses", len(onBus))
		}
	}
	for len(onSocket) < writers*perWriter {
		onSocket = append(onSocket, readStatus(t, conn).SessionID)
	}

	if fmt.Sprint(onBus) != fmt.Sprint(onSocket) {
		t.Fatalf("bus order %v differs from client order %v", onBus, onSocket)
	}
	if latest := hub.Latest().SessionID; latest != onBus[len(onBus)-1] {
		t.Fatalf("latest %q is not the last published status %q", latest, onBus[len(onBus)-1])
	}
}
