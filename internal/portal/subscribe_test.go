package portal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSubscriptionDeliversVisitRequestEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	sent := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !sent {
			event := PushEvent{
				Type:         "visit_request",
				VisitRequest: &VisitRequest{ActiveDeviceID: 1, PassiveDeviceID: 2, ResourceType: "desktop"},
			}
			data, _ := json.Marshal(event)
			conn.WriteMessage(websocket.TextMessage, data)
			sent = true
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var mu sync.Mutex
	var got *VisitRequest
	done := make(chan struct{})
	sub, err := NewSubscription(wsURL, 2, func(ev PushEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.VisitRequest != nil && got == nil {
			got = ev.VisitRequest
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}

	go sub.Start()
	defer sub.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for push event")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ActiveDeviceID != 1 || got.PassiveDeviceID != 2 {
		t.Fatalf("got %+v, want ActiveDeviceID=1 PassiveDeviceID=2", got)
	}
}

func TestSubscriptionStopUnblocks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, err := NewSubscription(wsURL, 1, func(PushEvent) {})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}

	startDone := make(chan struct{})
	go func() {
		sub.Start()
		close(startDone)
	}()

	time.Sleep(50 * time.Millisecond)
	sub.Stop()

	select {
	case <-startDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
