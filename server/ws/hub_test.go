package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/comms"
)

func TestHub_StreamsBusMessages(t *testing.T) {
	hub := NewHub(nil)
	bus := comms.NewInMemoryBus()
	detach := hub.Attach(bus)
	defer detach()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	if !strings.Contains(first, `"connected"`) {
		t.Fatalf("expected connected event, got %q", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = bus.Publish(ctx, &comms.Message{
		Type:    comms.TypeDisposition,
		Topic:   comms.TopicScheduler,
		Subject: "evt-1",
		Payload: map[string]string{"status": "processed"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if ev.Type != string(comms.TypeDisposition) {
			continue
		}
		if ev.Topic != comms.TopicScheduler || ev.Subject != "evt-1" {
			t.Errorf("unexpected event %+v", ev)
		}
		return
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	hub.Broadcast(Event{Type: "noop"})
	if hub.Clients() != 0 {
		t.Errorf("expected no clients, got %d", hub.Clients())
	}
}
