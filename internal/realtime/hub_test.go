package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventPaymentRequested, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventPaymentRequested, EventPaymentApproved},
	}}

	if !h.shouldSend(client, &Event{Type: EventPaymentRequested}) {
		t.Error("Should receive payment.requested")
	}
	if !h.shouldSend(client, &Event{Type: EventPaymentApproved}) {
		t.Error("Should receive payment.approved")
	}
	if h.shouldSend(client, &Event{Type: EventSubscriptionExpired}) {
		t.Error("Should NOT receive subscription.expired")
	}
}

func TestShouldSend_PlanFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{PlanTypes: []string{"church_plus", "church_premium"}}}

	plus := &Event{Type: EventPaymentRequested, Data: map[string]any{"planType": "church_plus"}}
	individual := &Event{Type: EventPaymentRequested, Data: map[string]any{"planType": "individual"}}
	noPlan := &Event{Type: EventSubscriptionCancelled, Data: map[string]any{"subscriptionId": "sub_1"}}

	if !h.shouldSend(client, plus) {
		t.Error("Should match church_plus")
	}
	if h.shouldSend(client, individual) {
		t.Error("Should NOT match individual")
	}
	if !h.shouldSend(client, noPlan) {
		t.Error("Events without a plan should pass the plan filter")
	}
}

func TestShouldSend_TenantFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{TenantIDs: []string{"ten_1"}}}

	if !h.shouldSend(client, &Event{Data: map[string]any{"tenantId": "ten_1"}}) {
		t.Error("Should match own tenant")
	}
	if h.shouldSend(client, &Event{Data: map[string]any{"tenantId": "ten_2"}}) {
		t.Error("Should NOT match other tenant")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{}}
	if !h.shouldSend(client, &Event{Type: EventPaymentRejected}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NilData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{PlanTypes: []string{"individual"}}}
	if !h.shouldSend(client, &Event{Type: EventPaymentRejected}) {
		t.Error("Nil data should pass through field filters")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(EventPaymentRequested, map[string]any{"paymentId": "pay_1"})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventPaymentRequested}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(EventSubscriptionExpired, nil)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive subscription.expired")
	default:
	}

	h.Publish(EventPaymentRequested, map[string]any{"confirmationCode": "7F3K9Q2A"})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event json: %v", err)
		}
		if ev.Type != EventPaymentRequested || ev.Data["confirmationCode"] != "7F3K9Q2A" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive payment.requested")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish(EventPaymentApproved, map[string]any{"paymentId": "pay_1", "planType": "individual"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventPaymentApproved || ev.Data["paymentId"] != "pay_1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}
