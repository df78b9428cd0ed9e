package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/gateway"
	"github.com/nerrad567/gray-logic-ble/internal/message"
)

func telemetryMessage(t *testing.T, mac string, content []byte) *message.Message {
	t.Helper()
	msg, err := message.NewWithProperties(content, map[string]string{
		gateway.PropertyControllerIndex: "0",
		gateway.PropertyMACAddress:      mac,
		gateway.PropertyTimestamp:       "2026:03:01 10:00:00",
		gateway.PropertyCharacteristic:  "F000AA01-0451-4000-B000-000000000000",
		gateway.PropertySource:          gateway.SourceTelemetry,
	})
	if err != nil {
		t.Fatalf("NewWithProperties() error = %v", err)
	}
	return msg
}

func newTestClient(h *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           h,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	h.Register(c)
	return c
}

func readEvent(t *testing.T, c *WSClient) (WSMessage, TelemetryEvent) {
	t.Helper()
	select {
	case data := <-c.send:
		var env struct {
			WSMessage
			Payload TelemetryEvent `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return env.WSMessage, env.Payload
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return WSMessage{}, TelemetryEvent{}
}

func assertNoEvent(t *testing.T, c *WSClient) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("unexpected event: %s", data)
	default:
	}
}

func TestDeviceChannel(t *testing.T) {
	mac, err := ble.ParseMAC("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	if got := DeviceChannel(mac); got != "telemetry/aabbccddeeff" {
		t.Errorf("DeviceChannel() = %q", got)
	}
}

func TestHub_ReceiveTelemetry(t *testing.T) {
	h := NewHub(testAPIConfig().WebSocket, testLogger())
	h.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	all := newTestClient(h, ChannelTelemetry)
	device := newTestClient(h, "telemetry/aabbccddeeff")
	other := newTestClient(h, "telemetry/112233445566")
	none := newTestClient(h)

	h.Receive(telemetryMessage(t, "aa:bb:cc:dd:ee:ff", []byte{0x01, 0x02}))

	for _, c := range []*WSClient{all, device} {
		msg, event := readEvent(t, c)
		if msg.Type != WSTypeEvent || msg.EventType != ChannelTelemetry {
			t.Errorf("message = %+v", msg)
		}
		if msg.Timestamp != "2026-03-01T10:00:00Z" {
			t.Errorf("Timestamp = %q", msg.Timestamp)
		}
		if event.Address != "AA:BB:CC:DD:EE:FF" || event.ControllerIndex != "0" {
			t.Errorf("event = %+v", event)
		}
		if event.Characteristic != "F000AA01-0451-4000-B000-000000000000" || event.ReadAt != "2026:03:01 10:00:00" {
			t.Errorf("event = %+v", event)
		}
		if string(event.Content) != "\x01\x02" {
			t.Errorf("Content = %x", event.Content)
		}
	}
	assertNoEvent(t, other)
	assertNoEvent(t, none)
}

func TestHub_ReceiveIgnoresNonTelemetry(t *testing.T) {
	h := NewHub(testAPIConfig().WebSocket, testLogger())
	c := newTestClient(h, ChannelTelemetry)

	command, err := message.NewWithProperties([]byte{0x01}, map[string]string{
		gateway.PropertyCommandMAC: "AA:BB:CC:DD:EE:FF",
		gateway.PropertySource:     gateway.SourceCommand,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.Receive(command)

	badAddress := telemetryMessage(t, "not-a-mac", []byte{0x01})
	h.Receive(badAddress)

	assertNoEvent(t, c)
}

func TestHub_BroadcastAndUnregister(t *testing.T) {
	h := NewHub(testAPIConfig().WebSocket, testLogger())
	c := newTestClient(h, "status")

	if h.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", h.ClientCount())
	}
	h.Broadcast("status", map[string]string{"state": "up"})
	if msg, _ := readEvent(t, c); msg.EventType != "status" {
		t.Errorf("EventType = %q", msg.EventType)
	}

	h.Unregister(c)
	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
	// Sending to an unregistered client must not panic.
	h.Broadcast("status", nil)
	c.trySend([]byte("x"))
}

// dialStream starts the router on an httptest server and opens a stream.
func dialStream(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestWebSocket_Stream(t *testing.T) {
	srv := testServer(t, testAPIConfig(), nil)
	conn := dialStream(t, srv, "?channel=telemetry")

	srv.Hub().Receive(telemetryMessage(t, "AA:BB:CC:DD:EE:FF", []byte("hi")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	var got struct {
		Type      string         `json:"type"`
		EventType string         `json:"event_type"`
		Payload   TelemetryEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != WSTypeEvent || got.Payload.Address != "AA:BB:CC:DD:EE:FF" || string(got.Payload.Content) != "hi" {
		t.Errorf("event = %+v", got)
	}
}

func TestWebSocket_Protocol(t *testing.T) {
	srv := testServer(t, testAPIConfig(), nil)
	conn := dialStream(t, srv, "")

	exchange := func(req string) WSMessage {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
		var resp WSMessage
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return resp
	}

	if resp := exchange(`{"type":"ping","id":"p1"}`); resp.Type != WSTypePong || resp.ID != "p1" {
		t.Errorf("ping response = %+v", resp)
	}
	if resp := exchange(`{"type":"subscribe","id":"s1","payload":{"channels":["telemetry/aabbccddeeff"]}}`); resp.Type != WSTypeResponse || resp.ID != "s1" {
		t.Errorf("subscribe response = %+v", resp)
	}

	srv.Hub().Receive(telemetryMessage(t, "AA:BB:CC:DD:EE:FF", []byte{0x07}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	var event WSMessage
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if event.Type != WSTypeEvent {
		t.Errorf("event = %+v", event)
	}

	if resp := exchange(`{"type":"unsubscribe","id":"u1","payload":{"channels":["telemetry/aabbccddeeff"]}}`); resp.Type != WSTypeResponse {
		t.Errorf("unsubscribe response = %+v", resp)
	}
	if resp := exchange(`{"type":"shout","id":"x1"}`); resp.Type != WSTypeError || resp.ID != "x1" {
		t.Errorf("unknown type response = %+v", resp)
	}
	if resp := exchange(`not json`); resp.Type != WSTypeError {
		t.Errorf("invalid JSON response = %+v", resp)
	}
}
