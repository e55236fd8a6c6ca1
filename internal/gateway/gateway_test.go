package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/config"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/server"
)

const testTimeout = 5 * time.Second

type lamp struct {
	device.Base
	brightness int64
}

func (l *lamp) InitDevice(context.Context) error {
	l.SetState(device.On)
	l.SetStatus("lit")
	return l.SetChangeEvent("brightness", true, false)
}

func (l *lamp) ReadBrightness() int64 { return l.brightness }

func (l *lamp) WriteBrightness(v int64) { l.brightness = v }

func (l *lamp) ReadModel() string { return "L-100" }

func (l *lamp) Dim(step int64) int64 {
	l.brightness -= step
	return l.brightness
}

func (l *lamp) Off() { l.brightness = 0 }

var lampClass = device.MustDefine[*lamp](device.ClassSpec{
	Name: "Lamp",
	Attributes: []device.Attribute{
		{Name: "brightness", Access: device.ReadWrite},
		{Name: "model"},
	},
	Commands: []device.Command{{Name: "Dim"}, {Name: "Off"}},
})

func startServer(t *testing.T) *server.Server {
	t.Helper()
	args, err := server.ParseArgs([]string{"Lamp", "test", "-ORBendPoint", "giop:tcp:127.0.0.1:0", "-nodb", "-dlist", "test/lamp/1"})
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}
	s, err := server.New(server.Options{Args: args, Classes: []*device.Class{lampClass}, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case <-s.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("Run() returned before ready: %v", err)
	case <-time.After(testTimeout):
		cancel()
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// newTestGateway serves the gateway of a fresh lamp server.
func newTestGateway(t *testing.T) (*server.Server, *Gateway, *httptest.Server) {
	t.Helper()
	s := startServer(t)
	g, err := New(Deps{Config: config.GatewayConfig{Host: "127.0.0.1"}, Logger: logging.Discard(), Server: s, Version: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		ts.Close()
		g.Close() //nolint:errcheck // test cleanup
	})
	return s, g, ts
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_RequiresServer(t *testing.T) {
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without server should fail")
	}
}

func TestHealthAndStatus(t *testing.T) {
	_, _, ts := newTestGateway(t)

	var health map[string]any
	if code := doJSON(t, http.MethodGet, ts.URL+"/health", "", &health); code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", code, http.StatusOK)
	}
	if health["status"] != "ok" || health["server"] != "Lamp/test" {
		t.Errorf("GET /health = %v", health)
	}

	var status StatusReport
	if code := doJSON(t, http.MethodGet, ts.URL+"/status", "", &status); code != http.StatusOK {
		t.Fatalf("GET /status status = %d, want %d", code, http.StatusOK)
	}
	if status.Server.Name != "Lamp/test" || status.Server.Admin != "dserver/Lamp/test" {
		t.Errorf("status server = %+v", status.Server)
	}
	if status.Server.Devices != 2 {
		t.Errorf("status devices = %d, want 2", status.Server.Devices)
	}
	if status.Version != "test" {
		t.Errorf("status version = %q, want %q", status.Version, "test")
	}
}

func TestListAndGetDevice(t *testing.T) {
	_, _, ts := newTestGateway(t)

	var list struct {
		Server  string          `json:"server"`
		Devices []DeviceSummary `json:"devices"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/devices", "", &list); code != http.StatusOK {
		t.Fatalf("GET /devices status = %d", code)
	}
	if len(list.Devices) != 2 || list.Devices[0].Name != "test/lamp/1" || list.Devices[0].Class != "Lamp" {
		t.Errorf("GET /devices = %+v", list.Devices)
	}

	var detail DeviceDetail
	if code := doJSON(t, http.MethodGet, ts.URL+"/devices/test/lamp/1", "", &detail); code != http.StatusOK {
		t.Fatalf("GET device status = %d", code)
	}
	if detail.Class != "Lamp" || detail.State != device.On.String() || detail.Status != "lit" {
		t.Errorf("GET device = %+v", detail)
	}
	if !contains(detail.Attributes, "brightness") || !contains(detail.Commands, "Dim") {
		t.Errorf("GET device attributes = %v, commands = %v", detail.Attributes, detail.Commands)
	}
}

func TestAttributesAndCommands(t *testing.T) {
	_, _, ts := newTestGateway(t)
	base := ts.URL + "/devices/test/lamp/1"

	if code := doJSON(t, http.MethodPut, base+"/attributes/brightness", `{"value": 40}`, nil); code != http.StatusNoContent {
		t.Fatalf("PUT brightness status = %d, want %d", code, http.StatusNoContent)
	}

	var v map[string]any
	if code := doJSON(t, http.MethodGet, base+"/attributes/brightness", "", &v); code != http.StatusOK {
		t.Fatalf("GET brightness status = %d", code)
	}
	if v["value"] != float64(40) {
		t.Errorf("GET brightness value = %v, want 40", v["value"])
	}

	var out commandResponse
	if code := doJSON(t, http.MethodPost, base+"/commands/Dim", `{"arg": 15}`, &out); code != http.StatusOK {
		t.Fatalf("POST Dim status = %d", code)
	}
	if out.Result != float64(25) {
		t.Errorf("POST Dim result = %v, want 25", out.Result)
	}

	out = commandResponse{Result: "unset"}
	if code := doJSON(t, http.MethodPost, base+"/commands/Off", "", &out); code != http.StatusOK {
		t.Fatalf("POST Off status = %d", code)
	}
	if out.Result != nil {
		t.Errorf("POST Off result = %v, want null", out.Result)
	}
}

func TestErrors(t *testing.T) {
	_, _, ts := newTestGateway(t)
	base := ts.URL + "/devices/test/lamp/1"

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
		wantReason string
	}{
		{"unknown device", http.MethodGet, ts.URL + "/devices/no/such/device", "", http.StatusNotFound, server.ReasonDeviceNotFound},
		{"unknown attribute", http.MethodGet, base + "/attributes/missing", "", http.StatusNotFound, device.ReasonAttrNotFound},
		{"unknown command", http.MethodPost, base + "/commands/Explode", "", http.StatusNotFound, device.ReasonCommandNotFound},
		{"read-only attribute", http.MethodPut, base + "/attributes/model", `{"value": "X"}`, http.StatusForbidden, device.ReasonAttrNotWritable},
		{"bad argument", http.MethodPost, base + "/commands/Dim", `{"arg": "lots"}`, http.StatusBadRequest, device.ReasonIncompatibleArg},
		{"missing value", http.MethodPut, base + "/attributes/brightness", `{}`, http.StatusBadRequest, ""},
		{"invalid json", http.MethodPut, base + "/attributes/brightness", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Error
			code := doJSON(t, tt.method, tt.url, tt.body, &e)
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%+v)", code, tt.wantStatus, e)
			}
			if e.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", e.Reason, tt.wantReason)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	_, _, ts := newTestGateway(t)
	doJSON(t, http.MethodGet, ts.URL+"/devices/test/lamp/1/attributes/brightness", "", &map[string]any{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"devicekit_requests_total", "devicekit_gateway_websocket_clients"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("GET /metrics missing %s", want)
		}
	}
}

func TestWebSocketEvents(t *testing.T) {
	s, g, ts := newTestGateway(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()

	read := func() WSMessage {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:errcheck // test
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return msg
	}
	event := func(msg WSMessage) device.Event {
		t.Helper()
		var ev device.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("event payload: %v", err)
		}
		return ev
	}

	if err := ws.WriteJSON(map[string]any{"type": WSTypePing, "id": "p1"}); err != nil {
		t.Fatalf("WriteJSON(ping) error = %v", err)
	}
	if msg := read(); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v, want pong p1", msg)
	}

	sub := map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "s1",
		"payload": map[string]string{"device": "test/lamp/1", "attribute": "brightness"},
	}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON(subscribe) error = %v", err)
	}

	// The initial event and the response may arrive in either order.
	var subID string
	gotInitial := false
	for subID == "" || !gotInitial {
		msg := read()
		switch msg.Type {
		case WSTypeResponse:
			var body map[string]string
			if err := json.Unmarshal(msg.Payload, &body); err != nil {
				t.Fatalf("response payload: %v", err)
			}
			subID = body["subscription"]
		case WSTypeEvent:
			gotInitial = true
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	if g.hub.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", g.hub.SubscriptionCount())
	}

	dev, _ := s.Device("test/lamp/1")
	if err := dev.DeviceBase().PushChangeEvent(context.Background(), "brightness", int64(70)); err != nil {
		t.Fatalf("PushChangeEvent() error = %v", err)
	}
	msg := read()
	if msg.Type != WSTypeEvent || msg.EventType != "change" {
		t.Fatalf("pushed message = %+v, want change event", msg)
	}
	if ev := event(msg); ev.Attribute != "brightness" || ev.Value == nil {
		t.Errorf("pushed event = %+v", ev)
	}

	unsub := map[string]any{"type": WSTypeUnsubscribe, "id": "u1", "payload": map[string]string{"subscription": subID}}
	if err := ws.WriteJSON(unsub); err != nil {
		t.Fatalf("WriteJSON(unsubscribe) error = %v", err)
	}
	if msg := read(); msg.Type != WSTypeResponse || msg.ID != "u1" {
		t.Errorf("unsubscribe reply = %+v", msg)
	}
	if err := ws.WriteJSON(unsub); err != nil {
		t.Fatalf("WriteJSON(unsubscribe) error = %v", err)
	}
	if msg := read(); msg.Type != WSTypeError {
		t.Errorf("second unsubscribe reply = %+v, want error", msg)
	}

	bad := map[string]any{"type": WSTypeSubscribe, "id": "s2", "payload": map[string]string{"device": "test/lamp/1", "attribute": "missing"}}
	if err := ws.WriteJSON(bad); err != nil {
		t.Fatalf("WriteJSON(bad subscribe) error = %v", err)
	}
	if msg := read(); msg.Type != WSTypeError || msg.ID != "s2" {
		t.Errorf("bad subscribe reply = %+v, want error", msg)
	}
}

func TestStartAndClose(t *testing.T) {
	s := startServer(t)
	g, err := New(Deps{Config: config.GatewayConfig{Host: "127.0.0.1", ReadTimeout: 7, WriteTimeout: 9}, Logger: logging.Discard(), Server: s})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	g.mu.Lock()
	readTimeout, writeTimeout := g.http.ReadTimeout, g.http.WriteTimeout
	g.mu.Unlock()
	if readTimeout != 7*time.Second || writeTimeout != 9*time.Second {
		t.Errorf("http timeouts = %v/%v, want 7s/9s", readTimeout, writeTimeout)
	}
	resp, err := http.Get("http://" + g.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d", resp.StatusCode)
	}
	if err := g.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
