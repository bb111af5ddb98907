package rtclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/platform/auth"
	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/internal/platform/rooms"
	"github.com/teleconsult/realtime/internal/platform/websocket"
	"github.com/teleconsult/realtime/pkg/realtime"
)

func newServer(t *testing.T) (*presence.Registry, *rooms.Manager, string) {
	t.Helper()
	reg := presence.NewRegistry()
	rm := rooms.NewManager(reg)
	gw := websocket.NewGateway(reg, rm, websocket.DefaultConfig(), zerolog.Nop())
	t.Cleanup(gw.Shutdown)

	e := echo.New()
	websocket.NewHandler(gw, auth.DevVerifier{}, nil, zerolog.Nop()).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return reg, rm, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestWebSocketDialer_EndToEnd(t *testing.T) {
	reg, rm, url := newServer(t)

	ctrl := New(&WebSocketDialer{URL: url, Token: func() string { return "dev:doctor:d1" }}, DefaultConfig())
	events := make(chan realtime.Envelope, 8)
	ctrl.OnEvent(func(env realtime.Envelope) { events <- env })

	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer ctrl.Disconnect()

	waitEvent := func(event string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case env := <-events:
				if env.Event == event {
					return
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %s", event)
			}
		}
	}

	waitEvent(realtime.EventConnected)
	if !reg.IsOnline("d1") {
		t.Fatal("d1 should be online")
	}

	if err := ctrl.Join("room-e2e"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	waitEvent(realtime.EventConsultationJoined)
	if !rm.IsMember("room-e2e", "d1") {
		t.Fatal("d1 should be a member of room-e2e")
	}

	ctrl.Disconnect()
	waitFor(t, "offline", func() bool { return !reg.IsOnline("d1") })
}

func TestWebSocketDialer_RejectsUnreachable(t *testing.T) {
	d := &WebSocketDialer{URL: "ws://127.0.0.1:1/ws"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Dial(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}
