package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/config"
	"github.com/teleconsult/realtime/internal/platform/auth"
	"github.com/teleconsult/realtime/internal/platform/notification"
	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/internal/platform/rooms"
	"github.com/teleconsult/realtime/internal/platform/telemetry"
	"github.com/teleconsult/realtime/internal/platform/websocket"
)

func TestNotificationFromFlags(t *testing.T) {
	cmd := notifyCmd()
	cmd.Flags().Set("type", "appointment")
	cmd.Flags().Set("title", "Reminder")
	cmd.Flags().Set("message", "Your consultation starts in 10 minutes")

	msg, err := notificationFromFlags(cmd, `{"appointmentId":"apt-1"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != "appointment" || msg.Title != "Reminder" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Data["appointmentId"] != "apt-1" {
		t.Errorf("data not decoded: %v", msg.Data)
	}
}

func TestNotificationFromFlags_Validation(t *testing.T) {
	cmd := notifyCmd()
	if _, err := notificationFromFlags(cmd, ""); err == nil {
		t.Fatal("expected error without --type and --title")
	}

	cmd.Flags().Set("type", "alert")
	cmd.Flags().Set("title", "x")
	if _, err := notificationFromFlags(cmd, "[1,2]"); err == nil {
		t.Fatal("expected error for non-object --data")
	}
}

func TestGatewayConfig(t *testing.T) {
	cfg := &config.Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  25 * time.Second,
		SendQueueSize:     32,
		EventRateLimit:    5,
		EventRateBurst:    10,
		BindTimeout:       3 * time.Second,
	}
	gc := gatewayConfig(cfg)
	if gc.Heartbeat.Interval != 10*time.Second || gc.Heartbeat.Timeout != 25*time.Second {
		t.Errorf("unexpected heartbeat config: %+v", gc.Heartbeat)
	}
	if gc.SendQueueSize != 32 || gc.EventRate != 5 || gc.EventBurst != 10 || gc.BindTimeout != 3*time.Second {
		t.Errorf("unexpected gateway config: %+v", gc)
	}
	if gc.WriteTimeout <= 0 || gc.MaxMessageSize <= 0 {
		t.Error("defaults should be kept for unset fields")
	}
}

func TestBuildVerifier_DevAcceptsDevTokens(t *testing.T) {
	v, err := buildVerifier(context.Background(), &config.Config{Env: "development"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := v.Verify(context.Background(), "dev:doctor:d1")
	if err != nil {
		t.Fatalf("dev token rejected: %v", err)
	}
	if p.Subject != "d1" {
		t.Errorf("subject = %s, want d1", p.Subject)
	}
}

func TestBuildVerifier_ProductionRejectsDevTokens(t *testing.T) {
	v, err := buildVerifier(context.Background(), &config.Config{Env: "production", AuthSigningKey: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := v.(auth.DevVerifier); ok {
		t.Fatal("production must not use the dev verifier")
	}
	if _, err := v.Verify(context.Background(), "dev:admin:a1"); err == nil {
		t.Fatal("dev token accepted in production")
	}
}

func TestPoolConfig(t *testing.T) {
	pc := poolConfig(&config.Config{DatabaseURL: "postgres://localhost/rt", DBMaxConns: 8, DBMinConns: 2, NodeID: "n1"})
	if pc.URL != "postgres://localhost/rt" || pc.MaxConns != 8 || pc.MinConns != 2 {
		t.Errorf("unexpected pool config: %+v", pc)
	}
	if pc.ApplicationName != "realtime-server/n1" {
		t.Errorf("application name = %s", pc.ApplicationName)
	}
}

func TestRegisterMetrics(t *testing.T) {
	registry := presence.NewRegistry()
	rm := rooms.NewManager(registry)
	gw := websocket.NewGateway(registry, rm, websocket.DefaultConfig(), zerolog.Nop())
	defer gw.Shutdown()
	d := notification.NewDispatcher(registry, rm, zerolog.Nop())

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{})
	registerMetrics(tp, gw, d, nil)

	if _, err := d.Send(context.Background(), notification.ScopeIdentity, "offline-user",
		notification.Message{Type: "alert", Title: "t"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	e := echo.New()
	e.GET("/metrics", tp.PrometheusHandler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"realtime_sessions 0",
		"realtime_rooms 0",
		"realtime_rate_limited_events_total 0",
		`realtime_notifications_sent_total{scope="identity"} 1`,
		`realtime_notifications_missed_total{scope="identity"} 1`,
		`realtime_notifications_delivered_total{scope="room"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if strings.Contains(body, "db_pool_") {
		t.Error("pool gauges must not be registered without a pool")
	}
}
