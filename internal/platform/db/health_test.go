package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler_Disabled(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(nil)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body Health
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != "disabled" {
		t.Errorf("expected status disabled, got %q", body.Status)
	}
	if body.Pool != nil {
		t.Error("disabled health should omit pool stats")
	}
}

func TestHealth_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Health{Status: "healthy"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"status":"healthy"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}
