package realtime

import (
	"errors"
	"testing"
)

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{"doctor", Identity{ID: "d-1", Role: RoleDoctor}, false},
		{"patient", Identity{ID: "p-1", Role: RolePatient}, false},
		{"admin", Identity{ID: "a-1", Role: RoleAdmin}, false},
		{"missing id", Identity{Role: RoleDoctor}, true},
		{"missing role", Identity{ID: "x"}, true},
		{"unknown role", Identity{ID: "x", Role: "nurse"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidIdentity) {
				t.Errorf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("doctor"); err != nil || r != RoleDoctor {
		t.Fatalf("ParseRole(doctor) = %q, %v", r, err)
	}
	if _, err := ParseRole("billing"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventJoinConsultation, RoomPayload{RoomID: "sess-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var p RoomPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.RoomID != "sess-1" {
		t.Errorf("RoomID = %q, want sess-1", p.RoomID)
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env := Envelope{Event: EventHeartbeat}
	var p RoomPayload
	if err := env.Decode(&p); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}
