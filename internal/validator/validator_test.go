package validator

import (
	"errors"
	"testing"
	"time"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

func TestValidate_ValidRequest(t *testing.T) {
	v := NewValidator(5 * time.Minute)

	req := &telemetry.CanonicalReadingRequest{
		DeviceID:   " AABBCCDD ",
		Technology: telemetry.LoRaWAN,
		Payload:    "0x000003E8",
	}

	if err := v.Validate(req); err != nil {
		t.Fatalf("Expected valid request, got %v", err)
	}
	if req.Payload != "000003e8" {
		t.Errorf("Expected normalized payload, got %q", req.Payload)
	}
	if req.DeviceID != "AABBCCDD" {
		t.Errorf("Expected trimmed device id, got %q", req.DeviceID)
	}
}

func TestValidate_TextPayloadKept(t *testing.T) {
	v := NewValidator(0)

	req := &telemetry.CanonicalReadingRequest{
		DeviceID:   "dev-1",
		Technology: telemetry.NBIoT,
		Payload:    "IDX=123.4",
	}

	if err := v.Validate(req); err != nil {
		t.Fatalf("Expected valid request, got %v", err)
	}
	if req.Payload != "IDX=123.4" {
		t.Errorf("Expected text payload untouched, got %q", req.Payload)
	}
}

func TestValidate_Rejections(t *testing.T) {
	v := NewValidator(time.Minute)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		req   telemetry.CanonicalReadingRequest
		field string
	}{
		{"empty device", telemetry.CanonicalReadingRequest{Technology: telemetry.LoRaWAN, Payload: "00"}, "deviceId"},
		{"unknown technology", telemetry.CanonicalReadingRequest{DeviceID: "a", Technology: "ZIGBEE", Payload: "00"}, "technology"},
		{"empty payload", telemetry.CanonicalReadingRequest{DeviceID: "a", Technology: telemetry.Sigfox}, "payload"},
		{"NUL in text payload", telemetry.CanonicalReadingRequest{DeviceID: "a", Technology: telemetry.NBIoT, Payload: "ab\x00cd"}, "payload"},
		{"control character in text payload", telemetry.CanonicalReadingRequest{DeviceID: "a", Technology: telemetry.NBIoT, Payload: "IDX=1\x1b2"}, "payload"},
		{"invalid UTF-8 payload", telemetry.CanonicalReadingRequest{DeviceID: "a", Technology: telemetry.NBIoT, Payload: "IDX=\xff"}, "payload"},
		{"NUL in device id", telemetry.CanonicalReadingRequest{DeviceID: "a\x00b", Technology: telemetry.NBIoT, Payload: "00"}, "deviceId"},
		{"future timestamp", telemetry.CanonicalReadingRequest{DeviceID: "a", Technology: telemetry.Sigfox, Payload: "00", Timestamp: &future}, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := v.Validate(&req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, verr.Field)
			}
		})
	}
}

func TestIsHex(t *testing.T) {
	if !IsHex("0a1B") {
		t.Error("Expected 0a1B to be hex")
	}
	if IsHex("abc") {
		t.Error("Expected odd-length string to be rejected")
	}
	if IsHex("zz") {
		t.Error("Expected non-hex string to be rejected")
	}
}
