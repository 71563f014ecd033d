package validator

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// maxPayloadLength bounds the raw payload accepted on the ingest path
const maxPayloadLength = 1024

// ValidationError describes why an ingest request was refused
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validator performs structural checks on canonical reading requests
type Validator struct {
	futureTolerance time.Duration
	now             func() time.Time
}

// NewValidator creates a validator that refuses timestamps further than
// futureTolerance ahead of the current time
func NewValidator(futureTolerance time.Duration) *Validator {
	return &Validator{
		futureTolerance: futureTolerance,
		now:             time.Now,
	}
}

// Validate checks a canonical request and normalizes its payload and device id in place
func (v *Validator) Validate(req *telemetry.CanonicalReadingRequest) error {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "must not be empty"}
	}
	if !printable(req.DeviceID) {
		return &ValidationError{Field: "deviceId", Reason: "contains control characters or invalid UTF-8"}
	}

	if !req.Technology.Valid() {
		return &ValidationError{Field: "technology", Reason: fmt.Sprintf("unsupported value %q", string(req.Technology))}
	}

	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if len(payload) > maxPayloadLength {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("longer than %d characters", maxPayloadLength)}
	}
	payload = strings.TrimPrefix(strings.TrimPrefix(payload, "0x"), "0X")
	if IsHex(payload) {
		payload = strings.ToLower(payload)
	} else if !printable(payload) {
		return &ValidationError{Field: "payload", Reason: "text payload contains control characters or invalid UTF-8"}
	}
	req.Payload = payload

	if req.Timestamp != nil {
		if req.Timestamp.IsZero() {
			req.Timestamp = nil
		} else if v.futureTolerance > 0 && req.Timestamp.Sub(v.now()) > v.futureTolerance {
			return &ValidationError{Field: "timestamp", Reason: "too far in the future"}
		}
	}

	return nil
}

// printable reports whether s is valid UTF-8 without control characters
func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	return strings.IndexFunc(s, unicode.IsControl) < 0
}

// IsHex reports whether s is an even-length hexadecimal string
func IsHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
