package decoder

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// DefaultDecode reads the leading bytes of payload as an unsigned big-endian
// index: four bytes are thousandths, two bytes hundredths, one byte whole units.
func DefaultDecode(payload, unit string) telemetry.DecodedReading {
	raw := payloadBytes(payload)

	var value float64
	width := 0
	switch {
	case len(raw) >= 4:
		width = 4
		value = float64(binary.BigEndian.Uint32(raw[:4])) / 1000
	case len(raw) >= 2:
		width = 2
		value = float64(binary.BigEndian.Uint16(raw[:2])) / 100
	case len(raw) == 1:
		width = 1
		value = float64(raw[0])
	}

	if unit == "" {
		unit = telemetry.DefaultUnit
	}
	return telemetry.DecodedReading{
		Value: value,
		Unit:  unit,
		Raw: map[string]any{
			"decoder": "default",
			"width":   width,
			"payload": telemetry.CleanText(payload),
		},
	}
}

// payloadBytes decodes hex payloads and falls back to the raw text bytes
func payloadBytes(payload string) []byte {
	if b, err := hex.DecodeString(payload); err == nil {
		return b
	}
	return []byte(payload)
}
