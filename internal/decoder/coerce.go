package decoder

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// coerce validates routine output field by field
func (e *Engine) coerce(raw map[string]any, logger *zap.Logger) telemetry.DecodedReading {
	raw, _ = sanitize(raw, 0).(map[string]any)
	if raw == nil {
		raw = map[string]any{}
	}
	r := telemetry.DecodedReading{Unit: e.cfg.DefaultUnit, Raw: raw}

	if v, ok := toNumber(raw["value"]); ok {
		r.Value = v
	} else {
		logger.Warn("decoded value is not numeric, using 0", zap.Any("value", raw["value"]))
	}
	if e.cfg.WarnThreshold > 0 && r.Value > e.cfg.WarnThreshold {
		logger.Warn("decoded value above warning threshold",
			zap.Float64("value", r.Value),
			zap.Float64("threshold", e.cfg.WarnThreshold),
		)
	}

	if u, ok := raw["unit"].(string); ok && strings.TrimSpace(u) != "" {
		r.Unit = telemetry.CleanText(strings.TrimSpace(u))
	}

	r.Consumption = optionalNumber(raw, "consumption")
	r.BatteryLevel = optionalNumber(raw, "battery", "batteryLevel")
	r.SignalStrength = optionalNumber(raw, "signal", "signalStrength", "rssi")
	r.Temperature = optionalNumber(raw, "temperature")

	switch alarms := raw["alarms"].(type) {
	case nil:
	case []any:
		for _, a := range alarms {
			if a == nil {
				continue
			}
			code := telemetry.CleanText(strings.TrimSpace(fmt.Sprint(a)))
			if code != "" {
				r.Alarms = append(r.Alarms, code)
			}
		}
	default:
		logger.Debug("dropping non-list alarms field", zap.Any("alarms", alarms))
	}

	return r
}

func optionalNumber(raw map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		v, present := raw[k]
		if !present {
			continue
		}
		if n, ok := toNumber(v); ok {
			return &n
		}
		return nil
	}
	return nil
}

func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case float64:
		f = n
	case float32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// maxRawDepth bounds how deeply nested routine output is kept
const maxRawDepth = 16

// sanitize makes routine output storable: non-finite floats become nil,
// strings and keys lose NUL bytes and invalid UTF-8, and anything nested
// deeper than maxRawDepth is dropped.
func sanitize(v any, depth int) any {
	if depth > maxRawDepth {
		return nil
	}
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case string:
		return telemetry.CleanText(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[telemetry.CleanText(k)] = sanitize(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(val, depth+1)
		}
		return out
	default:
		return v
	}
}
