package aggregator

import (
	"sort"
	"time"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// newer orders readings by time, then by arrival sequence
func newer(t time.Time, seq uint64, than time.Time, thanSeq uint64) bool {
	if t.Equal(than) {
		return seq > thanSeq
	}
	return t.After(than)
}

// LatestMeterUpdates returns one update per meter carrying the newest reading
// of the batch, so last value and time are applied once per flush
func LatestMeterUpdates(batch []telemetry.BufferedReading) []telemetry.MeterUpdate {
	latest := make(map[string]*telemetry.BufferedReading)
	for i := range batch {
		r := &batch[i]
		if cur, ok := latest[r.MeterID]; !ok || newer(r.Time, r.Sequence, cur.Time, cur.Sequence) {
			latest[r.MeterID] = r
		}
	}

	updates := make([]telemetry.MeterUpdate, 0, len(latest))
	for id, r := range latest {
		updates = append(updates, telemetry.MeterUpdate{MeterID: id, Value: r.Decoded.Value, Time: r.Time})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].MeterID < updates[j].MeterID })
	return updates
}

// LatestDeviceUpdates returns one health update per device from its newest reading
func LatestDeviceUpdates(batch []telemetry.BufferedReading) []telemetry.DeviceUpdate {
	latest := make(map[string]*telemetry.BufferedReading)
	for i := range batch {
		r := &batch[i]
		if r.DeviceID == "" {
			continue
		}
		if cur, ok := latest[r.DeviceID]; !ok || newer(r.Time, r.Sequence, cur.Time, cur.Sequence) {
			latest[r.DeviceID] = r
		}
	}

	updates := make([]telemetry.DeviceUpdate, 0, len(latest))
	for id, r := range latest {
		updates = append(updates, telemetry.DeviceUpdate{
			DeviceID:       id,
			SignalStrength: r.Decoded.SignalStrength,
			BatteryLevel:   r.Decoded.BatteryLevel,
			Time:           r.Time,
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].DeviceID < updates[j].DeviceID })
	return updates
}
