// Package realtime fans flushed readings out to live dashboards, one
// channel per tenant.
package realtime

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/metrics"
	"github.com/septivank/water-telemetry-worker/internal/mq"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// EventType of batch events
const EventType = "readings"

// EventSink publishes an event under a routing key
type EventSink interface {
	PublishEvent(ctx context.Context, routingKey string, event any) error
}

// MeterReading is one reading inside a tenant event
type MeterReading struct {
	MeterID        string    `json:"meterId"`
	DeviceID       string    `json:"deviceId"`
	Value          float64   `json:"value"`
	Consumption    float64   `json:"consumption"`
	Unit           string    `json:"unit"`
	BatteryLevel   *float64  `json:"batteryLevel,omitempty"`
	SignalStrength *float64  `json:"signalStrength,omitempty"`
	Time           time.Time `json:"time"`
}

// TenantEvent carries every reading of one tenant from one flush
type TenantEvent struct {
	Type        string         `json:"type"`
	TenantID    string         `json:"tenantId"`
	Readings    []MeterReading `json:"readings"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// Publisher publishes one event per tenant after each flush
type Publisher struct {
	sink   EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a new realtime publisher
func NewPublisher(sink EventSink, logger *zap.Logger) *Publisher {
	return &Publisher{sink: sink, logger: logger, now: time.Now}
}

// OnFlush publishes the batch. Failures are logged and never returned.
func (p *Publisher) OnFlush(ctx context.Context, batch []telemetry.BufferedReading) {
	for _, event := range GroupByTenant(batch, p.now().UTC()) {
		if err := p.sink.PublishEvent(ctx, mq.TenantRoutingKey(event.TenantID), event); err != nil {
			metrics.RealtimePublishFailed()
			p.logger.Warn("failed to publish realtime event",
				zap.Error(err),
				zap.String("tenant_id", event.TenantID),
				zap.Int("readings", len(event.Readings)),
			)
		}
	}
}

// GroupByTenant builds the tenant events of a batch, ordered by tenant id.
// Readings keep their batch order.
func GroupByTenant(batch []telemetry.BufferedReading, at time.Time) []TenantEvent {
	byTenant := make(map[string]*TenantEvent)
	for _, r := range batch {
		ev, ok := byTenant[r.TenantID]
		if !ok {
			ev = &TenantEvent{Type: EventType, TenantID: r.TenantID, PublishedAt: at}
			byTenant[r.TenantID] = ev
		}
		ev.Readings = append(ev.Readings, MeterReading{
			MeterID:        r.MeterID,
			DeviceID:       r.DeviceID,
			Value:          r.Decoded.Value,
			Consumption:    r.Consumption,
			Unit:           r.Decoded.Unit,
			BatteryLevel:   r.Decoded.BatteryLevel,
			SignalStrength: r.Decoded.SignalStrength,
			Time:           r.Time,
		})
	}

	events := make([]TenantEvent, 0, len(byTenant))
	for _, ev := range byTenant {
		events = append(events, *ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].TenantID < events[j].TenantID })
	return events
}
