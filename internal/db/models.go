package db

import (
	"time"

	"github.com/google/uuid"
)

// AlarmStatus is the lifecycle state of an alarm
type AlarmStatus string

const (
	AlarmActive       AlarmStatus = "ACTIVE"
	AlarmAcknowledged AlarmStatus = "ACKNOWLEDGED"
	AlarmResolved     AlarmStatus = "RESOLVED"
)

// Reading represents a persisted meter reading. Rows are append-only.
type Reading struct {
	ID               uuid.UUID
	Time             time.Time
	TenantID         uuid.UUID
	MeterID          uuid.UUID
	DeviceID         uuid.UUID
	Value            float64
	Consumption      float64
	Unit             string
	SignalStrength   *float64
	BatteryLevel     *float64
	Temperature      *float64
	Technology       string
	SourceDeviceID   string
	DecoderProfileID *uuid.UUID
	RawData          map[string]any
	ReceivedAt       time.Time
	ProcessedAt      time.Time
}

// Alarm represents an alarm raised for a meter
type Alarm struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	MeterID     uuid.UUID
	DeviceID    *uuid.UUID
	Type        string
	Severity    int
	Message     string
	Status      AlarmStatus
	Value       *float64
	TriggeredAt time.Time
	CreatedAt   time.Time
}
