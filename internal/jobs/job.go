package jobs

import (
	"time"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
	"github.com/septivank/water-telemetry-worker/tools/timeparser"
)

// Priority orders jobs in the queue; lower values are serviced first
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

const (
	staleAfter = 60 * time.Second
	freshUntil = 5 * time.Second
)

// PriorityFor derives a job priority from the age of the reading
func PriorityFor(readingTime, now time.Time) Priority {
	age := timeparser.Age(readingTime, now)
	switch {
	case age > staleAfter:
		return PriorityLow
	case age > freshUntil:
		return PriorityMedium
	default:
		return PriorityHigh
	}
}

// IngestJob is the immutable unit of asynchronous reading processing
type IngestJob struct {
	ID               string               `json:"id"`
	TenantID         string               `json:"tenantId"`
	MeterID          string               `json:"meterId"`
	DeviceID         string               `json:"deviceId"`
	ExternalDeviceID string               `json:"externalDeviceId"`
	ProfileID        string               `json:"profileId"`
	Technology       telemetry.Technology `json:"technology"`
	Payload          string               `json:"payload"`
	Timestamp        time.Time            `json:"timestamp"`
	ReceivedAt       time.Time            `json:"receivedAt"`
	Metadata         *telemetry.Metadata  `json:"metadata,omitempty"`
	Priority         Priority             `json:"priority"`
}
