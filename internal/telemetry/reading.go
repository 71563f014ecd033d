package telemetry

import "time"

// DefaultUnit is the volumetric unit applied when a decoder omits one
const DefaultUnit = "m3"

// Metadata carries protocol-level information reported alongside an uplink
type Metadata struct {
	SignalStrength *float64       `json:"signalStrength,omitempty"`
	SNR            *float64       `json:"snr,omitempty"`
	GatewayID      string         `json:"gatewayId,omitempty"`
	Sequence       *int64         `json:"sequence,omitempty"`
	Port           *int           `json:"port,omitempty"`
	Frequency      *int64         `json:"frequency,omitempty"`
	DataRate       string         `json:"dataRate,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// CanonicalReadingRequest is the protocol-agnostic ingest request
type CanonicalReadingRequest struct {
	DeviceID   string     `json:"deviceId"`
	Technology Technology `json:"technology"`
	// Payload is the raw uplink, hex-encoded when the source was binary
	Payload   string     `json:"payload"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Metadata  *Metadata  `json:"metadata,omitempty"`
}

// DeviceContext is the result of resolving an external device identity
type DeviceContext struct {
	DeviceID  string `json:"deviceId"`
	TenantID  string `json:"tenantId"`
	MeterID   string `json:"meterId,omitempty"`
	ProfileID string `json:"profileId"`
}

// Linked reports whether a meter currently points at the device
func (d DeviceContext) Linked() bool {
	return d.MeterID != ""
}

// DecodedReading is the normalized output of a decode routine or the default decoder
type DecodedReading struct {
	Value          float64        `json:"value"`
	Unit           string         `json:"unit"`
	Consumption    *float64       `json:"consumption,omitempty"`
	BatteryLevel   *float64       `json:"batteryLevel,omitempty"`
	SignalStrength *float64       `json:"signalStrength,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	Alarms         []string       `json:"alarms,omitempty"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// MeterBaseline is the stored state used as the consumption baseline
type MeterBaseline struct {
	InitialIndex     float64
	LastReadingValue *float64
	LastReadingTime  *time.Time
}

// BufferedReading is a decoded reading waiting in the aggregator batch
type BufferedReading struct {
	JobID            string
	TenantID         string
	MeterID          string
	DeviceID         string
	ExternalDeviceID string
	ProfileID        string
	Technology       Technology
	Time             time.Time
	ReceivedAt       time.Time
	ProcessedAt      time.Time
	Decoded          DecodedReading
	Consumption      float64
	// Sequence is the arrival order inside the aggregator
	Sequence uint64
}

// MeterUpdate is the last-reading state applied to a meter on flush
type MeterUpdate struct {
	MeterID string
	Value   float64
	Time    time.Time
}

// DeviceUpdate is the health state applied to a device on flush
type DeviceUpdate struct {
	DeviceID       string
	SignalStrength *float64
	BatteryLevel   *float64
	Time           time.Time
}
