package adapters

import (
	"strings"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
	"github.com/septivank/water-telemetry-worker/tools/timeparser"
)

// SigfoxCallback is the JSON body of a Sigfox backend data callback
type SigfoxCallback struct {
	Device    string    `json:"device"`
	Time      flexFloat `json:"time"`
	Data      string    `json:"data"`
	SeqNumber flexFloat `json:"seqNumber"`
	Station   string    `json:"station"`
	RSSI      flexFloat `json:"rssi"`
	SNR       flexFloat `json:"snr"`
}

// ParseSigfox decodes a raw Sigfox callback body
func ParseSigfox(body []byte) (*telemetry.CanonicalReadingRequest, error) {
	var cb SigfoxCallback
	if err := decodeJSON(body, &cb); err != nil {
		return nil, err
	}
	return AdaptSigfox(cb)
}

// AdaptSigfox converts a callback into a canonical request
func AdaptSigfox(cb SigfoxCallback) (*telemetry.CanonicalReadingRequest, error) {
	device := telemetry.NormalizeDeviceID(cb.Device)
	if device == "" {
		return nil, malformed("missing device")
	}
	data := strings.ToLower(strings.TrimSpace(cb.Data))
	if data == "" {
		return nil, malformed("missing data")
	}

	meta := &telemetry.Metadata{
		SignalStrength: cb.RSSI.ptr(),
		SNR:            cb.SNR.ptr(),
		GatewayID:      cb.Station,
	}
	if cb.SeqNumber.set {
		seq := int64(cb.SeqNumber.value)
		meta.Sequence = &seq
	}

	req := &telemetry.CanonicalReadingRequest{
		DeviceID:   device,
		Technology: telemetry.Sigfox,
		Payload:    data,
		Metadata:   meta,
	}
	if cb.Time.set {
		ts := timeparser.FromEpoch(cb.Time.value)
		req.Timestamp = &ts
	}
	return req, nil
}
