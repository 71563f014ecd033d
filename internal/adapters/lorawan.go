package adapters

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// LoRaWANUplink is a network-server uplink envelope in the TTN v3 shape
type LoRaWANUplink struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
		DevEUI   string `json:"dev_eui"`
	} `json:"end_device_ids"`
	ReceivedAt    *time.Time `json:"received_at"`
	UplinkMessage struct {
		FPort      *int       `json:"f_port"`
		FCnt       *int64     `json:"f_cnt"`
		FRMPayload string     `json:"frm_payload"`
		ReceivedAt *time.Time `json:"received_at"`
		RxMetadata []struct {
			GatewayIDs struct {
				GatewayID string `json:"gateway_id"`
				EUI       string `json:"eui"`
			} `json:"gateway_ids"`
			RSSI        flexFloat `json:"rssi"`
			ChannelRSSI flexFloat `json:"channel_rssi"`
			SNR         flexFloat `json:"snr"`
		} `json:"rx_metadata"`
		Settings struct {
			DataRate struct {
				LoRa *struct {
					Bandwidth       int `json:"bandwidth"`
					SpreadingFactor int `json:"spreading_factor"`
				} `json:"lora"`
			} `json:"data_rate"`
			Frequency flexFloat `json:"frequency"`
		} `json:"settings"`
	} `json:"uplink_message"`
}

// ParseLoRaWAN decodes a raw LoRaWAN envelope body
func ParseLoRaWAN(body []byte) (*telemetry.CanonicalReadingRequest, error) {
	var up LoRaWANUplink
	if err := decodeJSON(body, &up); err != nil {
		return nil, err
	}
	return AdaptLoRaWAN(up)
}

// AdaptLoRaWAN converts an uplink into a canonical request. The base64 frame
// payload becomes lower-case hex and the strongest receiving gateway supplies
// the signal metadata.
func AdaptLoRaWAN(up LoRaWANUplink) (*telemetry.CanonicalReadingRequest, error) {
	devEUI := up.EndDeviceIDs.DevEUI
	if devEUI == "" {
		return nil, malformed("missing end_device_ids.dev_eui")
	}
	if up.UplinkMessage.FRMPayload == "" {
		return nil, malformed("missing uplink_message.frm_payload")
	}
	raw, err := base64.StdEncoding.DecodeString(up.UplinkMessage.FRMPayload)
	if err != nil {
		return nil, malformed("frm_payload is not base64: %v", err)
	}

	meta := &telemetry.Metadata{
		Sequence: up.UplinkMessage.FCnt,
		Port:     up.UplinkMessage.FPort,
	}
	if f := up.UplinkMessage.Settings.Frequency; f.set {
		hz := int64(f.value)
		meta.Frequency = &hz
	}
	if lora := up.UplinkMessage.Settings.DataRate.LoRa; lora != nil && lora.SpreadingFactor > 0 {
		meta.DataRate = fmt.Sprintf("SF%dBW%d", lora.SpreadingFactor, lora.Bandwidth/1000)
	}

	best := -1
	var bestRSSI float64
	for i, rx := range up.UplinkMessage.RxMetadata {
		rssi := rx.RSSI
		if !rssi.set {
			rssi = rx.ChannelRSSI
		}
		if !rssi.set {
			continue
		}
		if best == -1 || rssi.value > bestRSSI {
			best = i
			bestRSSI = rssi.value
		}
	}
	if best >= 0 {
		gw := up.UplinkMessage.RxMetadata[best]
		rssi := bestRSSI
		meta.SignalStrength = &rssi
		meta.SNR = gw.SNR.ptr()
		meta.GatewayID = gw.GatewayIDs.GatewayID
		if meta.GatewayID == "" {
			meta.GatewayID = gw.GatewayIDs.EUI
		}
	}
	if up.EndDeviceIDs.DeviceID != "" {
		meta.Extra = map[string]any{"networkDeviceId": up.EndDeviceIDs.DeviceID}
	}

	ts := up.UplinkMessage.ReceivedAt
	if ts == nil {
		ts = up.ReceivedAt
	}

	return &telemetry.CanonicalReadingRequest{
		DeviceID:   devEUI,
		Technology: telemetry.LoRaWAN,
		Payload:    hex.EncodeToString(raw),
		Timestamp:  ts,
		Metadata:   meta,
	}, nil
}
