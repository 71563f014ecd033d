package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedTechnology is returned for technologies without an identifier mapping
var ErrUnsupportedTechnology = errors.New("unsupported technology")

// Technology is the radio/transport family a device reports over
type Technology string

const (
	LoRaWAN   Technology = "LORAWAN"
	Sigfox    Technology = "SIGFOX"
	NBIoT     Technology = "NB_IOT"
	WMBus     Technology = "WM_BUS"
	Mioty     Technology = "MIOTY"
	WiFi      Technology = "WIFI"
	Bluetooth Technology = "BLUETOOTH"
	NFC       Technology = "NFC"
)

// identifierFields names the device field that carries the external identifier
// for each technology.
var identifierFields = map[Technology]string{
	LoRaWAN:   "DevEUI",
	Sigfox:    "ID",
	NBIoT:     "IMEI",
	WMBus:     "MeterId",
	Mioty:     "EUI",
	WiFi:      "MacAddress",
	Bluetooth: "MacAddress",
	NFC:       "SerialNumber",
}

var technologyAliases = map[string]Technology{
	"LORA":   LoRaWAN,
	"NBIOT":  NBIoT,
	"NB-IOT": NBIoT,
	"WMBUS":  WMBus,
	"WM-BUS": WMBus,
	"BLE":    Bluetooth,
}

// ParseTechnology parses a technology name case-insensitively
func ParseTechnology(s string) (Technology, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := technologyAliases[name]; ok {
		return alias, nil
	}
	t := Technology(name)
	if _, ok := identifierFields[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTechnology, s)
	}
	return t, nil
}

// IdentifierField returns the device field holding the external identifier
func (t Technology) IdentifierField() (string, error) {
	field, ok := identifierFields[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTechnology, string(t))
	}
	return field, nil
}

// Valid reports whether t is a known technology
func (t Technology) Valid() bool {
	_, ok := identifierFields[t]
	return ok
}

// NormalizeDeviceID lower-cases and trims an external device identifier
func NormalizeDeviceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
