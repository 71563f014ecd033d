// Package adapters translates vendor uplink envelopes into canonical reading requests.
//
// Adapters only decode structure. Whether the device exists, which meter it
// feeds and how its payload is interpreted is decided further down the pipeline.
package adapters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedUplink is returned when an envelope cannot be structurally decoded
var ErrMalformedUplink = errors.New("malformed uplink")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedUplink, fmt.Sprintf(format, args...))
}

// flexFloat accepts JSON numbers as well as numeric strings
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	f.value = v
	f.set = true
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.value
	return &v
}

func decodeJSON(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		return malformed("invalid json: %v", err)
	}
	return nil
}
