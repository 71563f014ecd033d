// Command uplinksim posts synthetic Sigfox callbacks to a running worker.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type sigfoxCallback struct {
	Device    string  `json:"device"`
	Time      int64   `json:"time"`
	Data      string  `json:"data"`
	SeqNumber int     `json:"seqNumber"`
	Station   string  `json:"station"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"snr"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Worker base URL")
	device := flag.String("device", "AABBCCDD", "Sigfox device id")
	count := flag.Int("count", 1, "Number of uplinks to send")
	start := flag.Float64("start", 1000.0, "Initial meter index in m3")
	step := flag.Float64("step", 0.125, "Index increase per uplink in m3")
	interval := flag.Duration("interval", 100*time.Millisecond, "Delay between uplinks")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := *baseURL + "/api/v1/uplinks/sigfox"

	sent := 0
	for i := 0; i < *count; i++ {
		cb := createCallback(*device, i, *start+float64(i)*(*step))
		body, err := json.Marshal(cb)
		if err != nil {
			log.Printf("Failed to marshal uplink %d: %v", i, err)
			continue
		}

		resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("Failed to send uplink %d: %v", i, err)
			continue
		}
		reply, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			log.Printf("Uplink %d rejected: %s %s", i+1, resp.Status, bytes.TrimSpace(reply))
			continue
		}
		sent++
		log.Printf("Sent uplink %d: data=%s reply=%s", i+1, cb.Data, bytes.TrimSpace(reply))
		time.Sleep(*interval)
	}

	log.Printf("Successfully sent %d of %d uplinks", sent, *count)
}

// createCallback encodes index as the 4-byte big-endian litre count the
// default decoder reads
func createCallback(device string, seq int, index float64) sigfoxCallback {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, uint32(index*1000))

	// Create some variation in the radio data
	return sigfoxCallback{
		Device:    device,
		Time:      time.Now().Unix(),
		Data:      hex.EncodeToString(raw),
		SeqNumber: seq,
		Station:   fmt.Sprintf("STATION-%d", seq%3),
		RSSI:      -100 - float64(seq%15),
		SNR:       8.5,
	}
}
