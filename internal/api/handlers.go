package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/adapters"
	"github.com/septivank/water-telemetry-worker/internal/metrics"
	"github.com/septivank/water-telemetry-worker/internal/service"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
	"github.com/septivank/water-telemetry-worker/tools/timeparser"
)

// Ingester runs the synchronous ingest path
type Ingester interface {
	Ingest(ctx context.Context, req telemetry.CanonicalReadingRequest) (service.IngestResult, error)
	IngestBatch(ctx context.Context, tenantID string, reqs []telemetry.CanonicalReadingRequest) (service.BatchResult, error)
}

// DeviceCache drops cached device identities
type DeviceCache interface {
	Invalidate(ctx context.Context, tech telemetry.Technology, externalID string) error
}

// RoutineCache drops cached decode routines
type RoutineCache interface {
	Invalidate(ctx context.Context, profileID string) error
}

// TenantRooms joins websocket clients to tenant rooms
type TenantRooms interface {
	ServeTenant(w http.ResponseWriter, r *http.Request, tenantID string)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Handlers serves the HTTP routes
type Handlers struct {
	ingest      Ingester
	devices     DeviceCache
	routines    RoutineCache
	rooms       TenantRooms
	checks      map[string]HealthCheck
	serviceName string
	maxBody     int64
	logger      *zap.Logger
}

// HandlersConfig holds the collaborators of Handlers
type HandlersConfig struct {
	Ingest       Ingester
	Devices      DeviceCache
	Routines     RoutineCache
	Rooms        TenantRooms
	Checks       map[string]HealthCheck
	ServiceName  string
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// NewHandlers creates the route handlers
func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handlers{
		ingest:      cfg.Ingest,
		devices:     cfg.Devices,
		routines:    cfg.Routines,
		rooms:       cfg.Rooms,
		checks:      cfg.Checks,
		serviceName: cfg.ServiceName,
		maxBody:     cfg.MaxBodyBytes,
		logger:      cfg.Logger,
	}
}

// flexTime accepts RFC3339 strings and epoch seconds or milliseconds
type flexTime struct {
	t *time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		t := timeparser.FromEpoch(n)
		f.t = &t
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string or number")
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	t, err := timeparser.ParseUplinkTimestamp(s)
	if err != nil {
		return err
	}
	f.t = &t
	return nil
}

type readingRequest struct {
	DeviceID   string              `json:"deviceId"`
	Technology string              `json:"technology"`
	Payload    string              `json:"payload"`
	Timestamp  flexTime            `json:"timestamp"`
	Metadata   *telemetry.Metadata `json:"metadata"`
}

func (r readingRequest) canonical() telemetry.CanonicalReadingRequest {
	tech, err := telemetry.ParseTechnology(r.Technology)
	if err != nil {
		// left as is so validation reports it
		tech = telemetry.Technology(strings.ToUpper(strings.TrimSpace(r.Technology)))
	}
	return telemetry.CanonicalReadingRequest{
		DeviceID:   r.DeviceID,
		Technology: tech,
		Payload:    r.Payload,
		Timestamp:  r.Timestamp.t,
		Metadata:   r.Metadata,
	}
}

type batchRequest struct {
	TenantID string           `json:"tenantId"`
	Readings []readingRequest `json:"readings"`
}

// IngestReading handles POST /api/v1/readings
func (h *Handlers) IngestReading(w http.ResponseWriter, r *http.Request) {
	var body readingRequest
	if err := h.decode(r, &body); err != nil {
		h.fail(w, "readings", err)
		return
	}
	h.ingestOne(w, r, "readings", body.canonical())
}

// IngestBatch handles POST /api/v1/readings/batch
func (h *Handlers) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := h.decode(r, &body); err != nil {
		h.fail(w, "readings_batch", err)
		return
	}
	if strings.TrimSpace(body.TenantID) == "" {
		h.fail(w, "readings_batch", fmt.Errorf("%w: tenantId is required", errMalformedRequest))
		return
	}

	reqs := make([]telemetry.CanonicalReadingRequest, len(body.Readings))
	for i, rd := range body.Readings {
		reqs[i] = rd.canonical()
	}

	res, err := h.ingest.IngestBatch(r.Context(), body.TenantID, reqs)
	if err != nil {
		h.fail(w, "readings_batch", err)
		return
	}
	metrics.IngestRequest("readings_batch", "accepted")
	writeJSON(w, http.StatusAccepted, res)
}

// LoRaWANUplink handles POST /api/v1/uplinks/lorawan
func (h *Handlers) LoRaWANUplink(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		h.fail(w, "lorawan", err)
		return
	}
	req, err := adapters.ParseLoRaWAN(body)
	if err != nil {
		h.fail(w, "lorawan", err)
		return
	}
	h.ingestOne(w, r, "lorawan", *req)
}

// SigfoxCallback handles POST /api/v1/uplinks/sigfox
func (h *Handlers) SigfoxCallback(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		h.fail(w, "sigfox", err)
		return
	}
	req, err := adapters.ParseSigfox(body)
	if err != nil {
		h.fail(w, "sigfox", err)
		return
	}
	h.ingestOne(w, r, "sigfox", *req)
}

type invalidateRequest struct {
	Technology string `json:"technology"`
	DeviceID   string `json:"deviceId"`
	ProfileID  string `json:"profileId"`
}

// InvalidateCache handles POST /api/v1/cache/invalidate
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if err := h.decode(r, &body); err != nil {
		h.fail(w, "invalidate", err)
		return
	}
	if body.DeviceID == "" && body.ProfileID == "" {
		h.fail(w, "invalidate", fmt.Errorf("%w: deviceId or profileId is required", errMalformedRequest))
		return
	}

	var invalidated []string
	if body.DeviceID != "" {
		tech, err := telemetry.ParseTechnology(body.Technology)
		if err != nil {
			h.fail(w, "invalidate", err)
			return
		}
		if err := h.devices.Invalidate(r.Context(), tech, body.DeviceID); err != nil {
			h.fail(w, "invalidate", err)
			return
		}
		invalidated = append(invalidated, "device")
	}
	if body.ProfileID != "" {
		if err := h.routines.Invalidate(r.Context(), body.ProfileID); err != nil {
			h.fail(w, "invalidate", err)
			return
		}
		invalidated = append(invalidated, "decoder")
	}

	writeJSON(w, http.StatusOK, map[string]any{"invalidated": invalidated})
}

// RealtimeTenant handles GET /api/v1/realtime/tenants/{tenantId}
func (h *Handlers) RealtimeTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")
	if tenantID == "" || h.rooms == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown tenant channel")
		return
	}
	h.rooms.ServeTenant(w, r, tenantID)
}

type healthBody struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. Any failing dependency check turns the
// response into 503 "degraded".
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok", Service: h.serviceName}
	status := http.StatusOK

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				body.Checks[name] = err.Error()
				body.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			body.Checks[name] = "ok"
		}
	}

	writeJSON(w, status, body)
}

func (h *Handlers) ingestOne(w http.ResponseWriter, r *http.Request, endpoint string, req telemetry.CanonicalReadingRequest) {
	res, err := h.ingest.Ingest(r.Context(), req)
	if err != nil {
		h.fail(w, endpoint, err)
		return
	}
	metrics.IngestRequest(endpoint, "queued")
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handlers) fail(w http.ResponseWriter, endpoint string, err error) {
	status, code := classify(err)
	metrics.IngestRequest(endpoint, code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("ingest request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func (h *Handlers) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("%w: body larger than %d bytes", errMalformedRequest, h.maxBody)
	}
	return body, nil
}

func (h *Handlers) decode(r *http.Request, dst any) error {
	body, err := h.readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	return nil
}
