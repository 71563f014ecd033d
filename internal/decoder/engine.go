// Package decoder turns raw meter payloads into decoded readings.
//
// Every device model may register an ECMAScript routine that interprets its
// payloads. Routines are operator-supplied and untrusted, so they run in a
// fresh VM per reading with no host bindings and a wall-clock deadline, and
// their output is coerced field by field. Whenever a routine is missing,
// fails, times out or returns something unusable the payload is read with
// the deterministic default decoder instead, so every job yields a reading.
package decoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/cache"
	"github.com/septivank/water-telemetry-worker/internal/metrics"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// Outcome tells which path produced a decoded reading
type Outcome string

const (
	// OutcomeRoutine means the registered routine produced the reading
	OutcomeRoutine Outcome = "routine"
	// OutcomeDefault means no routine is registered
	OutcomeDefault Outcome = "default"
	// OutcomeFallback means the routine failed and the default decoder was used
	OutcomeFallback Outcome = "fallback"
)

// Routine is a device model's decode routine as cached
type Routine struct {
	ProfileID string `json:"profileId"`
	Source    string `json:"source"`
}

// RoutineStore reads routines from the authoritative store
type RoutineStore interface {
	DecoderSource(ctx context.Context, profileID string) (string, bool, error)
}

// Config tunes execution and coercion
type Config struct {
	Timeout          time.Duration
	DefaultUnit      string
	WarnThreshold    float64
	ProgramCacheSize int
}

// Input is what a job hands to the engine
type Input struct {
	ProfileID string
	Payload   string
	Metadata  *telemetry.Metadata
}

// Engine decodes payloads with cached per-model routines
type Engine struct {
	routines *cache.Tiered
	store    RoutineStore
	programs *lru.Cache
	cfg      Config
	logger   *zap.Logger
}

// NewEngine creates an engine reading routines through routines and store
func NewEngine(routines *cache.Tiered, store RoutineStore, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.DefaultUnit == "" {
		cfg.DefaultUnit = telemetry.DefaultUnit
	}
	if cfg.ProgramCacheSize <= 0 {
		cfg.ProgramCacheSize = 512
	}
	programs, err := lru.New(cfg.ProgramCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		routines: routines,
		store:    store,
		programs: programs,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// RoutineKey is the cache key of a device model's routine
func RoutineKey(profileID string) string {
	return "decoder:" + profileID
}

// Decode produces a reading for in. Routine faults never surface as errors;
// only a failure to retrieve the routine from the store does, so the job can
// be retried instead of being decoded with the wrong interpretation.
func (e *Engine) Decode(ctx context.Context, in Input) (telemetry.DecodedReading, Outcome, error) {
	logger := e.logger.With(zap.String("profile_id", in.ProfileID))

	routine, err := e.routine(ctx, in.ProfileID)
	if err != nil {
		return telemetry.DecodedReading{}, "", err
	}
	if routine.Source == "" {
		metrics.DecoderRun(string(OutcomeDefault))
		return DefaultDecode(in.Payload, e.cfg.DefaultUnit), OutcomeDefault, nil
	}

	raw, err := e.execute(routine, in)
	if err != nil {
		logger.Warn("decode routine failed, using default decode", zap.Error(err))
		metrics.DecoderRun(string(OutcomeFallback))
		reading := DefaultDecode(in.Payload, e.cfg.DefaultUnit)
		reading.Raw["fallbackReason"] = telemetry.CleanText(err.Error())
		return reading, OutcomeFallback, nil
	}

	metrics.DecoderRun(string(OutcomeRoutine))
	return e.coerce(raw, logger), OutcomeRoutine, nil
}

// Invalidate drops the cached routine of a device model
func (e *Engine) Invalidate(ctx context.Context, profileID string) error {
	return e.routines.Invalidate(ctx, RoutineKey(profileID))
}

func (e *Engine) routine(ctx context.Context, profileID string) (Routine, error) {
	if profileID == "" {
		return Routine{}, nil
	}
	r, _, err := cache.Fetch(ctx, e.routines, RoutineKey(profileID), func(ctx context.Context) (Routine, bool, error) {
		src, _, err := e.store.DecoderSource(ctx, profileID)
		if err != nil {
			return Routine{}, false, err
		}
		// models without a routine are cached too, with an empty source
		return Routine{ProfileID: profileID, Source: src}, true, nil
	})
	if err != nil {
		return Routine{}, fmt.Errorf("failed to load decode routine for profile %s: %w", profileID, err)
	}
	return r, nil
}

func (e *Engine) execute(r Routine, in Input) (map[string]any, error) {
	prog, err := e.program(r)
	if err != nil {
		return nil, err
	}
	return execute(prog, e.cfg.Timeout, in.Payload, payloadBytes(in.Payload), metadataObject(in.Metadata))
}

func (e *Engine) program(r Routine) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(r.Source))
	key := hex.EncodeToString(sum[:])
	if p, ok := e.programs.Get(key); ok {
		return p.(*goja.Program), nil
	}
	prog, err := goja.Compile("decoder-"+r.ProfileID+".js", r.Source, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile decode routine: %w", err)
	}
	e.programs.Add(key, prog)
	return prog, nil
}
