package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/cache"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

var (
	// ErrDeviceNotFound means no operationally active device carries the identifier
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceUnlinked means the device exists but no meter points at it
	ErrDeviceUnlinked = errors.New("device is not linked to a meter")
)

// Store looks devices up in the authoritative store. It returns false when
// no active device matches.
type Store interface {
	FindDevice(ctx context.Context, tech telemetry.Technology, field, externalID string) (telemetry.DeviceContext, bool, error)
}

// Resolver maps an external device identity to tenant, device and meter
type Resolver struct {
	cache  *cache.Tiered
	store  Store
	logger *zap.Logger
}

// NewResolver creates a resolver backed by c and store
func NewResolver(c *cache.Tiered, store Store, logger *zap.Logger) *Resolver {
	return &Resolver{cache: c, store: store, logger: logger}
}

// Key returns the cache key for a device identity
func Key(tech telemetry.Technology, externalID string) string {
	return fmt.Sprintf("device:%s:%s", tech, telemetry.NormalizeDeviceID(externalID))
}

// Resolve returns the device context for externalID. Unknown devices yield
// ErrDeviceNotFound, devices without a meter yield ErrDeviceUnlinked.
func (r *Resolver) Resolve(ctx context.Context, tech telemetry.Technology, externalID string) (telemetry.DeviceContext, error) {
	field, err := tech.IdentifierField()
	if err != nil {
		return telemetry.DeviceContext{}, err
	}
	id := telemetry.NormalizeDeviceID(externalID)

	dev, found, err := cache.Fetch(ctx, r.cache, Key(tech, id), func(ctx context.Context) (telemetry.DeviceContext, bool, error) {
		return r.store.FindDevice(ctx, tech, field, id)
	})
	if err != nil {
		return telemetry.DeviceContext{}, fmt.Errorf("failed to resolve device: %w", err)
	}
	if !found {
		return telemetry.DeviceContext{}, fmt.Errorf("%w: %s %s", ErrDeviceNotFound, tech, id)
	}
	if !dev.Linked() {
		r.logger.Warn("rejecting telemetry from unlinked device",
			zap.String("technology", string(tech)),
			zap.String("device_id", dev.DeviceID),
		)
		return dev, fmt.Errorf("%w: %s %s", ErrDeviceUnlinked, tech, id)
	}
	return dev, nil
}

// Invalidate drops a cached device identity, called when devices or their
// meter links change
func (r *Resolver) Invalidate(ctx context.Context, tech telemetry.Technology, externalID string) error {
	return r.cache.Invalidate(ctx, Key(tech, externalID))
}
