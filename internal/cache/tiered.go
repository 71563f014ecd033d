// Package cache provides the two-tier read-through cache used for device
// lookups and decode routines: a short-lived in-process LRU in front of an
// optional shared Redis tier in front of the authoritative store.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// InvalidationChannel carries keys whose local copies must be dropped
const InvalidationChannel = "water-telemetry:cache:invalidate"

// Config configures a Tiered cache
type Config struct {
	Name      string
	LocalSize int
	LocalTTL  time.Duration
	SharedTTL time.Duration
	Shared    Shared
	Notifier  Notifier
	Logger    *zap.Logger
}

// Tiered is a local cache backed by an optional shared tier
type Tiered struct {
	name      string
	local     *Local
	shared    Shared
	notifier  Notifier
	localTTL  time.Duration
	sharedTTL time.Duration
	logger    *zap.Logger
}

// NewTiered builds a Tiered cache
func NewTiered(cfg Config) (*Tiered, error) {
	size := cfg.LocalSize
	if size <= 0 {
		size = 10000
	}
	local, err := NewLocal(size)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{
		name:      cfg.Name,
		local:     local,
		shared:    cfg.Shared,
		notifier:  cfg.Notifier,
		localTTL:  cfg.LocalTTL,
		sharedTTL: cfg.SharedTTL,
		logger:    logger.With(zap.String("cache", cfg.Name)),
	}, nil
}

// Fetch reads key through the local tier, the shared tier and finally load.
// Values found by load are written back to both tiers. Shared tier failures
// are logged and treated as misses.
func Fetch[T any](ctx context.Context, t *Tiered, key string, load func(ctx context.Context) (T, bool, error)) (T, bool, error) {
	if v, ok := t.local.Get(key); ok {
		if tv, ok := v.(T); ok {
			return tv, true, nil
		}
	}

	if t.shared != nil {
		data, ok, err := t.shared.Get(ctx, key)
		switch {
		case err != nil:
			t.logger.Warn("shared cache read failed", zap.String("key", key), zap.Error(err))
		case ok:
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				t.local.Set(key, v, t.localTTL)
				return v, true, nil
			}
			t.logger.Warn("discarding undecodable shared cache entry", zap.String("key", key))
		}
	}

	v, found, err := load(ctx)
	if err != nil || !found {
		return v, found, err
	}
	t.put(ctx, key, v)
	return v, true, nil
}

func (t *Tiered) put(ctx context.Context, key string, v any) {
	t.local.Set(key, v, t.localTTL)
	if t.shared == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := t.shared.Set(ctx, key, data, t.sharedTTL); err != nil {
		t.logger.Warn("shared cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops keys from both tiers and tells other processes to drop
// their local copies
func (t *Tiered) Invalidate(ctx context.Context, keys ...string) error {
	t.local.Delete(keys...)
	if t.shared != nil {
		if err := t.shared.Delete(ctx, keys...); err != nil {
			return err
		}
	}
	if t.notifier != nil {
		for _, k := range keys {
			if err := t.notifier.Publish(ctx, InvalidationChannel, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evict drops keys from the local tier only
func (t *Tiered) Evict(keys ...string) {
	t.local.Delete(keys...)
}

// Listen evicts local copies announced on the invalidation channel until ctx ends
func Listen(ctx context.Context, notifier Notifier, logger *zap.Logger, tiers ...*Tiered) error {
	msgs, err := notifier.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return err
	}
	go func() {
		for key := range msgs {
			for _, t := range tiers {
				t.Evict(key)
			}
			logger.Debug("cache key invalidated", zap.String("key", key))
		}
	}()
	return nil
}
