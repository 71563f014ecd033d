package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/cache"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

type fakeStore struct {
	devices map[string]telemetry.DeviceContext
	calls   int
	fields  []string
}

func (f *fakeStore) FindDevice(_ context.Context, tech telemetry.Technology, field, externalID string) (telemetry.DeviceContext, bool, error) {
	f.calls++
	f.fields = append(f.fields, field)
	dev, ok := f.devices[string(tech)+"/"+externalID]
	return dev, ok, nil
}

func newResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	c, err := cache.NewTiered(cache.Config{Name: "devices", LocalTTL: time.Minute})
	require.NoError(t, err)
	return NewResolver(c, store, zap.NewNop())
}

func TestResolve_CaseInsensitiveAndCached(t *testing.T) {
	store := &fakeStore{devices: map[string]telemetry.DeviceContext{
		"LORAWAN/70b3d57ed0051234": {DeviceID: "d1", TenantID: "t1", MeterID: "m1", ProfileID: "p1"},
	}}
	r := newResolver(t, store)

	dev, err := r.Resolve(context.Background(), telemetry.LoRaWAN, "70B3D57ED0051234")
	require.NoError(t, err)
	assert.Equal(t, "m1", dev.MeterID)
	assert.Equal(t, []string{"DevEUI"}, store.fields)

	_, err = r.Resolve(context.Background(), telemetry.LoRaWAN, "70b3d57ed0051234")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
}

func TestResolve_NotFound(t *testing.T) {
	store := &fakeStore{devices: map[string]telemetry.DeviceContext{}}
	r := newResolver(t, store)

	_, err := r.Resolve(context.Background(), telemetry.Sigfox, "AABBCCDD")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = r.Resolve(context.Background(), telemetry.Sigfox, "AABBCCDD")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, 2, store.calls, "misses are not cached so new devices are seen immediately")
}

func TestResolve_Unlinked(t *testing.T) {
	store := &fakeStore{devices: map[string]telemetry.DeviceContext{
		"NB_IOT/356938035643809": {DeviceID: "d2", TenantID: "t1", ProfileID: "p2"},
	}}
	r := newResolver(t, store)

	dev, err := r.Resolve(context.Background(), telemetry.NBIoT, "356938035643809")
	assert.ErrorIs(t, err, ErrDeviceUnlinked)
	assert.Equal(t, "d2", dev.DeviceID)
}

func TestInvalidate_RefreshesLink(t *testing.T) {
	store := &fakeStore{devices: map[string]telemetry.DeviceContext{
		"SIGFOX/1a2b3c": {DeviceID: "d3", TenantID: "t1", ProfileID: "p3"},
	}}
	r := newResolver(t, store)
	ctx := context.Background()

	_, err := r.Resolve(ctx, telemetry.Sigfox, "1A2B3C")
	require.ErrorIs(t, err, ErrDeviceUnlinked)

	store.devices["SIGFOX/1a2b3c"] = telemetry.DeviceContext{DeviceID: "d3", TenantID: "t1", MeterID: "m3", ProfileID: "p3"}
	require.NoError(t, r.Invalidate(ctx, telemetry.Sigfox, "1A2B3C"))

	dev, err := r.Resolve(ctx, telemetry.Sigfox, "1a2b3c")
	require.NoError(t, err)
	assert.Equal(t, "m3", dev.MeterID)
}

func TestResolve_UnsupportedTechnology(t *testing.T) {
	r := newResolver(t, &fakeStore{})
	_, err := r.Resolve(context.Background(), telemetry.Technology("ZIGBEE"), "x")
	assert.ErrorIs(t, err, telemetry.ErrUnsupportedTechnology)
}
