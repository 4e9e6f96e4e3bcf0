package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-telemetry-hub/internal/alerting"
	"iot-telemetry-hub/internal/anomaly"
	"iot-telemetry-hub/internal/calibration"
	"iot-telemetry-hub/internal/config"
	"iot-telemetry-hub/internal/data"
	"iot-telemetry-hub/internal/storage"
	"iot-telemetry-hub/internal/websocket"
)

var now = time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

type inbox struct {
	mu       sync.Mutex
	messages []string
}

func (i *inbox) Enqueue(m []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, string(m))
	return nil
}

func (i *inbox) Close() {}

func (i *inbox) envelopes(t *testing.T) []data.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]data.Envelope, len(i.messages))
	for n, m := range i.messages {
		require.NoError(t, json.Unmarshal([]byte(m), &out[n]))
	}
	return out
}

type failingAppend struct {
	*storage.MemoryStore
}

func (failingAppend) AppendReading(context.Context, *data.Reading) error {
	return errors.New("disk full")
}

// Tenant 1 owns device 10 (sensors 1, 2); tenant 2 owns device 20 (sensor 1).
func setup(t *testing.T, opts ...Option) (*Service, *storage.MemoryStore, *websocket.Broadcaster) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutDevice(data.Device{ID: 10, OrganizationID: 1, IsActive: true})
	store.PutDevice(data.Device{ID: 20, OrganizationID: 2, IsActive: true})
	store.PutBinding(data.SensorBinding{DeviceID: 10, SensorID: 1, CalibrationFormula: strPtr("x * 2 + 1")})
	store.PutBinding(data.SensorBinding{DeviceID: 10, SensorID: 2})
	store.PutBinding(data.SensorBinding{DeviceID: 20, SensorID: 1, CalibrationFormula: strPtr("x / 0")})

	b := websocket.NewBroadcaster(quietLogger())
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	svc := NewService(store, calibration.NewEvaluator(quietLogger()), b, quietLogger(), opts...)
	return svc, store, b
}

var (
	deviceA = &data.DeviceIdentity{DeviceID: 10, OrganizationID: 1, SensorIDs: []int64{1, 2}}
	deviceB = &data.DeviceIdentity{DeviceID: 20, OrganizationID: 2, SensorIDs: []int64{1}}
)

func TestIngestCalibratesAndPersists(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()

	r, err := svc.Ingest(ctx, deviceA, 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 21.0, r.Value)
	assert.Equal(t, now, r.CapturedAt)
	assert.NotZero(t, r.ID)

	stored, err := store.ListReadings(ctx, storage.ReadingFilter{OrganizationID: 1})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, *r, stored[0])

	d, err := store.Device(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, d.LastSeen)
	assert.Equal(t, now, *d.LastSeen)
}

func TestIngestPassesRawValueWithoutFormula(t *testing.T) {
	svc, _, _ := setup(t)

	r, err := svc.Ingest(context.Background(), deviceA, 2, 3.25, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.25, r.Value)
}

func TestIngestFailsOpenOnBadFormula(t *testing.T) {
	svc, _, _ := setup(t)

	r, err := svc.Ingest(context.Background(), deviceB, 1, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Value)
}

func TestIngestKeepsDeviceTimestamp(t *testing.T) {
	svc, _, _ := setup(t)
	sent := time.Date(2020, 1, 1, 0, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	r, err := svc.Ingest(context.Background(), deviceA, 2, 1, &sent)
	require.NoError(t, err)
	assert.True(t, r.CapturedAt.Equal(sent))
}

func TestIngestRejectsUnboundSensor(t *testing.T) {
	svc, store, b := setup(t)
	ctx := context.Background()
	sub := &inbox{}
	b.Register(sub, 1)

	_, err := svc.Ingest(ctx, deviceA, 3, 1, nil)
	assert.ErrorIs(t, err, ErrSensorNotBound)

	stored, err := store.ListReadings(ctx, storage.ReadingFilter{OrganizationID: 1})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, sub.envelopes(t))
}

func TestIngestRejectsBindingRemovedSinceAuthentication(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()
	store.DeleteBinding(10, 2)

	_, err := svc.Ingest(ctx, deviceA, 2, 1, nil)
	assert.ErrorIs(t, err, ErrSensorNotBound)

	stored, err := store.ListReadings(ctx, storage.ReadingFilter{OrganizationID: 1})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestIngestStorageFailureIsReturned(t *testing.T) {
	_, store, b := setup(t)
	sub := &inbox{}
	b.Register(sub, 1)
	svc := NewService(failingAppend{store}, calibration.NewEvaluator(quietLogger()), b, quietLogger())

	_, err := svc.Ingest(context.Background(), deviceA, 1, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, sub.envelopes(t))
}

func TestIngestBroadcastsOnlyToOwningTenant(t *testing.T) {
	svc, _, b := setup(t)
	ctx := context.Background()
	sub := &inbox{}
	b.Register(sub, 1)

	ra, err := svc.Ingest(ctx, deviceA, 1, 10, nil)
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, deviceB, 1, 10, nil)
	require.NoError(t, err)

	got := sub.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, data.MessageReading, got[0].Type)
	payload := got[0].Payload.(map[string]interface{})
	assert.Equal(t, float64(ra.ID), payload["id"])
	assert.Equal(t, float64(1), payload["tenant_id"])
	assert.Equal(t, float64(10), payload["device_id"])
	assert.Equal(t, 21.0, payload["value"])
}

func TestIngestSucceedsWithDeadSubscriber(t *testing.T) {
	svc, _, b := setup(t)
	dead := &deadSubscriber{}
	b.Register(dead, 1)

	_, err := svc.Ingest(context.Background(), deviceA, 2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Subscribers(1))
}

type deadSubscriber struct{}

func (deadSubscriber) Enqueue([]byte) error { return errors.New("broken pipe") }
func (deadSubscriber) Close()               {}

func TestIngestRaisesThresholdAlerts(t *testing.T) {
	_, store, b := setup(t)
	detector := anomaly.NewDetector(map[int64]config.Rule{1: {Min: 0, Max: 20}}, quietLogger())
	svc := NewService(store, calibration.NewEvaluator(quietLogger()), b, quietLogger(),
		WithClock(func() time.Time { return now }),
		WithAlerts(detector, alerting.NewAlerter(b, quietLogger())))
	sub := &inbox{}
	b.Register(sub, 1)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, deviceA, 1, 10, nil) // calibrated to 21
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, deviceA, 2, 1000, nil) // no rule for sensor 2
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, deviceB, 1, 50, nil) // other tenant
	require.NoError(t, err)

	got := sub.envelopes(t)
	require.Len(t, got, 3)
	assert.Equal(t, data.MessageReading, got[0].Type)
	assert.Equal(t, data.MessageAlert, got[1].Type)
	assert.Equal(t, data.MessageReading, got[2].Type)

	alert := got[1].Payload.(map[string]interface{})
	assert.Equal(t, 21.0, alert["value"])
	assert.Equal(t, float64(10), alert["device_id"])
}
