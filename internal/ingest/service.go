// internal/ingest/service.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iot-telemetry-hub/internal/data"
	"iot-telemetry-hub/internal/storage"
)

// ErrSensorNotBound rejects a reading for a sensor the device does not carry.
var ErrSensorNotBound = errors.New("sensor not bound to device")

type Store interface {
	Binding(ctx context.Context, deviceID, sensorID int64) (*data.SensorBinding, error)
	AppendReading(ctx context.Context, r *data.Reading) error
	TouchDevice(ctx context.Context, id int64, at time.Time) error
}

type Calibrator interface {
	Evaluate(formula string, x float64) float64
}

type Publisher interface {
	PublishJSON(tenantID int64, msgType string, payload interface{})
}

type AlertChecker interface {
	Check(r *data.Reading) []data.Alert
}

type AlertSink interface {
	ProcessAlerts(tenantID int64, alerts []data.Alert)
}

type Option func(*Service)

// WithAlerts enables threshold alerts on calibrated readings.
func WithAlerts(checker AlertChecker, sink AlertSink) Option {
	return func(s *Service) {
		s.checker = checker
		s.alerts = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service validates, calibrates, persists and publishes device readings.
type Service struct {
	store      Store
	calibrator Calibrator
	publisher  Publisher
	checker    AlertChecker
	alerts     AlertSink
	log        *slog.Logger
	now        func() time.Time
}

func NewService(store Store, calibrator Calibrator, publisher Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		calibrator: calibrator,
		publisher:  publisher,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest records one reading for an authenticated device. The reading is
// persisted before anything is published; publishing never fails the call.
func (s *Service) Ingest(ctx context.Context, device *data.DeviceIdentity, sensorID int64, raw float64, clientTimestamp *time.Time) (*data.Reading, error) {
	log := s.log.With("device_id", device.DeviceID, "sensor_id", sensorID)

	if !device.HasSensor(sensorID) {
		log.Info("reading for unbound sensor rejected")
		return nil, ErrSensorNotBound
	}

	binding, err := s.store.Binding(ctx, device.DeviceID, sensorID)
	if errors.Is(err, storage.ErrNotFound) {
		// Binding removed between authentication and now.
		log.Warn("binding vanished after authentication")
		return nil, ErrSensorNotBound
	}
	if err != nil {
		return nil, fmt.Errorf("binding lookup: %w", err)
	}

	now := s.now().UTC()
	capturedAt := now
	if clientTimestamp != nil {
		capturedAt = *clientTimestamp
	}

	reading := &data.Reading{
		DeviceID:   device.DeviceID,
		SensorID:   sensorID,
		Value:      s.calibrator.Evaluate(binding.Formula(), raw),
		CapturedAt: capturedAt,
	}
	if err := s.store.AppendReading(ctx, reading); err != nil {
		return nil, fmt.Errorf("persist reading: %w", err)
	}

	s.publisher.PublishJSON(device.OrganizationID, data.MessageReading, data.NewReadingEvent(reading, device.OrganizationID))

	if err := s.store.TouchDevice(ctx, device.DeviceID, now); err != nil {
		log.Warn("failed to update last_seen", "error", err)
	}

	if s.checker != nil && s.alerts != nil {
		s.alerts.ProcessAlerts(device.OrganizationID, s.checker.Check(reading))
	}

	log.Debug("reading stored", "reading_id", reading.ID, "raw", raw, "value", reading.Value)
	return reading, nil
}
