// internal/anomaly/detector.go
package anomaly

import (
	"fmt"
	"log/slog"

	"iot-telemetry-hub/internal/config"
	"iot-telemetry-hub/internal/data"
)

type Detector struct {
	rules map[int64]config.Rule
	log   *slog.Logger
}

func NewDetector(rules map[int64]config.Rule, log *slog.Logger) *Detector {
	return &Detector{rules: rules, log: log}
}

// Check checks a calibrated reading against the rule for its sensor type.
func (d *Detector) Check(r *data.Reading) []data.Alert {
	rule, ok := d.rules[r.SensorID]
	if !ok {
		// No rule defined for this sensor, skip
		return nil
	}

	if r.Value >= rule.Min && r.Value <= rule.Max {
		return nil
	}

	alert := data.Alert{
		Timestamp: r.CapturedAt,
		Severity:  rule.SeverityOrDefault(),
		Message:   fmt.Sprintf("Sensor %d on device %d: value %.2f is outside range [%.2f, %.2f]", r.SensorID, r.DeviceID, r.Value, rule.Min, rule.Max),
		SensorID:  r.SensorID,
		Value:     r.Value,
		DeviceID:  r.DeviceID,
		ReadingID: r.ID,
	}
	d.log.Info("threshold alert", "device_id", r.DeviceID, "sensor_id", r.SensorID, "value", r.Value)
	return []data.Alert{alert}
}
