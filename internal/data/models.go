// internal/data/models.go
package data

import "time"

// Reading is a single calibrated sensor value. Readings are append-only.
type Reading struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"device_id"`
	SensorID   int64     `json:"sensor_type_id"`
	Value      float64   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

// Device is the subset of the device record the hub reads.
type Device struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	IsActive       bool       `json:"is_active"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// DeviceCredential is an opaque bearer token issued to a device.
// A device may hold several; revoked ones have IsActive=false.
type DeviceCredential struct {
	Token      string     `json:"-"`
	DeviceID   int64      `json:"device_id"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// SensorBinding associates a sensor type with a device and optionally
// carries a calibration formula in terms of x.
type SensorBinding struct {
	DeviceID           int64   `json:"device_id"`
	SensorID           int64   `json:"sensor_type_id"`
	CalibrationFormula *string `json:"calibration_formula,omitempty"`
}

// Formula returns the calibration formula, or "" when none is set.
func (b *SensorBinding) Formula() string {
	if b == nil || b.CalibrationFormula == nil {
		return ""
	}
	return *b.CalibrationFormula
}

// DeviceIdentity is what a verified device token resolves to.
type DeviceIdentity struct {
	DeviceID       int64
	OrganizationID int64
	SensorIDs      []int64
}

// HasSensor reports whether sensorID is bound to the device.
func (d *DeviceIdentity) HasSensor(sensorID int64) bool {
	for _, id := range d.SensorIDs {
		if id == sensorID {
			return true
		}
	}
	return false
}

// User is a dashboard account. Only read for login.
type User struct {
	ID             int64
	Email          string
	HashedPassword string
	IsActive       bool
	IsSuperuser    bool
	OrganizationID *int64
}

// ReadingEvent is the real-time payload pushed to tenant subscribers.
type ReadingEvent struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"device_id"`
	SensorID   int64     `json:"sensor_id"`
	Value      float64   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
	TenantID   int64     `json:"tenant_id"`
}

// NewReadingEvent builds the broadcast payload for a persisted reading.
func NewReadingEvent(r *Reading, tenantID int64) ReadingEvent {
	return ReadingEvent{
		ID:         r.ID,
		DeviceID:   r.DeviceID,
		SensorID:   r.SensorID,
		Value:      r.Value,
		CapturedAt: r.CapturedAt,
		TenantID:   tenantID,
	}
}

// AnalyticsBucket holds statistics for one sensor over one time bucket.
type AnalyticsBucket struct {
	BucketStart time.Time `json:"bucket"`
	SensorID    int64     `json:"sensor_type_id"`
	Avg         float64   `json:"avg_value"`
	Min         float64   `json:"min_value"`
	Max         float64   `json:"max_value"`
	Count       int64     `json:"count"`
}

// Alert - Structure for sending threshold alerts
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // e.g., "WARN", "CRITICAL"
	Message   string    `json:"message"`
	SensorID  int64     `json:"sensor_type_id"`
	Value     float64   `json:"value"`
	DeviceID  int64     `json:"device_id"`
	ReadingID int64     `json:"reading_id"`
}

// Message types used in the envelope sent to WebSocket subscribers.
const (
	MessageReading = "reading"
	MessageAlert   = "alert"
	MessageHistory = "history"
)

// Envelope wraps every message pushed to a subscriber.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
