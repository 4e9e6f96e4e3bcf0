// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"time"

	"iot-telemetry-hub/internal/data"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("not found")

// DefaultListLimit and MaxListLimit bound ListReadings.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ReadingFilter selects readings for a tenant, newest first.
type ReadingFilter struct {
	OrganizationID int64
	DeviceID       *int64
	Since          *time.Time
	Limit          int
}

// Store is the persistence contract the hub consumes. Device, credential,
// binding and user records are owned by the management service; the hub only
// reads them, apart from liveness timestamps.
type Store interface {
	CredentialByToken(ctx context.Context, token string) (*data.DeviceCredential, error)
	TouchCredential(ctx context.Context, token string, at time.Time) error

	Device(ctx context.Context, id int64) (*data.Device, error)
	TouchDevice(ctx context.Context, id int64, at time.Time) error

	SensorIDsForDevice(ctx context.Context, deviceID int64) ([]int64, error)
	Binding(ctx context.Context, deviceID, sensorID int64) (*data.SensorBinding, error)

	AppendReading(ctx context.Context, r *data.Reading) error
	ReadingsSince(ctx context.Context, organizationID int64, since time.Time) ([]data.Reading, error)
	ListReadings(ctx context.Context, f ReadingFilter) ([]data.Reading, error)

	UserByEmail(ctx context.Context, email string) (*data.User, error)
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}
