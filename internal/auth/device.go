// internal/auth/device.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"iot-telemetry-hub/internal/data"
	"iot-telemetry-hub/internal/storage"
)

// DeviceTokenHeader carries the device credential. It is separate from the
// Authorization header used by dashboard sessions.
const DeviceTokenHeader = "X-Device-Token"

// DeviceStore is the read side of device management the verifier needs.
type DeviceStore interface {
	CredentialByToken(ctx context.Context, token string) (*data.DeviceCredential, error)
	TouchCredential(ctx context.Context, token string, at time.Time) error
	Device(ctx context.Context, id int64) (*data.Device, error)
	SensorIDsForDevice(ctx context.Context, deviceID int64) ([]int64, error)
}

// DeviceVerifier maps opaque device tokens to device identities.
type DeviceVerifier struct {
	store DeviceStore
	log   *slog.Logger
	now   func() time.Time
}

func NewDeviceVerifier(store DeviceStore, log *slog.Logger) *DeviceVerifier {
	return &DeviceVerifier{store: store, log: log, now: time.Now}
}

// Authenticate resolves token to the device and the sensors bound to it at
// this moment. Tokens do not expire; they are valid until revoked.
func (v *DeviceVerifier) Authenticate(ctx context.Context, token string) (*data.DeviceIdentity, error) {
	if token == "" {
		v.log.Debug("device request without token")
		return nil, ErrMissingToken
	}

	cred, err := v.store.CredentialByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		v.log.Warn("unknown device token")
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if !cred.IsActive {
		v.log.Warn("revoked device token used", "device_id", cred.DeviceID)
		return nil, ErrInvalidToken
	}

	device, err := v.store.Device(ctx, cred.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		v.log.Warn("device token points at missing device", "device_id", cred.DeviceID)
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}
	if !device.IsActive {
		v.log.Warn("disabled device reporting", "device_id", device.ID)
		return nil, ErrInvalidToken
	}

	sensors, err := v.store.SensorIDsForDevice(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("sensor bindings: %w", err)
	}

	if err := v.store.TouchCredential(ctx, token, v.now()); err != nil {
		v.log.Warn("failed to stamp credential use", "device_id", device.ID, "error", err)
	}

	return &data.DeviceIdentity{
		DeviceID:       device.ID,
		OrganizationID: device.OrganizationID,
		SensorIDs:      sensors,
	}, nil
}

// DeviceFromContext returns the identity set by Middleware.
func DeviceFromContext(ctx context.Context) (*data.DeviceIdentity, bool) {
	d, ok := ctx.Value(deviceKey).(*data.DeviceIdentity)
	return d, ok
}

// Middleware for device token authentication
func (v *DeviceVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := v.Authenticate(r.Context(), r.Header.Get(DeviceTokenHeader))
		switch {
		case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
			writeDetail(w, http.StatusUnauthorized, "Invalid device credential")
			return
		case err != nil:
			v.log.Error("device authentication failed", "error", err)
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
