// internal/storage/gorm.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"iot-telemetry-hub/internal/data"
)

type deviceRow struct {
	ID             int64 `gorm:"primaryKey"`
	OrganizationID int64 `gorm:"index"`
	Name           string
	Slug           string `gorm:"uniqueIndex"`
	IsActive       bool
	LastSeen       *time.Time
}

func (deviceRow) TableName() string { return "devices" }

type tokenRow struct {
	ID         int64  `gorm:"primaryKey"`
	DeviceID   int64  `gorm:"index"`
	Token      string `gorm:"uniqueIndex"`
	IsActive   bool
	LastUsedAt *time.Time
}

func (tokenRow) TableName() string { return "device_tokens" }

type bindingRow struct {
	DeviceID           int64 `gorm:"primaryKey;autoIncrement:false"`
	SensorTypeID       int64 `gorm:"primaryKey;autoIncrement:false"`
	CalibrationFormula *string
}

func (bindingRow) TableName() string { return "device_sensor_links" }

type measurementRow struct {
	ID           int64 `gorm:"primaryKey"`
	DeviceID     int64 `gorm:"index"`
	SensorTypeID int64
	Value        float64
	CapturedAt   time.Time `gorm:"index"`
}

func (measurementRow) TableName() string { return "measurements" }

type userRow struct {
	ID             int64  `gorm:"primaryKey"`
	Email          string `gorm:"uniqueIndex"`
	HashedPassword string
	IsActive       bool
	IsSuperuser    bool
	OrganizationID *int64
}

func (userRow) TableName() string { return "users" }

// Open connects to a SQL database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// GormStore implements Store over a gorm connection.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the tables the hub reads and writes. Production schemas are
// owned by the management service; this is for local SQLite databases.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&deviceRow{}, &tokenRow{}, &bindingRow{}, &measurementRow{}, &userRow{})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) CredentialByToken(ctx context.Context, token string) (*data.DeviceCredential, error) {
	var row tokenRow
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return &data.DeviceCredential{
		Token:      row.Token,
		DeviceID:   row.DeviceID,
		IsActive:   row.IsActive,
		LastUsedAt: row.LastUsedAt,
	}, nil
}

func (s *GormStore) TouchCredential(ctx context.Context, token string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&tokenRow{}).Where("token = ?", token).Update("last_used_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Device(ctx context.Context, id int64) (*data.Device, error) {
	var row deviceRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &data.Device{
		ID:             row.ID,
		OrganizationID: row.OrganizationID,
		Name:           row.Name,
		Slug:           row.Slug,
		IsActive:       row.IsActive,
		LastSeen:       row.LastSeen,
	}, nil
}

func (s *GormStore) TouchDevice(ctx context.Context, id int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&deviceRow{}).Where("id = ?", id).Update("last_seen", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SensorIDsForDevice(ctx context.Context, deviceID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&bindingRow{}).
		Where("device_id = ?", deviceID).
		Order("sensor_type_id").
		Pluck("sensor_type_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) Binding(ctx context.Context, deviceID, sensorID int64) (*data.SensorBinding, error) {
	var row bindingRow
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND sensor_type_id = ?", deviceID, sensorID).
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &data.SensorBinding{
		DeviceID:           row.DeviceID,
		SensorID:           row.SensorTypeID,
		CalibrationFormula: row.CalibrationFormula,
	}, nil
}

func (s *GormStore) AppendReading(ctx context.Context, r *data.Reading) error {
	row := measurementRow{
		DeviceID:     r.DeviceID,
		SensorTypeID: r.SensorID,
		Value:        r.Value,
		CapturedAt:   r.CapturedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	r.ID = row.ID
	return nil
}

func (s *GormStore) tenantReadings(ctx context.Context, organizationID int64) *gorm.DB {
	return s.db.WithContext(ctx).Model(&measurementRow{}).
		Select("measurements.*").
		Joins("JOIN devices ON devices.id = measurements.device_id").
		Where("devices.organization_id = ?", organizationID)
}

func (s *GormStore) ReadingsSince(ctx context.Context, organizationID int64, since time.Time) ([]data.Reading, error) {
	var rows []measurementRow
	err := s.tenantReadings(ctx, organizationID).
		Where("measurements.captured_at >= ?", since.UTC()).
		Order("measurements.captured_at ASC, measurements.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("scan readings: %w", err)
	}
	return toReadings(rows), nil
}

func (s *GormStore) ListReadings(ctx context.Context, f ReadingFilter) ([]data.Reading, error) {
	q := s.tenantReadings(ctx, f.OrganizationID)
	if f.DeviceID != nil {
		q = q.Where("measurements.device_id = ?", *f.DeviceID)
	}
	if f.Since != nil {
		q = q.Where("measurements.captured_at >= ?", f.Since.UTC())
	}
	var rows []measurementRow
	err := q.Order("measurements.id DESC").Limit(clampLimit(f.Limit)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	return toReadings(rows), nil
}

func (s *GormStore) UserByEmail(ctx context.Context, email string) (*data.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return &data.User{
		ID:             row.ID,
		Email:          row.Email,
		HashedPassword: row.HashedPassword,
		IsActive:       row.IsActive,
		IsSuperuser:    row.IsSuperuser,
		OrganizationID: row.OrganizationID,
	}, nil
}

func toReadings(rows []measurementRow) []data.Reading {
	out := make([]data.Reading, len(rows))
	for i, row := range rows {
		out[i] = data.Reading{
			ID:         row.ID,
			DeviceID:   row.DeviceID,
			SensorID:   row.SensorTypeID,
			Value:      row.Value,
			CapturedAt: row.CapturedAt,
		}
	}
	return out
}
