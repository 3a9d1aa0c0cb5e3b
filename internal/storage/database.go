package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sessionRowID = 1

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Session{},
		&Device{},
		&LatestSnapshot{},
		&ChartPoint{},
		&KeyParamPoint{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// PutSession replaces the active session wholesale. The write is a single
// row save, so concurrent readers see the old or the new session in full,
// never a mix.
func (d *Database) PutSession(mode string, params map[string]string, baseURL string) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode session params: %w", err)
	}
	session := &Session{
		ID:         sessionRowID,
		Mode:       mode,
		ParamsJSON: string(raw),
		BaseURL:    baseURL,
		UpdatedAt:  time.Now(),
	}
	return d.db.Save(session).Error
}

// GetSession returns the active session, or nil when none is stored.
func (d *Database) GetSession() (*Session, error) {
	var session Session
	result := d.db.First(&session, sessionRowID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &session, nil
}

// SessionParams decodes the stored raw request parameters.
func (s *Session) Params() map[string]string {
	params := map[string]string{}
	if s == nil || s.ParamsJSON == "" {
		return params
	}
	// A corrupt row yields empty params rather than an error; the caller
	// will fail to build a URL and fall back to re-login.
	_ = json.Unmarshal([]byte(s.ParamsJSON), &params)
	return params
}

// ClearSession deletes the session and all tracked devices.
func (d *Database) ClearSession() error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Session{}, sessionRowID).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&Device{}).Error
	})
}

// ListDevices returns the tracked device set.
func (d *Database) ListDevices() ([]Device, error) {
	var devices []Device
	result := d.db.Order("pn").Find(&devices)
	if result.Error != nil {
		return nil, result.Error
	}
	return devices, nil
}

// GetDevice looks up one device by product number.
func (d *Database) GetDevice(pn string) (*Device, error) {
	var device Device
	result := d.db.Where("pn = ?", pn).First(&device)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &device, nil
}

// ReplaceDevices swaps the whole device set in one transaction, so stale
// devices never linger after a directory refresh.
func (d *Database) ReplaceDevices(devices []Device) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Device{}).Error; err != nil {
			return err
		}
		if len(devices) == 0 {
			return nil
		}
		return tx.Create(&devices).Error
	})
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
