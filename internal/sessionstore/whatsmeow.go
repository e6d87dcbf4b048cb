package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	// Drivers for the whatsmeow device store dialects.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// Session links a tenant to its whatsmeow device.
type Session struct {
	TenantID  string    `json:"tenant_id" gorm:"primaryKey;size:64"`
	DeviceJID string    `json:"device_jid" gorm:"column:device_jid;size:128;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string {
	return "wa_sessions"
}

// Whatsmeow keeps key material in whatsmeow's sqlstore and the tenant to
// device mapping in a gorm table.
type Whatsmeow struct {
	container *sqlstore.Container
	db        *gorm.DB
	log       *logger.Logger
}

// OpenContainer opens and upgrades the whatsmeow device store.
func OpenContainer(ctx context.Context, dialect, dsn string) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, dialect, dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("open whatsmeow store: %w", err)
	}
	return container, nil
}

// NewWhatsmeow creates the store and migrates its mapping table.
func NewWhatsmeow(container *sqlstore.Container, db *gorm.DB, log *logger.Logger) (*Whatsmeow, error) {
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("migrate wa_sessions: %w", err)
	}
	return &Whatsmeow{container: container, db: db, log: log}, nil
}

func (s *Whatsmeow) Load(ctx context.Context, tenantID string) (transport.Credentials, error) {
	var row Session
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transport.Credentials{}, ErrNoSession
	}
	if err != nil {
		return transport.Credentials{}, err
	}

	creds := transport.Credentials{DeviceJID: row.DeviceJID}
	if _, err := s.device(ctx, creds); err != nil {
		s.log.Warn("discarding corrupt session",
			zap.String("tenant_id", tenantID),
			zap.String("device_jid", row.DeviceJID),
			zap.Error(err),
		)
		if err := s.db.WithContext(ctx).Delete(&Session{}, "tenant_id = ?", tenantID).Error; err != nil {
			return transport.Credentials{}, err
		}
		return transport.Credentials{}, ErrNoSession
	}
	return creds, nil
}

func (s *Whatsmeow) Save(ctx context.Context, tenantID string, creds transport.Credentials) error {
	row := Session{TenantID: tenantID, DeviceJID: creds.DeviceJID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_jid", "updated_at"}),
	}).Create(&row).Error
}

// Erase removes the device keys and the mapping. A device that is already
// gone is not an error.
func (s *Whatsmeow) Erase(ctx context.Context, tenantID string) error {
	var row Session
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if dev, err := s.device(ctx, transport.Credentials{DeviceJID: row.DeviceJID}); err == nil {
		if err := dev.Delete(ctx); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	return s.db.WithContext(ctx).Delete(&Session{}, "tenant_id = ?", tenantID).Error
}

func (s *Whatsmeow) Exists(ctx context.Context, tenantID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Session{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return n > 0, err
}

func (s *Whatsmeow) Tenants(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Session{}).Order("tenant_id").Pluck("tenant_id", &ids).Error
	return ids, err
}

// Device implements transport.DeviceSource.
func (s *Whatsmeow) Device(ctx context.Context, creds transport.Credentials) (*wastore.Device, error) {
	if creds.Empty() {
		return s.container.NewDevice(), nil
	}
	return s.device(ctx, creds)
}

func (s *Whatsmeow) device(ctx context.Context, creds transport.Credentials) (*wastore.Device, error) {
	jid, err := types.ParseJID(creds.DeviceJID)
	if err != nil {
		return nil, fmt.Errorf("parse device jid: %w", err)
	}
	dev, err := s.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("device %s not in store", jid)
	}
	return dev, nil
}
