package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/morphclip/morphclip/internal/guestgate"
)

// GuestStore implements guestgate.Store.
type GuestStore struct {
	db *gorm.DB
}

// NewGuestStore returns a GuestStore backed by gorm.DB.
func NewGuestStore(db *gorm.DB) *GuestStore {
	return &GuestStore{db: db}
}

// FindUsage returns the most recent record matching the ip address or the
// fingerprint.
func (store *GuestStore) FindUsage(ctx context.Context, ipAddress string, fingerprint string) (guestgate.Usage, bool, error) {
	var row GuestUsageRow
	err := store.db.WithContext(ctx).
		Where("ip_address = ? OR fingerprint = ?", ipAddress, fingerprint).
		Order("used_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return guestgate.Usage{}, false, nil
	}
	if err != nil {
		return guestgate.Usage{}, false, err
	}
	return mapGuestUsage(row), true, nil
}

func (store *GuestStore) CreateUsage(ctx context.Context, usage guestgate.Usage) (guestgate.Usage, error) {
	row := GuestUsageRow{
		IPAddress:   usage.IPAddress,
		Fingerprint: usage.Fingerprint,
		UserAgent:   usage.UserAgent,
		VideoID:     usage.VideoID,
		UsedAt:      time.Unix(usage.UsedAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return guestgate.Usage{}, err
	}
	return mapGuestUsage(row), nil
}

func mapGuestUsage(row GuestUsageRow) guestgate.Usage {
	return guestgate.Usage{
		ID:            row.UsageID,
		IPAddress:     row.IPAddress,
		Fingerprint:   row.Fingerprint,
		UserAgent:     row.UserAgent,
		VideoID:       row.VideoID,
		UsedAtUnixUTC: row.UsedAt.Unix(),
	}
}
