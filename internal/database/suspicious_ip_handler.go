package database

import (
	"context"

	"gorm.io/gorm/clause"

	"ipwarden/internal/domain"
)

const defaultSuspiciousListLimit = 500

// GetOrCreateSuspiciousIP inserts a flag for ip unless one exists. The unique
// index on ip_address arbitrates concurrent callers; an existing row is
// returned untouched together with created=false.
func (s *Store) GetOrCreateSuspiciousIP(ctx context.Context, ip, reason string) (domain.SuspiciousIP, bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return domain.SuspiciousIP{}, false, err
	}

	record := domain.SuspiciousIP{IPAddress: ip, Reason: reason}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip_address"}},
		DoNothing: true,
	}).Create(&record)
	if res.Error != nil {
		return domain.SuspiciousIP{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		return record, true, nil
	}

	var existing domain.SuspiciousIP
	if err := db.Where("ip_address = ?", ip).First(&existing).Error; err != nil {
		return domain.SuspiciousIP{}, false, err
	}
	return existing, false, nil
}

// ListSuspiciousIPs returns the most recently flagged addresses first.
func (s *Store) ListSuspiciousIPs(ctx context.Context, limit int) ([]domain.SuspiciousIP, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSuspiciousListLimit
	}

	var records []domain.SuspiciousIP
	if err := db.Order("flagged_at DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
