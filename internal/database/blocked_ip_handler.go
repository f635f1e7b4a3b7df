package database

import (
	"context"

	"gorm.io/gorm/clause"

	"ipwarden/internal/domain"
	"ipwarden/internal/support"
)

// ListBlockedIPs returns every blocked address.
func (s *Store) ListBlockedIPs(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	if err := db.Model(&domain.BlockedIP{}).Pluck("ip_address", &ips).Error; err != nil {
		return nil, err
	}
	return ips, nil
}

// BlockIP adds ip to the blocklist. It reports false when it was already present.
func (s *Store) BlockIP(ctx context.Context, ip, note string) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	record := domain.BlockedIP{IPAddress: support.NormalizeIP(ip), Note: note}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip_address"}},
		DoNothing: true,
	}).Create(&record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UnblockIP removes ip from the blocklist. It reports false when it was absent.
func (s *Store) UnblockIP(ctx context.Context, ip string) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	res := db.Where("ip_address = ?", support.NormalizeIP(ip)).Delete(&domain.BlockedIP{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
