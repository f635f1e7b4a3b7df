package database

import (
	"context"
	"time"

	"ipwarden/internal/domain"
)

const requestLogInsertBatchSize = 500

// IPRequestCount is one row of the per-address aggregation.
type IPRequestCount struct {
	IPAddress    string
	RequestCount int64
}

func (s *Store) InsertRequestLog(ctx context.Context, entry *domain.RequestLog) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(entry).Error
}

func (s *Store) InsertRequestLogs(ctx context.Context, entries []domain.RequestLog) error {
	if len(entries) == 0 {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.CreateInBatches(&entries, requestLogInsertBatchSize).Error
}

// CountRequestsByIP groups log entries at or after since by address and returns
// the addresses whose count is strictly greater than above, ordered by address.
func (s *Store) CountRequestsByIP(ctx context.Context, since time.Time, above int) ([]IPRequestCount, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var counts []IPRequestCount
	err = db.Model(&domain.RequestLog{}).
		Select("ip_address, COUNT(*) AS request_count").
		Where("timestamp >= ?", since).
		Group("ip_address").
		Having("COUNT(*) > ?", above).
		Order("ip_address").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ListIPsByPaths returns the distinct addresses that requested one of paths
// (exact match) at or after since.
func (s *Store) ListIPsByPaths(ctx context.Context, since time.Time, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	err = db.Model(&domain.RequestLog{}).
		Distinct("ip_address").
		Where("timestamp >= ? AND path IN ?", since, paths).
		Order("ip_address").
		Pluck("ip_address", &ips).Error
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// PurgeRequestLogs deletes entries older than before.
func (s *Store) PurgeRequestLogs(ctx context.Context, before time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Where("timestamp < ?", before).Delete(&domain.RequestLog{})
	return res.RowsAffected, res.Error
}
