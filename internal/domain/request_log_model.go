package domain

import "time"

// RequestLog is one inbound, non-blocked request. Rows are append-only.
type RequestLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`

	IPAddress string    `gorm:"size:45;not null;index:idx_request_logs_ip_time,priority:1" json:"ip_address"`
	Timestamp time.Time `gorm:"not null;index;index:idx_request_logs_ip_time,priority:2" json:"timestamp"`
	Path      string    `gorm:"size:2048;not null;index" json:"path"`
	Country   string    `gorm:"size:128;not null;default:''" json:"country"`
	City      string    `gorm:"size:128;not null;default:''" json:"city"`
}

func (RequestLog) TableName() string {
	return "request_logs"
}
