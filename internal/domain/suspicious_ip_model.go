package domain

import "time"

// SuspiciousIP is created once per address by the detector. The first reason
// recorded wins; later detections never update it.
type SuspiciousIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`

	IPAddress string    `gorm:"size:45;uniqueIndex;not null" json:"ip_address"`
	Reason    string    `gorm:"size:512;not null" json:"reason"`
	FlaggedAt time.Time `gorm:"autoCreateTime" json:"flagged_at"`
}

func (SuspiciousIP) TableName() string {
	return "suspicious_ips"
}
