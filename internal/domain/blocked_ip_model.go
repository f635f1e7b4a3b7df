package domain

import "time"

// BlockedIP is an address denied at the edge. Rows are managed by operators.
type BlockedIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`

	// IPAddress holds the normalized textual address (e.g. 192.0.2.1).
	IPAddress string `gorm:"size:45;uniqueIndex;not null" json:"ip_address"`

	Note      string    `gorm:"size:512;not null;default:''" json:"note,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BlockedIP) TableName() string {
	return "blocked_ips"
}
