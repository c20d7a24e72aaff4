package entities

import "time"

// Account is a current-system user.
type Account struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Email     string    `gorm:"size:255;not null;uniqueIndex"`
	Name      string    `gorm:"size:255"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Account) TableName() string {
	return "accounts"
}
