package model

import "time"

// Maker is a person who has checked in at least once.
type Maker struct {
	ID            string    `gorm:"primaryKey;size:64"` // Upstream ID
	DisplayName   string    `gorm:"size:256;not null"`
	ExternalLabel string    `gorm:"size:128"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}
