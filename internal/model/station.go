package model

import "time"

// Station is a work area seen on the makerspace floor.
type Station struct {
	ID        string    `gorm:"primaryKey;size:64"` // Upstream ID
	Name      string    `gorm:"size:256;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
