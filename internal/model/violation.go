package model

import "time"

// ViolationRecord is an append-only log entry for a detected violation.
type ViolationRecord struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	MakerID       string    `gorm:"size:64;index" json:"makerId"`
	MakerName     string    `gorm:"size:256" json:"name"`
	StationID     string    `gorm:"size:64;index" json:"stationId"`
	StationName   string    `gorm:"size:256" json:"location"`
	ViolationType string    `gorm:"size:128;not null" json:"violationType"`
	Severity      string    `gorm:"size:16;not null" json:"severity"`
	ImageURL      *string   `json:"imageUrl"`
	DetectedAt    time.Time `gorm:"not null;index" json:"createdAt"`
	RecordedAt    time.Time `gorm:"not null" json:"recordedAt"`
}
