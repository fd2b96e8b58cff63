package model

import "time"

// StationSessionOpen is the maker currently holding a station (hot table).
type StationSessionOpen struct {
	StationID string    `gorm:"primaryKey;size:64"`
	MakerID   string    `gorm:"size:64;not null"`
	MakerName string    `gorm:"size:256;not null"`
	StartedAt time.Time `gorm:"not null"`
}

// StationSessionHistory is a finished station session (cold table).
type StationSessionHistory struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	StationID   string    `gorm:"size:64;not null;index:idx_session_history_station_observed,priority:1"`
	ObservedAt  time.Time `gorm:"not null;index:idx_session_history_station_observed,priority:2"` // When the session end was observed
	MakerID     string    `gorm:"size:64;not null;index"`
	MakerName   string    `gorm:"size:256;not null"`
	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`
}
