package store

import (
	"errors"
	"time"

	"github.com/justinsiek/Maker-Safe/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// SessionAt describes who held a station at a point in time.
type SessionAt struct {
	StationID   string     `json:"stationId"`
	MakerID     string     `json:"makerId"`
	MakerName   string     `json:"makerName"`
	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   *time.Time `json:"periodEnd"` // nil while the session is still open
	Open        bool       `json:"open"`
}

// StationSummary aggregates the stored activity of one station.
type StationSummary struct {
	StationID      string `json:"stationId"`
	Name           string `json:"name"`
	ViolationCount int64  `json:"violationCount"`
	SessionCount   int64  `json:"sessionCount"`
	Occupied       bool   `json:"occupied"`
	CurrentMaker   string `json:"currentMaker,omitempty"`
}

// ViolationPage is one page of the violation log, newest first.
type ViolationPage struct {
	Items    []model.ViolationRecord `json:"items"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"pageSize"`
	Total    int64                   `json:"total"`
}
