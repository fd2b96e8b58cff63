package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/justinsiek/Maker-Safe/internal/format"
)

// ID is an upstream identifier. The upstream sends both JSON numbers and strings.
type ID string

// UnmarshalJSON accepts 7, "7" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MakerStatus is the presence state of a maker.
type MakerStatus string

const (
	MakerIdle      MakerStatus = "idle"
	MakerActive    MakerStatus = "active"
	MakerOnDuty    MakerStatus = "on_duty"
	MakerBreak     MakerStatus = "break"
	MakerViolation MakerStatus = "violation"
)

// StationStatus is the occupancy state of a station.
type StationStatus string

const (
	StationIdle      StationStatus = "idle"
	StationInUse     StationStatus = "in_use"
	StationViolation StationStatus = "violation"
	StationAvailable StationStatus = "available"
)

// occupied reports whether a station in this status may hold an assignment.
func (s StationStatus) occupied() bool {
	return s == StationInUse || s == StationViolation
}

// Maker is a person present in the space.
type Maker struct {
	ID            string      `json:"id"`
	DisplayName   string      `json:"displayName"`
	ExternalLabel string      `json:"externalLabel,omitempty"`
	Status        MakerStatus `json:"status"`
	StationID     *string     `json:"stationId"`
	StationName   *string     `json:"stationName"`
	Initials      string      `json:"initials"`
}

func (m *Maker) assign(stationID, stationName string) {
	m.StationID = strPtr(stationID)
	m.StationName = strPtr(stationName)
}

func (m *Maker) release() {
	m.StationID = nil
	m.StationName = nil
}

func (m *Maker) at(stationID string) bool {
	return m.StationID != nil && *m.StationID == stationID
}

// Station is a physical work area.
type Station struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Status            StationStatus `json:"status"`
	AssignedMakerID   *string       `json:"assignedMakerId"`
	AssignedMakerName *string       `json:"assignedMakerName"`
}

func (s *Station) assign(makerID, makerName string) {
	s.AssignedMakerID = strPtr(makerID)
	s.AssignedMakerName = strPtr(makerName)
	if !s.Status.occupied() {
		s.Status = StationInUse
	}
}

func (s *Station) release(status StationStatus) {
	s.AssignedMakerID = nil
	s.AssignedMakerName = nil
	s.Status = status
}

func (s *Station) heldBy(makerID string) bool {
	return s.AssignedMakerID != nil && *s.AssignedMakerID == makerID
}

// Violation is an immutable safety-event record.
type Violation struct {
	ID        string              `json:"id"`
	MakerID   string              `json:"makerId"`
	StationID string              `json:"stationId"`
	Type      string              `json:"violationType"`
	CreatedAt time.Time           `json:"createdAt"`
	ImageURL  *string             `json:"imageUrl"`
	Name      string              `json:"name"`
	Location  string              `json:"location"`
	Label     string              `json:"label"`
	Severity  format.SeverityTier `json:"severity"`
	Time      string              `json:"time"`
}

// View is a point-in-time copy of the reconciled collections.
type View struct {
	Makers     []Maker     `json:"makers"`
	Stations   []Station   `json:"stations"`
	Violations []Violation `json:"violations"`
	Loaded     bool        `json:"loaded"`
	LoadError  string      `json:"loadError,omitempty"`
	Revision   uint64      `json:"revision"`
}

// Assignment links a maker to a station.
type Assignment struct {
	StationID string
	MakerID   string
}

func strPtr(s string) *string {
	return &s
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	return strPtr(*p)
}

func (m Maker) clone() Maker {
	m.StationID = copyStr(m.StationID)
	m.StationName = copyStr(m.StationName)
	return m
}

func (s Station) clone() Station {
	s.AssignedMakerID = copyStr(s.AssignedMakerID)
	s.AssignedMakerName = copyStr(s.AssignedMakerName)
	return s
}

func (v Violation) clone() Violation {
	v.ImageURL = copyStr(v.ImageURL)
	return v
}
