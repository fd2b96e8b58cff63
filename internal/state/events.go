package state

import "encoding/json"

// EventType is the name an event is broadcast under.
type EventType string

const (
	EventMakerCheckedIn     EventType = "maker_checked_in"
	EventMakerCheckedOut    EventType = "maker_checked_out"
	EventStationEntered     EventType = "station_entered"
	EventStationLeft        EventType = "station_left"
	EventViolationDetected  EventType = "violation_detected"
	EventMakerStatusUpdated EventType = "maker_status_updated"
	EventSystemReset        EventType = "system_reset"
)

// Event is one message from the event source, payload still encoded.
type Event struct {
	Type EventType
	Data json.RawMessage
}

// MakerPayload describes a maker inside an event.
type MakerPayload struct {
	ID            ID          `json:"id"`
	DisplayName   *string     `json:"display_name"`
	Status        MakerStatus `json:"status"`
	ExternalLabel string      `json:"external_label"`
}

// StationPayload describes a station inside an event.
// The upstream sends either a status or an in_use flag.
type StationPayload struct {
	ID     ID            `json:"id"`
	Name   *string       `json:"name"`
	Status StationStatus `json:"status"`
	InUse  *bool         `json:"in_use"`
}

// status resolves the payload's station status, falling back to def.
func (p *StationPayload) status(def StationStatus) StationStatus {
	if p.Status != "" {
		return p.Status
	}
	if p.InUse != nil {
		if *p.InUse {
			return StationInUse
		}
		return StationAvailable
	}
	return def
}

// StationEvent is the payload of station_entered and station_left.
type StationEvent struct {
	Maker   *MakerPayload   `json:"maker"`
	Station *StationPayload `json:"station"`
}

// ViolationPayload is the violation part of violation_detected.
type ViolationPayload struct {
	ID            ID      `json:"id"`
	ViolationType string  `json:"violation_type"`
	CreatedAt     string  `json:"created_at"`
	ImageURL      *string `json:"image_url"`
}

// ViolationEvent is the payload of violation_detected.
type ViolationEvent struct {
	Maker     *MakerPayload     `json:"maker"`
	Station   *StationPayload   `json:"station"`
	Violation *ViolationPayload `json:"violation"`
}

// StatusPayload is the payload of maker_status_updated.
type StatusPayload struct {
	ID     ID          `json:"id"`
	Status MakerStatus `json:"status"`
}

// CheckoutPayload is the payload of maker_checked_out.
type CheckoutPayload struct {
	ID ID `json:"id"`
}

// Snapshot is the full state returned by the snapshot endpoint.
type Snapshot struct {
	Makers     []SnapshotMaker     `json:"makers"`
	Stations   []SnapshotStation   `json:"stations"`
	Violations []SnapshotViolation `json:"violations"`
}

// SnapshotMaker is a maker row of the snapshot.
type SnapshotMaker struct {
	ID            ID          `json:"id"`
	DisplayName   string      `json:"display_name"`
	Status        MakerStatus `json:"status"`
	ExternalLabel string      `json:"external_label"`
	StationID     ID          `json:"station_id"`
}

// SnapshotStation is a station row of the snapshot.
type SnapshotStation struct {
	ID            ID            `json:"id"`
	Name          string        `json:"name"`
	Status        StationStatus `json:"status"`
	InUse         *bool         `json:"in_use"`
	ActiveMakerID ID            `json:"active_maker_id"`
}

// SnapshotViolation is a violation row of the snapshot.
type SnapshotViolation struct {
	ID            ID      `json:"id"`
	MakerID       ID      `json:"maker_id"`
	MakerName     string  `json:"maker_name"`
	StationID     ID      `json:"station_id"`
	StationName   string  `json:"station_name"`
	ViolationType string  `json:"violation_type"`
	CreatedAt     string  `json:"created_at"`
	ImageURL      *string `json:"image_url"`
}
