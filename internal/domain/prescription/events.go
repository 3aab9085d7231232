// Package prescription records the issuance history of a prescription
// document as an event-sourced aggregate.
package prescription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionIssued    EventType = "PrescriptionIssued"
	EventPrescriptionReprinted EventType = "PrescriptionReprinted"
	EventPrescriptionVoided    EventType = "PrescriptionVoided"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	DoctorLicense string          `json:"doctor_license,omitempty"`
	PatientHash   string          `json:"patient_hash,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "PrescriptionDocument",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// IssuedData describes the snapshot a prescription was issued with
type IssuedData struct {
	PrescriptionID string    `json:"prescription_id"`
	SnapshotID     string    `json:"snapshot_id"`
	LayoutID       string    `json:"layout_id"`
	PayloadDigest  string    `json:"payload_digest,omitempty"`
	Checksum       string    `json:"checksum"`
	QRFault        string    `json:"qr_fault,omitempty"`
	DoctorLicense  string    `json:"doctor_license,omitempty"`
	PatientHash    string    `json:"patient_hash"`
	IssuedAt       time.Time `json:"issued_at"`
}

// ReprintedData describes one reprint of an issued snapshot
type ReprintedData struct {
	PrescriptionID string    `json:"prescription_id"`
	SnapshotID     string    `json:"snapshot_id"`
	Format         string    `json:"format"`
	ArtifactKey    string    `json:"artifact_key,omitempty"`
	ReprintedAt    time.Time `json:"reprinted_at"`
}

// VoidedData records why an issued prescription was withdrawn
type VoidedData struct {
	PrescriptionID string    `json:"prescription_id"`
	SnapshotID     string    `json:"snapshot_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	VoidedAt       time.Time `json:"voided_at"`
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(doctorLicense, patientHash, correlationID string) *Event {
	e.DoctorLicense = doctorLicense
	e.PatientHash = patientHash
	e.CorrelationID = correlationID
	return e
}

// HashPatientID returns a one-way hash of a patient identifier for audit records
func HashPatientID(patientID string) string {
	sum := sha256.Sum256([]byte(patientID))
	return hex.EncodeToString(sum[:])
}
