package prescription

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrAlreadyIssued = errors.New("prescription already issued")
	ErrNotIssued     = errors.New("prescription not issued")
	ErrVoided        = errors.New("prescription is voided")
)

// Status represents prescription document status
type Status string

const (
	StatusDraft  Status = "draft"
	StatusIssued Status = "issued"
	StatusVoided Status = "voided"
)

// Aggregate represents the prescription document aggregate root
type Aggregate struct {
	id            string
	version       int
	status        Status
	snapshotID    string
	layoutID      string
	checksum      string
	patientHash   string
	doctorLicense string
	reprints      int
	issuedAt      time.Time
	updatedAt     time.Time
	changes       []*Event
}

// NewAggregate creates a new prescription document aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:        id,
		status:    StatusDraft,
		updatedAt: time.Now().UTC(),
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// SnapshotID returns the id of the issued snapshot
func (a *Aggregate) SnapshotID() string { return a.snapshotID }

// Reprints returns how many times the snapshot was reprinted
func (a *Aggregate) Reprints() int { return a.reprints }

// IssuedAt returns the issuance instant
func (a *Aggregate) IssuedAt() time.Time { return a.issuedAt }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Issue records that the prescription was issued with a snapshot
func (a *Aggregate) Issue(data *IssuedData, correlationID string) error {
	switch a.status {
	case StatusIssued:
		return ErrAlreadyIssued
	case StatusVoided:
		return ErrVoided
	}

	event, err := NewEvent(a.id, EventPrescriptionIssued, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(data.DoctorLicense, data.PatientHash, correlationID)

	a.record(event)
	return nil
}

// RecordReprint records a reprint of the issued snapshot
func (a *Aggregate) RecordReprint(format, artifactKey, correlationID string) error {
	if a.status != StatusIssued {
		if a.status == StatusVoided {
			return ErrVoided
		}
		return ErrNotIssued
	}

	data := &ReprintedData{
		PrescriptionID: a.id,
		SnapshotID:     a.snapshotID,
		Format:         format,
		ArtifactKey:    artifactKey,
		ReprintedAt:    time.Now().UTC(),
	}
	event, err := NewEvent(a.id, EventPrescriptionReprinted, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(a.doctorLicense, a.patientHash, correlationID)

	a.record(event)
	return nil
}

// Void withdraws the prescription. Its snapshot becomes collectable.
func (a *Aggregate) Void(reason, correlationID string) error {
	if a.status == StatusVoided {
		return ErrVoided
	}

	data := &VoidedData{
		PrescriptionID: a.id,
		SnapshotID:     a.snapshotID,
		Reason:         reason,
		VoidedAt:       time.Now().UTC(),
	}
	event, err := NewEvent(a.id, EventPrescriptionVoided, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(a.doctorLicense, a.patientHash, correlationID)

	a.record(event)
	return nil
}

func (a *Aggregate) record(event *Event) {
	a.apply(event)
	a.changes = append(a.changes, event)
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) {
	a.version++
	a.updatedAt = event.Timestamp

	switch event.EventType {
	case EventPrescriptionIssued:
		var data IssuedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return
		}
		a.status = StatusIssued
		a.snapshotID = data.SnapshotID
		a.layoutID = data.LayoutID
		a.checksum = data.Checksum
		a.patientHash = data.PatientHash
		a.doctorLicense = data.DoctorLicense
		a.issuedAt = data.IssuedAt
	case EventPrescriptionReprinted:
		a.reprints++
	case EventPrescriptionVoided:
		a.status = StatusVoided
	}
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) {
	for _, event := range events {
		a.apply(event)
	}
}
