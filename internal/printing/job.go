package printing

import "time"

// Status is the outcome of a print job
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request asks the print worker to reprint an issued prescription
type Request struct {
	PrescriptionID string    `json:"prescriptionId" validate:"required"`
	Format         Format    `json:"format" validate:"required,oneof=svg html png pdf"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	RequestedBy    string    `json:"requestedBy,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
}

// Result reports a finished print job
type Result struct {
	PrescriptionID string    `json:"prescriptionId"`
	SnapshotID     string    `json:"snapshotId,omitempty"`
	Format         Format    `json:"format"`
	Status         Status    `json:"status"`
	ArtifactKey    string    `json:"artifactKey,omitempty"`
	Bytes          int       `json:"bytes,omitempty"`
	Error          string    `json:"error,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}
