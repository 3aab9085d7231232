// Package snapshot freezes a layout together with its resolved prescription
// data at issuance and replays the frozen copy on every reprint.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/validation"
)

var (
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
	ErrSnapshotExists   = errors.New("prescription already has a snapshot")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrBlocked          = errors.New("layout has blocking validation errors")
)

// BlockedError carries the findings that prevented issuance
type BlockedError struct {
	Findings []validation.Finding
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %d error(s)", ErrBlocked, len(e.Findings))
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Source is anything that can hand over a consistent deep copy of a layout
type Source interface {
	Freeze() layout.Layout
}

// Snapshot is the immutable record persisted with an issued prescription.
// Element content is stored already resolved.
type Snapshot struct {
	ID             string                `json:"id"`
	PrescriptionID string                `json:"prescriptionId"`
	LayoutID       string                `json:"layoutId"`
	LayoutName     string                `json:"layoutName"`
	IssuedAt       time.Time             `json:"issuedAt"`
	Elements       []layout.Element      `json:"elements"`
	CanvasSettings layout.CanvasSettings `json:"canvasSettings"`
	PrintSettings  layout.PrintSettings  `json:"printSettings"`
	Orientation    layout.Orientation    `json:"orientation"`
	Bindings       binding.Context       `json:"bindings"`
	Payload        string                `json:"payload,omitempty"`
	PayloadDigest  string                `json:"payloadDigest,omitempty"`
	QRImage        []byte                `json:"qrImage,omitempty"`
	QRFault        string                `json:"qrFault,omitempty"`
	Checksum       string                `json:"checksum"`
}

// ComputeChecksum returns the SHA-256 of the snapshot with its checksum field cleared
func (s *Snapshot) ComputeChecksum() (string, error) {
	c := *s
	c.Checksum = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the checksum
func (s *Snapshot) Seal() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// Verify reports whether the stored checksum still matches the content
func Verify(s *Snapshot) error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("%w: snapshot %s", ErrChecksumMismatch, s.ID)
	}
	return nil
}

// Summary is the public view of a snapshot without image bytes
type Summary struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescriptionId"`
	LayoutID       string    `json:"layoutId"`
	IssuedAt       time.Time `json:"issuedAt"`
	Elements       int       `json:"elements"`
	PayloadDigest  string    `json:"payloadDigest,omitempty"`
	QRFault        string    `json:"qrFault,omitempty"`
	Checksum       string    `json:"checksum"`
}

// Summarize returns the summary view of s
func (s *Snapshot) Summarize() Summary {
	return Summary{
		ID:             s.ID,
		PrescriptionID: s.PrescriptionID,
		LayoutID:       s.LayoutID,
		IssuedAt:       s.IssuedAt,
		Elements:       len(s.Elements),
		PayloadDigest:  s.PayloadDigest,
		QRFault:        s.QRFault,
		Checksum:       s.Checksum,
	}
}
