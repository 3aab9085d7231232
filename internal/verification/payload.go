// Package verification builds the compact record encoded into a prescription's
// QR code and turns it into a scannable image.
package verification

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-rxlayout/internal/binding"
)

var (
	ErrPayloadTooLarge = errors.New("verification payload too large")
	ErrInvalidPayload  = errors.New("invalid verification payload")
)

// Medication is the per-line subset carried in the payload. Instructions
// and diagnosis are left out to keep the code small.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// Payload is the structured record behind a QR code
type Payload struct {
	PrescriptionID string       `json:"rx"`
	PatientID      string       `json:"pt"`
	IssuedAt       time.Time    `json:"ts"`
	Medications    []Medication `json:"meds"`
	Signed         bool         `json:"sig"`
}

// NewPayload extracts the payload fields from a prescription
func NewPayload(rx binding.Prescription, issuedAt time.Time) Payload {
	meds := make([]Medication, 0, len(rx.Medications))
	for _, m := range rx.Medications {
		meds = append(meds, Medication{
			Name:      m.Name,
			Dosage:    m.Dosage,
			Frequency: m.Frequency,
			Duration:  m.Duration,
		})
	}
	return Payload{
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		IssuedAt:       issuedAt.UTC().Truncate(time.Second),
		Medications:    meds,
		Signed:         rx.Signed,
	}
}

// Marshal serializes p as compact JSON
func (p Payload) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a scanned payload
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.PrescriptionID == "" {
		return Payload{}, fmt.Errorf("%w: missing prescription id", ErrInvalidPayload)
	}
	return p, nil
}

// Digest returns the hex SHA-256 of the serialized payload
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
