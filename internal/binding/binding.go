// Package binding resolves {{token}} placeholders in element content against
// the values of one specific prescription.
package binding

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Placeholder names understood by the pre-authored templates
const (
	KeyPatientName    = "patientName"
	KeyPatientID      = "patientId"
	KeyDoctorName     = "doctorName"
	KeyDoctorLicense  = "doctorLicense"
	KeySpecialty      = "specialty"
	KeyMedications    = "medications"
	KeyDiagnosis      = "diagnosis"
	KeyDate           = "date"
	KeyTime           = "time"
	KeyClinicName     = "clinicName"
	KeyClinicAddress  = "clinicAddress"
	KeyClinicPhone    = "clinicPhone"
	KeyPrescriptionID = "prescriptionId"
)

// Display formats for the date and time bindings
const (
	DateFormat = "02/01/2006"
	TimeFormat = "15:04"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Context maps placeholder names to resolved, opaque string values
type Context map[string]string

// Medication is one prescribed medication as supplied by the prescription service
type Medication struct {
	Name         string `json:"name" validate:"required"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions,omitempty"`
}

// Prescription is the narrow prescription record the engine binds against
type Prescription struct {
	ID          string       `json:"id" validate:"required"`
	PatientID   string       `json:"patientId" validate:"required"`
	PatientName string       `json:"patientName" validate:"required"`
	Diagnosis   string       `json:"diagnosis,omitempty"`
	Medications []Medication `json:"medications" validate:"dive"`
	Signed      bool         `json:"signed"`
}

// Doctor is the prescriber identity supplied by the session service
type Doctor struct {
	Name          string `json:"name" validate:"required"`
	License       string `json:"license"`
	Specialty     string `json:"specialty,omitempty"`
	ClinicName    string `json:"clinicName,omitempty"`
	ClinicAddress string `json:"clinicAddress,omitempty"`
	ClinicPhone   string `json:"clinicPhone,omitempty"`
}

// Build assembles the binding context for rx issued by doc at the given instant
func Build(rx Prescription, doc Doctor, at time.Time) Context {
	ctx := Context{
		KeyPrescriptionID: rx.ID,
		KeyPatientID:      rx.PatientID,
		KeyPatientName:    rx.PatientName,
		KeyDiagnosis:      rx.Diagnosis,
		KeyMedications:    FormatMedications(rx.Medications),
		KeyDoctorName:     doc.Name,
		KeyDoctorLicense:  doc.License,
		KeySpecialty:      doc.Specialty,
		KeyClinicName:     doc.ClinicName,
		KeyClinicAddress:  doc.ClinicAddress,
		KeyClinicPhone:    doc.ClinicPhone,
	}
	if !at.IsZero() {
		ctx.Stamp(at)
	}
	return ctx
}

// Stamp freezes the date and time bindings at t
func (c Context) Stamp(t time.Time) {
	c[KeyDate] = t.Format(DateFormat)
	c[KeyTime] = t.Format(TimeFormat)
}

// FormatMedications renders the medication list as a numbered multi-line block
func FormatMedications(meds []Medication) string {
	var b strings.Builder
	for i, m := range meds {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, m.Name)
		var parts []string
		for _, p := range []string{m.Dosage, m.Frequency, m.Duration} {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			b.WriteString(" - ")
			b.WriteString(strings.Join(parts, ", "))
		}
		if m.Instructions != "" {
			b.WriteString("\n   ")
			b.WriteString(m.Instructions)
		}
	}
	return b.String()
}

// Resolve substitutes every {{token}} in content. Unknown tokens are left verbatim.
func (c Context) Resolve(content string) string {
	if !strings.Contains(content, "{{") {
		return content
	}
	return tokenPattern.ReplaceAllStringFunc(content, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		if v, ok := c[name]; ok {
			return v
		}
		return tok
	})
}

// Tokens returns the distinct placeholder names referenced by content, sorted
func Tokens(content string) []string {
	seen := make(map[string]struct{})
	for _, m := range tokenPattern.FindAllStringSubmatch(content, -1) {
		seen[m[1]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Missing returns the tokens in content that c cannot resolve
func (c Context) Missing(content string) []string {
	var out []string
	for _, name := range Tokens(content) {
		if _, ok := c[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Clone returns an independent copy of c
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
