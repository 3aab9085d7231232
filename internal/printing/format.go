// Package printing encodes rendered documents and runs print jobs for
// issued snapshots.
package printing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownFormat  = errors.New("unknown output format")
	ErrPDFUnavailable = errors.New("pdf export is not configured")
	ErrUndecodable    = errors.New("undecodable print request")
)

// Format is an output encoding of a rendered document
type Format string

const (
	FormatJSON Format = "json"
	FormatSVG  Format = "svg"
	FormatHTML Format = "html"
	FormatPNG  Format = "png"
	FormatPDF  Format = "pdf"
)

var contentTypes = map[Format]string{
	FormatJSON: "application/json",
	FormatSVG:  "image/svg+xml",
	FormatHTML: "text/html; charset=utf-8",
	FormatPNG:  "image/png",
	FormatPDF:  "application/pdf",
}

// ParseFormat converts a query value into a Format. Empty means json.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FormatJSON, nil
	}
	if _, ok := contentTypes[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	return f, nil
}

// ContentType returns the MIME type of f
func (f Format) ContentType() string {
	return contentTypes[f]
}

// Artifact is an encoded document
type Artifact struct {
	Format      Format
	ContentType string
	Data        []byte
}
