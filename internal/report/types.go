// Package report renders monthly performance reports as HTML or PDF.
package report

import "errors"

// Format represents the report output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for a report
type Request struct {
	SpaceID    string
	Month      string // "2006-01"
	Format     Format
	TraderName string
}

// Result contains the report output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrInvalidMonth indicates the month parameter was not of the form YYYY-MM.
	ErrInvalidMonth = errors.New("report month must be YYYY-MM")
	// ErrPDFDependencyMissing indicates PDF rendering runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
)
