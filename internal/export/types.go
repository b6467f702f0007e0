// Package export generates zone issue reports in PDF and CSV formats.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF Format = "pdf"
	FormatCSV Format = "csv"
)

// Request contains parameters for an export operation
type Request struct {
	ZoneID          string
	Format          Format
	StatusFilter    string // empty = all non-archived statuses
	IncludeComments bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ZoneInfo holds zone metadata
type ZoneInfo struct {
	ID       string
	Name     string
	ZoneType string
}

// IssueInfo holds issue data for the report
type IssueInfo struct {
	ID           string
	Title        string
	Description  string
	Location     string
	Status       string
	CategoryName string
	ReporterName string
	VoteScore    int
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// CommentInfo holds comment data for the report
type CommentInfo struct {
	Author string
	Body   string
}

var (
	// ErrZoneUnavailable indicates zone data could not be loaded for export.
	ErrZoneUnavailable = errors.New("export zone unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
