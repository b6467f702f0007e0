package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetZone(ctx context.Context, id string) (ZoneInfo, error)
	ListZoneIssues(ctx context.Context, zoneID, statusFilter string) ([]IssueInfo, error)
	ListIssueComments(ctx context.Context, issueID string) ([]CommentInfo, error)
}

// Service provides zone report export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a zone issue report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	zone, err := s.store.GetZone(ctx, req.ZoneID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZoneUnavailable, err)
	}

	issues, err := s.store.ListZoneIssues(ctx, req.ZoneID, req.StatusFilter)
	if err != nil {
		return nil, fmt.Errorf("list zone issues: %w", err)
	}

	switch req.Format {
	case FormatCSV:
		return s.exportCSV(zone, issues)
	case FormatPDF:
		return s.exportPDFReport(ctx, zone, issues, req.IncludeComments)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// exportCSV writes one row per issue.
func (s *Service) exportCSV(zone ZoneInfo, issues []IssueInfo) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "title", "status", "category", "location", "reporter", "vote_score", "created_at", "resolved_at"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, issue := range issues {
		resolvedAt := ""
		if issue.ResolvedAt != nil {
			resolvedAt = issue.ResolvedAt.Format(time.RFC3339)
		}
		row := []string{
			issue.ID,
			issue.Title,
			issue.Status,
			issue.CategoryName,
			issue.Location,
			issue.ReporterName,
			strconv.Itoa(issue.VoteScore),
			issue.CreatedAt.Format(time.RFC3339),
			resolvedAt,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(zone.Name) + "-issues.csv",
		MimeType: "text/csv",
	}, nil
}

// exportPDFReport renders the report template and prints it through chromedp.
func (s *Service) exportPDFReport(ctx context.Context, zone ZoneInfo, issues []IssueInfo, includeComments bool) (*Result, error) {
	data := TemplateData{
		ZoneName:    zone.Name,
		ZoneType:    zone.ZoneType,
		GeneratedAt: time.Now(),
		Issues:      make([]TemplateIssue, 0, len(issues)),
	}

	for _, issue := range issues {
		item := TemplateIssue{
			Title:        issue.Title,
			Description:  issue.Description,
			Location:     issue.Location,
			Status:       issue.Status,
			CategoryName: issue.CategoryName,
			ReporterName: issue.ReporterName,
			VoteScore:    issue.VoteScore,
			CreatedAt:    issue.CreatedAt,
		}
		if includeComments {
			comments, err := s.store.ListIssueComments(ctx, issue.ID)
			if err == nil {
				for _, c := range comments {
					item.Comments = append(item.Comments, TemplateComment{
						Author: c.Author,
						Body:   c.Body,
					})
				}
			}
		}
		data.Issues = append(data.Issues, item)
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return exportPDF(html, zone.Name+"-issues")
}
