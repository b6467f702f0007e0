package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(reportTemplateHTML))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	ZoneName    string
	ZoneType    string
	GeneratedAt time.Time
	Issues      []TemplateIssue
}

// TemplateIssue holds issue data for the template
type TemplateIssue struct {
	Title        string
	Description  string
	Location     string
	Status       string
	CategoryName string
	ReporterName string
	VoteScore    int
	CreatedAt    time.Time
	Comments     []TemplateComment
}

// TemplateComment holds comment data for the template
type TemplateComment struct {
	Author string
	Body   string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ZoneName}} issue report</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .issue { border: 1px solid #ddd; padding: 1rem; margin: 1rem 0; page-break-inside: avoid; }
    .issue h2 { margin: 0 0 0.25rem; font-size: 1.1em; }
    .status { display: inline-block; padding: 0.1rem 0.5rem; background: #eee; border-radius: 3px; font-size: 0.85em; }
    .comment { background: #f5f5f5; padding: 0.5rem 1rem; margin: 0.5rem 0; border-left: 3px solid #333; }
  </style>
</head>
<body>
  <h1>{{.ZoneName}}</h1>
  <div class="meta">{{.ZoneType}} | {{len .Issues}} issues | generated {{.GeneratedAt.Format "Jan 2, 2006 15:04"}}</div>
  {{range .Issues}}
  <div class="issue">
    <h2>{{.Title}}</h2>
    <span class="status">{{.Status}}</span>
    <span class="status">{{.CategoryName}}</span>
    <span class="status">score {{.VoteScore}}</span>
    <p>{{.Description}}</p>
    <div class="meta">{{if .Location}}{{.Location}} | {{end}}reported by {{.ReporterName}} on {{.CreatedAt.Format "Jan 2, 2006"}}</div>
    {{range .Comments}}<div class="comment"><strong>{{.Author}}</strong>: {{.Body}}</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
