// Package report renders scan summaries and scan history as plain text for
// the terminal.
package report

import (
	"embed"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/trainalyze/trainalyze/internal/history"
	"github.com/trainalyze/trainalyze/internal/scan"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

const (
	TemplateSummary = "summary"
	TemplateHistory = "history"
)

// SummaryData is the data available to the summary template.
type SummaryData struct {
	Source    string
	Generated string
	Summary   scan.Summary
}

var funcs = template.FuncMap{
	"inc":   func(i int) int { return i + 1 },
	"money": func(v float64) string { return fmt.Sprintf("£%.2f", v) },
	"optMoney": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("£%.2f", *v)
	},
	"minutes": func(v *int) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%d min", *v)
	},
	"percent": func(v *int) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%d%%", *v)
	},
}

// Engine handles report rendering
type Engine struct {
	templates map[string]*template.Template
	now       func() time.Time
}

// NewEngine parses the embedded templates.
func NewEngine() (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*template.Template),
		now:       time.Now,
	}

	for _, name := range []string{TemplateSummary, TemplateHistory} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		e.templates[name] = tmpl
	}

	return e, nil
}

func (e *Engine) render(w io.Writer, name string, data any) error {
	tmpl, ok := e.templates[name]
	if !ok {
		return fmt.Errorf("unknown template: %s", name)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	return nil
}

// Summary writes a scan summary for the named source.
func (e *Engine) Summary(w io.Writer, source string, s scan.Summary) error {
	return e.render(w, TemplateSummary, SummaryData{
		Source:    source,
		Generated: e.now().Format("January 2, 2006 15:04"),
		Summary:   s,
	})
}

// History writes a list of stored scans.
func (e *Engine) History(w io.Writer, records []history.Record) error {
	return e.render(w, TemplateHistory, records)
}
