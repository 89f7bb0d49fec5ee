package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"tradebook/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"money": func(v float64) string {
			if v < 0 {
				return fmt.Sprintf("-$%.2f", -v)
			}
			return fmt.Sprintf("$%.2f", v)
		},
		"percent": func(v float64) string {
			return fmt.Sprintf("%.1f%%", v*100)
		},
		"pnlClass": func(v float64) string {
			switch {
			case v > 0:
				return "pos"
			case v < 0:
				return "neg"
			default:
				return ""
			}
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title        string
	TraderName   string
	MonthLabel   string
	GeneratedAt  time.Time
	NetPnL       float64
	GrossPnL     float64
	TotalFees    float64
	ClosedTrades int
	Wins         int
	Losses       int
	WinRate      float64
	Days         []store.DailyStat
	Trades       []TradeRow
}

// TradeRow is one closed trade as displayed in the report table.
type TradeRow struct {
	ClosedOn string
	Symbol   string
	Detail   string
	Side     string
	Size     string
	NetPnL   float64
}

// RenderHTML renders the monthly report template with provided data
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  <p>{{.TraderName}} | {{.MonthLabel}}</p>
  <p>Net P&amp;L: {{money .NetPnL}} over {{.ClosedTrades}} closed trades ({{percent .WinRate}} win rate)</p>
</body>
</html>`
