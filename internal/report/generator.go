// Package report renders dashboard PDFs from the data-mart tables.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/models"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

const maxRows = 200

var ErrUnknownDashboard = errors.New("unknown dashboard")

// Renderer produces the PDF bytes of one dashboard.
type Renderer interface {
	Render(ctx context.Context, tag string) ([]byte, error)
}

type Generator struct {
	db      *gorm.DB
	queries map[string]string
	brand   string
	clock   clock.Clock
	sem     *semaphore.Weighted
}

// ReportData is what one dashboard page shows: a title and the rows of
// its mart query.
type ReportData struct {
	Tag         string
	Title       string
	GeneratedAt time.Time
	Columns     []string
	Rows        [][]string
	Truncated   bool
}

// NewGenerator builds a renderer. db may be nil, in which case dashboards
// are rendered without mart rows. At most maxConcurrent renders run at once.
func NewGenerator(db *gorm.DB, queries map[string]string, brand string, clk clock.Clock, maxConcurrent int64) *Generator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Generator{
		db:      db,
		queries: queries,
		brand:   brand,
		clock:   clk,
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

func (g *Generator) Render(ctx context.Context, tag string) ([]byte, error) {
	if !models.IsDashboard(tag) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDashboard, tag)
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire render slot: %w", err)
	}
	defer g.sem.Release(1)

	data, err := g.collectReportData(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to collect report data for %s: %w", tag, err)
	}
	return g.renderPDF(data)
}

func (g *Generator) collectReportData(ctx context.Context, tag string) (*ReportData, error) {
	data := &ReportData{
		Tag:         tag,
		Title:       models.DashboardTitle(tag),
		GeneratedAt: g.clock.Now(),
	}
	query := g.queries[tag]
	if g.db == nil || query == "" {
		return data, nil
	}

	rows, err := g.db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	data.Columns = cols
	for rows.Next() {
		if len(data.Rows) == maxRows {
			data.Truncated = true
			break
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatValue(v, g.clock.Location())
		}
		data.Rows = append(data.Rows, row)
	}
	return data, rows.Err()
}

func formatValue(v interface{}, loc *time.Location) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case time.Time:
		return x.In(loc).Format("02/01/2006 15:04")
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

func (g *Generator) renderPDF(data *ReportData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(data.Title, true)
	pdf.SetCreator(g.brand, true)
	pdf.SetCreationDate(data.GeneratedAt)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("%s - page %d/{nb}", g.brand, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(fmt.Sprintf("%s - %s", g.brand, data.Title)), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr("Généré le "+data.GeneratedAt.Format("02/01/2006 à 15:04")), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if len(data.Columns) == 0 || len(data.Rows) == 0 {
		pdf.SetFont("Helvetica", "I", 11)
		pdf.CellFormat(0, 8, tr("Aucune donnée disponible pour ce tableau de bord."), "", 1, "L", false, 0, "")
	} else {
		pageW, _ := pdf.GetPageSize()
		left, _, right, _ := pdf.GetMargins()
		colW := (pageW - left - right) / float64(len(data.Columns))

		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(230, 236, 245)
		for _, c := range data.Columns {
			pdf.CellFormat(colW, 7, tr(c), "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)

		pdf.SetFont("Helvetica", "", 9)
		for _, row := range data.Rows {
			for _, v := range row {
				pdf.CellFormat(colW, 6, tr(v), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
		if data.Truncated {
			pdf.SetFont("Helvetica", "I", 8)
			pdf.CellFormat(0, 6, fmt.Sprintf("(limited to %d rows)", maxRows), "", 1, "L", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
