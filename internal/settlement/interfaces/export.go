package interfaces

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"medliq-cloud/internal/money"
	settlement "medliq-cloud/internal/settlement/domain"
)

var rowHeaders = []string{"Record", "Doctor", "Base", "Adjustment", "Kind", "Row Total", "Re-settled"}

func rowCells(row settlement.DetailRow) []string {
	adjID, kind := "", ""
	if row.Adjustment != nil {
		adjID = strconv.FormatInt(row.Adjustment.ID, 10)
		kind = string(row.Adjustment.Kind)
	}
	resettled := "no"
	if row.Detail.PredecessorID != nil {
		resettled = "yes"
	}
	return []string{
		row.Detail.RecordRef,
		strconv.FormatInt(row.Detail.DoctorID, 10),
		row.Base.StringFixed(money.Places),
		adjID,
		kind,
		row.Total.StringFixed(money.Places),
		resettled,
	}
}

// BuildSettlementPDF renders a settlement with its detail rows.
func BuildSettlementPDF(st *settlement.Settlement, rows []settlement.DetailRow) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Settlement "+st.Number)
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Insurer: %d", st.InsurerID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s", st.Period))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Version: %d", st.Version))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", st.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", st.CreatedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	if st.ClosedAt != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Closed: %s", st.ClosedAt.Format(time.RFC3339)))
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.Cell(0, 6, "Gross: "+st.TotalGross.StringFixed(money.Places))
	pdf.Ln(5)
	pdf.Cell(0, 6, "Debits: "+st.TotalDebits.StringFixed(money.Places))
	pdf.Ln(5)
	pdf.Cell(0, 6, "Credits: "+st.TotalCredits.StringFixed(money.Places))
	pdf.Ln(5)
	pdf.Cell(0, 6, "Net: "+st.TotalNet.StringFixed(money.Places))
	pdf.Ln(8)

	widths := []float64{28, 22, 28, 24, 18, 28, 22}
	pdf.SetFont("Arial", "B", 9)
	for i, h := range rowHeaders {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range rows {
		for i, cell := range rowCells(row) {
			align := "L"
			if i == 2 || i == 5 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, cell, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSettlementXLSX renders a settlement workbook with summary and rows
// sheets.
func BuildSettlementXLSX(st *settlement.Settlement, rows []settlement.DetailRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	rowsSheet := "rows"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return nil, err
	}

	pairs := [][2]any{
		{"Settlement", st.Number},
		{"Insurer", st.InsurerID},
		{"Period", st.Period.String()},
		{"Version", st.Version},
		{"Status", string(st.Status)},
		{"Gross", st.TotalGross.InexactFloat64()},
		{"Debits", st.TotalDebits.InexactFloat64()},
		{"Credits", st.TotalCredits.InexactFloat64()},
		{"Net", st.TotalNet.InexactFloat64()},
	}
	for i, p := range pairs {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), p[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), p[1])
	}

	for i, h := range rowHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(rowsSheet, cell, h)
	}
	for r, row := range rows {
		for c, value := range rowCells(row) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			switch c {
			case 2:
				_ = f.SetCellValue(rowsSheet, cell, row.Base.InexactFloat64())
			case 5:
				_ = f.SetCellValue(rowsSheet, cell, row.Total.InexactFloat64())
			default:
				_ = f.SetCellValue(rowsSheet, cell, value)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSummaryXLSX renders one sheet listing the summary's settlements.
func BuildSummaryXLSX(summary *settlement.Summary, settlements []settlement.Settlement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "settlements"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(sheet, "A1", "Summary")
	_ = f.SetCellValue(sheet, "B1", summary.Period.String())
	_ = f.SetCellValue(sheet, "A2", "Gross")
	_ = f.SetCellValue(sheet, "B2", summary.TotalGross.InexactFloat64())
	_ = f.SetCellValue(sheet, "A3", "Debits")
	_ = f.SetCellValue(sheet, "B3", summary.TotalDebits.InexactFloat64())
	_ = f.SetCellValue(sheet, "A4", "Deductions")
	_ = f.SetCellValue(sheet, "B4", summary.TotalDeduction.InexactFloat64())

	headers := []string{"Number", "Insurer", "Period", "Version", "Status", "Gross", "Debits", "Credits", "Net"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 6)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for r, st := range settlements {
		values := []any{
			st.Number, st.InsurerID, st.Period.String(), st.Version, string(st.Status),
			st.TotalGross.InexactFloat64(), st.TotalDebits.InexactFloat64(),
			st.TotalCredits.InexactFloat64(), st.TotalNet.InexactFloat64(),
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+7)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRowsCSV streams detail rows as CSV.
func WriteRowsCSV(w io.Writer, rows []settlement.DetailRow) error {
	writer := csv.NewWriter(w)
	header := []string{"record_ref", "doctor_id", "base", "adjustment_id", "kind", "row_total", "resettled"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write(rowCells(row)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
