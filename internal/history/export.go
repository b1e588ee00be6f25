// ABOUTME: Renders an extraction payload as an xlsx workbook with a
// ABOUTME: Messages sheet and an Info summary sheet.

package history

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	sheetMessages = "Messages"
	sheetInfo     = "Info"
)

// ExportXLSX renders the payload as a spreadsheet.
func ExportXLSX(p *Payload) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetMessages); err != nil {
		return nil, fmt.Errorf("renaming sheet: %w", err)
	}

	headers := []string{"Message ID", "Date", "Sender", "Handle", "Text"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetMessages, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}
	for i, row := range p.Rows {
		values := []any{
			row.MessageID,
			row.Date.Format("2006-01-02 15:04:05"),
			row.SenderName,
			row.SenderHandle,
			row.Text,
		}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			if err := f.SetCellValue(sheetMessages, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", i, err)
			}
		}
	}
	if err := f.SetColWidth(sheetMessages, "E", "E", 80); err != nil {
		return nil, fmt.Errorf("setting column width: %w", err)
	}

	if _, err := f.NewSheet(sheetInfo); err != nil {
		return nil, fmt.Errorf("creating info sheet: %w", err)
	}
	info := [][2]any{
		{"Chat", p.Summary.ChatTitle},
		{"Messages scanned", p.Summary.TotalScanned},
		{"Matched", p.Summary.Matched},
		{"Keywords", p.Summary.Keywords},
		{"Extracted at", p.Summary.ExtractedAt.Format("2006-01-02 15:04:05")},
	}
	for i, kv := range info {
		keyCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valCell, _ := excelize.CoordinatesToCellName(2, i+1)
		if err := f.SetCellValue(sheetInfo, keyCell, kv[0]); err != nil {
			return nil, fmt.Errorf("writing info: %w", err)
		}
		if err := f.SetCellValue(sheetInfo, valCell, kv[1]); err != nil {
			return nil, fmt.Errorf("writing info: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialising workbook: %w", err)
	}
	return buf.Bytes(), nil
}
