// Package render writes salary records to xlsx fragments and merges
// fragments into combined workbooks.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/sheetgate/sheetgate/internal/source"
)

const (
	// SheetName is the single sheet of every fragment.
	SheetName = "Salary Information"
	// HeaderRows is the number of leading rows (title + column headers) in a
	// fragment. Data starts at this zero-based row.
	HeaderRows = 2

	dateLayout = "2006-01-02"
)

// Columns are the column headers shared by fragments and combined sheets.
var Columns = []string{"Employee ID", "Salary", "From Date", "To Date"}

// Renderer writes fragments.
type Renderer struct{}

// RenderFragment writes records to a single-sheet workbook at path with the
// first record on zero-based row startRow. An existing file at path is
// replaced only after the new one is fully on disk.
func (Renderer) RenderFragment(ctx context.Context, path string, records []source.Salary, startRow int) error {
	if startRow < HeaderRows {
		return fmt.Errorf("start row %d overlaps the %d header rows", startRow, HeaderRows)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	titleStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 20},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("title style: %w", err)
	}
	headStyle, err := headerStyle(f)
	if err != nil {
		return err
	}
	bodyStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Size: 14}})
	if err != nil {
		return fmt.Errorf("body style: %w", err)
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("stream writer: %w", err)
	}
	if err := sw.SetRow("A1", []any{excelize.Cell{StyleID: titleStyle, Value: SheetName}}); err != nil {
		return fmt.Errorf("write title: %w", err)
	}
	if err := sw.MergeCell("A1", "E1"); err != nil {
		return fmt.Errorf("merge title: %w", err)
	}
	if err := sw.SetRow("A2", headerCells(headStyle)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, rec := range records {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, startRow+i+1)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, recordCells(rec, bodyStyle)); err != nil {
			return fmt.Errorf("write row %d: %w", startRow+i, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush fragment: %w", err)
	}
	return writeAtomic(f, path)
}

func headerStyle(f *excelize.File) (int, error) {
	id, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 16}})
	if err != nil {
		return 0, fmt.Errorf("header style: %w", err)
	}
	return id, nil
}

func headerCells(style int) []any {
	cells := make([]any, len(Columns))
	for i, c := range Columns {
		cells[i] = excelize.Cell{StyleID: style, Value: c}
	}
	return cells
}

// recordCells renders one record. EmpNo -1 marks a record the source could
// not read and renders as ERROR cells.
func recordCells(r source.Salary, style int) []any {
	if r.EmpNo == -1 {
		return []any{
			excelize.Cell{StyleID: style, Value: "ERROR"},
			excelize.Cell{StyleID: style, Value: "ERROR"},
			excelize.Cell{StyleID: style, Value: "ERROR"},
			excelize.Cell{StyleID: style, Value: "ERROR"},
		}
	}
	return []any{
		excelize.Cell{StyleID: style, Value: r.EmpNo},
		excelize.Cell{StyleID: style, Value: r.Salary},
		excelize.Cell{StyleID: style, Value: r.FromDate.Format(dateLayout)},
		excelize.Cell{StyleID: style, Value: r.ToDate.Format(dateLayout)},
	}
}

// writeAtomic writes f to a temp file next to path, syncs it and renames it
// over path.
func writeAtomic(f *excelize.File, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write workbook: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename workbook: %w", err)
	}
	return nil
}
