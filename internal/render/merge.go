package render

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// DefaultMaxRows is the data-row ceiling per combined sheet.
const DefaultMaxRows = 1_000_000

// Destination is a combined workbook under construction. Rows are appended
// in call order; a new sheet with a fresh header row is started whenever the
// current one holds maxRows data rows.
type Destination struct {
	f         *excelize.File
	sw        *excelize.StreamWriter
	maxRows   int
	headStyle int
	sheets    int
	rows      int // data rows in the current sheet
	total     int
}

// NewDestination creates an empty combined workbook.
func NewDestination(maxRows int) (*Destination, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	f := excelize.NewFile()
	hs, err := headerStyle(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d := &Destination{f: f, maxRows: maxRows, headStyle: hs}
	if err := d.nextSheet(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// Rows returns the number of data rows written so far.
func (d *Destination) Rows() int { return d.total }

// Sheets returns the number of sheets in the workbook.
func (d *Destination) Sheets() int { return d.sheets }

func (d *Destination) nextSheet() error {
	if d.sw != nil {
		if err := d.sw.Flush(); err != nil {
			return fmt.Errorf("flush sheet %d: %w", d.sheets, err)
		}
	}
	d.sheets++
	name := sheetName(d.sheets)
	if d.sheets == 1 {
		if err := d.f.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("name sheet: %w", err)
		}
	} else if _, err := d.f.NewSheet(name); err != nil {
		return fmt.Errorf("new sheet %q: %w", name, err)
	}

	sw, err := d.f.NewStreamWriter(name)
	if err != nil {
		return fmt.Errorf("stream writer %q: %w", name, err)
	}
	if err := sw.SetRow("A1", headerCells(d.headStyle)); err != nil {
		return fmt.Errorf("write header %q: %w", name, err)
	}
	d.sw = sw
	d.rows = 0
	return nil
}

func sheetName(n int) string { return "Sheet " + strconv.Itoa(n) }

// MergeInto appends every row of the fragment's first sheet after the first
// skipRows rows. Cell values are copied by type (text, number, boolean,
// formula) so the copy does not depend on how the fragment was written.
// It returns the number of rows appended.
func (d *Destination) MergeInto(ctx context.Context, fragmentPath string, skipRows int) (int, error) {
	src, err := excelize.OpenFile(fragmentPath)
	if err != nil {
		return 0, fmt.Errorf("open fragment %s: %w", fragmentPath, err)
	}
	defer src.Close()

	sheet := src.GetSheetName(0)
	if sheet == "" {
		return 0, fmt.Errorf("fragment %s has no sheets", fragmentPath)
	}
	rows, err := src.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return 0, fmt.Errorf("read fragment %s: %w", fragmentPath, err)
	}

	appended := 0
	for i := skipRows; i < len(rows); i++ {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return appended, err
			}
		}
		cols := rows[i]
		if len(cols) == 0 {
			continue
		}
		values := make([]any, len(cols))
		for c, raw := range cols {
			axis, err := excelize.CoordinatesToCellName(c+1, i+1)
			if err != nil {
				return appended, err
			}
			v, err := typedValue(src, sheet, axis, raw)
			if err != nil {
				return appended, fmt.Errorf("read %s!%s: %w", fragmentPath, axis, err)
			}
			values[c] = v
		}
		if err := d.appendRow(values); err != nil {
			return appended, err
		}
		appended++
	}
	return appended, nil
}

func (d *Destination) appendRow(values []any) error {
	if d.rows >= d.maxRows {
		if err := d.nextSheet(); err != nil {
			return err
		}
	}
	// Row 1 is the header.
	cell, err := excelize.CoordinatesToCellName(1, d.rows+2)
	if err != nil {
		return err
	}
	if err := d.sw.SetRow(cell, values); err != nil {
		return fmt.Errorf("write combined row: %w", err)
	}
	d.rows++
	d.total++
	return nil
}

// typedValue converts a raw cell string back to its semantic type.
func typedValue(f *excelize.File, sheet, axis, raw string) (any, error) {
	formula, err := f.GetCellFormula(sheet, axis)
	if err != nil {
		return nil, err
	}
	if formula != "" {
		return excelize.Cell{Formula: formula}, nil
	}
	typ, err := f.GetCellType(sheet, axis)
	if err != nil {
		return nil, err
	}
	switch typ {
	case excelize.CellTypeBool:
		return raw == "1" || strings.EqualFold(raw, "TRUE"), nil
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		if raw == "" {
			return nil, nil
		}
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return n, nil
		}
	}
	return raw, nil
}

// Save flushes the current sheet and writes the workbook to path.
func (d *Destination) Save(path string) error {
	if err := d.sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet %d: %w", d.sheets, err)
	}
	return writeAtomic(d.f, path)
}

// Close releases the workbook.
func (d *Destination) Close() error {
	return d.f.Close()
}
