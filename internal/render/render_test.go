package render

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sheetgate/sheetgate/internal/source"
)

func salaries(from, n int) []source.Salary {
	base := time.Date(2001, 2, 3, 0, 0, 0, 0, time.UTC)
	out := make([]source.Salary, n)
	for i := range n {
		out[i] = source.Salary{
			EmpNo:    int64(from + i),
			Salary:   int64(50000 + from + i),
			FromDate: base,
			ToDate:   base.AddDate(0, 6, 0),
		}
	}
	return out
}

func TestRenderFragment_Layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag.xlsx")
	require.NoError(t, Renderer{}.RenderFragment(context.Background(), path, salaries(1, 3), HeaderRows))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, SheetName, rows[0][0])
	assert.Equal(t, Columns, rows[1])
	assert.Equal(t, []string{"1", "50001", "2001-02-03", "2001-08-03"}, rows[2])
	assert.Equal(t, "3", rows[4][0])

	merged, err := f.GetMergeCells(SheetName)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "A1", merged[0].GetStartAxis())
	assert.Equal(t, "E1", merged[0].GetEndAxis())
}

func TestRenderFragment_ErrorRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag.xlsx")
	recs := []source.Salary{{EmpNo: -1}}
	require.NoError(t, Renderer{}.RenderFragment(context.Background(), path, recs, HeaderRows))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Equal(t, []string{"ERROR", "ERROR", "ERROR", "ERROR"}, rows[2])
}

func TestRenderFragment_RejectsHeaderOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag.xlsx")
	err := Renderer{}.RenderFragment(context.Background(), path, salaries(1, 1), 1)
	assert.Error(t, err)
}

func TestRenderFragment_OverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag.xlsx")
	ctx := context.Background()
	require.NoError(t, Renderer{}.RenderFragment(ctx, path, salaries(1, 5), HeaderRows))
	require.NoError(t, Renderer{}.RenderFragment(ctx, path, salaries(1, 2), HeaderRows))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, HeaderRows+2)
}

func TestDestination_MergeInOrderWithRollover(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var frags []string
	for i := range 3 {
		p := filepath.Join(dir, "frag"+strconv.Itoa(i)+".xlsx")
		require.NoError(t, Renderer{}.RenderFragment(ctx, p, salaries(i*2+1, 2), HeaderRows))
		frags = append(frags, p)
	}

	d, err := NewDestination(4)
	require.NoError(t, err)
	defer d.Close()
	for _, p := range frags {
		n, err := d.MergeInto(ctx, p, HeaderRows)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
	assert.Equal(t, 6, d.Rows())
	assert.Equal(t, 2, d.Sheets())

	out := filepath.Join(dir, "final.xlsx")
	require.NoError(t, d.Save(out))

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Sheet 1", "Sheet 2"}, f.GetSheetList())

	first, err := f.GetRows("Sheet 1")
	require.NoError(t, err)
	require.Len(t, first, 5)
	assert.Equal(t, Columns, first[0])
	for i := 1; i <= 4; i++ {
		assert.Equal(t, strconv.Itoa(i), first[i][0])
	}

	second, err := f.GetRows("Sheet 2")
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, Columns, second[0])
	assert.Equal(t, "5", second[1][0])
	assert.Equal(t, "6", second[2][0])

	typ, err := f.GetCellType("Sheet 1", "B2")
	require.NoError(t, err)
	assert.NotEqual(t, excelize.CellTypeSharedString, typ, "numbers must stay numeric")
}

func TestDestination_CopiesByType(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "typed.xlsx")

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "header"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "text"))
	require.NoError(t, f.SetCellFormula("Sheet1", "B2", "C2*2"))
	require.NoError(t, f.SetCellValue("Sheet1", "C2", 42.5))
	require.NoError(t, f.SetCellValue("Sheet1", "D2", true))
	require.NoError(t, f.SaveAs(src))
	require.NoError(t, f.Close())

	d, err := NewDestination(0)
	require.NoError(t, err)
	defer d.Close()
	n, err := d.MergeInto(context.Background(), src, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := filepath.Join(dir, "out.xlsx")
	require.NoError(t, d.Save(out))

	g, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer g.Close()

	v, err := g.GetCellValue("Sheet 1", "A2")
	require.NoError(t, err)
	assert.Equal(t, "text", v)

	formula, err := g.GetCellFormula("Sheet 1", "B2")
	require.NoError(t, err)
	assert.Equal(t, "C2*2", formula)

	v, err = g.GetCellValue("Sheet 1", "C2")
	require.NoError(t, err)
	assert.Equal(t, "42.5", v)

	typ, err := g.GetCellType("Sheet 1", "D2")
	require.NoError(t, err)
	assert.Equal(t, excelize.CellTypeBool, typ)
}
