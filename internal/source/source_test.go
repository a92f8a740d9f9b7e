package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, n int) *SQLSource {
	t.Helper()
	src, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	ctx := context.Background()
	require.NoError(t, src.EnsureSchema(ctx))

	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]Salary, n)
	// Insert in reverse so the ORDER BY is what produces the ordering.
	for i := range n {
		emp := int64(n - i)
		rows[i] = Salary{
			EmpNo:    emp,
			Salary:   40000 + emp,
			FromDate: base,
			ToDate:   base.AddDate(1, 0, 0),
		}
	}
	require.NoError(t, src.Insert(ctx, rows))
	return src
}

func TestSQLSource_Count(t *testing.T) {
	src := seeded(t, 25)
	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestSQLSource_FetchRangeIsOrderedAndStable(t *testing.T) {
	src := seeded(t, 25)
	ctx := context.Background()

	first, err := src.FetchRange(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, first, 10)
	for i, r := range first {
		assert.Equal(t, int64(11+i), r.EmpNo)
		assert.Equal(t, 40000+r.EmpNo, r.Salary)
	}

	again, err := src.FetchRange(ctx, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	tail, err := src.FetchRange(ctx, 20, 10)
	require.NoError(t, err)
	assert.Len(t, tail, 5)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLSource{driver: "postgres"}
	assert.Equal(t, "LIMIT $1 OFFSET $2", pg.rebind("LIMIT ? OFFSET ?"))

	lite := &SQLSource{driver: "sqlite"}
	assert.Equal(t, "LIMIT ? OFFSET ?", lite.rebind("LIMIT ? OFFSET ?"))
}
