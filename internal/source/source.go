// Package source provides paginated read access to the dataset being exported.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Salary is one row of the salaries table.
type Salary struct {
	EmpNo    int64
	Salary   int64
	FromDate time.Time
	ToDate   time.Time
}

// Source is the record source the exporter reads from. FetchRange must
// return records in a stable order so repeated calls over the same range are
// reproducible.
type Source interface {
	Count(ctx context.Context) (int, error)
	FetchRange(ctx context.Context, offset, limit int) ([]Salary, error)
}

// SQLSource reads salaries through database/sql. Supported drivers are
// "sqlite" (modernc.org/sqlite) and "postgres" (github.com/lib/pq).
type SQLSource struct {
	db     *sql.DB
	driver string
}

// Open opens a SQLSource for the given driver and DSN.
func Open(driver, dsn string) (*SQLSource, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported source driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", driver, err)
	}
	if driver == "sqlite" {
		// :memory: databases are per connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s source: %w", driver, err)
	}
	return &SQLSource{db: db, driver: driver}, nil
}

// Close closes the underlying database connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the salaries table if it does not exist.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS salaries (
			emp_no    INTEGER NOT NULL,
			salary    INTEGER NOT NULL,
			from_date DATE NOT NULL,
			to_date   DATE NOT NULL,
			PRIMARY KEY (emp_no, from_date)
		)
	`)
	if err != nil {
		return fmt.Errorf("create salaries table: %w", err)
	}
	return nil
}

// Insert writes rows in a single transaction.
func (s *SQLSource) Insert(ctx context.Context, rows []Salary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO salaries (emp_no, salary, from_date, to_date) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.EmpNo, r.Salary, r.FromDate.UTC(), r.ToDate.UTC()); err != nil {
			return fmt.Errorf("insert salary %d: %w", r.EmpNo, err)
		}
	}
	return tx.Commit()
}

func (s *SQLSource) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM salaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count salaries: %w", err)
	}
	return n, nil
}

func (s *SQLSource) FetchRange(ctx context.Context, offset, limit int) ([]Salary, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT emp_no, salary, from_date, to_date FROM salaries
		ORDER BY emp_no, from_date
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch salaries [%d, %d): %w", offset, offset+limit, err)
	}
	defer rows.Close()

	out := make([]Salary, 0, limit)
	for rows.Next() {
		var r Salary
		if err := rows.Scan(&r.EmpNo, &r.Salary, &r.FromDate, &r.ToDate); err != nil {
			return nil, fmt.Errorf("scan salary: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate salaries: %w", err)
	}
	return out, nil
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (s *SQLSource) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
