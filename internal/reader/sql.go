package reader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // postgresql driver
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	_ "github.com/marcboeker/go-duckdb" // duckdb driver
	_ "modernc.org/sqlite"              // sqlite driver
)

// sqlReader reads the tables and views of a database given by URL.
type sqlReader struct {
	logger  *slog.Logger
	db      *sql.DB
	dialect string
}

// driverFor maps a parsed URL to a database/sql driver name and DSN.
func driverFor(raw string) (driver, dsn string, u *dburl.URL, err error) {
	u, err = dburl.Parse(dburl.Strip(raw))
	if err != nil {
		return "", "", nil, err
	}
	switch u.Dialect {
	case "sqlite":
		return "sqlite", u.Path, u, nil
	case "duckdb":
		return "duckdb", u.Path + "?access_mode=READ_ONLY", u, nil
	case "postgresql":
		_, rest, _ := strings.Cut(dburl.Strip(raw), "://")
		return "pgx", "postgres://" + rest, u, nil
	case "mysql", "mariadb":
		cfg := mysql.NewConfig()
		cfg.User = u.Username
		cfg.Passwd = u.Password
		cfg.Net = "tcp"
		port := u.Port
		if port == "" {
			port = "3306"
		}
		cfg.Addr = net.JoinHostPort(u.Host, port)
		cfg.DBName = u.Database
		cfg.ParseTime = true
		return "mysql", cfg.FormatDSN(), u, nil
	}
	return "", "", nil, fmt.Errorf("unsupported database dialect %q", u.Dialect)
}

func (r *sqlReader) Connect(ctx context.Context, source string) error {
	driver, dsn, u, err := driverFor(source)
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dburl.Redact(source), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to %s: %w", dburl.Redact(source), err)
	}
	r.db = db
	r.dialect = u.Dialect
	r.logger.Debug("sql source connected", slog.String("url", dburl.Redact(source)))
	return nil
}

func (r *sqlReader) Tables(ctx context.Context) ([]string, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	var query string
	switch r.dialect {
	case "sqlite":
		query = `SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`
	case "mysql", "mariadb":
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`
	default:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name`
	}
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (r *sqlReader) Rows(ctx context.Context, table string, _ TableOptions) (RowIterator, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+r.quote(table)) //nolint:gosec // identifier is quoted
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	return &sqlIterator{rows: rows, header: cols}, nil
}

func (r *sqlReader) Disconnect() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *sqlReader) quote(ident string) string {
	if r.dialect == "mysql" || r.dialect == "mariadb" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type sqlIterator struct {
	rows   *sql.Rows
	header []string
	row    []any
	err    error
}

func (it *sqlIterator) Header() []string { return it.header }

func (it *sqlIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	values := make([]any, len(it.header))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		it.err = err
		return false
	}
	for i, v := range values {
		values[i] = normalize(v)
	}
	it.row = values
	return true
}

func (it *sqlIterator) Row() []any { return it.row }

func (it *sqlIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *sqlIterator) Close() error { return it.rows.Close() }

// normalize converts driver values to the row value types readers promise.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, float64, bool:
		return x
	case []byte:
		return string(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case int:
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
