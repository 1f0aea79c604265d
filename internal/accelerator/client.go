// Package accelerator implements typed operations against the Accelerator's
// SQL endpoint: the status probe, the EXPLAIN-style cache-support probe,
// and the CREATE CACHE installer. Connection handling follows the usual
// sql.Open(driver, dsn) + Ping idiom, with a dialect switch selecting
// MySQL or PostgreSQL based on the configured database_type.
package accelerator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/opencache/rsscheduler/internal/errkind"
)

// Dialect selects the SQL dialect used to talk to the Accelerator.
type Dialect int

const (
	MySQL Dialect = iota
	PostgreSQL
)

func (d Dialect) driverName() string {
	if d == PostgreSQL {
		return "postgres"
	}
	return "mysql"
}

// statusQuery is the dialect-specific status query. Readyset exposes the
// same extended status command over both wire protocols it fronts.
const statusQuery = "SHOW READYSET STATUS"

// Client wraps a single connection to the Accelerator for the duration of
// one tick.
type Client struct {
	db      *sql.DB
	dialect Dialect
}

// Dial opens and pings a connection to the Accelerator at dsn using the
// dialect's driver.
func Dial(ctx context.Context, dialect Dialect, dsn string) (*Client, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, errkind.New(errkind.AcceleratorConnect, dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errkind.New(errkind.AcceleratorConnect, dsn, err)
	}
	return &Client{db: db, dialect: dialect}, nil
}

// NewWithDB wraps an already-open *sql.DB as a Client, bypassing Dial's own
// connection setup. This is how tests substitute a sqlmock-backed DB.
func NewWithDB(db *sql.DB, dialect Dialect) *Client {
	return &Client{db: db, dialect: dialect}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping is a lightweight liveness check: connection failure alone is
// enough to target SHUNNED, independent of the status query.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return errkind.New(errkind.AcceleratorConnect, "", err)
	}
	return nil
}

// Status issues the status query and parses the Status column. ok=false
// means the status text did not match any recognized variant; callers
// must leave the server's recorded state unchanged in that case.
func (c *Client) Status(ctx context.Context) (Status, bool, error) {
	rows, err := c.db.QueryContext(ctx, statusQuery)
	if err != nil {
		return Unknown, false, errkind.New(errkind.AcceleratorQuery, statusQuery, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Unknown, false, errkind.New(errkind.AcceleratorQuery, statusQuery, err)
	}
	statusIdx := columnIndex(cols, "status")
	if statusIdx < 0 {
		return Unknown, false, errkind.New(errkind.ParseStatus, statusQuery, fmt.Errorf("no Status column in result"))
	}

	if !rows.Next() {
		return Unknown, false, errkind.New(errkind.ParseStatus, statusQuery, fmt.Errorf("empty status result"))
	}
	dest := make([]interface{}, len(cols))
	for i := range dest {
		dest[i] = new(sql.NullString)
	}
	if err := rows.Scan(dest...); err != nil {
		return Unknown, false, errkind.New(errkind.AcceleratorQuery, statusQuery, err)
	}

	raw := dest[statusIdx].(*sql.NullString).String
	status, ok := ParseStatus(raw)
	return status, ok, nil
}

// cacheProbeTemplate is the dialect-appropriate EXPLAIN-style cache-support
// check. Both dialects expose the same Readyset extension verb; only the
// name differs in how some deployments alias it, which is why the result
// column is looked up by either of its two documented spellings in
// supportColumn below.
const cacheProbeTemplate = "EXPLAIN CREATE CACHE FROM %s"

// ProbeCacheSupport runs the cache-support check against digestText and
// reports whether the Accelerator can cache it. Any error, or a result
// that does not parse to "yes"/"cached", denotes unsupported rather than
// propagating — anything else, including errors, denotes unsupported.
func (c *Client) ProbeCacheSupport(ctx context.Context, digestText string) bool {
	query := fmt.Sprintf(cacheProbeTemplate, digestText)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return false
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return false
	}
	idx := supportColumn(cols)
	if idx < 0 {
		return false
	}
	if !rows.Next() {
		return false
	}

	dest := make([]interface{}, len(cols))
	for i := range dest {
		dest[i] = new(sql.NullString)
	}
	if err := rows.Scan(dest...); err != nil {
		return false
	}

	val := strings.ToLower(strings.TrimSpace(dest[idx].(*sql.NullString).String))
	return val == "yes" || val == "cached"
}

// CreateCache issues CREATE CACHE FROM <sql> on the Accelerator. digestText
// is embedded verbatim: digests contain only parameter placeholders,
// never literal values, so no per-parameter escaping is performed.
func (c *Client) CreateCache(ctx context.Context, digestText string) error {
	query := fmt.Sprintf("CREATE CACHE FROM %s", digestText)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return errkind.New(errkind.AcceleratorQuery, digestText, err)
	}
	return nil
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// supportColumn finds whichever of the two documented column spellings
// ("readyset supported" or "supported") the probe result carries.
func supportColumn(cols []string) int {
	if i := columnIndex(cols, "readyset supported"); i >= 0 {
		return i
	}
	return columnIndex(cols, "supported")
}
