package proxyclient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/opencache/rsscheduler/internal/errkind"
)

// Client wraps a single admin-interface connection to the Proxy for the
// duration of one tick; it holds its own connection for the tick's
// duration and releases it on exit. It is not safe for concurrent use —
// the scheduler is single-threaded by design.
type Client struct {
	db *sql.DB

	serversDirty, serversChanged bool
	rulesDirty, rulesChanged     bool

	nextRuleID int64 // lazily populated by maxRuleID on first insert
}

// Dial opens and pings a connection to the Proxy admin interface at dsn.
func Dial(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errkind.New(errkind.ProxyConnect, dsn, err)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errkind.New(errkind.ProxyConnect, dsn, err)
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB as a Client, bypassing Dial's own
// connection setup. This is how tests substitute a sqlmock-backed DB.
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close releases the underlying connection. Callers should defer it
// immediately after a successful Dial.
func (c *Client) Close() error {
	return c.db.Close()
}

// ListAcceleratorServers selects rows where LOWER(comment) = 'readyset' and
// hostgroup_id = readysetHostgroup.
func (c *Client) ListAcceleratorServers(ctx context.Context, readysetHostgroup int) ([]AcceleratorServer, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT hostgroup_id, hostname, port, status, comment
		FROM mysql_servers
		WHERE LOWER(comment) = 'readyset' AND hostgroup_id = ?`, readysetHostgroup)
	if err != nil {
		return nil, errkind.New(errkind.ProxyQuery, "mysql_servers", err)
	}
	defer rows.Close()

	var out []AcceleratorServer
	for rows.Next() {
		var s AcceleratorServer
		var status string
		if err := rows.Scan(&s.HostgroupID, &s.Hostname, &s.Port, &status, &s.Comment); err != nil {
			return nil, errkind.New(errkind.ProxyQuery, "mysql_servers", err)
		}
		s.Status = ProxyServerState(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.ProxyQuery, "mysql_servers", err)
	}
	return out, nil
}

// SetServerState updates the in-memory mysql_servers row identified by
// (hostgroup, host, port) to state. It does not flush to runtime or disk —
// callers batch changes across a phase and call FlushRuntime/PersistToDisk
// once, at most once per tick, never per-update. Writing the
// currently-recorded state is a no-op, so repeated health writes are
// idempotent.
func (c *Client) SetServerState(ctx context.Context, hostgroup int, host string, port int, state ProxyServerState) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE mysql_servers SET status = ?
		WHERE hostgroup_id = ? AND hostname = ? AND port = ? AND status <> ?`,
		string(state), hostgroup, host, port, string(state))
	if err != nil {
		return errkind.New(errkind.ProxyQuery, fmt.Sprintf("%s:%d", host, port), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.serversDirty = true
		c.serversChanged = true
	}
	return nil
}

// ReadDigests returns rows filtered by hostgroup = sourceHostgroup and
// username = readysetUser, excluding any digest already referenced by a
// managed rule.
func (c *Client) ReadDigests(ctx context.Context, sourceHostgroup int, readysetUser string) ([]QueryDigest, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT d.digest, d.schemaname, d.digest_text, d.hostgroup, d.username,
		       d.count_star, d.sum_time, d.min_time, d.max_time, d.sum_rows_sent
		FROM stats_mysql_query_digest d
		WHERE d.hostgroup = ? AND d.username = ?
		  AND d.digest NOT IN (
		      SELECT digest FROM mysql_query_rules WHERE comment LIKE ?
		  )`, sourceHostgroup, readysetUser, tagSentinel+"%")
	if err != nil {
		return nil, errkind.New(errkind.ProxyQuery, "stats_mysql_query_digest", err)
	}
	defer rows.Close()

	var out []QueryDigest
	for rows.Next() {
		var d QueryDigest
		if err := rows.Scan(&d.Digest, &d.SchemaName, &d.DigestText, &d.Hostgroup, &d.Username,
			&d.CountStar, &d.SumTime, &d.MinTime, &d.MaxTime, &d.SumRowsSent); err != nil {
			return nil, errkind.New(errkind.ProxyQuery, "stats_mysql_query_digest", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.ProxyQuery, "stats_mysql_query_digest", err)
	}
	return out, nil
}

// ListManagedRules returns every rule whose comment carries this system's
// tag.
func (c *Client) ListManagedRules(ctx context.Context) ([]QueryRule, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT rule_id, active, username, schemaname, digest,
		       destination_hostgroup, mirror_hostgroup, apply, comment
		FROM mysql_query_rules
		WHERE comment LIKE ?`, tagSentinel+"%")
	if err != nil {
		return nil, errkind.New(errkind.ProxyQuery, "mysql_query_rules", err)
	}
	defer rows.Close()

	var out []QueryRule
	for rows.Next() {
		var r QueryRule
		var active, apply int
		var mirror sql.NullInt64
		var username, schema sql.NullString
		if err := rows.Scan(&r.RuleID, &active, &username, &schema, &r.Digest,
			&r.DestinationHostgroup, &mirror, &apply, &r.Comment); err != nil {
			return nil, errkind.New(errkind.ProxyQuery, "mysql_query_rules", err)
		}
		r.Active = active != 0
		r.Apply = apply != 0
		r.Username = username.String
		r.SchemaName = schema.String
		if mirror.Valid {
			r.MirrorHostgroup = int(mirror.Int64)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.ProxyQuery, "mysql_query_rules", err)
	}
	return out, nil
}

func (c *Client) maxRuleID(ctx context.Context) (int64, error) {
	if c.nextRuleID != 0 {
		return c.nextRuleID, nil
	}
	var max sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(rule_id) FROM mysql_query_rules`).Scan(&max); err != nil {
		return 0, errkind.New(errkind.ProxyQuery, "mysql_query_rules", err)
	}
	c.nextRuleID = max.Int64 + 1
	return c.nextRuleID, nil
}

func (c *Client) reserveRuleID(ctx context.Context) (int64, error) {
	id, err := c.maxRuleID(ctx)
	if err != nil {
		return 0, err
	}
	c.nextRuleID = id + 1
	return id, nil
}

// InsertRedirectRule installs a new redirect rule for digest: traffic goes
// only to readysetHostgroup.
func (c *Client) InsertRedirectRule(ctx context.Context, digest, schemaName, username string, readysetHostgroup int) error {
	id, err := c.reserveRuleID(ctx)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO mysql_query_rules
			(rule_id, active, username, schemaname, digest, destination_hostgroup, apply, comment)
		VALUES (?, 1, ?, ?, ?, ?, 1, ?)`,
		id, username, schemaName, digest, readysetHostgroup, redirectComment())
	if err != nil {
		return errkind.New(errkind.ProxyQuery, digest, err)
	}
	c.rulesDirty = true
	c.rulesChanged = true
	return nil
}

// InsertMirrorRule installs a new mirror rule for digest: traffic goes to
// sourceHostgroup with a mirrored copy to readysetHostgroup, tagged with
// installation timestamp t0 for later promotion.
func (c *Client) InsertMirrorRule(ctx context.Context, digest, schemaName, username string, sourceHostgroup, readysetHostgroup int, t0 time.Time) error {
	id, err := c.reserveRuleID(ctx)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO mysql_query_rules
			(rule_id, active, username, schemaname, digest, destination_hostgroup, mirror_hostgroup, apply, comment)
		VALUES (?, 1, ?, ?, ?, ?, ?, 1, ?)`,
		id, username, schemaName, digest, sourceHostgroup, readysetHostgroup, mirrorComment(t0))
	if err != nil {
		return errkind.New(errkind.ProxyQuery, digest, err)
	}
	c.rulesDirty = true
	c.rulesChanged = true
	return nil
}

// PromoteRule transitions an existing mirror rule into a redirect rule:
// clears mirror_hostgroup and sets destination_hostgroup = readysetHostgroup,
// preserving the tag and t0 in the comment. Callers must already have
// verified ruleID carries the managed tag; this method does not re-check
// it, so only a managed-rule-aware caller should ever reach this write.
func (c *Client) PromoteRule(ctx context.Context, ruleID int64, readysetHostgroup int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE mysql_query_rules
		SET destination_hostgroup = ?, mirror_hostgroup = NULL
		WHERE rule_id = ?`, readysetHostgroup, ruleID)
	if err != nil {
		return errkind.New(errkind.ProxyQuery, fmt.Sprintf("rule_id=%d", ruleID), err)
	}
	c.rulesDirty = true
	c.rulesChanged = true
	return nil
}

// FlushRuntime issues LOAD ... TO RUNTIME for whichever of servers/rules
// changed since the last flush, each at most once.
func (c *Client) FlushRuntime(ctx context.Context) error {
	if c.serversDirty {
		if _, err := c.db.ExecContext(ctx, "LOAD MYSQL SERVERS TO RUNTIME"); err != nil {
			return errkind.New(errkind.ProxyQuery, "LOAD MYSQL SERVERS TO RUNTIME", err)
		}
		c.serversDirty = false
	}
	if c.rulesDirty {
		if _, err := c.db.ExecContext(ctx, "LOAD MYSQL QUERY RULES TO RUNTIME"); err != nil {
			return errkind.New(errkind.ProxyQuery, "LOAD MYSQL QUERY RULES TO RUNTIME", err)
		}
		c.rulesDirty = false
	}
	return nil
}

// PersistToDisk issues SAVE ... TO DISK for whichever of servers/rules
// changed at any point this tick, each at most once.
func (c *Client) PersistToDisk(ctx context.Context) error {
	if c.serversChanged {
		if _, err := c.db.ExecContext(ctx, "SAVE MYSQL SERVERS TO DISK"); err != nil {
			return errkind.New(errkind.ProxyQuery, "SAVE MYSQL SERVERS TO DISK", err)
		}
		c.serversChanged = false
	}
	if c.rulesChanged {
		if _, err := c.db.ExecContext(ctx, "SAVE MYSQL QUERY RULES TO DISK"); err != nil {
			return errkind.New(errkind.ProxyQuery, "SAVE MYSQL QUERY RULES TO DISK", err)
		}
		c.rulesChanged = false
	}
	return nil
}

// AnyChanged reports whether any server or rule write was recorded this
// tick, regardless of whether it has since been flushed/persisted. The
// tick sequencer uses this to decide whether PersistToDisk has any work
// left at end-of-tick.
func (c *Client) AnyChanged() bool {
	return c.serversChanged || c.rulesChanged
}
