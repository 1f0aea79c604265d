// Package config parses and validates the scheduler's line-oriented
// key=value configuration file.
//
// Parsing is permissive (surrounding whitespace around '=' is ignored,
// integers accept a leading '+') but validation is strict: any unknown key,
// out-of-range value, or missing required field is a fatal Config error.
// This mirrors a lenient-parse-then-strict-validate split generalized from
// environment-variable loading to a config file.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opencache/rsscheduler/internal/errkind"
	"github.com/opencache/rsscheduler/internal/rank"
)

// DatabaseType selects the SQL dialect used to talk to the Accelerator.
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// OperationMode gates which phases a tick runs.
type OperationMode string

const (
	All            OperationMode = "all"
	HealthCheck    OperationMode = "healthcheck"
	QueryDiscovery OperationMode = "querydiscovery"
)

// Config is the immutable, validated configuration for a single run. It is
// constructed once (by Load) and threaded through every component by value
// or pointer; nothing here is mutated after Load returns.
type Config struct {
	DatabaseType DatabaseType

	ProxySQLUser     string
	ProxySQLPassword string
	ProxySQLHost     string
	ProxySQLPort     int

	ReadysetUser     string
	ReadysetPassword string

	SourceHostgroup   int
	ReadysetHostgroup int

	WarmupTimeS int

	LockFile string

	OperationMode OperationMode

	NumberOfQueries int

	QueryDiscoveryMode         rank.Mode
	QueryDiscoveryMinExecution int64
	QueryDiscoveryMinRowSent   int64
}

// defaults returns a Config pre-populated with every documented default.
// Required fields are left zero-valued; parse rejects a file that omits any
// of them, and Validate rejects an empty proxysql_host, proxysql_user or
// readyset_user and a proxysql_port outside 1..65535.
func defaults() Config {
	return Config{
		DatabaseType:               MySQL,
		WarmupTimeS:                0,
		LockFile:                   "/etc/readyset_scheduler.lock",
		OperationMode:              All,
		NumberOfQueries:            10,
		QueryDiscoveryMode:         rank.CountStar,
		QueryDiscoveryMinExecution: 0,
		QueryDiscoveryMinRowSent:   0,
	}
}

// recognizedKeys lists every key Load accepts; anything else in the file is
// a fatal "unknown key" error.
var recognizedKeys = map[string]bool{
	"database_type":                true,
	"proxysql_user":                true,
	"proxysql_password":            true,
	"proxysql_host":                true,
	"proxysql_port":                true,
	"readyset_user":                true,
	"readyset_password":            true,
	"source_hostgroup":             true,
	"readyset_hostgroup":           true,
	"warmup_time_s":                true,
	"lock_file":                    true,
	"operation_mode":               true,
	"number_of_queries":            true,
	"query_discovery_mode":         true,
	"query_discovery_min_execution": true,
	"query_discovery_min_row_sent":  true,
}

// Load reads, parses, and validates the config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errkind.New(errkind.Config, path, err)
	}
	defer f.Close()

	cfg, err := parse(f)
	if err != nil {
		return Config{}, errkind.New(errkind.Config, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errkind.New(errkind.Config, path, err)
	}

	return cfg, nil
}

func parse(r io.Reader) (Config, error) {
	cfg := defaults()
	seen := map[string]bool{
		"proxysql_user": false, "proxysql_password": false, "proxysql_host": false,
		"proxysql_port": false, "readyset_user": false, "readyset_password": false,
		"source_hostgroup": false, "readyset_hostgroup": false,
	}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Text()
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		idx := strings.Index(text, "=")
		if idx < 0 {
			return Config{}, fmt.Errorf("line %d: missing '=' in %q", line, raw)
		}
		key := strings.TrimSpace(text[:idx])
		val := strings.TrimSpace(text[idx+1:])

		if !recognizedKeys[key] {
			return Config{}, fmt.Errorf("line %d: unknown key %q", line, key)
		}

		if err := cfg.set(key, val); err != nil {
			return Config{}, fmt.Errorf("line %d: %w", line, err)
		}
		if _, required := seen[key]; required {
			seen[key] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}

	for key, wasSet := range seen {
		if !wasSet {
			return Config{}, fmt.Errorf("missing required key %q", key)
		}
	}

	return cfg, nil
}

func (c *Config) set(key, val string) error {
	switch key {
	case "database_type":
		switch strings.ToLower(val) {
		case "mysql":
			c.DatabaseType = MySQL
		case "postgresql", "postgres":
			c.DatabaseType = PostgreSQL
		default:
			return fmt.Errorf("database_type: unrecognized value %q", val)
		}
	case "proxysql_user":
		c.ProxySQLUser = val
	case "proxysql_password":
		c.ProxySQLPassword = val
	case "proxysql_host":
		c.ProxySQLHost = val
	case "proxysql_port":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("proxysql_port: %w", err)
		}
		c.ProxySQLPort = n
	case "readyset_user":
		c.ReadysetUser = val
	case "readyset_password":
		c.ReadysetPassword = val
	case "source_hostgroup":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("source_hostgroup: %w", err)
		}
		c.SourceHostgroup = n
	case "readyset_hostgroup":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("readyset_hostgroup: %w", err)
		}
		c.ReadysetHostgroup = n
	case "warmup_time_s":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("warmup_time_s: %w", err)
		}
		c.WarmupTimeS = n
	case "lock_file":
		c.LockFile = val
	case "operation_mode":
		switch strings.ToLower(val) {
		case "all":
			c.OperationMode = All
		case "healthcheck":
			c.OperationMode = HealthCheck
		case "querydiscovery":
			c.OperationMode = QueryDiscovery
		default:
			return fmt.Errorf("operation_mode: unrecognized value %q", val)
		}
	case "number_of_queries":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("number_of_queries: %w", err)
		}
		c.NumberOfQueries = n
	case "query_discovery_mode":
		m := rank.Mode(val)
		if !rank.Valid(m) {
			return fmt.Errorf("query_discovery_mode: unrecognized value %q", val)
		}
		c.QueryDiscoveryMode = m
	case "query_discovery_min_execution":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("query_discovery_min_execution: %w", err)
		}
		c.QueryDiscoveryMinExecution = int64(n)
	case "query_discovery_min_row_sent":
		n, err := parseInt(val)
		if err != nil {
			return fmt.Errorf("query_discovery_min_row_sent: %w", err)
		}
		c.QueryDiscoveryMinRowSent = int64(n)
	}
	return nil
}

// parseInt is permissive about surrounding whitespace and a leading '+'.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	return strconv.Atoi(s)
}

// Validate enforces the strict constraints that set() alone cannot:
// required-field presence already failed fast in parse(), so this checks
// ranges and cross-field invariants.
func (c Config) Validate() error {
	if c.ProxySQLHost == "" {
		return fmt.Errorf("proxysql_host is required")
	}
	if c.ProxySQLPort <= 0 || c.ProxySQLPort > 65535 {
		return fmt.Errorf("proxysql_port must be in 1..65535, got %d", c.ProxySQLPort)
	}
	if c.ProxySQLUser == "" {
		return fmt.Errorf("proxysql_user is required")
	}
	if c.ReadysetUser == "" {
		return fmt.Errorf("readyset_user is required")
	}
	if c.SourceHostgroup < 0 {
		return fmt.Errorf("source_hostgroup must be non-negative, got %d", c.SourceHostgroup)
	}
	if c.ReadysetHostgroup < 0 {
		return fmt.Errorf("readyset_hostgroup must be non-negative, got %d", c.ReadysetHostgroup)
	}
	if c.WarmupTimeS < 0 {
		return fmt.Errorf("warmup_time_s must be non-negative, got %d", c.WarmupTimeS)
	}
	if c.NumberOfQueries < 0 {
		return fmt.Errorf("number_of_queries must be non-negative, got %d", c.NumberOfQueries)
	}
	if c.QueryDiscoveryMinExecution < 0 {
		return fmt.Errorf("query_discovery_min_execution must be non-negative")
	}
	if c.QueryDiscoveryMinRowSent < 0 {
		return fmt.Errorf("query_discovery_min_row_sent must be non-negative")
	}
	if !rank.Valid(c.QueryDiscoveryMode) {
		return fmt.Errorf("query_discovery_mode: unrecognized value %q", c.QueryDiscoveryMode)
	}
	switch c.DatabaseType {
	case MySQL, PostgreSQL:
	default:
		return fmt.Errorf("database_type: unrecognized value %q", c.DatabaseType)
	}
	switch c.OperationMode {
	case All, HealthCheck, QueryDiscovery:
	default:
		return fmt.Errorf("operation_mode: unrecognized value %q", c.OperationMode)
	}
	return nil
}

// RunsHealth reports whether this config's operation mode includes the
// health-reconciliation phase.
func (c Config) RunsHealth() bool {
	return c.OperationMode == All || c.OperationMode == HealthCheck
}

// RunsDiscovery reports whether this config's operation mode includes the
// query-discovery phase.
func (c Config) RunsDiscovery() bool {
	return c.OperationMode == All || c.OperationMode == QueryDiscovery
}
