package discovery

import (
	"context"
	"testing"
	"time"

	sqlmock "gopkg.in/DATA-DOG/go-sqlmock.v2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opencache/rsscheduler/internal/accelerator"
	"github.com/opencache/rsscheduler/internal/proxyclient"
	"github.com/opencache/rsscheduler/internal/rank"
)

func noAccelerator(t *testing.T) Dialer {
	t.Helper()
	return func(ctx context.Context, host string, port int) (*accelerator.Client, error) {
		t.Fatalf("unexpected accelerator dial for %s:%d", host, port)
		return nil, nil
	}
}

// TestRunDirectRedirectScenario covers warmup_time_s=0, number_of_queries=2,
// mode CountStar: digest A and B are supported and get installed as
// redirect rules; C ranks lowest and never reaches the budget.
func TestRunDirectRedirectScenario(t *testing.T) {
	proxyDB, proxyMock, err := sqlmock.New()
	require.NoError(t, err)
	defer proxyDB.Close()
	proxy := proxyclient.NewWithDB(proxyDB)

	proxyMock.ExpectQuery("SELECT rule_id, active, username, schemaname, digest").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "active", "username", "schemaname", "digest",
			"destination_hostgroup", "mirror_hostgroup", "apply", "comment"}))

	proxyMock.ExpectQuery("SELECT d.digest, d.schemaname").
		WithArgs(10, "readyset_app", "readyset_scheduler:%").
		WillReturnRows(sqlmock.NewRows([]string{"digest", "schemaname", "digest_text", "hostgroup", "username",
			"count_star", "sum_time", "min_time", "max_time", "sum_rows_sent"}).
			AddRow("A", "app", "SELECT a", 10, "readyset_app", 100, 1000, 1, 10, 1).
			AddRow("B", "app", "SELECT b", 10, "readyset_app", 50, 1000, 1, 10, 1).
			AddRow("C", "app", "SELECT c", 10, "readyset_app", 10, 1000, 1, 10, 1))

	proxyMock.ExpectQuery("FROM mysql_servers").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"hostgroup_id", "hostname", "port", "status", "comment"}).
			AddRow(20, "rs1", 3306, "ONLINE", "readyset"))

	accDB, accMock, err := sqlmock.New()
	require.NoError(t, err)
	defer accDB.Close()
	acc := accelerator.NewWithDB(accDB, accelerator.MySQL)
	dial := func(ctx context.Context, host string, port int) (*accelerator.Client, error) {
		return acc, nil
	}

	accMock.ExpectQuery("EXPLAIN CREATE CACHE FROM SELECT a").
		WillReturnRows(sqlmock.NewRows([]string{"readyset supported"}).AddRow("yes"))
	accMock.ExpectExec("CREATE CACHE FROM SELECT a").WillReturnResult(sqlmock.NewResult(0, 0))
	proxyMock.ExpectQuery("SELECT MAX\\(rule_id\\) FROM mysql_query_rules").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	proxyMock.ExpectExec("INSERT INTO mysql_query_rules").WillReturnResult(sqlmock.NewResult(1, 1))

	accMock.ExpectQuery("EXPLAIN CREATE CACHE FROM SELECT b").
		WillReturnRows(sqlmock.NewRows([]string{"readyset supported"}).AddRow("yes"))
	accMock.ExpectExec("CREATE CACHE FROM SELECT b").WillReturnResult(sqlmock.NewResult(0, 0))
	proxyMock.ExpectExec("INSERT INTO mysql_query_rules").WillReturnResult(sqlmock.NewResult(1, 1))

	proxyMock.ExpectExec("LOAD MYSQL QUERY RULES TO RUNTIME").WillReturnResult(sqlmock.NewResult(0, 0))

	params := Params{
		SourceHostgroup:   10,
		ReadysetHostgroup: 20,
		ReadysetUser:      "readyset_app",
		WarmupTimeS:       0,
		NumberOfQueries:   2,
		Mode:              rank.CountStar,
	}

	res, err := Run(context.Background(), proxy, dial, NewGuard(), params, time.Unix(0, 0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, res.Installed)
	assert.Empty(t, res.Skipped)
	require.NoError(t, proxyMock.ExpectationsWereMet())
	require.NoError(t, accMock.ExpectationsWereMet())
}

// TestRunUnsupportedDigestYieldsToNextRanked verifies that when the
// highest-ranked candidate fails the cache-support probe, the next-ranked
// candidate within the same budget is still installed.
func TestRunUnsupportedDigestYieldsToNextRanked(t *testing.T) {
	proxyDB, proxyMock, err := sqlmock.New()
	require.NoError(t, err)
	defer proxyDB.Close()
	proxy := proxyclient.NewWithDB(proxyDB)

	proxyMock.ExpectQuery("SELECT rule_id, active, username, schemaname, digest").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "active", "username", "schemaname", "digest",
			"destination_hostgroup", "mirror_hostgroup", "apply", "comment"}))

	proxyMock.ExpectQuery("SELECT d.digest, d.schemaname").
		WithArgs(10, "readyset_app", "readyset_scheduler:%").
		WillReturnRows(sqlmock.NewRows([]string{"digest", "schemaname", "digest_text", "hostgroup", "username",
			"count_star", "sum_time", "min_time", "max_time", "sum_rows_sent"}).
			AddRow("E", "app", "SELECT e", 10, "readyset_app", 0, 9000, 1, 10, 1).
			AddRow("F", "app", "SELECT f", 10, "readyset_app", 0, 500, 1, 10, 1))

	proxyMock.ExpectQuery("FROM mysql_servers").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"hostgroup_id", "hostname", "port", "status", "comment"}).
			AddRow(20, "rs1", 3306, "ONLINE", "readyset"))

	accDB, accMock, err := sqlmock.New()
	require.NoError(t, err)
	defer accDB.Close()
	acc := accelerator.NewWithDB(accDB, accelerator.MySQL)
	dial := func(ctx context.Context, host string, port int) (*accelerator.Client, error) {
		return acc, nil
	}

	accMock.ExpectQuery("EXPLAIN CREATE CACHE FROM SELECT e").
		WillReturnRows(sqlmock.NewRows([]string{"readyset supported"}).AddRow("no"))
	accMock.ExpectQuery("EXPLAIN CREATE CACHE FROM SELECT f").
		WillReturnRows(sqlmock.NewRows([]string{"readyset supported"}).AddRow("yes"))
	accMock.ExpectExec("CREATE CACHE FROM SELECT f").WillReturnResult(sqlmock.NewResult(0, 0))
	proxyMock.ExpectQuery("SELECT MAX\\(rule_id\\) FROM mysql_query_rules").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	proxyMock.ExpectExec("INSERT INTO mysql_query_rules").WillReturnResult(sqlmock.NewResult(1, 1))
	proxyMock.ExpectExec("LOAD MYSQL QUERY RULES TO RUNTIME").WillReturnResult(sqlmock.NewResult(0, 0))

	params := Params{
		SourceHostgroup:   10,
		ReadysetHostgroup: 20,
		ReadysetUser:      "readyset_app",
		WarmupTimeS:       0,
		NumberOfQueries:   2,
		Mode:              rank.SumTime,
	}

	res, err := Run(context.Background(), proxy, dial, NewGuard(), params, time.Unix(0, 0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"E"}, res.Skipped)
	assert.Equal(t, []string{"F"}, res.Installed)
}

// TestRunZeroBudgetStillPromotes covers the boundary where
// number_of_queries=0 installs nothing but the promote phase still runs.
func TestRunZeroBudgetStillPromotes(t *testing.T) {
	proxyDB, proxyMock, err := sqlmock.New()
	require.NoError(t, err)
	defer proxyDB.Close()
	proxy := proxyclient.NewWithDB(proxyDB)

	proxyMock.ExpectQuery("SELECT rule_id, active, username, schemaname, digest").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "active", "username", "schemaname", "digest",
			"destination_hostgroup", "mirror_hostgroup", "apply", "comment"}).
			AddRow(5, 1, "readyset_app", "app", "D", 10, 20, 1, "readyset_scheduler:mirror:0"))

	proxyMock.ExpectExec("UPDATE mysql_query_rules").
		WithArgs(20, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	proxyMock.ExpectQuery("SELECT d.digest, d.schemaname").
		WithArgs(10, "readyset_app", "readyset_scheduler:%").
		WillReturnRows(sqlmock.NewRows([]string{"digest", "schemaname", "digest_text", "hostgroup", "username",
			"count_star", "sum_time", "min_time", "max_time", "sum_rows_sent"}).
			AddRow("G", "app", "SELECT g", 10, "readyset_app", 1000, 1000, 1, 10, 1))

	proxyMock.ExpectExec("LOAD MYSQL QUERY RULES TO RUNTIME").WillReturnResult(sqlmock.NewResult(0, 0))

	params := Params{
		SourceHostgroup:   10,
		ReadysetHostgroup: 20,
		ReadysetUser:      "readyset_app",
		WarmupTimeS:       60,
		NumberOfQueries:   0,
		Mode:              rank.CountStar,
	}

	res, err := Run(context.Background(), proxy, noAccelerator(t), NewGuard(), params, time.Unix(100, 0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, res.Promoted)
	assert.Empty(t, res.Installed)
	require.NoError(t, proxyMock.ExpectationsWereMet())
}

// TestRunMirrorNotYetEligibleLeavesRuleUnchanged covers the warmup
// round-trip's "before deadline" half: a mirror rule that has not yet
// crossed its warmup deadline is left untouched.
func TestRunMirrorNotYetEligibleLeavesRuleUnchanged(t *testing.T) {
	proxyDB, proxyMock, err := sqlmock.New()
	require.NoError(t, err)
	defer proxyDB.Close()
	proxy := proxyclient.NewWithDB(proxyDB)

	proxyMock.ExpectQuery("SELECT rule_id, active, username, schemaname, digest").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "active", "username", "schemaname", "digest",
			"destination_hostgroup", "mirror_hostgroup", "apply", "comment"}).
			AddRow(5, 1, "readyset_app", "app", "D", 10, 20, 1, "readyset_scheduler:mirror:0"))

	proxyMock.ExpectQuery("SELECT d.digest, d.schemaname").
		WithArgs(10, "readyset_app", "readyset_scheduler:%").
		WillReturnRows(sqlmock.NewRows([]string{"digest", "schemaname", "digest_text", "hostgroup", "username",
			"count_star", "sum_time", "min_time", "max_time", "sum_rows_sent"}))

	params := Params{
		SourceHostgroup:   10,
		ReadysetHostgroup: 20,
		ReadysetUser:      "readyset_app",
		WarmupTimeS:       60,
		NumberOfQueries:   5,
		Mode:              rank.CountStar,
	}

	res, err := Run(context.Background(), proxy, noAccelerator(t), NewGuard(), params, time.Unix(30, 0), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, res.Promoted)
	require.NoError(t, proxyMock.ExpectationsWereMet())
}

func TestGuardBlocksUnmanagedRuleMutation(t *testing.T) {
	guard := NewGuard()
	_, err := guard.Allow(proxyclient.QueryRule{RuleID: 99, Comment: "operator rule, not ours"})
	assert.Error(t, err)
}
