package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableColumns extracts the column names declared in the CREATE TABLE
// block for one table of the embedded schema.
func tableColumns(t *testing.T, ddl, table string) map[string]struct{} {
	t.Helper()

	marker := "CREATE TABLE " + table + " ("
	start := strings.Index(ddl, marker)
	require.NotEqual(t, -1, start, "no CREATE TABLE block for %s", table)

	body := ddl[start+len(marker):]
	end := strings.Index(body, ");")
	require.NotEqual(t, -1, end, "unterminated CREATE TABLE block for %s", table)

	columns := make(map[string]struct{})
	for _, line := range strings.Split(body[:end], "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.ToLower(fields[0])
		if name == "primary" || name == "foreign" || name == "unique" || name == "constraint" {
			continue
		}
		columns[name] = struct{}{}
	}
	return columns
}

// The queries are hand-written against the migrated schema, so every
// column a query names has to exist in the DDL.
func TestMigrationSchemaMatchesQueries(t *testing.T) {
	raw, err := migrationFiles.ReadFile("migrations/0001_initial.up.sql")
	require.NoError(t, err)
	ddl := string(raw)

	queried := map[string][]string{
		"shards": strings.Split(shardColumns, ", "),
		"posts": {
			"id", "archive_type", "nickname", "user_id", "title", "body",
			"new_topic", "post_time",
		},
		"receipts":        {"post_id", "shard_id", "sequence"},
		"post_references": {"shard_id", "sequence", "post_id"},
		"pending_posts":   {"id", "shard_id", "post_ids", "new_topic", "lease_expiry"},
		"login_records": {
			"id", "shard_id", "online", "nickname", "creation_time",
			"last_update_time", "channel_token", "token_issue_time",
			"sounds_enabled", "email_address", "accepted_terms_version",
		},
		"read_states": {
			"user_id", "shard_id", "first_read_time", "last_read_sequence",
			"last_read_time",
		},
		"email_records": {
			"address", "sequence_number", "creation_time", "last_update_time",
			"last_notified_time", "secret", "global_opt_out",
			"min_notify_period_seconds",
		},
	}

	for table, columns := range queried {
		t.Run(table, func(t *testing.T) {
			declared := tableColumns(t, ddl, table)
			for _, column := range columns {
				assert.Contains(t, declared, column,
					"queries use %s.%s but the migration does not create it", table, column)
			}
		})
	}
}
