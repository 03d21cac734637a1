package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, expected := range []string{
		"000001_sessions.up.sql",
		"000001_sessions.down.sql",
		"000002_will_tasks.up.sql",
		"000002_will_tasks.down.sql",
		"000003_retained.up.sql",
		"000003_retained.down.sql",
	} {
		assert.True(t, names[expected], "expected migration file %s to exist", expected)
	}
}

func TestMigrationsCreateStoreTables(t *testing.T) {
	var up strings.Builder
	for _, name := range []string{"migrations/000001_sessions.up.sql", "migrations/000002_will_tasks.up.sql", "migrations/000003_retained.up.sql"} {
		data, err := migrations.ReadFile(name)
		require.NoError(t, err)
		up.Write(data)
	}
	for _, table := range []string{"mqtt_sessions", "mqtt_inflight", "mqtt_will_tasks", "mqtt_retained"} {
		assert.Contains(t, up.String(), "CREATE TABLE IF NOT EXISTS "+table)
	}
}
