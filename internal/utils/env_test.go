package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "42")
	t.Setenv("X_BAD_INT", "forty")
	t.Setenv("X_FLOAT", "0.25")
	t.Setenv("X_BOOL", "TRUE")
	t.Setenv("X_MS", "1500")
	t.Setenv("X_LIST", " topo, ,satellite ")

	assert.Equal(t, 42, EnvInt("X_INT", 1))
	assert.Equal(t, 1, EnvInt("X_BAD_INT", 1))
	assert.Equal(t, 0.25, EnvFloat("X_FLOAT", 1))
	assert.True(t, EnvBool("X_BOOL", false))
	assert.True(t, EnvBool("X_UNSET_BOOL", true))
	assert.Equal(t, 1500*time.Millisecond, EnvMillis("X_MS", 0))
	assert.Equal(t, []string{"topo", "satellite"}, EnvList("X_LIST", nil))
	assert.Equal(t, []string{"streets"}, EnvList("X_UNSET_LIST", []string{"streets"}))
	assert.Equal(t, "def", EnvString("X_UNSET", "def"))
}

func TestBuildPostgresDSNFromEnv(t *testing.T) {
	t.Setenv("PG_HOST", "db")
	t.Setenv("PG_USER", "maps")
	t.Setenv("PG_PASSWORD", "p@ss")
	dsn := BuildPostgresDSNFromEnv()
	assert.True(t, strings.HasPrefix(dsn, "postgres://maps:p%40ss@db:5432/regionmap"), dsn)
	assert.Contains(t, dsn, "sslmode=disable")
}
