package cliutil

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(slog.LevelError, ParseLogLevel("error"))
	assert.Equal(slog.LevelInfo, ParseLogLevel(""))
	assert.Equal(slog.LevelInfo, ParseLogLevel("chatty"))
}

func TestSetupDatabase(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "nested", "fedmod.sqlite")
	db, err := SetupDatabase("sqlite://"+path, 40)
	require.NoError(t, err)
	assert.NoError(db.Exec("SELECT 1").Error)

	sqldb, err := db.DB()
	require.NoError(t, err)
	// sqlite is limited to one connection, whatever was requested
	assert.Equal(1, sqldb.Stats().MaxOpenConnections)
	assert.NoError(sqldb.Close())

	_, err = SetupDatabase("mysql://localhost/fedmod", 10)
	assert.ErrorContains(err, "mysql")
}
