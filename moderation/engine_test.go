package moderation

import (
	"context"
	"fmt"
	"testing"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testEngine(t *testing.T) *Engine {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true, TranslateError: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	// every connection to ":memory:" is a separate database
	sqldb.SetMaxOpenConns(1)

	config := DefaultEngineConfig()
	config.SettingsEnvPrefix = ""
	e, err := NewEngine(db, config)
	require.NoError(t, err)

	require.NoError(t, e.Settings.Override(SettingBatchesPerSecond, "0"))
	require.NoError(t, e.Settings.Override(SettingBatchBackoff, "1ms"))
	return e
}

func createAccounts(t *testing.T, e *Engine, domain string, n int) []*models.Account {
	ctx := context.Background()
	out := make([]*models.Account, n)
	for i := 0; i < n; i++ {
		acc, err := e.UpsertAccount(ctx, fmt.Sprintf("user%d", i), domain)
		require.NoError(t, err)
		out[i] = acc
	}
	return out
}

func reloadAccounts(t *testing.T, e *Engine, accounts []*models.Account) []*models.Account {
	out := make([]*models.Account, len(accounts))
	for i, acc := range accounts {
		fresh, err := e.GetAccount(context.Background(), acc.ID)
		require.NoError(t, err)
		out[i] = fresh
	}
	return out
}

func TestHealthcheck(t *testing.T) {
	e := testEngine(t)
	assert.NoError(t, e.Healthcheck())
}

func TestSettingDefinitions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	assert.Equal(500, e.Settings.Int(ctx, SettingBatchSize))
	assert.Equal(3, e.Settings.Int(ctx, SettingBatchAttempts))
	assert.Equal(10, e.Settings.Int(ctx, SettingMaxJobRetries))
	assert.Equal(0, e.Settings.Int(ctx, SettingSuspendsPerDay))
}
