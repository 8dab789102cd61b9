package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testDefs = []Definition{
	{Key: "fanout.batch_size", Kind: KindInt, Default: "500"},
	{Key: "fanout.retry_base", Kind: KindDuration, Default: "10s"},
	{Key: "fanout.enabled", Kind: KindBool, Default: "true"},
	{Key: "fanout.rate", Kind: KindFloat, Default: "2.5"},
}

func testStore(t *testing.T) *GormStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true, TranslateError: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	store := NewGormStore(db)
	require.NoError(t, store.Migrate())
	return store
}

func TestDefaults(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := New(testStore(t), testDefs)
	assert.Equal(500, s.Int(ctx, "fanout.batch_size"))
	assert.Equal(10*time.Second, s.Duration(ctx, "fanout.retry_base"))
	assert.True(s.Bool(ctx, "fanout.enabled"))
	assert.Equal(2.5, s.Float(ctx, "fanout.rate"))
	assert.Equal("", s.Get(ctx, "no.such.key"))
}

func TestOverridePrecedence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	s := New(testStore(t), testDefs)

	require.NoError(s.Override("fanout.batch_size", "50"))
	v, err := s.Resolve(ctx, "fanout.batch_size")
	require.NoError(err)
	assert.Equal("50", v.Value)
	assert.Equal(SourceEnv, v.Source)

	_, err = s.Set(ctx, "fanout.batch_size", "7", 0)
	require.NoError(err)
	v, err = s.Resolve(ctx, "fanout.batch_size")
	require.NoError(err)
	assert.Equal("7", v.Value)
	assert.Equal(SourceDatabase, v.Source)
	assert.Equal(int64(1), v.Version)
	assert.Equal(7, s.Int(ctx, "fanout.batch_size"))

	assert.ErrorIs(s.Override("fanout.batch_size", "lots"), ErrInvalidValue)
	assert.ErrorIs(s.Override("nope", "1"), ErrUnknownKey)
}

func TestEnvOverrides(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	t.Setenv("TESTSET_FANOUT__BATCH_SIZE", "25")
	t.Setenv("TESTSET_FANOUT__RETRY_BASE", "1m")

	s := New(nil, testDefs)
	assert.NoError(s.LoadEnvOverrides("TESTSET_"))
	assert.Equal(25, s.Int(ctx, "fanout.batch_size"))
	assert.Equal(time.Minute, s.Duration(ctx, "fanout.retry_base"))
	assert.True(s.Bool(ctx, "fanout.enabled"))

	t.Setenv("TESTSET_FANOUT__ENABLED", "maybe")
	assert.ErrorIs(s.LoadEnvOverrides("TESTSET_"), ErrInvalidValue)
}

func TestVersionConflict(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	s := New(testStore(t), testDefs)

	v, err := s.Set(ctx, "fanout.retry_base", "30s", 0)
	require.NoError(err)
	assert.Equal(int64(1), v.Version)

	// second create without knowing the version
	_, err = s.Set(ctx, "fanout.retry_base", "40s", 0)
	assert.ErrorIs(err, ErrVersionConflict)

	v, err = s.Set(ctx, "fanout.retry_base", "40s", 1)
	require.NoError(err)
	assert.Equal(int64(2), v.Version)

	// stale version
	_, err = s.Set(ctx, "fanout.retry_base", "50s", 1)
	assert.ErrorIs(err, ErrVersionConflict)
	assert.Equal(40*time.Second, s.Duration(ctx, "fanout.retry_base"))

	_, err = s.Set(ctx, "fanout.retry_base", "soon", 2)
	assert.ErrorIs(err, ErrInvalidValue)

	all, err := s.All(ctx)
	require.NoError(err)
	assert.Len(all, len(testDefs))
	assert.Equal("fanout.batch_size", all[0].Key)
}
