package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeJobs(t *testing.T, e *Engine) int {
	jobs, err := e.Jobs.List(context.Background(), models.JobStateComplete, 0, 1000)
	require.NoError(t, err)
	return len(jobs)
}

func TestDispatcherRun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	domains := []string{"one.example", "two.example", "three.example"}
	accounts := map[string][]*models.Account{}
	for _, d := range domains {
		accounts[d] = createAccounts(t, e, d, 5)
		_, err := e.CreateDomainBlock(ctx, "mod", DomainBlockParams{Domain: d, Severity: "suspend"})
		require.NoError(t, err)
	}
	_, _, err := e.UpdateDomainBlock(ctx, "mod", "two.example", DomainBlockUpdate{Severity: strPtr("silence")})
	require.NoError(t, err)

	d := e.NewDispatcher(&DispatcherConfig{
		PollInterval: 10 * time.Millisecond,
		Workers:      3,
		PollLimit:    10,
	})
	go d.Run(ctx)

	assert.Eventually(func() bool {
		return completeJobs(t, e) == 4
	}, 10*time.Second, 20*time.Millisecond)
	d.Shutdown()

	for _, acc := range reloadAccounts(t, e, accounts["one.example"]) {
		assert.True(acc.Suspended)
	}
	for _, acc := range reloadAccounts(t, e, accounts["two.example"]) {
		assert.False(acc.Suspended)
		assert.True(acc.Silenced)
	}
}

func TestDispatcherRecoversInterruptedJobs(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)
	require.NoError(t, e.Settings.Override(SettingBatchSize, "10"))

	accounts := createAccounts(t, e, "example.com", 100)
	_, err := e.CreateDomainBlock(ctx, "mod", DomainBlockParams{Domain: "example.com", Severity: "suspend"})
	require.NoError(t, err)

	// a previous process claimed the job and got through half of the accounts before dying
	jobs, err := e.Jobs.NextRunnable(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	ok, err := e.Jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = e.Executor.Execute(ctx, job.Domain, []Instruction{ApplySuspend}, ExecuteOptions{
		Checkpoint: func(ctx context.Context, cursor uint64, affected int64) error {
			if cursor > accounts[49].ID {
				return errors.New("killed")
			}
			return e.Jobs.Checkpoint(ctx, job.ID, cursor, affected)
		},
	})
	require.Error(t, err)

	d := e.NewDispatcher(&DispatcherConfig{PollInterval: 10 * time.Millisecond, Workers: 2, PollLimit: 10})
	go d.Run(ctx)
	assert.Eventually(func() bool {
		return completeJobs(t, e) == 1
	}, 10*time.Second, 20*time.Millisecond)
	d.Shutdown()

	done, err := e.Jobs.Get(ctx, job.ID)
	assert.NoError(err)
	// accounts changed after the last persisted checkpoint converge on redelivery without being counted again
	assert.Equal(int64(90), done.Affected)
	for _, acc := range reloadAccounts(t, e, accounts) {
		assert.True(acc.Suspended)
	}
}

func TestDeadJobHoldsBackDomain(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)
	require.NoError(t, e.Settings.Override(SettingMaxJobRetries, "1"))

	require.NoError(t, e.Settings.Override(SettingBatchAttempts, "1"))

	accounts := createAccounts(t, e, "example.com", 3)
	broken := true
	e.Executor.batchHook = func(cursor uint64) error {
		if broken {
			return errors.New("storage unavailable")
		}
		return nil
	}

	_, err := e.CreateDomainBlock(ctx, "mod", DomainBlockParams{Domain: "example.com", Severity: "suspend"})
	require.NoError(t, err)
	n, err := e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(1, n)

	dead, err := e.Jobs.ListDead(ctx, 0, 10)
	assert.NoError(err)
	require.Len(t, dead, 1)
	assert.NotEmpty(dead[0].LastError)

	entries, err := e.Audit.ListForTarget(ctx, "example.com", 0, 10)
	assert.NoError(err)
	assert.Equal("fanout.dead", entries[0].Action)

	_, _, err = e.UpdateDomainBlock(ctx, "mod", "example.com", DomainBlockUpdate{Severity: strPtr("silence")})
	assert.NoError(err)
	n, err = e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(0, n)

	broken = false
	_, err = e.Jobs.Replay(ctx, dead[0].ID)
	assert.NoError(err)
	n, err = e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(2, n)

	for _, acc := range reloadAccounts(t, e, accounts) {
		assert.False(acc.Suspended)
		assert.True(acc.Silenced)
	}
}

func TestMalformedAccountDoesNotHoldBackDomain(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)
	require.NoError(t, e.Settings.Override(SettingMaxJobRetries, "3"))

	accounts := createAccounts(t, e, "example.com", 5)
	bad := accounts[0].ID
	e.Executor.accountHook = func(id uint64) error {
		if id == bad {
			return errors.New("malformed account")
		}
		return nil
	}

	_, err := e.CreateDomainBlock(ctx, "mod", DomainBlockParams{Domain: "example.com", Severity: "suspend"})
	require.NoError(t, err)
	n, err := e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(1, n)

	_, _, err = e.UpdateDomainBlock(ctx, "mod", "example.com", DomainBlockUpdate{Severity: strPtr("silence")})
	require.NoError(t, err)
	n, err = e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(1, n)

	jobs, err := e.Jobs.List(ctx, "", 0, 10)
	assert.NoError(err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(models.JobStateComplete, j.State)
		assert.Equal(0, j.RetryCount)
		assert.Equal(accounts[4].ID, j.Cursor)
	}
	assert.Equal(int64(4), jobs[0].Affected)

	after := reloadAccounts(t, e, accounts)
	assert.False(after[0].Suspended)
	assert.False(after[0].Silenced)
	for _, acc := range after[1:] {
		assert.False(acc.Suspended)
		assert.True(acc.Silenced)
	}

	skipped, err := e.Jobs.ListSkipped(ctx, "example.com", 0, 10)
	assert.NoError(err)
	require.Len(t, skipped, 2)
	for i, sk := range skipped {
		assert.Equal(jobs[i].ID, sk.JobID)
		assert.Equal(bad, sk.AccountID)
		assert.Equal("malformed account", sk.Error)
	}

	entries, err := e.Audit.ListForTarget(ctx, "example.com", 0, 20)
	assert.NoError(err)
	actions := map[string]int{}
	for _, ent := range entries {
		actions[ent.Action]++
	}
	assert.Equal(2, actions["fanout.account_skipped"])
	assert.Equal(2, actions["fanout.complete"])
	assert.Zero(actions["fanout.dead"])

	// once the record is fixed, the account can be brought in line with the block
	e.Executor.accountHook = nil
	acc, err := e.ReconcileAccount(ctx, "mod", bad)
	assert.NoError(err)
	assert.True(acc.Silenced)
	assert.True(acc.SilencedByDomain)
	assert.False(acc.Suspended)

	skipped, err = e.Jobs.ListSkipped(ctx, "", 0, 10)
	assert.NoError(err)
	assert.Empty(skipped)
}

func TestInterruptedJobKeepsProgress(t *testing.T) {
	assert := assert.New(t)
	e := testEngine(t)
	require.NoError(t, e.Settings.Override(SettingBatchSize, "2"))
	require.NoError(t, e.Settings.Override(SettingBatchAttempts, "1"))

	accounts := createAccounts(t, e, "example.com", 6)
	_, err := e.CreateDomainBlock(context.Background(), "mod", DomainBlockParams{Domain: "example.com", Severity: "suspend"})
	require.NoError(t, err)

	jobs, err := e.Jobs.NextRunnable(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	ok, err := e.Jobs.Claim(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	// shutdown arrives after the first batch
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Executor.batchHook = func(cursor uint64) error {
		if cursor > 0 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	assert.NoError(e.runJob(ctx, jobs[0]))

	job, err := e.Jobs.Get(context.Background(), jobs[0].ID)
	assert.NoError(err)
	assert.Equal(models.JobStateEnqueued, job.State)
	assert.Equal(0, job.RetryCount)
	assert.Equal(accounts[1].ID, job.Cursor)
	assert.Equal(int64(2), job.Affected)

	e.Executor.batchHook = nil
	n, err := e.DrainJobs(context.Background())
	assert.NoError(err)
	assert.Equal(1, n)
	for _, acc := range reloadAccounts(t, e, accounts) {
		assert.True(acc.Suspended)
	}
}

func TestLockedDomainIsDeferred(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	_, rdb := setupTestRedis(t)

	e.Locker = NewRedisLocker(rdb, time.Minute)
	other := NewRedisLocker(rdb, time.Minute)

	accounts := createAccounts(t, e, "example.com", 2)
	_, err := e.CreateDomainBlock(ctx, "mod", DomainBlockParams{Domain: "example.com", Severity: "silence"})
	require.NoError(t, err)

	held, ok, err := other.TryLock(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(1, n)
	jobs, err := e.Jobs.List(ctx, models.JobStateEnqueued, 0, 10)
	assert.NoError(err)
	assert.Len(jobs, 1)
	for _, acc := range reloadAccounts(t, e, accounts) {
		assert.False(acc.Silenced)
	}

	assert.NoError(held.Release(ctx))
	n, err = e.DrainJobs(ctx)
	assert.NoError(err)
	assert.Equal(1, n)
	for _, acc := range reloadAccounts(t, e, accounts) {
		assert.True(acc.Silenced)
	}

	// released after the job
	lk, ok, err := other.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.True(ok)
	assert.NoError(lk.Release(ctx))
}
