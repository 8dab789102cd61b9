package moderation

import (
	"github.com/bluesky-social/fedmod/moderation/settings"
)

const (
	SettingBatchSize        = "fanout.batch_size"
	SettingBatchAttempts    = "fanout.batch_attempts"
	SettingBatchBackoff     = "fanout.batch_backoff"
	SettingBatchesPerSecond = "fanout.batches_per_second"
	SettingMaxJobRetries    = "fanout.max_job_retries"
	SettingRetryBase        = "fanout.retry_base"
	SettingSuspendsPerDay   = "quota.suspends_per_day"
)

// SettingDefinitions are the runtime-tunable values of the engine, with compiled-in defaults
var SettingDefinitions = []settings.Definition{
	{Key: SettingBatchSize, Kind: settings.KindInt, Default: "500", Help: "accounts visited per fan-out batch"},
	{Key: SettingBatchAttempts, Kind: settings.KindInt, Default: "3", Help: "in-place attempts for a failing batch before the job is failed"},
	{Key: SettingBatchBackoff, Kind: settings.KindDuration, Default: "500ms", Help: "initial wait between batch attempts (doubles each attempt)"},
	{Key: SettingBatchesPerSecond, Kind: settings.KindFloat, Default: "20", Help: "pacing of fan-out batches, across all jobs in this process"},
	{Key: SettingMaxJobRetries, Kind: settings.KindInt, Default: "10", Help: "failed job attempts before the job is marked dead"},
	{Key: SettingRetryBase, Kind: settings.KindDuration, Default: "10s", Help: "base of the exponential backoff between failed job attempts"},
	{Key: SettingSuspendsPerDay, Kind: settings.KindInt, Default: "0", Help: "max domain suspensions per day (circuit breaker); 0 disables"},
}
