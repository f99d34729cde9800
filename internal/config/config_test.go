package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(500), cfg.Rules.ActivationFee)
	assert.Equal(t, int64(600), cfg.Rules.WithdrawalMinimum)
	assert.Equal(t, int64(50), cfg.Rules.WithdrawalFee)
	assert.Equal(t, int64(300), cfg.Rules.FirstReferralBonus)
	assert.Equal(t, int64(150), cfg.Rules.ReferralBonus)
	assert.Equal(t, 14*24*time.Hour, cfg.Rules.TaskCooldown)
	assert.Equal(t, 7*24*time.Hour, cfg.Rules.TaskWindow)
	assert.Equal(t, 2, cfg.Rules.TaskWeeklyCap)
	assert.Equal(t, 24*time.Hour, cfg.Worker.PendingPaymentTTL)
	assert.Equal(t, "@every 1m", cfg.Worker.SweepSchedule)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("TASK_COOLDOWN", "1h")
	t.Setenv("TASK_WEEKLY_CAP", "5")
	t.Setenv("CALLBACK_WORKERS", "8")
	t.Setenv("MPESA_SHORTCODE", "174379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Rules.TaskCooldown)
	assert.Equal(t, 5, cfg.Rules.TaskWeeklyCap)
	assert.Equal(t, 8, cfg.Worker.CallbackWorkers)
	assert.Equal(t, "174379", cfg.Mpesa.ShortCode)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_SOURCE", "")
	_, err := Load()
	assert.ErrorContains(t, err, "DB_SOURCE")

	t.Setenv("STORE_DRIVER", "sqlite")
	_, err = Load()
	assert.ErrorContains(t, err, "unknown STORE_DRIVER")

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("TASK_WEEKLY_CAP", "two")
	_, err = Load()
	assert.Error(t, err)
}
