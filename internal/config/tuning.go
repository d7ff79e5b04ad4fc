package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LedgerTuning is the hot-reloadable subset of ledger settings.
type LedgerTuning struct {
	FreeQuotaLimit int64 `mapstructure:"freeQuotaLimit"`
	MaxOCCAttempts int   `mapstructure:"maxOccAttempts"`
	OCCBaseDelayMS int64 `mapstructure:"occBaseDelayMs"`
	OCCMaxDelayMS  int64 `mapstructure:"occMaxDelayMs"`
	LockTimeoutMS  int64 `mapstructure:"lockTimeoutMs"`
}

func (t LedgerTuning) OCCBaseDelay() time.Duration {
	return time.Duration(t.OCCBaseDelayMS) * time.Millisecond
}

func (t LedgerTuning) OCCMaxDelay() time.Duration {
	return time.Duration(t.OCCMaxDelayMS) * time.Millisecond
}

func (t LedgerTuning) LockTimeout() time.Duration {
	return time.Duration(t.LockTimeoutMS) * time.Millisecond
}

// TuningFromLedgerConfig converts env-derived settings into tuning defaults.
func TuningFromLedgerConfig(cfg LedgerConfig) LedgerTuning {
	return LedgerTuning{
		FreeQuotaLimit: cfg.FreeQuotaLimit,
		MaxOCCAttempts: cfg.MaxOCCAttempts,
		OCCBaseDelayMS: cfg.OCCBaseDelay.Milliseconds(),
		OCCMaxDelayMS:  cfg.OCCMaxDelay.Milliseconds(),
		LockTimeoutMS:  cfg.PessimisticLockTimeout.Milliseconds(),
	}
}

type LedgerTuningHolder struct {
	current atomic.Value // holds LedgerTuning
}

// NewStaticLedgerTuning returns a holder that never reloads.
func NewStaticLedgerTuning(t LedgerTuning) *LedgerTuningHolder {
	holder := &LedgerTuningHolder{}
	holder.current.Store(t)
	return holder
}

// NewLedgerTuningHolder reads creditflow.yml when present and watches it
// for changes. Env values act as defaults.
func NewLedgerTuningHolder(cfg Config, log *zap.Logger) (*LedgerTuningHolder, error) {
	log = log.Named("config.ledger")
	defaults := TuningFromLedgerConfig(cfg.Ledger)

	v := viper.New()
	v.SetConfigName("creditflow")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditflow/config")
	v.AddConfigPath("/etc/creditflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ledger.freeQuotaLimit", defaults.FreeQuotaLimit)
	v.SetDefault("ledger.maxOccAttempts", defaults.MaxOCCAttempts)
	v.SetDefault("ledger.occBaseDelayMs", defaults.OCCBaseDelayMS)
	v.SetDefault("ledger.occMaxDelayMs", defaults.OCCMaxDelayMS)
	v.SetDefault("ledger.lockTimeoutMs", defaults.LockTimeoutMS)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var tuning LedgerTuning
	if err := v.UnmarshalKey("ledger", &tuning); err != nil {
		return nil, err
	}
	if err := validateLedgerTuning(tuning); err != nil {
		return nil, err
	}

	holder := NewStaticLedgerTuning(tuning)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerTuning
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Warn("ledger tuning reload failed", zap.Error(err))
			return
		}
		if err := validateLedgerTuning(updated); err != nil {
			log.Warn("invalid ledger tuning ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("ledger tuning reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *LedgerTuningHolder) Get() LedgerTuning {
	return h.current.Load().(LedgerTuning)
}

func validateLedgerTuning(t LedgerTuning) error {
	if t.MaxOCCAttempts < 1 {
		return errors.New("ledger.maxOccAttempts must be at least 1")
	}
	if t.FreeQuotaLimit < 0 {
		return errors.New("ledger.freeQuotaLimit cannot be negative")
	}
	if t.OCCBaseDelayMS < 1 || t.OCCMaxDelayMS <= t.OCCBaseDelayMS {
		return errors.New("ledger occ delays must satisfy 1 <= base < max")
	}
	if t.LockTimeoutMS <= 0 {
		return errors.New("ledger.lockTimeoutMs must be positive")
	}
	return nil
}
