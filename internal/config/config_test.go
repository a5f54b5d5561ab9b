// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "rocker", cfg.Logger().ServiceName)
	assert.Equal(t, 2*time.Second, cfg.Scanner().PollInterval)
	assert.Equal(t, "data-rocker", cfg.Scanner().TagAttribute)
	assert.Equal(t, 4, cfg.Scanner().MaxPathDepth)
	assert.Equal(t, 300*time.Millisecond, cfg.Sequencer().SettleDelay)
	assert.Equal(t, "feed", cfg.Sequencer().Procedures.FeedTab)
	assert.Equal(t, "hey rocker", cfg.Voice().WakePhrase)
	assert.True(t, cfg.Browser().Headless)
	assert.False(t, cfg.Executor().LearnFromScan, "only taught entries are remembered by default")
	assert.Equal(t, "/marketplace", cfg.Routes()["marketplace"])
	assert.Empty(t, cfg.Database().URL, "the durable store is opt-in")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate(), "defaults must validate")

		badPoll := *cfg
		badPoll.ScannerCfg.PollInterval = 0
		err := badPoll.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scanner.poll_interval must be a positive duration")

		badTag := *cfg
		badTag.ScannerCfg.TagAttribute = "  "
		err = badTag.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scanner.tag_attribute must not be empty")

		badQueue := *cfg
		badQueue.LearningCfg.QueueSize = 0
		err = badQueue.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "learning.queue_size must be a positive integer")
	})

	t.Run("Sequencer Validation", func(t *testing.T) {
		valid := SequencerConfig{SettleDelay: 100 * time.Millisecond, VerifyAttempts: 3}
		assert.NoError(t, valid.Validate())

		zeroSettle := valid
		zeroSettle.SettleDelay = 0
		assert.NoError(t, zeroSettle.Validate(), "a zero settle delay is allowed")

		negative := valid
		negative.SettleDelay = -time.Second
		err := negative.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "settle_delay must not be negative")

		noAttempts := valid
		noAttempts.VerifyAttempts = 0
		err = noAttempts.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "verify_attempts must be greater than 0")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
scanner:
  poll_interval: 500ms
sequencer:
  procedures:
    composer: "status box"
voice:
  wake_phrase: "ok rocker"
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 500*time.Millisecond, cfg.Scanner().PollInterval)
		assert.Equal(t, "status box", cfg.Sequencer().Procedures.Composer)
		assert.Equal(t, "ok rocker", cfg.Voice().WakePhrase)
		// Untouched keys keep their defaults.
		assert.Equal(t, "post", cfg.Sequencer().Procedures.Submit)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("sequencer.verify_attempts", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "verify_attempts must be greater than 0")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		t.Setenv("ROCKER_CHAT_API_KEY", "chat-secret")
		t.Setenv("ROCKER_DATABASE_URL", "postgres://env/db")

		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "chat-secret", cfg.Chat().APIKey)
		assert.Equal(t, "postgres://env/db", cfg.Database().URL)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(false)
	iface.SetBrowserRemoteURL("ws://127.0.0.1:9222/devtools/browser/abc")
	iface.SetServerListenAddr(":9000")

	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser().RemoteURL)
	assert.Equal(t, ":9000", cfg.Server().ListenAddr)
}
