package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Timeouts.Ring)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Answer)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.ReconnectGrace)
	assert.Equal(t, "ws://localhost:8082/signal", cfg.Signaling.RelayURL)
	assert.Equal(t, "callbridge.wake", cfg.AMQP.Queue)
	assert.Equal(t, "callbridge", cfg.Redis.KeyPrefix)
	assert.True(t, cfg.HTTP.MetricsEnabled)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Media.STUNServers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "30s")
	t.Setenv("CALL_ANSWER_TIMEOUT", "20s")
	t.Setenv("PARTICIPANT_ID", "patient-42")
	t.Setenv("SIGNALING_RELAY_URL", "wss://relay.example.com/signal")
	t.Setenv("MEDIA_STUN_SERVERS", "stun:a.example.com:3478, stun:b.example.com:3478")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Timeouts.Ring)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.Answer)
	assert.Equal(t, "patient-42", cfg.Node.ParticipantID)
	assert.Equal(t, "wss://relay.example.com/signal", cfg.Signaling.RelayURL)
	assert.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, cfg.Media.STUNServers)
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "not-a-duration")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Timeouts.Ring)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ring timeout", func(c *Config) { c.Timeouts.Ring = 0 }},
		{"negative answer timeout", func(c *Config) { c.Timeouts.Answer = -time.Second }},
		{"negative reconnect grace", func(c *Config) { c.Timeouts.ReconnectGrace = -time.Second }},
		{"http relay url", func(c *Config) { c.Signaling.RelayURL = "http://relay.example.com" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(testLogger())
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	logger := logrus.New()
	cfg.ConfigureLogger(logger)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
