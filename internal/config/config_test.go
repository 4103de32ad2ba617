package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Port:                 8001,
		MetricsWindowSeconds: 60,
		WSPingInterval:       30 * time.Second,
		WSPingTimeout:        10 * time.Second,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveWindow(t *testing.T) {
	cfg := validConfig()
	cfg.MetricsWindowSeconds = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsPingTimeoutNotLessThanInterval(t *testing.T) {
	cfg := validConfig()
	cfg.WSPingTimeout = cfg.WSPingInterval
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "trace"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())
}

func TestAddrCombinesHostAndPort(t *testing.T) {
	cfg := validConfig()
	cfg.Host = "0.0.0.0"
	cfg.Port = 9000
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
}
