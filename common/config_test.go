package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.InDelta(0.10, cfg.Telemetry.LowKegThreshold, 1e-9)
		assert.Equal(30, cfg.Hub.IdleTimeout)
		assert.Equal(30, cfg.Hub.StatsInterval)
		assert.Equal(2000, cfg.Dashboard.HeartbeatInterval)
		assert.Equal("memory", cfg.Storage.Type)
		assert.Equal("kegwatch.pour", cfg.NATS.PourSubject)
		assert.Equal("kegwatch/keg_change", cfg.MQTT.KegChangeTopic)
		assert.False(cfg.NATS.Enabled)
		assert.False(cfg.MQTT.Enabled)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
http:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid threshold
	{
		config := []byte(`---
telemetry:
  low_keg_threshold: 1.5`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: backoff ceiling below floor
	{
		config := []byte(`---
dashboard:
  backoff_min_ms: 1000
  backoff_max_ms: 100`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: unknown store type
	{
		config := []byte(`---
storage:
  type: postgres`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: valid override
	{
		config := []byte(`---
storage:
  type: bolt
  bolt_path: /tmp/taps.db
ingest:
  webhook_token: secret`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("bolt", cfg.Storage.Type)
		assert.Equal("secret", cfg.Ingest.WebhookToken)
	}
}
