package common

import (
	"bytes"
	"testing"
	"time"

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
		assert.Equal(time.Second*30, cfg.Push.HeartbeatInterval())
		assert.Equal(time.Second*60, cfg.Push.StatsInterval())
		assert.Equal(time.Minute*30, cfg.Push.StreamTimeout())
		assert.Equal("heartbeat", cfg.Push.Heartbeat.EventName)
		assert.False(cfg.Push.Intake.Enabled)
		assert.NotNil(cfg.Dataplane)
		assert.NotNil(cfg.Management)
		assert.Equal(0, cfg.Dataplane.HTTPSetting.Server.WriteTimeout)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
dataplane:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
dataplane:
  api_server:
    server_config:
      write_timeout_sec: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: heartbeat interval must be positive
	{
		config := []byte(`---
push:
  heartbeat:
    interval_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: override push parameters
	{
		config := []byte(`---
push:
  heartbeat:
    event_name: keepalive
    interval_sec: 5
  intake:
    enabled: true
    subject: app.events`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("keepalive", cfg.Push.Heartbeat.EventName)
		assert.Equal(time.Second*5, cfg.Push.HeartbeatInterval())
		assert.True(cfg.Push.Intake.Enabled)
		assert.Equal("app.events", cfg.Push.Intake.Subject)
		assert.Equal(4, cfg.Push.Intake.Workers)
	}
}
