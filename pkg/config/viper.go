// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the interface all platform components use to read configuration.
type Config interface {
	Set(key string, value interface{})
	SetDefault(key string, value interface{})
	SetConfigFile(path string)
	ReadInConfig() error

	BindEnv(key string)
	BindEnvAndSetDefault(key string, value interface{})

	Get(key string) interface{}
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetFloat64(key string) float64
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	GetStringMapString(key string) map[string]string
	IsSet(key string) bool
	AllSettings() map[string]interface{}
}

// safeConfig wraps viper with a lock so concurrent component init and the
// runtime settings endpoint can read and write safely.
type safeConfig struct {
	*viper.Viper
	sync.RWMutex
	envPrefix string
}

// NewConfig returns a new Config with the given name and environment prefix.
func NewConfig(name string, envPrefix string, envKeyReplacer *strings.Replacer) Config {
	config := &safeConfig{
		Viper:     viper.New(),
		envPrefix: envPrefix,
	}
	config.SetConfigName(name)
	config.SetEnvPrefix(envPrefix)
	if envKeyReplacer != nil {
		config.SetEnvKeyReplacer(envKeyReplacer)
	}
	config.SetTypeByDefaultValue(true)
	return config
}

func (c *safeConfig) Set(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.Set(key, value)
}

func (c *safeConfig) SetDefault(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetDefault(key, value)
}

func (c *safeConfig) SetConfigFile(path string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetConfigFile(path)
}

func (c *safeConfig) ReadInConfig() error {
	c.Lock()
	defer c.Unlock()
	return c.Viper.ReadInConfig()
}

func (c *safeConfig) BindEnv(key string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.BindEnv(key) //nolint:errcheck
}

func (c *safeConfig) BindEnvAndSetDefault(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetDefault(key, value)
	c.Viper.BindEnv(key) //nolint:errcheck
}

func (c *safeConfig) Get(key string) interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.Get(key)
}

func (c *safeConfig) GetString(key string) string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetString(key)
}

func (c *safeConfig) GetBool(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetBool(key)
}

func (c *safeConfig) GetInt(key string) int {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt(key)
}

func (c *safeConfig) GetInt64(key string) int64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt64(key)
}

func (c *safeConfig) GetFloat64(key string) float64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetFloat64(key)
}

func (c *safeConfig) GetDuration(key string) time.Duration {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetDuration(key)
}

func (c *safeConfig) GetStringSlice(key string) []string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetStringSlice(key)
}

func (c *safeConfig) GetStringMapString(key string) map[string]string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetStringMapString(key)
}

func (c *safeConfig) IsSet(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.IsSet(key)
}

func (c *safeConfig) AllSettings() map[string]interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.AllSettings()
}
