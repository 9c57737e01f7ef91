// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config holds the global configuration of the platform process.
package config

import (
	"runtime"
	"strings"
)

// Platform is the global configuration object
var Platform Config

func init() {
	Platform = NewConfig("iot-platform", "IOT", strings.NewReplacer(".", "_"))
	initConfig(Platform)
}

// DefaultIngestWorkers returns the default parallelism of the ingest
// pipeline: max(4, cores).
func DefaultIngestWorkers() int {
	n := runtime.NumCPU()
	if n < 4 {
		return 4
	}
	return n
}

// initConfig initializes the config defaults on a config
func initConfig(config Config) {
	// Process
	config.BindEnvAndSetDefault("log_level", "info")
	config.BindEnvAndSetDefault("log_file", "")
	config.BindEnvAndSetDefault("bind_host", "0.0.0.0")
	config.BindEnvAndSetDefault("api_port", 8080)
	config.BindEnvAndSetDefault("api_trust_proxy_headers", false)
	config.BindEnvAndSetDefault("server_timeout", 15)
	config.BindEnvAndSetDefault("shutdown_drain_secs", 30)

	// Ingest pipeline
	config.BindEnvAndSetDefault("ingest_workers", 0) // 0 means max(4, cores)
	config.BindEnvAndSetDefault("ingest_queue_size", 100)
	config.BindEnvAndSetDefault("payload_max_bytes", 8192)
	config.BindEnvAndSetDefault("batch_max_bytes", 1024*1024)
	config.BindEnvAndSetDefault("batch_max_millis", 500)
	config.BindEnvAndSetDefault("batch_write_retries", 3)
	config.BindEnvAndSetDefault("rate_limit_window_secs", 1)
	config.BindEnvAndSetDefault("rate_limit_quota", 10)

	// Device auth cache
	config.BindEnvAndSetDefault("auth_cache_ttl_secs", 60)
	config.BindEnvAndSetDefault("auth_cache_max_entries", 100000)

	// Rule engine
	config.BindEnvAndSetDefault("eval_interval_secs", 15)
	config.BindEnvAndSetDefault("eval_query_timeout_secs", 5)

	// Device state tracking
	config.BindEnvAndSetDefault("stale_threshold_secs", 120)
	config.BindEnvAndSetDefault("offline_threshold_secs", 600)
	config.BindEnvAndSetDefault("device_state_sweep_secs", 30)

	// Message routing
	config.BindEnvAndSetDefault("route_cache_ttl_secs", 30)

	// Delivery subsystem
	config.BindEnvAndSetDefault("delivery_workers", 4)
	config.BindEnvAndSetDefault("delivery_max_attempts", 5)
	config.BindEnvAndSetDefault("delivery_backoff_base_secs", 2)
	config.BindEnvAndSetDefault("delivery_backoff_cap_secs", 300)
	config.BindEnvAndSetDefault("delivery_backoff_jitter", 0.2)
	config.BindEnvAndSetDefault("delivery_claim_ttl_secs", 60)
	config.BindEnvAndSetDefault("delivery_reap_interval_secs", 15)
	config.BindEnvAndSetDefault("delivery_poll_interval_millis", 1000)
	config.BindEnvAndSetDefault("webhook_timeout_secs", 10)

	// Dead letter queue
	config.BindEnvAndSetDefault("dlq_purge_schedule", "0 3 * * *")
	config.BindEnvAndSetDefault("dlq_retention_days", 30)
	config.BindEnvAndSetDefault("quarantine_retention_days", 30)

	// Live streaming
	config.BindEnvAndSetDefault("stream_subscriber_buffer", 100)
	config.BindEnvAndSetDefault("stream_max_subscribers_per_tenant", 10)

	// MQTT broker
	config.BindEnvAndSetDefault("mqtt.broker_url", "tcp://127.0.0.1:1883")
	config.BindEnvAndSetDefault("mqtt.client_id", "iot-platform")
	config.BindEnvAndSetDefault("mqtt.username", "")
	config.BindEnvAndSetDefault("mqtt.password", "")
	config.BindEnvAndSetDefault("mqtt.keep_alive_secs", 30)
	config.BindEnvAndSetDefault("mqtt.session_expiry_secs", 60)
	config.BindEnvAndSetDefault("mqtt.connect_timeout_secs", 10)
	config.BindEnvAndSetDefault("mqtt.qos", 1)

	// Relational store
	config.BindEnvAndSetDefault("database.host", "127.0.0.1")
	config.BindEnvAndSetDefault("database.port", 5432)
	config.BindEnvAndSetDefault("database.user", "iot")
	config.BindEnvAndSetDefault("database.password", "")
	config.BindEnvAndSetDefault("database.name", "iotplatform")
	config.BindEnvAndSetDefault("database.ssl_mode", "disable")
	config.BindEnvAndSetDefault("database.pool_max_conns", 10)
	config.BindEnvAndSetDefault("database.migrate", true)
	config.BindEnvAndSetDefault("database.query_timeout_secs", 5)

	// OIDC control-plane auth
	config.BindEnvAndSetDefault("oidc.issuer_url", "")
	config.BindEnvAndSetDefault("oidc.client_id", "iot-platform")
	config.BindEnvAndSetDefault("oidc.tenant_claim", "tenant_id")
	config.BindEnvAndSetDefault("oidc.role_claim", "role")
	config.BindEnvAndSetDefault("oidc.permissions_claim", "permissions")
}

// ResolveIngestWorkers applies the 0-means-auto rule on ingest_workers.
func ResolveIngestWorkers(config Config) int {
	n := config.GetInt("ingest_workers")
	if n <= 0 {
		return DefaultIngestWorkers()
	}
	return n
}
