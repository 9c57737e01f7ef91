// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package registry

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// defaultLoadTimeout bounds a registry load so a slow relational store
// cannot stall the ingest workers.
const defaultLoadTimeout = 5 * time.Second

type cacheEntry struct {
	record   *Record
	cachedAt time.Time
}

// AuthCache is a TTL cache over the device registry. Reads within the TTL
// are served from memory; reads past it return the prior value while a
// background refresh runs (stale-while-revalidate). Concurrent loads for
// the same device collapse into a single registry query.
type AuthCache struct {
	store Store
	clock clock.Clock

	ttl         time.Duration
	loadTimeout time.Duration

	entries *lru.Cache[string, cacheEntry]
	flight  singleflight.Group
}

// NewAuthCache builds the cache from the auth_cache_* configuration keys.
func NewAuthCache(cfg config.Config, store Store, clk clock.Clock) *AuthCache {
	maxEntries := cfg.GetInt("auth_cache_max_entries")
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	entries, err := lru.New[string, cacheEntry](maxEntries)
	if err != nil {
		// lru.New only fails on a non-positive size, excluded above.
		panic(err)
	}

	return &AuthCache{
		store:       store,
		clock:       clk,
		ttl:         cfg.GetDuration("auth_cache_ttl_secs") * time.Second,
		loadTimeout: defaultLoadTimeout,
		entries:     entries,
	}
}

// Lookup returns the registry record for a device, loading through to the
// registry on a miss. DEVICE_UNKNOWN and DEVICE_REVOKED come back as reject
// values; infrastructure failures also surface as DEVICE_UNKNOWN so auth
// fails closed when the registry is unreachable.
func (c *AuthCache) Lookup(ctx context.Context, tenantID, deviceID string) (*Record, *message.RejectError) {
	key := Key(tenantID, deviceID)

	if entry, ok := c.entries.Get(key); ok {
		health.CountAuthCacheHit()
		if c.clock.Since(entry.cachedAt) > c.ttl {
			c.refreshAsync(key, tenantID, deviceID)
		}
		return c.check(tenantID, deviceID, entry.record)
	}

	health.CountAuthCacheMiss()
	rec, err, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.load(ctx, key, tenantID, deviceID)
	})
	if err != nil {
		log.Warnf("registry lookup for %s failed: %v", key, err)
		return nil, message.Reject(message.ReasonDeviceUnknown, "registry unavailable")
	}
	record, _ := rec.(*Record)
	return c.check(tenantID, deviceID, record)
}

// Authenticate looks the device up and verifies its provisioning secret.
func (c *AuthCache) Authenticate(ctx context.Context, tenantID, deviceID, secret string) (*Record, *message.RejectError) {
	if secret == "" {
		health.CountAuthFailure(string(message.ReasonTokenMissing))
		return nil, message.Reject(message.ReasonTokenMissing, "provisioning token is required")
	}

	record, rej := c.Lookup(ctx, tenantID, deviceID)
	if rej != nil {
		return nil, rej
	}

	if subtle.ConstantTimeCompare([]byte(record.Secret), []byte(secret)) != 1 {
		health.CountAuthFailure(string(message.ReasonTokenInvalid))
		return nil, message.Reject(message.ReasonTokenInvalid, "provisioning token mismatch")
	}
	return record, nil
}

// Invalidate drops the cached entry for a device. Called on registry status
// mutations so a revocation is visible before the TTL elapses.
func (c *AuthCache) Invalidate(tenantID, deviceID string) {
	c.entries.Remove(Key(tenantID, deviceID))
}

// Len returns the number of cached entries.
func (c *AuthCache) Len() int {
	return c.entries.Len()
}

// check maps the loaded record to the auth outcome.
func (c *AuthCache) check(tenantID, deviceID string, record *Record) (*Record, *message.RejectError) {
	if record == nil {
		health.CountAuthFailure(string(message.ReasonDeviceUnknown))
		return nil, message.Reject(message.ReasonDeviceUnknown, "device %s/%s is not provisioned", tenantID, deviceID)
	}
	if record.Status != StatusActive {
		health.CountAuthFailure(string(message.ReasonDeviceRevoked))
		return nil, message.Reject(message.ReasonDeviceRevoked, "device %s/%s is %s", tenantID, deviceID, record.Status)
	}
	return record, nil
}

// load queries the registry and installs the result. A missing row removes
// any cached entry instead of caching the absence, so a freshly provisioned
// device is usable immediately.
func (c *AuthCache) load(ctx context.Context, key, tenantID, deviceID string) (*Record, error) {
	loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()

	record, err := c.store.LookupDevice(loadCtx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		c.entries.Remove(key)
		return nil, nil
	}
	c.entries.Add(key, cacheEntry{record: record, cachedAt: c.clock.Now()})
	return record, nil
}

// refreshAsync revalidates a stale entry in the background. The singleflight
// group keeps one refresh per key; callers keep getting the stale value
// until the load lands.
func (c *AuthCache) refreshAsync(key, tenantID, deviceID string) {
	go func() {
		_, err, _ := c.flight.Do(key, func() (interface{}, error) {
			return c.load(context.Background(), key, tenantID, deviceID)
		})
		if err != nil {
			log.Warnf("async registry refresh for %s failed, keeping stale entry: %v", key, err)
		}
	}()
}
