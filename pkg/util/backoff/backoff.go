// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package backoff implements the exponential backoff policy used by the
// delivery retry paths.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy is the common interface for backoff policies
type Policy interface {
	// GetBackoffDuration returns the backoff duration for the given number of errors
	GetBackoffDuration(numErrors int) time.Duration

	// IncError increments the number of errors and returns the new value
	IncError(numErrors int) int

	// DecError decrements the number of errors and returns the new value
	DecError(numErrors int) int
}

// ExpBackoffPolicy grows the backoff exponentially with the error count and
// spreads attempts with a symmetric jitter around the computed duration.
type ExpBackoffPolicy struct {
	baseBackoffTime float64
	maxBackoffTime  float64
	jitterFraction  float64

	// recoveryInterval is how many error counts a success recovers. When
	// recoveryReset is true a single success resets the count to zero.
	recoveryInterval int
	recoveryReset    bool

	// maxErrors is the error count from which the backoff duration stops
	// growing (it hit maxBackoffTime anyway).
	maxErrors int

	rand *rand.Rand
	mu   sync.Mutex
}

// NewExpBackoffPolicy returns a new ExpBackoffPolicy. Times are in seconds,
// jitterFraction in [0, 1).
func NewExpBackoffPolicy(baseBackoffTime, maxBackoffTime, jitterFraction float64, recoveryInterval int, recoveryReset bool) *ExpBackoffPolicy {
	if baseBackoffTime <= 0 {
		baseBackoffTime = 2
	}
	if maxBackoffTime < baseBackoffTime {
		maxBackoffTime = baseBackoffTime
	}
	if jitterFraction < 0 || jitterFraction >= 1 {
		jitterFraction = 0.2
	}
	if recoveryInterval <= 0 {
		recoveryInterval = 1
	}

	return &ExpBackoffPolicy{
		baseBackoffTime:  baseBackoffTime,
		maxBackoffTime:   maxBackoffTime,
		jitterFraction:   jitterFraction,
		recoveryInterval: recoveryInterval,
		recoveryReset:    recoveryReset,
		maxErrors:        int(math.Ceil(math.Log2(maxBackoffTime/baseBackoffTime))) + 1,
		rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetBackoffDuration returns the duration to wait before the attempt
// following numErrors consecutive failures. The first failure (numErrors=1)
// waits baseBackoffTime, each further failure doubles it up to
// maxBackoffTime, with a ±jitterFraction spread.
func (e *ExpBackoffPolicy) GetBackoffDuration(numErrors int) time.Duration {
	if numErrors <= 0 {
		return 0
	}

	backoffTime := e.baseBackoffTime * math.Pow(2, float64(numErrors-1))
	if backoffTime > e.maxBackoffTime {
		backoffTime = e.maxBackoffTime
	}

	if e.jitterFraction > 0 {
		e.mu.Lock()
		spread := 2*e.rand.Float64() - 1 // [-1, 1)
		e.mu.Unlock()
		backoffTime += backoffTime * e.jitterFraction * spread
	}

	return time.Duration(backoffTime * float64(time.Second))
}

// IncError increments the number of errors and returns the new value
func (e *ExpBackoffPolicy) IncError(numErrors int) int {
	numErrors++
	if numErrors > e.maxErrors {
		return e.maxErrors
	}
	return numErrors
}

// DecError decrements the number of errors and returns the new value
func (e *ExpBackoffPolicy) DecError(numErrors int) int {
	if e.recoveryReset {
		return 0
	}
	numErrors -= e.recoveryInterval
	if numErrors < 0 {
		return 0
	}
	return numErrors
}
