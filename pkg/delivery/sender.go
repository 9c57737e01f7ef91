// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package delivery ships alert and routed-message events to customer
// destinations: webhooks, email, SNMP informs and MQTT publishes. Jobs are
// durable; workers claim them one at a time, retry with exponential
// backoff and dead-letter what cannot be delivered.
package delivery

import (
	"context"
	"encoding/json"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/storage"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the normalized input every sender accepts: the destination
// config snapshot from the job and the event, both as parsed struct and as
// the exact wire bytes (signatures cover Body verbatim).
type Request struct {
	TenantID string
	Kind     storage.IntegrationKind
	Config   json.RawMessage
	Event    *message.Event
	Body     []byte
}

// Result reports one delivery attempt. Retryable splits transient faults
// (timeouts, 5xx, SMTP 4xx) from terminal ones (4xx, guard trips, bad
// config); RetryAfter is set when the destination asked to slow down.
type Result struct {
	Success    bool
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

// Sender ships one attempt to a destination family.
type Sender interface {
	Send(ctx context.Context, req *Request) Result
}

func succeeded() Result {
	return Result{Success: true}
}

func terminal(err error) Result {
	return Result{Err: err}
}

func transient(err error) Result {
	return Result{Retryable: true, Err: err}
}
