// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package health

import (
	"expvar"
)

var (
	platformExpvar = expvar.NewMap("platform")

	ingestExpvar        = expvar.Map{}
	messagesReceived    = expvar.Int{}
	messagesAccepted    = expvar.Int{}
	messagesRejected    = expvar.Map{}
	messagesQuarantined = expvar.Int{}
	pointsWritten       = expvar.Int{}
	batchesFlushed      = expvar.Int{}
	seqRegressions      = expvar.Int{}

	alertingExpvar = expvar.Map{}
	alertsOpened   = expvar.Int{}
	alertsClosed   = expvar.Int{}

	deliveryExpvar      = expvar.Map{}
	jobsEnqueued        = expvar.Int{}
	deliveriesSucceeded = expvar.Int{}
	deliveriesFailed    = expvar.Int{}
	deadLettered        = expvar.Int{}

	routingExpvar   = expvar.Map{}
	routesMatched   = expvar.Int{}
	republishErrors = expvar.Int{}

	streamingExpvar = expvar.Map{}
	streamDropped   = expvar.Int{}

	authExpvar      = expvar.Map{}
	authCacheHits   = expvar.Int{}
	authCacheMisses = expvar.Int{}
	authFailures    = expvar.Map{}
)

func init() {
	ingestExpvar.Init()
	messagesRejected.Init()
	alertingExpvar.Init()
	routingExpvar.Init()
	deliveryExpvar.Init()
	streamingExpvar.Init()
	authExpvar.Init()
	authFailures.Init()

	platformExpvar.Set("Ingest", &ingestExpvar)
	platformExpvar.Set("Alerting", &alertingExpvar)
	platformExpvar.Set("Routing", &routingExpvar)
	platformExpvar.Set("Delivery", &deliveryExpvar)
	platformExpvar.Set("Streaming", &streamingExpvar)
	platformExpvar.Set("Auth", &authExpvar)

	ingestExpvar.Set("Received", &messagesReceived)
	ingestExpvar.Set("Accepted", &messagesAccepted)
	ingestExpvar.Set("Rejected", &messagesRejected)
	ingestExpvar.Set("Quarantined", &messagesQuarantined)
	ingestExpvar.Set("PointsWritten", &pointsWritten)
	ingestExpvar.Set("BatchesFlushed", &batchesFlushed)
	ingestExpvar.Set("SeqRegressions", &seqRegressions)

	alertingExpvar.Set("Opened", &alertsOpened)
	alertingExpvar.Set("Closed", &alertsClosed)

	routingExpvar.Set("Matched", &routesMatched)
	routingExpvar.Set("RepublishErrors", &republishErrors)

	deliveryExpvar.Set("JobsEnqueued", &jobsEnqueued)
	deliveryExpvar.Set("Succeeded", &deliveriesSucceeded)
	deliveryExpvar.Set("Failed", &deliveriesFailed)
	deliveryExpvar.Set("DeadLettered", &deadLettered)

	streamingExpvar.Set("Dropped", &streamDropped)

	authExpvar.Set("CacheHits", &authCacheHits)
	authExpvar.Set("CacheMisses", &authCacheMisses)
	authExpvar.Set("Failures", &authFailures)
}

// CountReceived increments the received-messages counter.
func CountReceived() { messagesReceived.Add(1) }

// CountAccepted increments the accepted-messages counter.
func CountAccepted() { messagesAccepted.Add(1) }

// CountRejected increments the per-reason rejected-messages counter.
func CountRejected(reason string) { messagesRejected.Add(reason, 1) }

// CountQuarantined increments the quarantined-envelopes counter.
func CountQuarantined() { messagesQuarantined.Add(1) }

// CountPointsWritten adds to the persisted-points counter.
func CountPointsWritten(n int) { pointsWritten.Add(int64(n)) }

// CountBatchFlushed increments the flushed-batches counter.
func CountBatchFlushed() { batchesFlushed.Add(1) }

// CountSeqRegression increments the out-of-order sequence counter. The
// check is advisory; regressed envelopes are still accepted.
func CountSeqRegression() { seqRegressions.Add(1) }

// CountAlertOpened increments the opened-alerts counter.
func CountAlertOpened() { alertsOpened.Add(1) }

// CountAlertClosed increments the closed-alerts counter.
func CountAlertClosed() { alertsClosed.Add(1) }

// CountRouteMatched increments the matched-routes counter.
func CountRouteMatched() { routesMatched.Add(1) }

// CountRepublishError increments the failed-republish counter.
func CountRepublishError() { republishErrors.Add(1) }

// CountJobEnqueued increments the enqueued-jobs counter.
func CountJobEnqueued() { jobsEnqueued.Add(1) }

// CountDeliverySucceeded increments the successful-deliveries counter.
func CountDeliverySucceeded() { deliveriesSucceeded.Add(1) }

// CountDeliveryFailed increments the failed-attempts counter.
func CountDeliveryFailed() { deliveriesFailed.Add(1) }

// CountDeadLettered increments the dead-lettered-jobs counter.
func CountDeadLettered() { deadLettered.Add(1) }

// CountStreamDropped increments the dropped-stream-messages counter.
func CountStreamDropped() { streamDropped.Add(1) }

// CountAuthCacheHit increments the auth cache hit counter.
func CountAuthCacheHit() { authCacheHits.Add(1) }

// CountAuthCacheMiss increments the auth cache miss counter.
func CountAuthCacheMiss() { authCacheMisses.Add(1) }

// CountAuthFailure increments the per-reason auth failure counter, feeding
// abuse detection.
func CountAuthFailure(reason string) { authFailures.Add(reason, 1) }

// Counters returns a point-in-time snapshot of all platform counters, keyed
// by section and counter name. Map-valued counters (per-reason breakdowns)
// are flattened with a dot.
func Counters() map[string]int64 {
	snapshot := make(map[string]int64)
	platformExpvar.Do(func(section expvar.KeyValue) {
		m, ok := section.Value.(*expvar.Map)
		if !ok {
			return
		}
		m.Do(func(kv expvar.KeyValue) {
			switch v := kv.Value.(type) {
			case *expvar.Int:
				snapshot[section.Key+"."+kv.Key] = v.Value()
			case *expvar.Map:
				v.Do(func(sub expvar.KeyValue) {
					if i, ok := sub.Value.(*expvar.Int); ok {
						snapshot[section.Key+"."+kv.Key+"."+sub.Key] = i.Value()
					}
				})
			}
		})
	})
	return snapshot
}
