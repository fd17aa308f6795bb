// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEventDropped(t *testing.T) {
	before := testutil.ToFloat64(EventsDropped.WithLabelValues("queue_full"))
	RecordEventDropped("queue_full")
	after := testutil.ToFloat64(EventsDropped.WithLabelValues("queue_full"))
	if after != before+1 {
		t.Errorf("drop counter = %v, want %v", after, before+1)
	}
}

func TestRecordEventProcessed(t *testing.T) {
	before := testutil.ToFloat64(EventsProcessed.WithLabelValues("typing"))
	RecordEventProcessed("typing", 2*time.Millisecond)
	after := testutil.ToFloat64(EventsProcessed.WithLabelValues("typing"))
	if after != before+1 {
		t.Errorf("processed counter = %v, want %v", after, before+1)
	}
}

func TestRecordStoreOperationStatusLabel(t *testing.T) {
	okBefore := testutil.ToFloat64(StoreOperations.WithLabelValues("model", "get", "ok"))
	errBefore := testutil.ToFloat64(StoreOperations.WithLabelValues("model", "get", "error"))

	RecordStoreOperation("model", "get", time.Millisecond, nil)
	RecordStoreOperation("model", "get", time.Millisecond, errors.New("disk failed"))

	if got := testutil.ToFloat64(StoreOperations.WithLabelValues("model", "get", "ok")); got != okBefore+1 {
		t.Errorf("ok counter = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(StoreOperations.WithLabelValues("model", "get", "error")); got != errBefore+1 {
		t.Errorf("error counter = %v, want %v", got, errBefore+1)
	}
}

func TestRecordRiskDecision(t *testing.T) {
	before := testutil.ToFloat64(RiskDecisions.WithLabelValues("high", "force_logout"))
	RecordRiskDecision("high", "force_logout")
	after := testutil.ToFloat64(RiskDecisions.WithLabelValues("high", "force_logout"))
	if after != before+1 {
		t.Errorf("decision counter = %v, want %v", after, before+1)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	SetCircuitBreakerState("auth", 2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("auth")); got != 2 {
		t.Errorf("breaker gauge = %v, want 2", got)
	}
	SetCircuitBreakerState("auth", 0)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("auth")); got != 0 {
		t.Errorf("breaker gauge = %v, want 0", got)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("POST", "/api/v1/events", "202"))
	RecordAPIRequest("POST", "/api/v1/events", 202, 5*time.Millisecond)
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("POST", "/api/v1/events", "202"))
	if after != before+1 {
		t.Errorf("api counter = %v, want %v", after, before+1)
	}
}

func TestConcurrentRecording(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				RecordEventIngested("tap")
				RecordAnomalyScore("tap", 0.3)
				QueueDepth.Set(float64(j))
			}
		}()
	}
	wg.Wait()
}
