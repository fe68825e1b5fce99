package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := relayUploadsTotal
	Init()
	if relayUploadsTotal == nil || relayUploadsTotal != first {
		t.Fatal("Init() should register collectors exactly once")
	}
}

func TestObserveUpload(t *testing.T) {
	Init()
	before := testutil.ToFloat64(relayUploadsTotal)
	bytesBefore := testutil.ToFloat64(relayUploadBytesTotal)

	ObserveUpload(42)
	ObserveUpload(0)

	if got := testutil.ToFloat64(relayUploadsTotal) - before; got != 2 {
		t.Errorf("expected 2 uploads, got %f", got)
	}
	if got := testutil.ToFloat64(relayUploadBytesTotal) - bytesBefore; got != 42 {
		t.Errorf("expected 42 bytes, got %f", got)
	}
}

func TestObserveForwardLabels(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(relayForwardsTotal.WithLabelValues("ok"))
	failedBefore := testutil.ToFloat64(relayForwardsTotal.WithLabelValues("failed"))

	ObserveForward(true, 10*time.Millisecond)
	ObserveForward(false, time.Second)

	if got := testutil.ToFloat64(relayForwardsTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("expected 1 ok forward, got %f", got)
	}
	if got := testutil.ToFloat64(relayForwardsTotal.WithLabelValues("failed")) - failedBefore; got != 1 {
		t.Errorf("expected 1 failed forward, got %f", got)
	}
}

func TestWaitersGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(relayWaiters)
	AddWaiters(3)
	AddWaiters(-2)
	if got := testutil.ToFloat64(relayWaiters) - before; got != 1 {
		t.Errorf("expected gauge delta 1, got %f", got)
	}
	AddWaiters(-1)
}

func TestObservePollAndSweep(t *testing.T) {
	Init()
	before := testutil.ToFloat64(relayPollsTotal.WithLabelValues(PollTimeout))
	sweptBefore := testutil.ToFloat64(relayResultsSweptTotal)

	ObservePoll(PollTimeout, 300*time.Second)
	ObserveSweep(0)
	ObserveSweep(5)

	if got := testutil.ToFloat64(relayPollsTotal.WithLabelValues(PollTimeout)) - before; got != 1 {
		t.Errorf("expected 1 timeout poll, got %f", got)
	}
	if got := testutil.ToFloat64(relayResultsSweptTotal) - sweptBefore; got != 5 {
		t.Errorf("expected 5 swept, got %f", got)
	}
}
