package manager

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/mediator"
)

// testWebhook is an httptest target that records delivered job ids.
type testWebhook struct {
	mu       sync.Mutex
	received []string
	status   atomic.Int32
	server   *httptest.Server
}

func newTestWebhook() *testWebhook {
	w := &testWebhook{}
	w.status.Store(http.StatusOK)
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.received = append(w.received, r.Header.Get("X-FlowCatalyst-ID"))
		w.mu.Unlock()
		rw.WriteHeader(int(w.status.Load()))
	}))
	return w
}

func (w *testWebhook) Close() { w.server.Close() }

func (w *testWebhook) URL() string { return w.server.URL }

func (w *testWebhook) Received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.received...)
}

func (w *testWebhook) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.received)
}

// settleRecorder tracks broker operations performed on a test message.
type settleRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	delays  []time.Duration
	handle  string
	updates []string
}

func (r *settleRecorder) bind(msg *DispatchMessage) {
	msg.AckFunc = func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.acks++
		return nil
	}
	msg.NakFunc = func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nacks++
		return nil
	}
	msg.NakDelayFunc = func(d time.Duration) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nacks++
		r.delays = append(r.delays, d)
		return nil
	}
	msg.InProgressFunc = func() error { return nil }
	msg.GetReceiptHandleFunc = func() string {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.handle
	}
	msg.UpdateReceiptHandleFunc = func(h string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updates = append(r.updates, h)
	}
}

func (r *settleRecorder) ackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks
}

func (r *settleRecorder) nackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacks
}

func (r *settleRecorder) lastDelay() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.delays) == 0 {
		return 0, false
	}
	return r.delays[len(r.delays)-1], true
}

func (r *settleRecorder) updatedHandles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.updates...)
}

func newTestManager() *QueueManager {
	m := NewQueueManager(&mediator.HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BaseBackoff: 10 * time.Millisecond,
	})
	// The periodic loops are irrelevant to these tests.
	m.cleanupConfig.Enabled = false
	m.visibilityConfig.Enabled = false
	m.leakDetectionConfig.Enabled = false
	return m
}

func testMessage(jobID, brokerID, poolCode, group, target string) (*DispatchMessage, *settleRecorder) {
	msg := &DispatchMessage{
		JobID:            jobID,
		BrokerMessageID:  brokerID,
		DispatchPoolCode: poolCode,
		MessageGroup:     group,
		TargetURL:        target,
		MediationType:    "HTTP",
		DataOnly:         true,
		Payload:          `{"k":"v"}`,
	}
	rec := &settleRecorder{}
	rec.bind(msg)
	return msg, rec
}

func waitForCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestRouteBatchDeliversAndUntracks(t *testing.T) {
	webhook := newTestWebhook()
	defer webhook.Close()

	m := newTestManager()
	m.Start()
	defer m.Stop()

	msg, rec := testMessage("job-1", "bm-1", "", "G", webhook.URL())
	result := m.RouteBatch([]*DispatchMessage{msg})

	if result.Submitted != 1 {
		t.Fatalf("Expected 1 submitted, got %+v", result)
	}

	waitForCond(t, 5*time.Second, func() bool { return rec.ackCount() == 1 })

	// Settling removes the message from the tracking maps.
	waitForCond(t, 2*time.Second, func() bool { return m.GetPipelineSize() == 0 })

	if got := webhook.Received(); len(got) != 1 || got[0] != "job-1" {
		t.Errorf("Webhook received %v, want [job-1]", got)
	}
}

func TestRouteBatchRejectedWhenStopped(t *testing.T) {
	m := newTestManager()

	msg, rec := testMessage("job-1", "bm-1", "", "G", "http://unused")
	result := m.RouteBatch([]*DispatchMessage{msg})

	if result.Rejected != 1 {
		t.Errorf("Expected rejection, got %+v", result)
	}
	if rec.nackCount() != 1 {
		t.Errorf("Expected nack on stopped manager, got %d", rec.nackCount())
	}
}

func TestRouteBatchRedeliveryUpdatesHandleAndReleases(t *testing.T) {
	block := make(chan struct{})
	webhook := newTestWebhook()
	defer webhook.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-block
		rw.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	m := newTestManager()
	m.Start()
	defer func() {
		close(block)
		m.Stop()
	}()

	first, firstRec := testMessage("job-1", "bm-1", "", "G", slow.URL)
	m.RouteBatch([]*DispatchMessage{first})
	waitForCond(t, 2*time.Second, func() bool { return m.GetPipelineSize() == 1 })

	// The broker redelivers the same broker message id with a fresh handle
	// while the first copy is still mediating.
	dup, dupRec := testMessage("job-1", "bm-1", "", "G", slow.URL)
	dupRec.handle = "fresh-handle"

	result := m.RouteBatch([]*DispatchMessage{dup})
	if result.Deduplicated != 1 {
		t.Fatalf("Expected dedup, got %+v", result)
	}
	// The duplicate is released without delay so the broker can redeliver
	// normally.
	if d, ok := dupRec.lastDelay(); !ok || d != 0 {
		t.Errorf("Expected zero-delay nack for redelivery, got %v (present=%v)", d, ok)
	}
	if m.GetPipelineSize() != 1 {
		t.Errorf("Redelivery must not add a pipeline entry")
	}
	if got := firstRec.updatedHandles(); len(got) != 1 || got[0] != "fresh-handle" {
		t.Errorf("Expected in-flight copy to adopt fresh handle, got %v", got)
	}
}

func TestRouteBatchRequeuedDuplicateAcked(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-block
		rw.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	m := newTestManager()
	m.Start()
	defer func() {
		close(block)
		m.Stop()
	}()

	first, _ := testMessage("job-1", "bm-1", "", "G", slow.URL)
	m.RouteBatch([]*DispatchMessage{first})
	waitForCond(t, 2*time.Second, func() bool { return m.GetPipelineSize() == 1 })

	// Same job id under a different broker id: an external requeue. The
	// duplicate is removed permanently.
	dup, dupRec := testMessage("job-1", "bm-2", "", "G", slow.URL)
	result := m.RouteBatch([]*DispatchMessage{dup})

	if result.Deduplicated != 1 {
		t.Fatalf("Expected dedup, got %+v", result)
	}
	if dupRec.ackCount() != 1 {
		t.Errorf("Expected requeued duplicate to be acked, got %d acks", dupRec.ackCount())
	}
}

type fixedStandby struct{ primary bool }

func (s fixedStandby) IsPrimary() bool { return s.primary }

func TestStandbyAcksWithoutRouting(t *testing.T) {
	webhook := newTestWebhook()
	defer webhook.Close()

	m := newTestManager()
	m.WithStandbyChecker(fixedStandby{primary: false})
	m.Start()
	defer m.Stop()

	msg, rec := testMessage("job-1", "bm-1", "", "G", webhook.URL())
	result := m.RouteBatch([]*DispatchMessage{msg})

	if result.Standby != 1 {
		t.Fatalf("Expected standby disposition, got %+v", result)
	}
	if rec.ackCount() != 1 {
		t.Errorf("Expected standby ack, got %d", rec.ackCount())
	}
	if len(webhook.Received()) != 0 {
		t.Error("Standby instance must not mediate")
	}
	if m.GetPipelineSize() != 0 {
		t.Error("Standby instance must not track messages")
	}
}

func TestUnknownPoolFallsBackToDefault(t *testing.T) {
	webhook := newTestWebhook()
	defer webhook.Close()

	m := newTestManager()
	m.Start()
	defer m.Stop()

	msg, rec := testMessage("job-1", "bm-1", "NOT-CONFIGURED", "G", webhook.URL())
	result := m.RouteBatch([]*DispatchMessage{msg})

	if result.Submitted != 1 {
		t.Fatalf("Expected submit, got %+v", result)
	}
	waitForCond(t, 5*time.Second, func() bool { return rec.ackCount() == 1 })

	snap := m.Snapshot()
	if len(snap.ActivePools) != 1 || snap.ActivePools[0] != DefaultPoolCode {
		t.Errorf("Expected lazily-created %s, got %v", DefaultPoolCode, snap.ActivePools)
	}
}

func TestApplyPoolConfigsDeploysAndDrains(t *testing.T) {
	webhook := newTestWebhook()
	defer webhook.Close()

	m := newTestManager()
	m.Start()
	defer m.Stop()

	m.ApplyPoolConfigs([]PoolConfig{
		{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10},
		{Code: "POOL-B", Concurrency: 2, QueueCapacity: 10},
	})

	snap := m.Snapshot()
	if len(snap.ActivePools) != 2 {
		t.Fatalf("Expected 2 pools, got %v", snap.ActivePools)
	}

	// Removing POOL-B from the configuration moves it to draining; with
	// nothing in flight the next drain check destroys it.
	m.ApplyPoolConfigs([]PoolConfig{
		{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10},
	})

	snap = m.Snapshot()
	if len(snap.DrainingPools) != 1 || snap.DrainingPools[0] != "POOL-B" {
		t.Fatalf("Expected POOL-B draining, got %v", snap.DrainingPools)
	}

	m.send(drainCheckCmd{})
	waitForCond(t, 2*time.Second, func() bool {
		return len(m.Snapshot().DrainingPools) == 0
	})
}

func TestPoolRejectionGatesRestOfGroup(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-block
		rw.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	m := newTestManager()
	m.Start()
	defer func() {
		close(block)
		m.Stop()
	}()

	// A tiny pool: one worker slot, queue capacity one.
	m.ApplyPoolConfigs([]PoolConfig{{Code: "TINY", Concurrency: 1, QueueCapacity: 1}})

	first, _ := testMessage("job-0", "bm-0", "TINY", "G", slow.URL)
	m.RouteBatch([]*DispatchMessage{first})
	// Wait until the worker has taken job-0 off the queue and holds the
	// only permit, so the queue slot is free again.
	tiny := m.EnsurePool(PoolConfig{Code: "TINY"})
	waitForCond(t, 2*time.Second, func() bool { return tiny.GetActiveWorkers() == 1 })

	m1, _ := testMessage("job-1", "bm-1", "TINY", "G", slow.URL)
	m2, rec2 := testMessage("job-2", "bm-2", "TINY", "G", slow.URL)
	m3, rec3 := testMessage("job-3", "bm-3", "TINY", "G", slow.URL)
	result := m.RouteBatch([]*DispatchMessage{m1, m2, m3})

	// m1 fills the queue; m2 is rejected by the pool; m3 is gated behind
	// the rejection to preserve group order.
	if result.Submitted != 1 || result.Rejected != 1 || result.FailBarrier != 1 {
		t.Fatalf("Unexpected result %+v", result)
	}
	if rec2.nackCount() != 1 || rec3.nackCount() != 1 {
		t.Error("Rejected and gated messages must be nacked")
	}
}

func TestSnapshotTracksCapacity(t *testing.T) {
	m := newTestManager()
	m.Start()
	defer m.Stop()

	m.ApplyPoolConfigs([]PoolConfig{{Code: "POOL-A", Concurrency: 2, QueueCapacity: 30}})

	if got := m.GetTotalPoolCapacity(); got != 30 {
		t.Errorf("Expected capacity 30, got %d", got)
	}
}
