package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockMediator implements Mediator for testing
type MockMediator struct {
	processFunc func(msg *MessagePointer) *MediationOutcome
	callCount   atomic.Int32
	mu          sync.Mutex
	calls       []*MessagePointer
}

func NewMockMediator() *MockMediator {
	return &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultSuccess}
		},
		calls: make([]*MessagePointer, 0),
	}
}

func (m *MockMediator) Process(msg *MessagePointer) *MediationOutcome {
	m.callCount.Add(1)
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	fn := m.processFunc
	m.mu.Unlock()
	return fn(msg)
}

func (m *MockMediator) SetProcessFunc(fn func(msg *MessagePointer) *MediationOutcome) {
	m.mu.Lock()
	m.processFunc = fn
	m.mu.Unlock()
}

func (m *MockMediator) GetCallCount() int {
	return int(m.callCount.Load())
}

func (m *MockMediator) GetCalls() []*MessagePointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MessagePointer{}, m.calls...)
}

// MockCallback implements MessageCallback for testing
type MockCallback struct {
	mu         sync.Mutex
	acked      []string
	nacked     []string
	fastFailed []string
	delays     map[string]int
	extended   []string
}

func NewMockCallback() *MockCallback {
	return &MockCallback{delays: make(map[string]int)}
}

func (c *MockCallback) Ack(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg.ID)
}

func (c *MockCallback) Nack(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg.ID)
}

func (c *MockCallback) NackWithDelay(msg *MessagePointer, seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg.ID)
	c.delays[msg.ID] = seconds
}

func (c *MockCallback) FastFail(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fastFailed = append(c.fastFailed, msg.ID)
}

func (c *MockCallback) ExtendVisibility(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extended = append(c.extended, msg.ID)
}

func (c *MockCallback) GetAckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

func (c *MockCallback) GetNackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nacked)
}

func (c *MockCallback) GetFastFailCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fastFailed)
}

func (c *MockCallback) GetDelay(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.delays[id]
	return d, ok
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestNewProcessPool(t *testing.T) {
	p := NewProcessPool("test-pool", 5, 100, nil, NewMockMediator(), NewMockCallback())

	if p.GetPoolCode() != "test-pool" {
		t.Errorf("Expected poolCode 'test-pool', got '%s'", p.GetPoolCode())
	}
	if p.GetConcurrency() != 5 {
		t.Errorf("Expected concurrency 5, got %d", p.GetConcurrency())
	}
	if p.GetQueueCapacity() != 100 {
		t.Errorf("Expected queue capacity 100, got %d", p.GetQueueCapacity())
	}
}

func TestSubmitRejectedWhenNotStarted(t *testing.T) {
	p := NewProcessPool("test-pool", 2, 10, nil, NewMockMediator(), NewMockCallback())

	if p.Submit(&MessagePointer{ID: "m1"}) {
		t.Error("Submit should fail before Start")
	}
}

func TestSingleGroupFIFO(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	p := NewProcessPool("fifo-pool", 10, 100, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	ids := []string{"A", "B", "C", "D", "E"}
	for _, id := range ids {
		if !p.Submit(&MessagePointer{ID: id, MessageGroupID: "G"}) {
			t.Fatalf("Submit failed for %s", id)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return callback.GetAckCount() == len(ids) })

	calls := mediator.GetCalls()
	if len(calls) != len(ids) {
		t.Fatalf("Expected %d mediator calls, got %d", len(ids), len(calls))
	}
	for i, call := range calls {
		if call.ID != ids[i] {
			t.Errorf("Call %d: expected %s, got %s", i, ids[i], call.ID)
		}
	}
}

func TestCrossGroupParallelismBoundedBySemaphore(t *testing.T) {
	var inFlight, peak atomic.Int32

	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		current := inFlight.Add(1)
		for {
			p := peak.Load()
			if current <= p || peak.CompareAndSwap(p, current) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		inFlight.Add(-1)
		return &MediationOutcome{Result: MediationResultSuccess}
	})

	callback := NewMockCallback()
	p := NewProcessPool("bounded-pool", 3, 100, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	for _, group := range []string{"G1", "G2", "G3", "G4", "G5"} {
		if !p.Submit(&MessagePointer{ID: "job-" + group, MessageGroupID: group}) {
			t.Fatalf("Submit failed for %s", group)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return callback.GetAckCount() == 5 })

	if got := peak.Load(); got > 3 {
		t.Errorf("Peak in-flight %d exceeded concurrency 3", got)
	}
	if mediator.GetCallCount() != 5 {
		t.Errorf("Expected 5 mediator calls, got %d", mediator.GetCallCount())
	}
}

func TestBatchGroupFailureBarrier(t *testing.T) {
	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		if msg.ID == "M1" {
			return &MediationOutcome{Result: MediationResultErrorProcess}
		}
		return &MediationOutcome{Result: MediationResultSuccess}
	})

	callback := NewMockCallback()
	p := NewProcessPool("barrier-pool", 5, 100, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	for _, id := range []string{"M1", "M2", "M3"} {
		if !p.Submit(&MessagePointer{ID: id, BatchID: "B", MessageGroupID: "G"}) {
			t.Fatalf("Submit failed for %s", id)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return callback.GetNackCount() == 1 && callback.GetFastFailCount() == 2
	})

	// Only the failed message reached the mediator; the two behind it were
	// fast-failed pre-flight.
	if mediator.GetCallCount() != 1 {
		t.Errorf("Expected 1 mediator call, got %d", mediator.GetCallCount())
	}

	// The key is fully released once every message of the batch+group is
	// settled, so a redelivered batch proceeds normally.
	waitFor(t, 2*time.Second, func() bool {
		count := 0
		p.failedBatchGroups.Range(func(_, _ interface{}) bool { count++; return true })
		return count == 0
	})

	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		return &MediationOutcome{Result: MediationResultSuccess}
	})
	for _, id := range []string{"M1", "M2", "M3"} {
		if !p.Submit(&MessagePointer{ID: id, BatchID: "B2", MessageGroupID: "G"}) {
			t.Fatalf("Resubmit failed for %s", id)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return callback.GetAckCount() == 3 })
}

func TestRateLimitFastFail(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	// Burst of 5 tokens; the rest of the submissions in the same instant
	// must fast-fail without a mediator call.
	rateLimit := 5
	p := NewProcessPool("rl-pool", 10, 200, &rateLimit, mediator, callback)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 10; i++ {
		group := string(rune('a' + i))
		if !p.Submit(&MessagePointer{ID: "m-" + group, MessageGroupID: group}) {
			t.Fatalf("Submit failed for %d", i)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return callback.GetAckCount()+callback.GetFastFailCount() == 10
	})

	if callback.GetAckCount() != 5 {
		t.Errorf("Expected 5 delivered, got %d", callback.GetAckCount())
	}
	if callback.GetFastFailCount() != 5 {
		t.Errorf("Expected 5 fast-failed, got %d", callback.GetFastFailCount())
	}
	if mediator.GetCallCount() != 5 {
		t.Errorf("Rate-limited messages must not reach the mediator, got %d calls", mediator.GetCallCount())
	}
}

func TestErrorConfigAcksPoisonMessage(t *testing.T) {
	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		return &MediationOutcome{Result: MediationResultErrorConfig, StatusCode: 404}
	})

	callback := NewMockCallback()
	p := NewProcessPool("poison-pool", 2, 10, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "poison", BatchID: "B", MessageGroupID: "G"})

	waitFor(t, 2*time.Second, func() bool { return callback.GetAckCount() == 1 })

	if callback.GetNackCount() != 0 {
		t.Error("4xx outcome must not nack")
	}
	if _, failed := p.failedBatchGroups.Load("B|G"); failed {
		t.Error("4xx outcome must not mark batch+group failed")
	}
}

func TestEndpointRequestedDelay(t *testing.T) {
	delay := 300 * time.Second
	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		return &MediationOutcome{Result: MediationResultErrorProcess, Delay: &delay}
	})

	callback := NewMockCallback()
	p := NewProcessPool("delay-pool", 2, 10, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "delayed", MessageGroupID: "G"})

	waitFor(t, 2*time.Second, func() bool { return callback.GetNackCount() == 1 })

	if d, ok := callback.GetDelay("delayed"); !ok || d != 300 {
		t.Errorf("Expected nack with delay 300, got %d (present=%v)", d, ok)
	}
}

func TestPanicReleasesPermitAndNacks(t *testing.T) {
	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		if msg.ID == "boom" {
			panic("mediator exploded")
		}
		return &MediationOutcome{Result: MediationResultSuccess}
	})

	callback := NewMockCallback()
	p := NewProcessPool("panic-pool", 1, 10, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "boom", MessageGroupID: "G"})
	waitFor(t, 2*time.Second, func() bool { return callback.GetNackCount() == 1 })

	// The permit must be back; a follow-up message on the same group
	// processes normally.
	p.Submit(&MessagePointer{ID: "after", MessageGroupID: "G"})
	waitFor(t, 2*time.Second, func() bool { return callback.GetAckCount() == 1 })

	if p.GetActiveWorkers() != 0 {
		t.Errorf("Permit leaked after panic: %d active workers", p.GetActiveWorkers())
	}
}

func TestSubmitRejectsAtCapacity(t *testing.T) {
	block := make(chan struct{})
	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		<-block
		return &MediationOutcome{Result: MediationResultSuccess}
	})

	callback := NewMockCallback()
	p := NewProcessPool("cap-pool", 1, 2, nil, mediator, callback)
	p.Start()
	defer func() {
		close(block)
		p.Shutdown()
	}()

	// The first message occupies the worker; the next two fill the queue.
	p.Submit(&MessagePointer{ID: "w", MessageGroupID: "G"})
	waitFor(t, 2*time.Second, func() bool { return p.GetActiveWorkers() == 1 })

	if !p.Submit(&MessagePointer{ID: "q1", MessageGroupID: "G"}) {
		t.Fatal("Submit q1 should succeed")
	}
	if !p.Submit(&MessagePointer{ID: "q2", MessageGroupID: "G"}) {
		t.Fatal("Submit q2 should succeed")
	}
	if p.Submit(&MessagePointer{ID: "q3", MessageGroupID: "G"}) {
		t.Error("Submit past capacity should fail")
	}
}

func TestUpdateConcurrencyIncrease(t *testing.T) {
	p := NewProcessPool("up-pool", 2, 10, nil, NewMockMediator(), NewMockCallback())
	p.Start()
	defer p.Shutdown()

	if !p.UpdateConcurrency(5, 1) {
		t.Fatal("Increase should succeed")
	}
	if p.GetConcurrency() != 5 {
		t.Errorf("Expected concurrency 5, got %d", p.GetConcurrency())
	}
}

func TestUpdateConcurrencyDecrease(t *testing.T) {
	p := NewProcessPool("down-pool", 5, 10, nil, NewMockMediator(), NewMockCallback())
	p.Start()
	defer p.Shutdown()

	if !p.UpdateConcurrency(2, 1) {
		t.Fatal("Decrease should succeed while idle")
	}
	if p.GetConcurrency() != 2 {
		t.Errorf("Expected concurrency 2, got %d", p.GetConcurrency())
	}
}

func TestUpdateConcurrencyDecreaseTimesOutUnderLoad(t *testing.T) {
	block := make(chan struct{})
	mediator := NewMockMediator()
	mediator.SetProcessFunc(func(msg *MessagePointer) *MediationOutcome {
		<-block
		return &MediationOutcome{Result: MediationResultSuccess}
	})

	p := NewProcessPool("busy-pool", 2, 10, nil, mediator, NewMockCallback())
	p.Start()
	defer func() {
		close(block)
		p.Shutdown()
	}()

	p.Submit(&MessagePointer{ID: "b1", MessageGroupID: "G1"})
	p.Submit(&MessagePointer{ID: "b2", MessageGroupID: "G2"})
	waitFor(t, 2*time.Second, func() bool { return p.GetActiveWorkers() == 2 })

	// Both permits are held; the decrease cannot acquire them and must roll
	// back, leaving the limit unchanged.
	if p.UpdateConcurrency(1, 1) {
		t.Error("Decrease should time out while permits are held")
	}
	if p.GetConcurrency() != 2 {
		t.Errorf("Concurrency should remain 2 after rollback, got %d", p.GetConcurrency())
	}
}

func TestUpdateRateLimit(t *testing.T) {
	p := NewProcessPool("rate-pool", 2, 10, nil, NewMockMediator(), NewMockCallback())
	p.Start()
	defer p.Shutdown()

	limit := 100
	p.UpdateRateLimit(&limit)
	if got := p.GetRateLimitPerMinute(); got == nil || *got != 100 {
		t.Error("Rate limit not applied")
	}

	p.UpdateRateLimit(nil)
	if p.GetRateLimitPerMinute() != nil {
		t.Error("Rate limit not cleared")
	}
	if p.IsRateLimited() {
		t.Error("Pool without a limiter must never report rate limited")
	}
}

func TestDrainStopsNewSubmits(t *testing.T) {
	p := NewProcessPool("drain-pool", 2, 10, nil, NewMockMediator(), NewMockCallback())
	p.Start()
	defer p.Shutdown()

	p.Drain()

	if p.Submit(&MessagePointer{ID: "late", MessageGroupID: "G"}) {
		t.Error("Submit after Drain should fail")
	}
	if !p.IsFullyDrained() {
		t.Error("Empty drained pool should report fully drained")
	}
}

func TestWorkerRestartAfterExit(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()
	p := NewProcessPool("restart-pool", 2, 10, nil, mediator, callback)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "first", MessageGroupID: "G"})
	waitFor(t, 2*time.Second, func() bool { return callback.GetAckCount() == 1 })

	// Simulate a dead worker: drop the liveness marker and submit again.
	p.groupWorkers.Delete("G")
	p.Submit(&MessagePointer{ID: "second", MessageGroupID: "G"})
	waitFor(t, 2*time.Second, func() bool { return callback.GetAckCount() == 2 })
}
