// End-to-end tests for the consumer side of the dispatch pipeline: broker
// (embedded queue) -> consumer -> queue manager -> process pool -> HTTP
// mediator -> webhook target.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue/sqlite"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
)

// recordingWebhook collects delivered job ids in arrival order.
type recordingWebhook struct {
	mu       sync.Mutex
	received []string
	server   *httptest.Server
}

func newRecordingWebhook(status int) *recordingWebhook {
	w := &recordingWebhook{}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.received = append(w.received, r.Header.Get("X-FlowCatalyst-ID"))
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	return w
}

func (w *recordingWebhook) Received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.received...)
}

func (w *recordingWebhook) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.received)
}

func openTestQueue(t *testing.T) *sqlite.Client {
	t.Helper()
	client, err := sqlite.NewClient(sqlite.Config{
		Path:                     filepath.Join(t.TempDir(), "dispatch-queue.db"),
		DefaultVisibilityTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("open embedded queue: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func publishEnvelope(t *testing.T, client *sqlite.Client, id, group, target string) {
	t.Helper()
	envelope := model.MessagePointer{
		ID:              id,
		PoolCode:        "DEFAULT-POOL",
		AuthToken:       "token-" + id,
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: target,
		MessageGroupID:  group,
	}
	data, err := json.Marshal(&envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if ok, errMsg := client.Publisher().PublishEnvelope(context.Background(), group, data, id); !ok {
		t.Fatalf("publish envelope %s: %s", id, errMsg)
	}
}

func startTestRouter(t *testing.T, client *sqlite.Client) *manager.Router {
	t.Helper()
	consumer, err := client.CreateConsumer(context.Background(), "test-consumer", "")
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}

	mediatorCfg := &mediator.HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BaseBackoff: 10 * time.Millisecond,
	}
	router := manager.NewRouter(consumer, mediatorCfg)
	router.Start()
	t.Cleanup(router.Stop)
	return router
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestEndToEndSingleGroupFIFO(t *testing.T) {
	webhook := newRecordingWebhook(http.StatusOK)
	defer webhook.server.Close()

	client := openTestQueue(t)

	ids := []string{"job-a", "job-b", "job-c", "job-d", "job-e"}
	for _, id := range ids {
		publishEnvelope(t, client, id, "group-1", webhook.server.URL)
	}

	startTestRouter(t, client)

	if !waitUntil(t, 10*time.Second, func() bool { return webhook.Count() == len(ids) }) {
		t.Fatalf("expected %d deliveries, got %d", len(ids), webhook.Count())
	}

	got := webhook.Received()
	for i, id := range ids {
		if got[i] != id {
			t.Errorf("delivery %d: expected %s, got %s", i, id, got[i])
		}
	}

	// Every delivery was acked: the queue ends empty.
	if !waitUntil(t, 5*time.Second, func() bool {
		m, err := client.QueryMetrics(context.Background())
		return err == nil && m.Pending == 0 && m.Invisible == 0
	}) {
		t.Error("queue not empty after all deliveries acked")
	}
}

func TestEndToEndCrossGroupDelivery(t *testing.T) {
	webhook := newRecordingWebhook(http.StatusOK)
	defer webhook.server.Close()

	client := openTestQueue(t)

	groups := []string{"g1", "g2", "g3", "g4", "g5"}
	for _, g := range groups {
		publishEnvelope(t, client, "job-"+g, g, webhook.server.URL)
	}

	startTestRouter(t, client)

	if !waitUntil(t, 10*time.Second, func() bool { return webhook.Count() == len(groups) }) {
		t.Fatalf("expected %d deliveries, got %d", len(groups), webhook.Count())
	}

	delivered := make(map[string]bool)
	for _, id := range webhook.Received() {
		delivered[id] = true
	}
	for _, g := range groups {
		if !delivered["job-"+g] {
			t.Errorf("missing delivery for group %s", g)
		}
	}
}

func TestEndToEndPoisonMessageAcked(t *testing.T) {
	webhook := newRecordingWebhook(http.StatusOK)
	defer webhook.server.Close()

	client := openTestQueue(t)

	// A body that is not a JSON envelope must be acked away, not retried.
	if ok, errMsg := client.Publisher().PublishEnvelope(context.Background(), "g", []byte("not json"), "poison-1"); !ok {
		t.Fatalf("publish poison: %s", errMsg)
	}
	publishEnvelope(t, client, "job-ok", "g", webhook.server.URL)

	startTestRouter(t, client)

	if !waitUntil(t, 10*time.Second, func() bool { return webhook.Count() == 1 }) {
		t.Fatalf("expected 1 delivery, got %d", webhook.Count())
	}

	if !waitUntil(t, 5*time.Second, func() bool {
		m, err := client.QueryMetrics(context.Background())
		return err == nil && m.Pending == 0 && m.Invisible == 0
	}) {
		t.Error("poison message was not acked away")
	}
}

func TestEndToEndPoolDeliveryAfterConfig(t *testing.T) {
	webhook := newRecordingWebhook(http.StatusOK)
	defer webhook.server.Close()

	client := openTestQueue(t)

	router := startTestRouter(t, client)
	rate := 600
	router.Manager().ApplyPoolConfigs([]manager.PoolConfig{
		{Code: "DEFAULT-POOL", Concurrency: 4, QueueCapacity: 50, RateLimitPerMinute: &rate},
	})

	for i := 0; i < 8; i++ {
		publishEnvelope(t, client, "job-"+string(rune('a'+i)), "g", webhook.server.URL)
	}

	if !waitUntil(t, 10*time.Second, func() bool { return webhook.Count() == 8 }) {
		t.Fatalf("expected 8 deliveries, got %d", webhook.Count())
	}
}
