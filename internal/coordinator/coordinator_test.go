package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cis-filesearch/worker/internal/pipeline"
	"github.com/cis-filesearch/worker/internal/workqueue"
)

var testLogger = slog.New(slog.DiscardHandler)

type mockReceiver struct {
	receiveFunc func(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error)

	mu    sync.Mutex
	calls int
}

func (m *mockReceiver) ReceiveBatch(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.receiveFunc != nil {
		return m.receiveFunc(ctx, maxItems, waitSeconds)
	}
	return nil, nil
}

func (m *mockReceiver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockProcessor struct {
	processFunc func(ctx context.Context, item workqueue.WorkItem) pipeline.Result

	mu        sync.Mutex
	processed []string
}

func (m *mockProcessor) Process(ctx context.Context, item workqueue.WorkItem) pipeline.Result {
	m.mu.Lock()
	m.processed = append(m.processed, item.ItemID)
	m.mu.Unlock()
	if m.processFunc != nil {
		return m.processFunc(ctx, item)
	}
	return pipeline.Result{ItemID: item.ItemID, Status: pipeline.StatusIndexed}
}

func (m *mockProcessor) processedItems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.processed...)
}

func testConfig() Config {
	return Config{
		WorkerCount:        2,
		ReceiveBatchSize:   10,
		ReceiveWaitSeconds: 0,
		DrainTimeout:       5 * time.Second,
	}
}

func TestRun_ProcessesReceivedItems(t *testing.T) {
	var sent atomic.Bool
	recv := &mockReceiver{
		receiveFunc: func(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error) {
			if sent.CompareAndSwap(false, true) {
				return []workqueue.WorkItem{
					{ItemID: "a"}, {ItemID: "b"}, {ItemID: "c"},
				}, nil
			}
			return nil, nil
		},
	}
	proc := &mockProcessor{}

	c, err := New(recv, proc, testConfig(), testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(proc.processedItems()) == 3 })
	cancel()
	<-done

	received, indexed, _, _ := c.Snapshot()
	if received != 3 {
		t.Errorf("received = %d, want 3", received)
	}
	if indexed != 3 {
		t.Errorf("indexed = %d, want 3", indexed)
	}
}

func TestRun_DrainStopsReceiving(t *testing.T) {
	recv := &mockReceiver{}
	proc := &mockProcessor{}

	c, err := New(recv, proc, testConfig(), testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return recv.callCount() > 0 })
	c.Drain()
	<-done

	// The loop must have exited without cancelling the root context.
	callsAtDrain := recv.callCount()
	time.Sleep(50 * time.Millisecond)
	if recv.callCount() != callsAtDrain {
		t.Errorf("receive calls continued after drain")
	}
}

func TestRun_DrainWaitsForInflightItems(t *testing.T) {
	release := make(chan struct{})
	var sent atomic.Bool
	recv := &mockReceiver{
		receiveFunc: func(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error) {
			if sent.CompareAndSwap(false, true) {
				return []workqueue.WorkItem{{ItemID: "slow"}}, nil
			}
			return nil, nil
		},
	}
	var finished atomic.Bool
	proc := &mockProcessor{
		processFunc: func(ctx context.Context, item workqueue.WorkItem) pipeline.Result {
			<-release
			finished.Store(true)
			return pipeline.Result{ItemID: item.ItemID, Status: pipeline.StatusIndexed}
		},
	}

	c, err := New(recv, proc, testConfig(), testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return len(proc.processedItems()) == 1 })
	c.Drain()

	select {
	case <-done:
		t.Fatal("Run returned while an item was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-done

	if !finished.Load() {
		t.Error("in-flight item did not finish before Run returned")
	}
}

func TestRun_DrainIsIdempotent(t *testing.T) {
	c, err := New(&mockReceiver{}, &mockProcessor{}, testConfig(), testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	c.Drain()
	c.Drain()
	c.Drain()
	<-done
}

func TestRun_ReceiveErrorBacksOffAndContinues(t *testing.T) {
	var calls atomic.Int32
	recv := &mockReceiver{
		receiveFunc: func(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("sqs unavailable")
			}
			return []workqueue.WorkItem{{ItemID: "after-error"}}, nil
		},
	}
	proc := &mockProcessor{}

	c, err := New(recv, proc, testConfig(), testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return len(proc.processedItems()) >= 1 })
	c.Drain()
	<-done

	if got := proc.processedItems(); len(got) == 0 || got[0] != "after-error" {
		t.Errorf("processed = %v, want [after-error ...]", got)
	}
}

func TestRun_OutcomeCounters(t *testing.T) {
	var sent atomic.Bool
	recv := &mockReceiver{
		receiveFunc: func(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error) {
			if sent.CompareAndSwap(false, true) {
				return []workqueue.WorkItem{
					{ItemID: "ok"}, {ItemID: "retry"}, {ItemID: "dead"},
				}, nil
			}
			return nil, nil
		},
	}
	proc := &mockProcessor{
		processFunc: func(ctx context.Context, item workqueue.WorkItem) pipeline.Result {
			switch item.ItemID {
			case "retry":
				return pipeline.Result{Status: pipeline.StatusRetry}
			case "dead":
				return pipeline.Result{Status: pipeline.StatusDeadLettered}
			}
			return pipeline.Result{Status: pipeline.StatusIndexed}
		},
	}

	c, err := New(recv, proc, testConfig(), testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return len(proc.processedItems()) == 3 })
	c.Drain()
	<-done

	received, indexed, retried, deadLettered := c.Snapshot()
	if received != 3 || indexed != 1 || retried != 1 || deadLettered != 1 {
		t.Errorf("counters = %d/%d/%d/%d, want 3/1/1/1",
			received, indexed, retried, deadLettered)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
