package modbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPortMutexExclusion: a held port blocks the next acquirer until
// release
func TestPortMutexExclusion(t *testing.T) {
	guard := newPortMutex()
	ctx := context.Background()

	if err := guard.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := guard.Acquire(ctx); err != nil {
			t.Errorf("Second acquire failed: %v", err)
			return
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Expected second acquire to block while held")
	case <-time.After(50 * time.Millisecond):
	}

	guard.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Expected second acquire to proceed after release")
	}
	guard.Release()
}

// TestPortMutexAcquireHonorsContext: a blocked acquirer gives up when
// its context ends
func TestPortMutexAcquireHonorsContext(t *testing.T) {
	guard := newPortMutex()
	if err := guard.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- guard.Acquire(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected cancelled acquire to return")
	}
	guard.Release()
}

// TestPortTransactionsSerialized: two devices daisy-chained on one
// port never overlap on the wire, however many callers pile in
func TestPortTransactionsSerialized(t *testing.T) {
	var inFlight, maxInFlight int32
	track := func() {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	fakes := map[byte]*fakeSession{}
	for _, slave := range []byte{1, 2} {
		f := newFakeSession()
		f.holding[0] = uint16(slave)
		f.onRead = track
		fakes[slave] = f
	}
	stubOpenSession(t, func(p serialParams) (session, error) {
		return fakes[p.SlaveID], nil
	})

	a := meterConfig() // slave 1 on ttyS2
	b := meterConfig()
	b.ID, b.Name, b.SlaveID = "dev_1_2", "Neighbour", 2
	m := newTestManager(t, a, b)
	ctx := context.Background()

	for _, id := range []string{"dev_1_1", "dev_1_2"} {
		if err := m.Connect(ctx, id); err != nil {
			t.Fatalf("Connect %s failed: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	req := ReadRequest{Register: 0, Count: 1, FunctionCode: 3}
	for i := 0; i < 8; i++ {
		id := "dev_1_1"
		if i%2 == 1 {
			id = "dev_1_2"
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := m.Read(ctx, id, req); err != nil {
					t.Errorf("Read %s failed: %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("Expected at most 1 in-flight transaction on the port, saw %d", got)
	}
}
