package state

import (
	"sync"
	"testing"

	gwerrors "efio-gateway/pkg/errors"
)

// TestSetAndGetChannels tests basic DI/DO reads and writes
func TestSetAndGetChannels(t *testing.T) {
	s := NewIOState()

	if err := s.SetDI(0, 1); err != nil {
		t.Fatalf("SetDI failed: %v", err)
	}
	if err := s.SetDO(3, 1); err != nil {
		t.Fatalf("SetDO failed: %v", err)
	}

	di, err := s.GetDI(0)
	if err != nil || di != 1 {
		t.Errorf("Expected DI[0]=1, got %d (err=%v)", di, err)
	}
	do, err := s.GetDO(3)
	if err != nil || do != 1 {
		t.Errorf("Expected DO[3]=1, got %d (err=%v)", do, err)
	}

	all := s.GetDIAll()
	if all != [4]int{1, 0, 0, 0} {
		t.Errorf("Expected DI [1 0 0 0], got %v", all)
	}
}

// TestValidationRejectsBadInput tests channel and value range checks
func TestValidationRejectsBadInput(t *testing.T) {
	s := NewIOState()

	cases := []struct {
		name string
		err  error
	}{
		{"channel too high", s.SetDI(4, 0)},
		{"channel negative", s.SetDI(-1, 0)},
		{"value not binary", s.SetDI(0, 2)},
		{"do channel too high", s.SetDO(7, 1)},
		{"do value negative", s.SetDO(0, -1)},
		{"di_all wrong length", s.SetDIAll([]int{1, 0})},
		{"di_all bad value", s.SetDIAll([]int{1, 0, 3, 0})},
	}

	for _, tc := range cases {
		if tc.err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
			continue
		}
		if !gwerrors.IsValidation(tc.err) {
			t.Errorf("%s: expected ValidationError, got %T: %v", tc.name, tc.err, tc.err)
		}
	}

	if _, err := s.GetDI(9); !gwerrors.IsValidation(err) {
		t.Errorf("Expected ValidationError on GetDI(9), got %v", err)
	}
}

// TestSetDIAllAtomic tests that the whole vector is replaced in one step
func TestSetDIAllAtomic(t *testing.T) {
	s := NewIOState()

	if err := s.SetDIAll([]int{1, 0, 1, 1}); err != nil {
		t.Fatalf("SetDIAll failed: %v", err)
	}

	if got := s.GetDIAll(); got != [4]int{1, 0, 1, 1} {
		t.Errorf("Expected [1 0 1 1], got %v", got)
	}

	// A rejected vector must leave state untouched
	if err := s.SetDIAll([]int{0, 0, 0, 5}); err == nil {
		t.Error("Expected validation error")
	}
	if got := s.GetDIAll(); got != [4]int{1, 0, 1, 1} {
		t.Errorf("Expected state unchanged after rejected write, got %v", got)
	}
}

// TestNotifyOncePerDistinctChange tests subscriber delivery semantics
func TestNotifyOncePerDistinctChange(t *testing.T) {
	s := NewIOState()

	var mu sync.Mutex
	var changes []Change
	s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	_ = s.SetDI(0, 1) // distinct change
	_ = s.SetDI(0, 1) // same value: no notification
	_ = s.SetDI(0, 0) // distinct change
	_ = s.SetDO(2, 1) // distinct change

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 3 {
		t.Fatalf("Expected 3 notifications, got %d: %v", len(changes), changes)
	}
	if changes[0].Kind != ChangeDI || changes[0].Channel != 0 || changes[0].Value != 1 {
		t.Errorf("Unexpected first change: %+v", changes[0])
	}
	if changes[2].Kind != ChangeDO || changes[2].Channel != 2 || changes[2].Value != 1 {
		t.Errorf("Unexpected third change: %+v", changes[2])
	}
}

// TestSetDIAllNotifiesChangedChannelsOnly tests batch change detection
func TestSetDIAllNotifiesChangedChannelsOnly(t *testing.T) {
	s := NewIOState()
	_ = s.SetDIAll([]int{1, 0, 0, 0})

	var mu sync.Mutex
	count := 0
	s.Subscribe(func(c Change) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Channel 0 stays 1, channels 1 and 3 flip
	_ = s.SetDIAll([]int{1, 1, 0, 1})

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("Expected 2 notifications, got %d", count)
	}
}

// TestListenerMayReadState tests that callbacks run outside the state lock
func TestListenerMayReadState(t *testing.T) {
	s := NewIOState()

	var snapshot Snapshot
	s.Subscribe(func(c Change) {
		snapshot = s.Snapshot() // would deadlock if fired under the lock
	})

	_ = s.SetDO(1, 1)

	if snapshot.DO[1] != 1 {
		t.Errorf("Expected listener to observe DO[1]=1, got %v", snapshot.DO)
	}
}

// TestSimulationFlags tests the GPIO and OLED simulation flags
func TestSimulationFlags(t *testing.T) {
	s := NewIOState()

	if s.GetSimulation() {
		t.Error("Expected simulation off initially")
	}
	s.SetSimulation(true)
	if !s.GetSimulation() {
		t.Error("Expected simulation on")
	}

	s.SetSimulationOLED(true)
	if !s.GetSimulationOLED() {
		t.Error("Expected OLED simulation on")
	}
	if !s.Snapshot().SimulationOLED {
		t.Error("Expected snapshot to carry OLED flag")
	}
}

// TestModbusSummary tests key-value summary updates
func TestModbusSummary(t *testing.T) {
	s := NewIOState()

	s.SetModbusSummary("last_register", 0x2000)
	s.SetModbusSummary("last_value", 42)

	summary := s.GetModbusSummary()
	if summary["last_register"] != 0x2000 {
		t.Errorf("Expected last_register 0x2000, got %v", summary["last_register"])
	}
	if summary["slave_id"] != 1 {
		t.Errorf("Expected default slave_id 1, got %v", summary["slave_id"])
	}

	// Returned map is a copy
	summary["slave_id"] = 99
	if s.GetModbusSummary()["slave_id"] != 1 {
		t.Error("Expected summary mutation to not affect state")
	}
}

// TestStatsCounting tests read/write counters
func TestStatsCounting(t *testing.T) {
	s := NewIOState()

	_, _ = s.GetDI(0)
	s.GetDIAll()
	_ = s.SetDI(0, 1)
	_ = s.SetDIAll([]int{0, 0, 0, 0})
	_ = s.SetDO(0, 1)

	stats := s.Stats()
	if stats.DIReads != 2 {
		t.Errorf("Expected 2 DI reads, got %d", stats.DIReads)
	}
	if stats.DIWrites != 5 { // 1 single + 4 batch
		t.Errorf("Expected 5 DI writes, got %d", stats.DIWrites)
	}
	if stats.DOWrites != 1 {
		t.Errorf("Expected 1 DO write, got %d", stats.DOWrites)
	}

	s.ResetStats()
	if s.Stats().DIWrites != 0 {
		t.Error("Expected counters cleared after reset")
	}
}

// TestTxnAtomicBatch tests the scoped critical section
func TestTxnAtomicBatch(t *testing.T) {
	s := NewIOState()
	_ = s.SetDIAll([]int{1, 0, 1, 0})

	var notified []Change
	s.Subscribe(func(c Change) { notified = append(notified, c) })

	// Mirror DIs onto DOs in one atomic step
	err := s.Txn(func(v *View) error {
		for ch := 0; ch < NumChannels; ch++ {
			di, err := v.DI(ch)
			if err != nil {
				return err
			}
			if err := v.SetDO(ch, di); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Txn failed: %v", err)
	}

	if got := s.GetDOAll(); got != [4]int{1, 0, 1, 0} {
		t.Errorf("Expected DO mirror [1 0 1 0], got %v", got)
	}
	// DO0 and DO2 changed; notifications fire after the lock is released
	if len(notified) != 2 {
		t.Errorf("Expected 2 notifications from transaction, got %d", len(notified))
	}
}

// TestConcurrentAccess hammers the state from many goroutines
func TestConcurrentAccess(t *testing.T) {
	s := NewIOState()
	s.Subscribe(func(c Change) {})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.SetDI(n%4, j%2)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Snapshot()
				s.GetDOAll()
			}
		}()
	}
	wg.Wait()

	// Every observed vector must contain only binary values
	snap := s.Snapshot()
	for ch, v := range snap.DI {
		if v != 0 && v != 1 {
			t.Errorf("DI[%d] corrupted: %d", ch, v)
		}
	}
}
