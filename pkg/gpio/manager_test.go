package gpio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"efio-gateway/pkg/health"
	"efio-gateway/pkg/state"
)

type fakeDOWrite struct {
	channel int
	value   int
}

// fakeLines is a scriptable stand-in for the periph.io line set
type fakeLines struct {
	mu       sync.Mutex
	inputs   [state.NumChannels]int
	readErr  error
	writeErr error
	reads    int
	writes   []fakeDOWrite
	closed   bool
}

func (f *fakeLines) ReadInputs() ([state.NumChannels]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return [state.NumChannels]int{}, f.readErr
	}
	return f.inputs, nil
}

func (f *fakeLines) WriteOutput(channel, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, fakeDOWrite{channel: channel, value: value})
	return nil
}

func (f *fakeLines) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLines) setInputs(vals [state.NumChannels]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = vals
}

func (f *fakeLines) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeLines) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeLines) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeLines) writesSeen() []fakeDOWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeDOWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeLines) clearWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

func (f *fakeLines) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func stubOpenLines(t *testing.T, fn func() (lines, error)) {
	t.Helper()
	orig := openLines
	openLines = fn
	t.Cleanup(func() { openLines = orig })
}

// newClaimedManager builds a manager with the fake claimed but no
// background tasks, so tests drive pollOnce and WriteOutput directly
func newClaimedManager(t *testing.T, fake *fakeLines) (*Manager, *state.IOState) {
	t.Helper()
	stubOpenLines(t, func() (lines, error) { return fake, nil })

	st := state.NewIOState()
	m := NewManager(st, health.NewRegistry())
	if err := m.reclaim(); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	fake.clearWrites()
	return m, st
}

func TestPollOnceReadsInputsIntoState(t *testing.T) {
	fake := &fakeLines{inputs: [state.NumChannels]int{1, 0, 1, 0}}
	m, st := newClaimedManager(t, fake)

	m.pollOnce()
	if got := st.GetDIAll(); got != [state.NumChannels]int{1, 0, 1, 0} {
		t.Errorf("Expected DI [1 0 1 0], got %v", got)
	}

	fake.setInputs([state.NumChannels]int{1, 1, 1, 0})
	m.pollOnce()
	if got := st.GetDIAll(); got != [state.NumChannels]int{1, 1, 1, 0} {
		t.Errorf("Expected DI [1 1 1 0], got %v", got)
	}
	if fake.readCount() != 2 {
		t.Errorf("Expected 2 hardware reads, got %d", fake.readCount())
	}
}

func TestPollOnceDegradesAfterRepeatedFailures(t *testing.T) {
	fake := &fakeLines{inputs: [state.NumChannels]int{0, 1, 1, 0}}
	m, st := newClaimedManager(t, fake)

	m.pollOnce()
	fake.fail(errors.New("read chip: i/o error"))

	// Four failures stay below the breaker threshold
	for i := 0; i < 4; i++ {
		m.pollOnce()
	}
	if st.GetSimulation() {
		t.Error("Expected hardware mode after 4 failures")
	}
	if got := m.Status().Breaker.Failures; got != 4 {
		t.Errorf("Expected 4 breaker failures, got %d", got)
	}

	// The fifth opens the breaker and drops to simulation mode
	m.pollOnce()
	if !st.GetSimulation() {
		t.Error("Expected simulation mode after 5 failures")
	}
	if got := m.Status().Breaker.State; got != "OPEN" {
		t.Errorf("Expected breaker OPEN, got %s", got)
	}

	// Last good input vector stays visible
	if got := st.GetDIAll(); got != [state.NumChannels]int{0, 1, 1, 0} {
		t.Errorf("Expected last good DI [0 1 1 0], got %v", got)
	}

	// Simulation mode leaves the hardware alone
	before := fake.readCount()
	m.pollOnce()
	if fake.readCount() != before {
		t.Error("Expected no hardware reads in simulation mode")
	}
}

func TestWriteOutputUpdatesStateBeforeHardware(t *testing.T) {
	fake := &fakeLines{}
	m, st := newClaimedManager(t, fake)

	if err := m.WriteOutput(2, 1); err != nil {
		t.Fatalf("WriteOutput failed: %v", err)
	}
	if got, _ := st.GetDO(2); got != 1 {
		t.Errorf("Expected DO2=1 in state, got %d", got)
	}
	writes := fake.writesSeen()
	if len(writes) != 1 || writes[0] != (fakeDOWrite{channel: 2, value: 1}) {
		t.Errorf("Expected hardware write {2 1}, got %v", writes)
	}
}

func TestWriteOutputFailureKeepsStateAndDegrades(t *testing.T) {
	fake := &fakeLines{}
	m, st := newClaimedManager(t, fake)
	fake.failWrites(errors.New("write chip: i/o error"))

	// The caller still sees success: state is the authoritative value
	if err := m.WriteOutput(1, 1); err != nil {
		t.Fatalf("Expected nil error on hardware write failure, got %v", err)
	}
	if got, _ := st.GetDO(1); got != 1 {
		t.Errorf("Expected DO1=1 kept in state, got %d", got)
	}
	if !st.GetSimulation() {
		t.Error("Expected simulation mode after write failure")
	}

	// Follow-up writes go to state only
	if err := m.WriteOutput(0, 1); err != nil {
		t.Fatalf("WriteOutput in simulation failed: %v", err)
	}
	if got, _ := st.GetDO(0); got != 1 {
		t.Errorf("Expected DO0=1 in state, got %d", got)
	}
	if got := fake.writesSeen(); len(got) != 0 {
		t.Errorf("Expected no recorded hardware writes, got %v", got)
	}
}

func TestWriteOutputWithoutHardwareKeepsState(t *testing.T) {
	fake := &fakeLines{}
	m, st := newClaimedManager(t, fake)

	// Release the lines without entering simulation mode, the window
	// Stop opens while shutting down
	m.mu.Lock()
	m.hw = nil
	m.mu.Unlock()

	if err := m.WriteOutput(1, 1); err != nil {
		t.Fatalf("WriteOutput without hardware failed: %v", err)
	}
	if got, _ := st.GetDO(1); got != 1 {
		t.Errorf("Expected DO1=1 in state, got %d", got)
	}
	if st.GetSimulation() {
		t.Error("Expected no downgrade to simulation mode")
	}
	if got := fake.writesSeen(); len(got) != 0 {
		t.Errorf("Expected no hardware writes, got %v", got)
	}
	if got := m.Status().Breaker.Failures; got != 0 {
		t.Errorf("Expected breaker untouched, got %d failures", got)
	}
}

func TestWriteOutputValidation(t *testing.T) {
	fake := &fakeLines{}
	m, _ := newClaimedManager(t, fake)

	if err := m.WriteOutput(state.NumChannels, 1); err == nil {
		t.Error("Expected error for channel out of range")
	}
	if err := m.WriteOutput(0, 2); err == nil {
		t.Error("Expected error for value out of range")
	}
	if got := fake.writesSeen(); len(got) != 0 {
		t.Errorf("Expected no hardware writes on invalid input, got %v", got)
	}
}

func TestStartFailureFallsBackToSimulation(t *testing.T) {
	stubOpenLines(t, func() (lines, error) {
		return nil, errors.New("gpiochip not present")
	})

	st := state.NewIOState()
	m := NewManager(st, health.NewRegistry())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if !st.GetSimulation() {
		t.Error("Expected simulation mode when the claim fails")
	}
	status := m.Status()
	if status.Claimed {
		t.Error("Expected hardware unclaimed")
	}
	if !status.Recovering {
		t.Error("Expected recovery task running")
	}

	// State still accepts writes
	if err := m.WriteOutput(3, 1); err != nil {
		t.Fatalf("WriteOutput in simulation failed: %v", err)
	}
	if got, _ := st.GetDO(3); got != 1 {
		t.Errorf("Expected DO3=1, got %d", got)
	}
}

func TestRecoveryReclaimsAndRestoresOutputs(t *testing.T) {
	if testing.Short() {
		t.Skip("recovery backoff timing")
	}

	first := &fakeLines{inputs: [state.NumChannels]int{1, 0, 0, 0}}
	second := &fakeLines{inputs: [state.NumChannels]int{1, 0, 0, 0}}
	var mu sync.Mutex
	claims := 0
	stubOpenLines(t, func() (lines, error) {
		mu.Lock()
		defer mu.Unlock()
		claims++
		if claims == 1 {
			return first, nil
		}
		return second, nil
	})

	st := state.NewIOState()
	m := NewManager(st, health.NewRegistry())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	// Break the hardware and wait for the poll loop to trip the breaker
	first.fail(errors.New("read chip: i/o error"))
	deadline := time.After(3 * time.Second)
	for !st.GetSimulation() {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for simulation mode")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Output written while degraded must reach the hardware on reclaim
	if err := m.WriteOutput(2, 1); err != nil {
		t.Fatalf("WriteOutput in simulation failed: %v", err)
	}

	deadline = time.After(5 * time.Second)
	for st.GetSimulation() {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for hardware recovery")
		case <-time.After(50 * time.Millisecond):
		}
	}

	mu.Lock()
	totalClaims := claims
	mu.Unlock()
	if totalClaims != 2 {
		t.Errorf("Expected 2 hardware claims, got %d", totalClaims)
	}
	if !first.isClosed() {
		t.Error("Expected broken line set closed")
	}

	restored := map[int]int{}
	for _, w := range second.writesSeen() {
		restored[w.channel] = w.value
	}
	if restored[2] != 1 {
		t.Errorf("Expected DO2=1 restored on reclaim, got writes %v", second.writesSeen())
	}

	status := m.Status()
	if status.Breaker.State != "CLOSED" || status.Breaker.Failures != 0 {
		t.Errorf("Expected breaker reset after reclaim, got %+v", status.Breaker)
	}
	if !status.Claimed {
		t.Error("Expected hardware claimed after recovery")
	}
}

func TestStopReleasesHardware(t *testing.T) {
	fake := &fakeLines{}
	stubOpenLines(t, func() (lines, error) { return fake, nil })

	st := state.NewIOState()
	m := NewManager(st, health.NewRegistry())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	m.Stop()

	if !fake.isClosed() {
		t.Error("Expected line set closed on stop")
	}
	// Second stop is a no-op
	m.Stop()
}
