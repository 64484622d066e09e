package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/opd-ai/torrelay-edge/pkg/logger"
)

func TestNewStream(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)

	if stream.ID != 1 {
		t.Errorf("Expected stream ID 1, got %d", stream.ID)
	}
	if stream.CircuitID != 100 {
		t.Errorf("Expected circuit ID 100, got %d", stream.CircuitID)
	}
	if stream.Target != "example.com" {
		t.Errorf("Expected target example.com, got %s", stream.Target)
	}
	if stream.Port != 80 {
		t.Errorf("Expected port 80, got %d", stream.Port)
	}
	if stream.State != StateNew {
		t.Errorf("Expected state NEW, got %s", stream.State)
	}
	if stream.Role() != RoleEntry {
		t.Errorf("Expected default role entry, got %s", stream.Role())
	}
	if stream.PackageWindow() != StreamWindowStart {
		t.Errorf("Expected package_window %d, got %d", StreamWindowStart, stream.PackageWindow())
	}
	if stream.DeliverWindow() != StreamWindowStart {
		t.Errorf("Expected deliver_window %d, got %d", StreamWindowStart, stream.DeliverWindow())
	}
	if stream.HasSentEnd() {
		t.Error("Expected has_sent_end false on a new stream")
	}
}

func TestStreamStateTransitions(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)

	states := []State{
		StateSocksWait, StateCircuitWait, StateConnectWait, StateOpen, StateClosed,
	}
	for _, state := range states {
		stream.SetState(state)
		if stream.GetState() != state {
			t.Errorf("Expected state %s, got %s", state, stream.GetState())
		}
	}
}

func TestStreamSendReceive(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)
	stream.SetState(StateOpen)

	testData := []byte("Hello, Tor!")

	// Test send
	if err := stream.Send(testData); err != nil {
		t.Fatalf("Failed to send data: %v", err)
	}

	// Test receive from send queue (simulating circuit layer)
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	data, err := stream.SendData(ctx)
	if err != nil {
		t.Fatalf("Failed to receive from send queue: %v", err)
	}

	if string(data) != string(testData) {
		t.Errorf("Expected data %s, got %s", testData, data)
	}
}

func TestStreamReceiveData(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)
	stream.SetState(StateOpen)

	testData := []byte("Data from circuit")

	// Simulate circuit layer delivering data
	if err := stream.ReceiveData(testData); err != nil {
		t.Fatalf("Failed to deliver data: %v", err)
	}

	// Application receives data
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	before := stream.LastRead()
	data, err := stream.Receive(ctx)
	if err != nil {
		t.Fatalf("Failed to receive data: %v", err)
	}

	if string(data) != string(testData) {
		t.Errorf("Expected data %s, got %s", testData, data)
	}
	if !stream.LastRead().After(before) && !stream.LastRead().Equal(before) {
		t.Error("Expected last-read timestamp to advance on Receive")
	}
}

func TestStreamSendBeforeConnected(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)

	// Try to send before connected
	err := stream.Send([]byte("data"))
	if err == nil {
		t.Error("Expected error when sending on non-connected stream")
	}
}

func TestStreamClose(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)
	stream.SetState(StateOpen)

	// Close stream
	if err := stream.Close(); err != nil {
		t.Fatalf("Failed to close stream: %v", err)
	}

	if stream.GetState() != StateClosed {
		t.Errorf("Expected state CLOSED, got %s", stream.GetState())
	}

	// Try to receive after close
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := stream.Receive(ctx)
	if err != io.EOF {
		t.Errorf("Expected EOF after close, got %v", err)
	}
}

func TestMarkEndedIsOnceOnly(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)

	if ok := stream.MarkEnded(); !ok {
		t.Fatal("Expected first MarkEnded call to report true")
	}
	if !stream.HasSentEnd() {
		t.Error("Expected has_sent_end true after MarkEnded")
	}
	if ok := stream.MarkEnded(); ok {
		t.Error("Expected second MarkEnded call to report false")
	}
}

func TestResetForRetry(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)
	stream.SetState(StateConnectWait)
	stream.MarkEnded()

	before := stream.LastRead()
	stream.ResetForRetry(15 * time.Second)

	if stream.GetState() != StateCircuitWait {
		t.Errorf("Expected state CIRCUIT_WAIT after retry reset, got %s", stream.GetState())
	}
	if stream.HasSentEnd() {
		t.Error("Expected has_sent_end cleared after retry reset")
	}
	if !stream.LastRead().Equal(before.Add(15 * time.Second)) {
		t.Errorf("Expected last-read bumped by 15s, got %v (was %v)", stream.LastRead(), before)
	}
}

func TestChosenExitNameAndRendQueryMutuallyExclusive(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)

	if err := stream.SetChosenExitName("relay1"); err != nil {
		t.Fatalf("Failed to set chosen exit name: %v", err)
	}
	if err := stream.SetRendQuery("abcdefghij234567"); err == nil {
		t.Error("Expected error setting rend_query when chosen_exit_name is already set")
	}

	stream2 := NewStream(2, 100, "abcdefghij234567.onion", 80, log)
	if err := stream2.SetRendQuery("abcdefghij234567"); err != nil {
		t.Fatalf("Failed to set rend_query: %v", err)
	}
	if err := stream2.SetChosenExitName("relay1"); err == nil {
		t.Error("Expected error setting chosen_exit_name when rend_query is already set")
	}
}

func TestFlowControlWindows(t *testing.T) {
	log := logger.NewDefault()
	stream := NewStream(1, 100, "example.com", 80, log)

	for i := 0; i < StreamWindowStart; i++ {
		if err := stream.DecPackageWindow(); err != nil {
			t.Fatalf("Unexpected error decrementing package_window at %d: %v", i, err)
		}
	}
	if stream.PackageWindow() != 0 {
		t.Fatalf("Expected package_window 0, got %d", stream.PackageWindow())
	}
	if err := stream.DecPackageWindow(); err == nil {
		t.Error("Expected error decrementing an exhausted package_window")
	}

	stream.IncPackageWindow(1000)
	if stream.PackageWindow() != StreamWindowStart {
		t.Errorf("Expected package_window clamped to %d, got %d", StreamWindowStart, stream.PackageWindow())
	}
}

func TestNewManager(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	if mgr == nil {
		t.Fatal("Expected manager to be created")
	}

	if mgr.Count() != 0 {
		t.Errorf("Expected 0 streams, got %d", mgr.Count())
	}
}

func TestManagerCreateStream(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	stream, err := mgr.CreateStream(100, "example.com", 80)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	if stream.ID == 0 {
		t.Error("Expected non-zero stream ID")
	}

	if mgr.Count() != 1 {
		t.Errorf("Expected 1 stream, got %d", mgr.Count())
	}
}

func TestManagerGetStream(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	stream1, err := mgr.CreateStream(100, "example.com", 80)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	stream2, err := mgr.GetStream(stream1.ID)
	if err != nil {
		t.Fatalf("Failed to get stream: %v", err)
	}

	if stream1.ID != stream2.ID {
		t.Errorf("Expected same stream, got IDs %d and %d", stream1.ID, stream2.ID)
	}
}

func TestManagerGetNonExistentStream(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	_, err := mgr.GetStream(999)
	if err == nil {
		t.Error("Expected error when getting non-existent stream")
	}
}

func TestManagerRemoveStream(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	stream, err := mgr.CreateStream(100, "example.com", 80)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	if err := mgr.RemoveStream(stream.ID); err != nil {
		t.Fatalf("Failed to remove stream: %v", err)
	}

	if mgr.Count() != 0 {
		t.Errorf("Expected 0 streams after removal, got %d", mgr.Count())
	}
}

func TestManagerGetStreamsForCircuit(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	// Create streams on different circuits
	mgr.CreateStream(100, "example1.com", 80)
	mgr.CreateStream(100, "example2.com", 443)
	mgr.CreateStream(200, "example3.com", 80)

	streams := mgr.GetStreamsForCircuit(100)
	if len(streams) != 2 {
		t.Errorf("Expected 2 streams on circuit 100, got %d", len(streams))
	}

	streams = mgr.GetStreamsForCircuit(200)
	if len(streams) != 1 {
		t.Errorf("Expected 1 stream on circuit 200, got %d", len(streams))
	}
}

func TestManagerClose(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	// Create some streams
	mgr.CreateStream(100, "example1.com", 80)
	mgr.CreateStream(100, "example2.com", 443)

	// Close manager
	if err := mgr.Close(); err != nil {
		t.Fatalf("Failed to close manager: %v", err)
	}

	// Should not be able to create streams after close
	_, err := mgr.CreateStream(100, "example3.com", 80)
	if err == nil {
		t.Error("Expected error when creating stream after manager closed")
	}
}

func TestManagerConcurrentOperations(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	// Create streams concurrently
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(n int) {
			_, err := mgr.CreateStream(uint32(n%3), "example.com", 80)
			if err != nil {
				t.Errorf("Failed to create stream: %v", err)
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	if mgr.Count() != 10 {
		t.Errorf("Expected 10 streams, got %d", mgr.Count())
	}
}

func TestManagerStreamIDAllocationSkipsInUse(t *testing.T) {
	log := logger.NewDefault()
	mgr := NewManager(log)

	s1, err := mgr.CreateStream(100, "a.example.com", 80)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}
	s2, err := mgr.CreateStream(100, "b.example.com", 80)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}
	if s1.ID == s2.ID {
		t.Fatalf("Expected distinct stream IDs on the same circuit, got %d twice", s1.ID)
	}
	if s1.ID == 0 || s2.ID == 0 {
		t.Error("Stream-id allocation must never hand out 0")
	}

	// A stream on a different circuit is free to reuse numerically-small IDs;
	// allocation is per circuit, not global.
	s3, err := mgr.CreateStream(200, "c.example.com", 80)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}
	if s3.ID == 0 {
		t.Error("Stream-id allocation must never hand out 0")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateNew, "NEW"},
		{StateSocksWait, "SOCKS_WAIT"},
		{StateRenddescWait, "RENDDESC_WAIT"},
		{StateCircuitWait, "CIRCUIT_WAIT"},
		{StateConnectWait, "CONNECT_WAIT"},
		{StateResolveWait, "RESOLVE_WAIT"},
		{StateResolveFailed, "RESOLVEFAILED"},
		{StateConnecting, "CONNECTING"},
		{StateOpen, "OPEN"},
		{StateClosed, "CLOSED"},
		{StateFailed, "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.state.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.state.String())
			}
		})
	}
}

func TestRoleString(t *testing.T) {
	if RoleEntry.String() != "entry" {
		t.Errorf("Expected entry, got %s", RoleEntry.String())
	}
	if RoleExit.String() != "exit" {
		t.Errorf("Expected exit, got %s", RoleExit.String())
	}
}
