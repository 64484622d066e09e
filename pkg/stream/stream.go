// Package stream implements the edge stream state machine: the per-stream
// lifecycle that glues an application-level byte stream (entry side) or a
// BEGIN/RESOLVE relay command (exit side) to a circuit.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	torerrors "github.com/opd-ai/torrelay-edge/pkg/errors"
	"github.com/opd-ai/torrelay-edge/pkg/logger"
)

// State represents the current state of an edge stream.
//
// Entry-side streams progress SocksWait -> [RenddescWait] -> CircuitWait ->
// (ConnectWait | ResolveWait) -> Open -> Closed. Exit-side streams start in
// ResolveFailed (the default, general-purpose state for a freshly allocated
// exit stream) or move directly to Connecting, then to Open -> Closed.
type State int

const (
	// StateNew indicates the stream has been allocated but not yet classified
	// into an entry or exit role.
	StateNew State = iota
	// StateSocksWait indicates an entry stream is negotiating SOCKS with its
	// local application.
	StateSocksWait
	// StateRenddescWait indicates an entry stream is waiting on a hidden
	// service descriptor fetch before it can attach to a circuit.
	StateRenddescWait
	// StateCircuitWait indicates an entry stream is waiting for a suitable
	// circuit to attach to.
	StateCircuitWait
	// StateConnectWait indicates an entry stream has sent BEGIN and is
	// waiting for CONNECTED.
	StateConnectWait
	// StateResolveWait indicates an entry stream has sent RESOLVE and is
	// waiting for RESOLVED.
	StateResolveWait
	// StateResolveFailed is the default state of a freshly allocated exit
	// stream, before the DNS/connect stage resolves it one way or the other.
	StateResolveFailed
	// StateConnecting indicates an exit stream's outbound TCP connect (or
	// rendezvous-service bind) is in flight.
	StateConnecting
	// StateOpen indicates the stream is established and carrying data, on
	// either side.
	StateOpen
	// StateClosed indicates the stream has been torn down cleanly.
	StateClosed
	// StateFailed indicates the stream failed irrecoverably.
	StateFailed
)

// StateConnected is retained as an alias for StateOpen for callers written
// against the stream package's pre-edge-module vocabulary.
const StateConnected = StateOpen

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSocksWait:
		return "SOCKS_WAIT"
	case StateRenddescWait:
		return "RENDDESC_WAIT"
	case StateCircuitWait:
		return "CIRCUIT_WAIT"
	case StateConnectWait:
		return "CONNECT_WAIT"
	case StateResolveWait:
		return "RESOLVE_WAIT"
	case StateResolveFailed:
		return "RESOLVEFAILED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Role distinguishes which side of the overlay a stream terminates on.
type Role int

const (
	// RoleEntry is an application-proxy stream: local application on one
	// end, a circuit on the other.
	RoleEntry Role = iota
	// RoleExit is a relay-side stream: a circuit on one end, the public
	// Internet (or a rendezvous service port) on the other.
	RoleExit
)

func (r Role) String() string {
	if r == RoleExit {
		return "exit"
	}
	return "entry"
}

// END-cell reason codes live in pkg/cell (cell.EndReason): a stream's END
// cell is constructed by whichever orchestrator owns the circuit
// connection, not by this package.

// StreamWindowStart is the initial value (and ceiling) for a stream's
// package_window and deliver_window flow-control counters.
const StreamWindowStart = 500

// Stream represents a single edge stream multiplexed over a circuit.
type Stream struct {
	ID        uint16
	CircuitID uint32
	Target    string
	Port      uint16
	State     State
	CreatedAt time.Time

	sendQueue chan []byte
	recvQueue chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	logger    *logger.Logger

	role                 Role
	packageWindow        int
	deliverWindow        int
	hasSentEnd           bool
	holdOpenUntilFlushed bool
	lastRead             time.Time
	chosenExitName       string
	rendQuery            string
}

// NewStream creates a new entry-role stream. Exit-role streams (allocated
// from an inbound BEGIN/RESOLVE cell) should call SetRole(RoleExit)
// immediately after construction.
func NewStream(id uint16, circuitID uint32, target string, port uint16, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault()
	}

	now := time.Now()
	return &Stream{
		ID:            id,
		CircuitID:     circuitID,
		Target:        target,
		Port:          port,
		State:         StateNew,
		CreatedAt:     now,
		sendQueue:     make(chan []byte, 32),
		recvQueue:     make(chan []byte, 32),
		closeChan:     make(chan struct{}),
		logger:        log.Component("stream"),
		role:          RoleEntry,
		packageWindow: StreamWindowStart,
		deliverWindow: StreamWindowStart,
		lastRead:      now,
	}
}

// SetState updates the stream state.
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldState := s.State
	s.State = state
	s.logger.Debug("Stream state transition",
		"stream_id", s.ID,
		"old_state", oldState,
		"new_state", state)
}

// GetState returns the current stream state.
func (s *Stream) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetRole sets the stream's entry/exit role. Streams default to RoleEntry.
func (s *Stream) SetRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

// Role returns the stream's entry/exit role.
func (s *Stream) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// ChosenExitName returns the pinned-exit nickname requested for this stream
// (entry side, ".exit" suffix), or "" if none was requested.
func (s *Stream) ChosenExitName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chosenExitName
}

// RendQuery returns the hidden-service identifier requested for this stream
// (entry side, ".onion" destination), or "" if none was requested.
func (s *Stream) RendQuery() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rendQuery
}

// SetChosenExitName records a pinned-exit nickname for this stream. It
// refuses to set one while a rend_query is already present: the two are
// mutually exclusive.
func (s *Stream) SetChosenExitName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != "" && s.rendQuery != "" {
		return fmt.Errorf("stream %d: chosen_exit_name and rend_query are mutually exclusive", s.ID)
	}
	s.chosenExitName = name
	return nil
}

// SetRendQuery records a hidden-service identifier for this stream. It
// refuses to set one while a chosen_exit_name is already present.
func (s *Stream) SetRendQuery(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if query != "" && s.chosenExitName != "" {
		return fmt.Errorf("stream %d: chosen_exit_name and rend_query are mutually exclusive", s.ID)
	}
	s.rendQuery = query
	return nil
}

// HasSentEnd reports whether an END cell has already been emitted for this
// stream.
func (s *Stream) HasSentEnd() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasSentEnd
}

// MarkEnded records that an END cell is about to be emitted. It returns
// true the first time it is called for this stream and false on every
// subsequent call, enforcing the at-most-one-END invariant at the call
// site (the caller should only actually send the cell when ok is true).
func (s *Stream) MarkEnded() (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSentEnd {
		return false
	}
	s.hasSentEnd = true
	return true
}

// ResetForRetry clears has_sent_end and moves the stream back to
// CIRCUIT_WAIT so the entry-edge orchestrator can reattach it to a
// different circuit after an expire_beginning timeout. extra is added to
// the stream's last-read timestamp (the 15s grace period).
func (s *Stream) ResetForRetry(extra time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSentEnd = false
	s.State = StateCircuitWait
	s.lastRead = s.lastRead.Add(extra)
}

// Rebind moves an already-constructed stream onto a different circuit
// under a freshly allocated ID, used by the entry-edge orchestrator when
// expire_beginning detaches and retries a stream on a fresh circuit. The
// caller is responsible for updating Manager's byCircuit index (RemoveStream
// the old binding, AttachStream the new one).
func (s *Stream) Rebind(circuitID uint32, newID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CircuitID = circuitID
	s.ID = newID
}

// LastRead returns the timestamp of the stream's last inbound read,
// advanced by ResetForRetry and by Receive/ReceiveData.
func (s *Stream) LastRead() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRead
}

// SetHoldOpenUntilFlushed sets the flag instructing the reactor to drain any
// pending outbound bytes before releasing the stream during teardown.
func (s *Stream) SetHoldOpenUntilFlushed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdOpenUntilFlushed = v
}

// HoldOpenUntilFlushed reports whether the stream is waiting to drain its
// outbound buffer before being released.
func (s *Stream) HoldOpenUntilFlushed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdOpenUntilFlushed
}

// PackageWindow returns the current package_window (inbound bytes the
// stream may still package into outgoing relay cells).
func (s *Stream) PackageWindow() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packageWindow
}

// DeliverWindow returns the current deliver_window (relay cells the stream
// may still accept before requiring a SENDME from the far end).
func (s *Stream) DeliverWindow() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deliverWindow
}

// DecPackageWindow decrements package_window by one cell's worth of
// packaged data. It refuses to go below zero: callers must stop packaging
// once the window is exhausted and wait for a SENDME.
func (s *Stream) DecPackageWindow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packageWindow <= 0 {
		return torerrors.New(torerrors.CategoryProtocol, torerrors.SeverityMedium,
			fmt.Sprintf("stream %d: package_window exhausted", s.ID))
	}
	s.packageWindow--
	return nil
}

// IncPackageWindow replenishes package_window by n, clamped to
// StreamWindowStart, in response to an inbound SENDME.
func (s *Stream) IncPackageWindow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packageWindow += n
	if s.packageWindow > StreamWindowStart {
		s.packageWindow = StreamWindowStart
	}
}

// DecDeliverWindow decrements deliver_window by one delivered relay cell.
func (s *Stream) DecDeliverWindow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliverWindow <= 0 {
		return torerrors.New(torerrors.CategoryProtocol, torerrors.SeverityMedium,
			fmt.Sprintf("stream %d: deliver_window exhausted", s.ID))
	}
	s.deliverWindow--
	return nil
}

// IncDeliverWindow replenishes deliver_window by n, clamped to
// StreamWindowStart, when the stream emits a SENDME of its own.
func (s *Stream) IncDeliverWindow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverWindow += n
	if s.deliverWindow > StreamWindowStart {
		s.deliverWindow = StreamWindowStart
	}
}

// Send queues data to be sent on the stream.
func (s *Stream) Send(data []byte) error {
	if s.GetState() != StateOpen {
		return fmt.Errorf("stream not connected: state=%s", s.GetState())
	}

	select {
	case s.sendQueue <- data:
		return nil
	case <-s.closeChan:
		return io.EOF
	default:
		return fmt.Errorf("send queue full")
	}
}

// Receive reads data from the stream.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.recvQueue:
		s.touchLastRead()
		return data, nil
	case <-s.closeChan:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveData delivers received data to the stream (called by circuit layer).
func (s *Stream) ReceiveData(data []byte) error {
	select {
	case s.recvQueue <- data:
		s.touchLastRead()
		return nil
	case <-s.closeChan:
		return io.EOF
	default:
		return fmt.Errorf("receive queue full")
	}
}

// SendData retrieves data to be sent (called by circuit layer).
func (s *Stream) SendData(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.sendQueue:
		return data, nil
	case <-s.closeChan:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) touchLastRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRead = time.Now()
}

// Close closes the stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.SetState(StateClosed)
		s.logger.Info("Stream closed",
			"stream_id", s.ID,
			"circuit_id", s.CircuitID)
	})
	return nil
}

// Manager manages multiple streams across circuits, including per-circuit
// stream-ID allocation.
type Manager struct {
	streams   map[uint16]*Stream
	byCircuit map[uint32]map[uint16]*Stream
	nextIDs   map[uint32]uint16
	mu        sync.RWMutex
	logger    *logger.Logger
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewManager creates a new stream manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Manager{
		streams:   make(map[uint16]*Stream),
		byCircuit: make(map[uint32]map[uint16]*Stream),
		nextIDs:   make(map[uint32]uint16),
		logger:    log.Component("stream-manager"),
		closeChan: make(chan struct{}),
	}
}

// AllocateStreamID finds the next unused stream ID on circuitID by linear
// probing from the circuit's last-assigned ID, skipping 0 and any ID
// already attached to that circuit. It gives up after 2^16 probes: per
// protocol, the caller must then fail the stream and tear down the
// circuit, since stream-id space exhaustion is otherwise unrecoverable.
func (m *Manager) AllocateStreamID(circuitID uint32) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateStreamIDLocked(circuitID)
}

func (m *Manager) allocateStreamIDLocked(circuitID uint32) (uint16, error) {
	id := m.nextIDs[circuitID]
	inUse := m.byCircuit[circuitID]

	for attempts := 0; attempts < 1<<16; attempts++ {
		id++
		if id == 0 {
			id = 1
		}
		if inUse == nil || inUse[id] == nil {
			m.nextIDs[circuitID] = id
			return id, nil
		}
	}

	return 0, torerrors.New(torerrors.CategoryProtocol, torerrors.SeverityCritical,
		fmt.Sprintf("stream-id space exhausted on circuit %d", circuitID))
}

// CreateStream creates a new stream for a target, allocating its stream ID
// from the target circuit's own ID space.
func (m *Manager) CreateStream(circuitID uint32, target string, port uint16) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closeChan:
		return nil, fmt.Errorf("manager closed")
	default:
	}

	streamID, err := m.allocateStreamIDLocked(circuitID)
	if err != nil {
		return nil, err
	}

	stream := NewStream(streamID, circuitID, target, port, m.logger)
	m.streams[streamID] = stream
	if m.byCircuit[circuitID] == nil {
		m.byCircuit[circuitID] = make(map[uint16]*Stream)
	}
	m.byCircuit[circuitID][streamID] = stream

	m.logger.Info("Stream created",
		"stream_id", streamID,
		"circuit_id", circuitID,
		"target", target,
		"port", port)

	return stream, nil
}

// AttachStream registers an already-constructed stream under management,
// keyed by the ID and circuit it already carries. Used by the exit-edge
// orchestrator, where the stream ID comes from an inbound cell header
// rather than from AllocateStreamID.
func (m *Manager) AttachStream(s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closeChan:
		return fmt.Errorf("manager closed")
	default:
	}

	if _, exists := m.streams[s.ID]; exists {
		return fmt.Errorf("stream id %d already attached", s.ID)
	}

	m.streams[s.ID] = s
	if m.byCircuit[s.CircuitID] == nil {
		m.byCircuit[s.CircuitID] = make(map[uint16]*Stream)
	}
	m.byCircuit[s.CircuitID][s.ID] = s

	return nil
}

// GetStream retrieves a stream by ID.
func (m *Manager) GetStream(streamID uint16) (*Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return nil, fmt.Errorf("stream not found: %d", streamID)
	}

	return stream, nil
}

// RemoveStream removes a stream from management.
func (m *Manager) RemoveStream(streamID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return fmt.Errorf("stream not found: %d", streamID)
	}

	stream.Close()
	delete(m.streams, streamID)
	if circuitStreams := m.byCircuit[stream.CircuitID]; circuitStreams != nil {
		delete(circuitStreams, streamID)
		if len(circuitStreams) == 0 {
			delete(m.byCircuit, stream.CircuitID)
		}
	}

	m.logger.Info("Stream removed", "stream_id", streamID)

	return nil
}

// GetStreamsForCircuit returns all streams on a circuit.
func (m *Manager) GetStreamsForCircuit(circuitID uint32) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	circuitStreams := m.byCircuit[circuitID]
	streams := make([]*Stream, 0, len(circuitStreams))
	for _, stream := range circuitStreams {
		streams = append(streams, stream)
	}

	return streams
}

// Close closes all streams and the manager.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeChan)

		m.mu.Lock()
		defer m.mu.Unlock()

		for id, stream := range m.streams {
			// Best-effort close during shutdown - errors are logged by the stream itself
			stream.Close() // nolint:errcheck
			delete(m.streams, id)
		}
		m.byCircuit = make(map[uint32]map[uint16]*Stream)

		m.logger.Info("Stream manager closed")
	})

	return nil
}

// Count returns the number of active streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
