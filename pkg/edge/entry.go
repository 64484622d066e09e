package edge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/torrelay-edge/pkg/cell"
	"github.com/opd-ai/torrelay-edge/pkg/circuit"
	"github.com/opd-ai/torrelay-edge/pkg/logger"
	"github.com/opd-ai/torrelay-edge/pkg/onion"
	"github.com/opd-ai/torrelay-edge/pkg/pool"
	"github.com/opd-ai/torrelay-edge/pkg/stream"
)

// ExpireBeginningTimeout and RendezvousGiveUpTimeout implement the 15s/45s
// retry rules for a stream stuck waiting on a BEGIN/RESOLVE reply.
const (
	ExpireBeginningTimeout  = 15 * time.Second
	RendezvousGiveUpTimeout = 45 * time.Second
)

// Target describes an entry stream's destination, already classified by
// whatever protocol front-end accepted it (pkg/socks today).
type Target struct {
	Host       string
	Port       uint16
	PinnedExit string        // non-empty for a ".exit"-suffixed request
	OnionAddr  *onion.Address // non-nil for a ".onion" request
	Isolation  *circuit.IsolationKey
}

func (t Target) isOnion() bool { return t.OnionAddr != nil }

// permanent reports whether a circuit-lookup failure for t can never be
// resolved by waiting for a new circuit to appear.
func (t Target) permanent() bool { return t.PinnedExit != "" || t.isOnion() }

type trackedStream struct {
	stream      *stream.Stream
	target      Target
	resolveOnly bool
}

type attachResult struct {
	stream *stream.Stream
	err    error
}

type pendingRequest struct {
	target      Target
	resolveOnly bool
	result      chan attachResult
}

// Entry is the entry-edge orchestrator: it attaches streams to circuits
// (pinned-exit match, onion-service dispatch, or isolation-aware pool
// acquisition), retries queued attachments on new-circuit events, and
// expires/retries streams that stall waiting for BEGIN/RESOLVE to resolve.
type Entry struct {
	mu       sync.Mutex
	circuits *circuit.Manager
	streams  *stream.Manager
	pool     *pool.CircuitPool
	onionCl  *onion.Client
	pending  []*pendingRequest
	attached map[uint16]*trackedStream
	log      *logger.Logger
}

// NewEntry builds an orchestrator around the circuit and stream managers
// shared with the rest of the client.
func NewEntry(circuits *circuit.Manager, streams *stream.Manager, log *logger.Logger) *Entry {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Entry{
		circuits: circuits,
		streams:  streams,
		attached: make(map[uint16]*trackedStream),
		log:      log.Component("edge-entry"),
	}
}

// SetCircuitPool wires a pre-built, isolation-aware circuit pool; without
// one, Attach falls back to scanning for any already-open circuit.
func (e *Entry) SetCircuitPool(p *pool.CircuitPool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool = p
}

// SetOnionClient wires the hidden-service client used for .onion targets.
func (e *Entry) SetOnionClient(c *onion.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onionCl = c
}

// Forget stops tracking a stream. Callers should call this once a stream
// reaches OPEN (it no longer needs expire_beginning) or is closed for good.
func (e *Entry) Forget(streamID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attached, streamID)
}

// OpenStream finds or waits for a circuit satisfying target, creates a
// stream bound to it, and sends the opening BEGIN (or RESOLVE, if
// resolveOnly) cell. If no circuit is available yet and target isn't
// pinned to an exit or onion address that will never materialize, it
// queues the request and blocks until AttachPendingSweep finds a circuit,
// or ctx is done.
func (e *Entry) OpenStream(ctx context.Context, target Target, resolveOnly bool) (*stream.Stream, error) {
	if circ, err := e.findCircuit(ctx, target); err == nil {
		return e.createAndSend(circ, target, resolveOnly)
	} else if target.permanent() {
		return nil, err
	}

	req := &pendingRequest{target: target, resolveOnly: resolveOnly, result: make(chan attachResult, 1)}
	e.mu.Lock()
	e.pending = append(e.pending, req)
	e.mu.Unlock()

	select {
	case res := <-req.result:
		return res.stream, res.err
	case <-ctx.Done():
		e.removePending(req)
		return nil, ctx.Err()
	}
}

func (e *Entry) findCircuit(ctx context.Context, target Target) (*circuit.Circuit, error) {
	if target.isOnion() {
		return e.acquireOnionCircuit(ctx, target)
	}
	if target.PinnedExit != "" {
		if circ := e.findCircuitByExitNickname(target.PinnedExit); circ != nil {
			return circ, nil
		}
		return nil, fmt.Errorf("entry: no open circuit pinned to exit %q", target.PinnedExit)
	}

	e.mu.Lock()
	p := e.pool
	e.mu.Unlock()
	if p != nil {
		return p.GetWithIsolation(ctx, target.Isolation)
	}
	return e.firstOpenCircuit()
}

func (e *Entry) acquireOnionCircuit(ctx context.Context, target Target) (*circuit.Circuit, error) {
	e.mu.Lock()
	oc := e.onionCl
	e.mu.Unlock()
	if oc == nil {
		return nil, fmt.Errorf("entry: no onion client configured for .onion destinations")
	}
	circuitID, err := oc.ConnectToOnionService(ctx, target.OnionAddr)
	if err != nil {
		return nil, fmt.Errorf("entry: rendezvous connect: %w", err)
	}
	return e.circuits.GetCircuit(circuitID)
}

func (e *Entry) findCircuitByExitNickname(nickname string) *circuit.Circuit {
	for _, id := range e.circuits.ListCircuits() {
		circ, err := e.circuits.GetCircuit(id)
		if err != nil || !circ.IsReady() {
			continue
		}
		if circ.ExitNickname() == nickname {
			return circ
		}
	}
	return nil
}

func (e *Entry) firstOpenCircuit() (*circuit.Circuit, error) {
	for _, id := range e.circuits.ListCircuits() {
		circ, err := e.circuits.GetCircuit(id)
		if err != nil {
			continue
		}
		if circ.IsReady() {
			return circ, nil
		}
	}
	return nil, fmt.Errorf("entry: no open circuit available")
}

func beginPayload(target Target) []byte {
	if target.isOnion() {
		return []byte(fmt.Sprintf(":%d\x00", target.Port))
	}
	return []byte(fmt.Sprintf("%s:%d\x00", target.Host, target.Port))
}

// createAndSend allocates a stream on circ and sends its opening relay
// cell, tracking the stream for expire_beginning until Forget is called.
func (e *Entry) createAndSend(circ *circuit.Circuit, target Target, resolveOnly bool) (*stream.Stream, error) {
	s, err := e.streams.CreateStream(circ.ID, target.Host, target.Port)
	if err != nil {
		return nil, err
	}

	cmd, nextState, payload := cell.RelayBegin, stream.StateConnectWait, beginPayload(target)
	if resolveOnly {
		cmd, nextState, payload = cell.RelayResolve, stream.StateResolveWait, []byte(target.Host+"\x00")
	}

	if err := circ.SendRelayCell(cell.NewRelayCell(s.ID, cmd, payload)); err != nil {
		_ = e.streams.RemoveStream(s.ID)
		return nil, err
	}
	s.SetState(nextState)

	e.mu.Lock()
	e.attached[s.ID] = &trackedStream{stream: s, target: target, resolveOnly: resolveOnly}
	e.mu.Unlock()

	return s, nil
}

func (e *Entry) removePending(req *pendingRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p == req {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// AttachPendingSweep retries every queued request, meant to be called on
// new-circuit events (a pool refill, a freshly-built circuit becoming
// ready). Requests that still can't find a circuit stay queued.
func (e *Entry) AttachPendingSweep(ctx context.Context) {
	e.mu.Lock()
	waiting := e.pending
	e.pending = nil
	e.mu.Unlock()

	var stillWaiting []*pendingRequest
	for _, req := range waiting {
		circ, err := e.findCircuit(ctx, req.target)
		if err != nil {
			stillWaiting = append(stillWaiting, req)
			continue
		}
		s, err := e.createAndSend(circ, req.target, req.resolveOnly)
		req.result <- attachResult{stream: s, err: err}
	}

	if len(stillWaiting) > 0 {
		e.mu.Lock()
		e.pending = append(e.pending, stillWaiting...)
		e.mu.Unlock()
	}
}

// ExpireBeginning implements the expire_beginning timeout-retry rule: for
// every stream stuck in RESOLVE_WAIT or CONNECT_WAIT whose circuit hasn't
// answered in ExpireBeginningTimeout, it either closes the stream (the
// circuit vanished, or a rendezvous circuit has waited past
// RendezvousGiveUpTimeout) or sends END(TIMEOUT), detaches, and retries on
// a fresh circuit.
func (e *Entry) ExpireBeginning(ctx context.Context) {
	e.mu.Lock()
	tracked := make([]*trackedStream, 0, len(e.attached))
	for _, t := range e.attached {
		tracked = append(tracked, t)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, t := range tracked {
		s := t.stream
		switch s.GetState() {
		case stream.StateResolveWait, stream.StateConnectWait:
		default:
			e.Forget(s.ID)
			continue
		}
		if now.Sub(s.LastRead()) < ExpireBeginningTimeout {
			continue
		}

		circ, err := e.circuits.GetCircuit(s.CircuitID)
		if err != nil {
			_ = s.Close()
			e.Forget(s.ID)
			continue
		}

		if circ.IsRendezvousJoined() && now.Sub(s.LastRead()) >= RendezvousGiveUpTimeout {
			e.sendTimeoutEnd(circ, s)
			_ = s.Close()
			e.Forget(s.ID)
			continue
		}

		e.retryOnFreshCircuit(ctx, circ, t)
	}
}

func (e *Entry) sendTimeoutEnd(circ *circuit.Circuit, s *stream.Stream) {
	if !s.MarkEnded() {
		return
	}
	_ = circ.SendRelayCell(cell.NewRelayCell(s.ID, cell.RelayEnd, []byte{byte(cell.EndReasonTimeout)}))
}

func (e *Entry) retryOnFreshCircuit(ctx context.Context, oldCirc *circuit.Circuit, t *trackedStream) {
	s := t.stream
	e.sendTimeoutEnd(oldCirc, s)
	s.ResetForRetry(ExpireBeginningTimeout)
	_ = e.streams.RemoveStream(s.ID)
	e.Forget(s.ID)

	newCirc, err := e.findCircuit(ctx, t.target)
	if err == nil && newCirc.ID == oldCirc.ID && !t.target.permanent() {
		// Prefer any other open circuit over the one that just timed out
		err = fmt.Errorf("entry: no open circuit other than %d", oldCirc.ID)
		for _, id := range e.circuits.ListCircuits() {
			if c, cerr := e.circuits.GetCircuit(id); cerr == nil && id != oldCirc.ID && c.IsReady() {
				newCirc, err = c, nil
				break
			}
		}
	}
	if err != nil {
		if t.target.permanent() {
			_ = s.Close()
			return
		}
		e.mu.Lock()
		e.pending = append(e.pending, &pendingRequest{target: t.target, resolveOnly: t.resolveOnly, result: make(chan attachResult, 1)})
		e.mu.Unlock()
		return
	}

	newID, err := e.streams.AllocateStreamID(newCirc.ID)
	if err != nil {
		_ = s.Close()
		return
	}
	s.Rebind(newCirc.ID, newID)
	if err := e.streams.AttachStream(s); err != nil {
		_ = s.Close()
		return
	}

	cmd, nextState, payload := cell.RelayBegin, stream.StateConnectWait, beginPayload(t.target)
	if t.resolveOnly {
		cmd, nextState, payload = cell.RelayResolve, stream.StateResolveWait, []byte(t.target.Host+"\x00")
	}
	if err := newCirc.SendRelayCell(cell.NewRelayCell(s.ID, cmd, payload)); err != nil {
		_ = s.Close()
		return
	}
	s.SetState(nextState)

	e.mu.Lock()
	e.attached[s.ID] = t
	e.mu.Unlock()
}
