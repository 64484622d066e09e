// Package socks implements the client-facing SOCKS4, SOCKS4a and SOCKS5
// proxy server: it negotiates a destination with the local application,
// attaches a circuit (isolated per Config), opens an edge stream on it, and
// pumps bytes between the two until either side closes.
//
// It also implements Tor's RESOLVE/RESOLVE_PTR extension to both SOCKS4a
// (command 0xF0) and SOCKS5 (command byte 0xF0/0xF1 in the request), which
// lets a client resolve a hostname through the circuit instead of opening a
// connect stream.
package socks

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torrelay-edge/pkg/cell"
	"github.com/opd-ai/torrelay-edge/pkg/circuit"
	"github.com/opd-ai/torrelay-edge/pkg/classify"
	"github.com/opd-ai/torrelay-edge/pkg/dnscache"
	"github.com/opd-ai/torrelay-edge/pkg/edge"
	"github.com/opd-ai/torrelay-edge/pkg/logger"
	"github.com/opd-ai/torrelay-edge/pkg/onion"
	"github.com/opd-ai/torrelay-edge/pkg/pool"
	"github.com/opd-ai/torrelay-edge/pkg/stream"
)

// Config controls isolation and resource limits for a Server.
type Config struct {
	MaxConnections      int
	IsolationLevel      circuit.IsolationLevel
	IsolateDestinations bool
	IsolateSOCKSAuth    bool
	IsolateClientPort   bool
}

// DefaultConfig returns the Config a plain NewServer uses.
func DefaultConfig() *Config {
	return &Config{
		MaxConnections: 1000,
		IsolationLevel: circuit.IsolationNone,
	}
}

// Server accepts SOCKS connections and attaches them to circuits.
type Server struct {
	addr        string
	circuitMgr  *circuit.Manager
	circuitPool *pool.CircuitPool
	onionClient *onion.Client
	dnsCache    *dnscache.Cache
	config      *Config
	logger      *logger.Logger

	streams *stream.Manager
	entry   *edge.Entry

	mu       sync.Mutex
	listener net.Listener
	conns    int32

	wg sync.WaitGroup
}

// NewServer creates a Server with the default Config.
func NewServer(addr string, circuitMgr *circuit.Manager, log *logger.Logger) *Server {
	return NewServerWithConfig(addr, circuitMgr, log, DefaultConfig())
}

// NewServerWithConfig creates a Server with an explicit Config.
func NewServerWithConfig(addr string, circuitMgr *circuit.Manager, log *logger.Logger, cfg *Config) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	streams := stream.NewManager(log)
	return &Server{
		addr:       addr,
		circuitMgr: circuitMgr,
		dnsCache:   dnscache.New(),
		config:     cfg,
		logger:     log.Component("socks"),
		streams:    streams,
		entry:      edge.NewEntry(circuitMgr, streams, log),
	}
}

// SetCircuitPool wires a prebuilt circuit pool in; when set, it is used
// instead of a linear scan of the circuit manager's open circuits.
func (s *Server) SetCircuitPool(p *pool.CircuitPool) {
	s.mu.Lock()
	s.circuitPool = p
	s.mu.Unlock()
	s.entry.SetCircuitPool(p)
}

// SetOnionClient wires in the hidden-service client used to satisfy
// ".onion" destinations. Without one, onion requests fail closed.
func (s *Server) SetOnionClient(c *onion.Client) {
	s.mu.Lock()
	s.onionClient = c
	s.mu.Unlock()
	s.entry.SetOnionClient(c)
}

// Entry returns the entry-edge orchestrator backing this server's CONNECT
// path, so the surrounding client can drive its pending-attach sweep and
// expire_beginning timeout-retry rule on a timer.
func (s *Server) Entry() *edge.Entry {
	return s.entry
}

// ListenAndServe opens the listening socket and serves connections until
// ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("socks: listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SOCKS server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("socks: accept: %w", err)
			}
		}

		if s.config.MaxConnections > 0 && atomic.LoadInt32(&s.conns) >= int32(s.config.MaxConnections) {
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.conns, 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer atomic.AddInt32(&s.conns, -1)

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-done:
				}
			}()

			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown closes the listener and waits (up to ctx's deadline) for
// in-flight connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("socks: shutdown: %w", ctx.Err())
	}
}

// handleConn negotiates one SOCKS connection and services it to
// completion, closing conn before returning.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	req, err := negotiate(r, w)
	if err != nil {
		s.logger.Debug("negotiation failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	switch req.cmd {
	case cmdResolve, cmdResolvePTR:
		s.handleResolve(ctx, conn, w, req)
	case cmdConnect:
		s.handleConnect(ctx, conn, w, req)
	default:
		s.rejectUnsupportedCommand(w, req)
	}
}

func (s *Server) rejectUnsupportedCommand(w writeFlusher, req *request) {
	if req.version == 4 {
		writeSOCKS4Reply(w, socks4Rejected, net.IPv4zero, 0)
		return
	}
	writeSOCKS5Reply(w, socks5CommandNotSupported, nil, 0)
}

// classify turns a negotiated request into an entry-edge Target, applying
// .exit pinned-exit stripping and .onion address parsing.
func (s *Server) classify(req *request) edge.Target {
	if req.kind != addrHostname {
		return edge.Target{Host: req.host, Port: req.port}
	}

	kind, rest := classify.Hostname(req.host)
	switch kind {
	case classify.Exit:
		host, nickname, ok := classify.SplitExitHost(rest)
		if !ok {
			return edge.Target{Host: rest, Port: req.port}
		}
		return edge.Target{Host: host, Port: req.port, PinnedExit: nickname}
	case classify.Onion:
		addr, err := onion.ParseAddress(rest + ".onion")
		if err != nil {
			return edge.Target{Host: req.host, Port: req.port}
		}
		return edge.Target{OnionAddr: addr, Port: req.port}
	default:
		return edge.Target{Host: req.host, Port: req.port}
	}
}

// firstOpenCircuit scans for any ready circuit, ignoring isolation; used by
// the RESOLVE path, which has no per-stream circuit-pool isolation of its
// own (a plain lookup never leaves a lasting attachment to isolate).
func (s *Server) firstOpenCircuit() (*circuit.Circuit, error) {
	for _, id := range s.circuitMgr.ListCircuits() {
		circ, err := s.circuitMgr.GetCircuit(id)
		if err != nil {
			continue
		}
		if circ.IsReady() {
			return circ, nil
		}
	}
	return nil, fmt.Errorf("socks: no open circuit available")
}

func (s *Server) isolationKey(conn net.Conn, target edge.Target, req *request) *circuit.IsolationKey {
	key := circuit.NewIsolationKey(s.config.IsolationLevel)
	if s.config.IsolationLevel == circuit.IsolationNone {
		return key
	}
	if s.config.IsolateDestinations {
		key = key.WithDestination(fmt.Sprintf("%s:%d", target.Host, req.port))
	}
	if s.config.IsolateClientPort {
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			key = key.WithSourcePort(uint16(tcpAddr.Port))
		}
	}
	return key
}

// handleConnect attaches a circuit via the entry-edge orchestrator, opens a
// stream on it, and relays bytes until either side closes the connection.
// Routing through edge.Entry (rather than acquiring a circuit and calling
// circuit.Circuit.OpenStream directly) gives the CONNECT path a per-circuit
// stream-ID allocation and makes it eligible for the expire_beginning
// timeout-retry sweep the surrounding client drives on a timer.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, w writeFlusher, req *request) {
	target := s.classify(req)
	target.Isolation = s.isolationKey(conn, target, req)

	st, err := s.entry.OpenStream(ctx, target, false)
	if err != nil {
		s.logger.Debug("no circuit available for CONNECT", "err", err)
		s.replyFailure(w, req, socks5HostUnreachable)
		return
	}

	circ, err := s.circuitMgr.GetCircuit(st.CircuitID)
	if err != nil {
		s.entry.Forget(st.ID)
		_ = s.streams.RemoveStream(st.ID)
		s.replyFailure(w, req, socks5HostUnreachable)
		return
	}

	if err := s.waitForConnected(ctx, circ, st); err != nil {
		s.entry.Forget(st.ID)
		_ = s.streams.RemoveStream(st.ID)
		s.logger.Debug("stream not connected", "host", target.Host, "port", req.port, "err", err)
		s.replyFailure(w, req, socks5ReplyForErr(err))
		return
	}
	st.SetState(stream.StateOpen)

	if err := s.replySuccess(w, req); err != nil {
		s.entry.Forget(st.ID)
		_ = circ.EndStream(st.ID, byte(cell.EndReasonDone))
		_ = s.streams.RemoveStream(st.ID)
		return
	}

	s.pump(ctx, conn, circ, st.ID)
	s.entry.Forget(st.ID)
	_ = s.streams.RemoveStream(st.ID)
}

// waitForConnected blocks until circ answers streamID's opening BEGIN with
// CONNECTED or END, skipping cells addressed to other streams sharing the
// same circuit (the circuit's receive loop is not itself stream-aware).
func (s *Server) waitForConnected(ctx context.Context, circ *circuit.Circuit, st *stream.Stream) error {
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for {
		rc, err := circ.ReceiveRelayCell(waitCtx)
		if err != nil {
			return fmt.Errorf("waiting for CONNECTED: %w", err)
		}
		if rc.StreamID != st.ID {
			continue
		}
		switch rc.Command {
		case cell.RelayConnected:
			return nil
		case cell.RelayEnd:
			reason := "unknown"
			if len(rc.Data) > 0 {
				reason = fmt.Sprintf("reason=%d", rc.Data[0])
			}
			return fmt.Errorf("stream rejected by exit: %s", reason)
		default:
			continue
		}
	}
}

func (s *Server) replyFailure(w writeFlusher, req *request, code5 byte) {
	if req.version == 4 {
		writeSOCKS4Reply(w, socks4Rejected, net.IPv4zero, 0)
		return
	}
	writeSOCKS5Reply(w, code5, nil, 0)
}

func (s *Server) replySuccess(w writeFlusher, req *request) error {
	if req.version == 4 {
		return writeSOCKS4Reply(w, socks4Granted, net.IPv4zero, req.port)
	}
	return writeSOCKS5Reply(w, socks5Succeeded, net.IPv4zero, req.port)
}

// pump copies bytes in both directions between conn and the circuit's
// stream until one side is done, then sends END and closes conn.
func (s *Server) pump(ctx context.Context, conn net.Conn, circ *circuit.Circuit, streamID uint16) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	closeStream := func() {
		once.Do(func() {
			circ.EndStream(streamID, 6) // DONE
			cancel()
		})
	}
	defer closeStream()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closeStream()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := circ.WriteToStream(streamID, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer closeStream()
		for {
			data, err := circ.ReadFromStream(streamCtx, streamID)
			if err != nil {
				return
			}
			if _, werr := conn.Write(data); werr != nil {
				return
			}
		}
	}()

	wg.Wait()
}

// handleResolve services the RESOLVE/RESOLVE_PTR extension: it never opens
// a connect stream, only a RELAY_RESOLVE/RESOLVED round trip.
func (s *Server) handleResolve(ctx context.Context, conn net.Conn, w writeFlusher, req *request) {
	if req.kind == addrHostname {
		if cached := s.dnsCache.Lookup(req.host); cached != 0 {
			s.replyResolved(w, req, uint32ToIP(cached))
			return
		}
	}

	circ, err := s.firstOpenCircuit()
	if err != nil {
		s.logger.Debug("no circuit available for RESOLVE", "err", err)
		s.replyFailure(w, req, socks5HostUnreachable)
		return
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if req.cmd == cmdResolvePTR && req.kind != addrHostname {
		if _, err := circ.ResolveIP(resolveCtx, req.ip); err != nil {
			s.replyFailure(w, req, socks5HostUnreachable)
			return
		}
		// A PTR reply carries a hostname, not an address; SOCKS has no
		// field for that, so we reply success with an all-zero address,
		// matching Tor's own behavior for RESOLVE_PTR over SOCKS.
		s.replyResolved(w, req, net.IPv4zero)
		return
	}

	result, err := circ.ResolveHostname(resolveCtx, req.host)
	if err != nil || len(result.Addresses) == 0 {
		s.dnsCache.IncrFailures(req.host)
		s.replyFailure(w, req, socks5HostUnreachable)
		return
	}

	ip := result.Addresses[0]
	if v4 := ip.To4(); v4 != nil {
		s.dnsCache.Set(req.host, ipToUint32(v4))
	}
	s.replyResolved(w, req, ip)
}

func (s *Server) replyResolved(w writeFlusher, req *request, ip net.IP) {
	if req.version == 4 {
		writeSOCKS4Reply(w, socks4Granted, ip, req.port)
		return
	}
	writeSOCKS5Reply(w, socks5Succeeded, ip, req.port)
}

func ipToUint32(v4 net.IP) uint32 {
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
