package edge

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/torrelay-edge/pkg/cell"
	"github.com/opd-ai/torrelay-edge/pkg/circuit"
	"github.com/opd-ai/torrelay-edge/pkg/config"
	"github.com/opd-ai/torrelay-edge/pkg/dnsworker"
	"github.com/opd-ai/torrelay-edge/pkg/logger"
	"github.com/opd-ai/torrelay-edge/pkg/stream"
)

// RendezvousBinder maps a hidden-service virtual port to a local target
// address. Satisfied by *onion.Service; passed in by the caller for
// circuits that completed a rendezvous handshake, so this package never
// needs to import pkg/onion.
type RendezvousBinder interface {
	TargetForPort(port int) (target string, ok bool)
}

// DefaultDialTimeout bounds an exit's outbound TCP connect attempt.
const DefaultDialTimeout = 30 * time.Second

// Exit is the exit-edge orchestrator: it turns inbound RELAY_BEGIN and
// RELAY_RESOLVE cells into outbound TCP connections, rendezvous binds, and
// DNS lookups, answering with RELAY_CONNECTED/RELAY_RESOLVED/RELAY_END.
type Exit struct {
	policy      *Policy
	redirects   *RedirectTable
	dns         *dnsworker.Pool
	streams     *stream.Manager
	dialTimeout time.Duration
	log         *logger.Logger
}

// NewExit builds an exit orchestrator from configuration's ExitPolicy and
// ExitRedirect directives.
func NewExit(cfg *config.Config, dns *dnsworker.Pool, streams *stream.Manager, log *logger.Logger) (*Exit, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	policy, err := ParsePolicy(cfg.ExitPolicy)
	if err != nil {
		return nil, fmt.Errorf("exit policy: %w", err)
	}
	redirects, err := ParseRedirectEntries(cfg.ExitRedirect)
	if err != nil {
		return nil, fmt.Errorf("exit redirect table: %w", err)
	}
	return &Exit{
		policy:      policy,
		redirects:   redirects,
		dns:         dns,
		streams:     streams,
		dialTimeout: DefaultDialTimeout,
		log:         log.Component("edge-exit"),
	}, nil
}

// beginAddr is a parsed RELAY_BEGIN target.
type beginAddr struct {
	host string
	port uint16
}

// parseBeginPayload parses a "host:port\0" RELAY_BEGIN payload (the flag
// word some exits attach after the NUL is not produced by this client's
// entry side and is ignored here if present).
func parseBeginPayload(payload []byte) (beginAddr, error) {
	s := string(payload)
	if idx := strings.IndexByte(s, 0); idx >= 0 {
		s = s[:idx]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return beginAddr{}, fmt.Errorf("malformed BEGIN address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return beginAddr{}, fmt.Errorf("malformed BEGIN port %q: %w", portStr, err)
	}
	return beginAddr{host: host, port: uint16(port)}, nil
}

// HandleBegin processes an inbound RELAY_BEGIN cell on circ. rendezvous is
// non-nil exactly when circ.IsRendezvousJoined(): in that case the payload
// carries only a virtual port and the stream binds to the hidden service
// instead of dialing the public Internet.
func (x *Exit) HandleBegin(ctx context.Context, circ *circuit.Circuit, streamID uint16, payload []byte, rendezvous RendezvousBinder) error {
	addr, err := parseBeginPayload(payload)
	if err != nil {
		x.log.Debug("dropping malformed BEGIN cell", "stream_id", streamID, "error", err)
		return nil
	}

	s := stream.NewStream(streamID, circ.ID, addr.host, addr.port, x.log)
	s.SetRole(stream.RoleExit)
	if err := x.streams.AttachStream(s); err != nil {
		x.log.Debug("BEGIN for already-attached stream id", "stream_id", streamID)
		return nil
	}

	if rendezvous != nil {
		return x.handleRendezvousBegin(circ, s, addr, rendezvous)
	}
	return x.handleGeneralBegin(ctx, circ, s, addr)
}

func (x *Exit) handleRendezvousBegin(circ *circuit.Circuit, s *stream.Stream, addr beginAddr, rendezvous RendezvousBinder) error {
	s.SetState(stream.StateConnecting)

	target, ok := rendezvous.TargetForPort(int(addr.port))
	if !ok {
		return x.endStream(circ, s, cell.EndReasonExitPolicy, nil)
	}

	conn, err := net.DialTimeout("tcp", target, x.dialTimeout)
	if err != nil {
		return x.endStream(circ, s, cell.EndReasonConnectRefused, nil)
	}

	// A rendezvous CONNECTED payload is empty: the originating client must
	// never learn the service's internal listening address.
	return x.openConnection(circ, s, conn, nil)
}

func (x *Exit) handleGeneralBegin(ctx context.Context, circ *circuit.Circuit, s *stream.Stream, addr beginAddr) error {
	ip := net.ParseIP(addr.host)
	if ip == nil {
		resolved, err := x.resolveSync(ctx, addr.host)
		if err != nil {
			return x.endStream(circ, s, cell.EndReasonResolveFailed, nil)
		}
		ip = resolved
	}

	original := ip
	destIP, destPort := x.redirects.Apply(ip, addr.port)

	if !x.policy.Permits(destIP, destPort) {
		return x.endStream(circ, s, cell.EndReasonExitPolicy, ipv4Bytes(original))
	}

	s.SetState(stream.StateConnecting)
	target := net.JoinHostPort(destIP.String(), strconv.Itoa(int(destPort)))
	conn, err := net.DialTimeout("tcp", target, x.dialTimeout)
	if err != nil {
		return x.endStream(circ, s, cell.EndReasonConnectRefused, nil)
	}

	return x.openConnection(circ, s, conn, ipv4Bytes(original))
}

// resolveSync blocks the calling goroutine for a BEGIN cell's hostname
// lookup: unlike HandleResolve, a BEGIN cannot be answered piecemeal, so it
// uses the worker pool's synchronous path rather than the callback one.
func (x *Exit) resolveSync(ctx context.Context, hostname string) (net.IP, error) {
	ip, _, err := x.dns.Resolve(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if ip == nil {
		return nil, fmt.Errorf("no address for %q", hostname)
	}
	return ip, nil
}

func (x *Exit) openConnection(circ *circuit.Circuit, s *stream.Stream, conn net.Conn, connectedPayload []byte) error {
	connectedCell := cell.NewRelayCell(s.ID, cell.RelayConnected, connectedPayload)
	if err := circ.SendRelayCell(connectedCell); err != nil {
		_ = conn.Close()
		s.SetState(stream.StateFailed)
		_ = x.streams.RemoveStream(s.ID)
		return err
	}
	s.SetState(stream.StateOpen)
	go x.pump(circ, s, conn)
	return nil
}

// pump bridges conn and the circuit's relay-cell stream for s until either
// side closes or errors, in both directions at once.
func (x *Exit) pump(circ *circuit.Circuit, s *stream.Stream, conn net.Conn) {
	defer func() { _ = x.streams.RemoveStream(s.ID) }()
	defer func() { _ = conn.Close() }()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if werr := circ.WriteToStream(s.ID, chunk); werr != nil {
					_ = x.endStream(circ, s, cell.EndReasonConnReset, nil)
					return
				}
			}
			if err != nil {
				_ = x.endStream(circ, s, cell.EndReasonDone, nil)
				return
			}
		}
	}()

	ctx := context.Background()
	for {
		data, err := circ.ReadFromStream(ctx, s.ID)
		if err != nil {
			_ = x.endStream(circ, s, cell.EndReasonDone, nil)
			<-readerDone
			return
		}
		if _, werr := conn.Write(data); werr != nil {
			_ = x.endStream(circ, s, cell.EndReasonConnReset, nil)
			<-readerDone
			return
		}
	}
}

// endStream marks s ended (a no-op past the first call, per has_sent_end)
// and, on the first call only, sends the RELAY_END cell.
func (x *Exit) endStream(circ *circuit.Circuit, s *stream.Stream, reason cell.EndReason, extra []byte) error {
	if !s.MarkEnded() {
		return nil
	}
	payload := append([]byte{byte(reason)}, extra...)
	endCell := cell.NewRelayCell(s.ID, cell.RelayEnd, payload)
	err := circ.SendRelayCell(endCell)
	s.SetState(stream.StateClosed)
	return err
}

// ipv4Bytes returns the 4-byte network-order form of ip, the CONNECTED
// payload format for a resolved IPv4 destination; an all-zero placeholder
// stands in for an address that can't be expressed as IPv4 (tor-spec.txt
// §6.1 CONNECTED carries only an IPv4 address plus TTL for this case).
func ipv4Bytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return make([]byte, 4)
}

// HandleResolve processes an inbound RELAY_RESOLVE cell: a forward
// (hostname) or reverse (PTR) DNS lookup answered with RELAY_RESOLVED,
// mirroring pkg/circuit/dns.go's wire format in the opposite direction.
func (x *Exit) HandleResolve(ctx context.Context, circ *circuit.Circuit, streamID uint16, payload []byte) error {
	hostname, ptrIP, isPTR := parseResolvePayload(payload)

	resultCh := make(chan dnsworker.Result, 1)
	var submitErr error
	if isPTR {
		submitErr = x.dns.SubmitPTR(ctx, ptrIP, func(r dnsworker.Result) { resultCh <- r })
	} else {
		submitErr = x.dns.Submit(ctx, hostname, func(r dnsworker.Result) { resultCh <- r })
	}
	if submitErr != nil {
		return x.replyResolvedError(circ, streamID, circuit.DNSErrorServerFailure)
	}

	select {
	case r := <-resultCh:
		if r.Err != nil {
			return x.replyResolvedError(circ, streamID, circuit.DNSErrorNotExist)
		}
		if isPTR {
			return x.replyResolvedName(circ, streamID, r.Name, r.TTL)
		}
		return x.replyResolvedAddr(circ, streamID, r.Addr, r.TTL)
	case <-ctx.Done():
		return x.replyResolvedError(circ, streamID, circuit.DNSErrorNotExist)
	}
}

// parseResolvePayload distinguishes a forward "hostname\0" RESOLVE payload
// from a reverse TYPE|LENGTH|ADDR PTR payload.
func parseResolvePayload(payload []byte) (hostname string, ptrIP net.IP, isPTR bool) {
	if len(payload) >= 2 && (payload[0] == circuit.DNSTypeIPv4 || payload[0] == circuit.DNSTypeIPv6) {
		length := int(payload[1])
		if len(payload) >= 2+length {
			return "", net.IP(payload[2 : 2+length]), true
		}
	}
	return strings.TrimRight(string(payload), "\x00"), nil, false
}

func (x *Exit) replyResolvedAddr(circ *circuit.Circuit, streamID uint16, ip net.IP, ttl time.Duration) error {
	var typ byte
	var value []byte
	if v4 := ip.To4(); v4 != nil {
		typ, value = circuit.DNSTypeIPv4, []byte(v4)
	} else {
		typ, value = circuit.DNSTypeIPv6, []byte(ip.To16())
	}

	payload := make([]byte, 0, 2+len(value)+4)
	payload = append(payload, typ, byte(len(value)))
	payload = append(payload, value...)
	payload = append(payload, ttlBytes(ttl)...)

	return circ.SendRelayCell(cell.NewRelayCell(streamID, cell.RelayResolved, payload))
}

func (x *Exit) replyResolvedName(circ *circuit.Circuit, streamID uint16, name string, ttl time.Duration) error {
	value := []byte(name)
	payload := make([]byte, 0, 2+len(value)+4)
	payload = append(payload, circuit.DNSTypeHostname, byte(len(value)))
	payload = append(payload, value...)
	payload = append(payload, ttlBytes(ttl)...)

	return circ.SendRelayCell(cell.NewRelayCell(streamID, cell.RelayResolved, payload))
}

func (x *Exit) replyResolvedError(circ *circuit.Circuit, streamID uint16, dnsErrCode byte) error {
	payload := []byte{circuit.DNSTypeError, 1, dnsErrCode, 0, 0, 0, 0}
	return circ.SendRelayCell(cell.NewRelayCell(streamID, cell.RelayResolved, payload))
}

func ttlBytes(ttl time.Duration) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(ttl/time.Second))
	return b
}
