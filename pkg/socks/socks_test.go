package socks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/torrelay-edge/pkg/circuit"
	"github.com/opd-ai/torrelay-edge/pkg/logger"
)

// --- protocol-level negotiation tests -------------------------------------

func newNegotiateIO(data []byte) (*bufio.Reader, *bufio.Writer, *bytes.Buffer) {
	var out bytes.Buffer
	return bufio.NewReader(bytes.NewReader(data)), bufio.NewWriter(&out), &out
}

func TestNegotiateSOCKS4Connect(t *testing.T) {
	data := []byte{0x04, 0x01, 0x00, 0x50, 1, 2, 3, 4}
	data = append(data, "user"...)
	data = append(data, 0x00)

	r, w, _ := newNegotiateIO(data)
	req, err := negotiate(r, w)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if req.version != 4 || req.cmd != cmdConnect {
		t.Fatalf("version/cmd = %d/%v, want 4/connect", req.version, req.cmd)
	}
	if req.kind != addrIPv4 || req.ip.String() != "1.2.3.4" {
		t.Errorf("addr = %v %v, want IPv4 1.2.3.4", req.kind, req.ip)
	}
	if req.port != 0x50 {
		t.Errorf("port = %d, want 80", req.port)
	}
}

func TestNegotiateSOCKS4aResolve(t *testing.T) {
	data := []byte{0x04, 0xF0, 0x00, 0x00, 0, 0, 0, 1}
	data = append(data, 0x00) // empty userid
	data = append(data, "example.com"...)
	data = append(data, 0x00)

	r, w, _ := newNegotiateIO(data)
	req, err := negotiate(r, w)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if req.cmd != cmdResolve {
		t.Fatalf("cmd = %v, want resolve", req.cmd)
	}
	if req.kind != addrHostname || req.host != "example.com" {
		t.Errorf("kind/host = %v/%q, want hostname/example.com", req.kind, req.host)
	}
}

func TestNegotiateSOCKS5ConnectIPv4(t *testing.T) {
	var data []byte
	data = append(data, 0x05, 0x01, 0x00) // method select: 1 method, no-auth
	data = append(data, 0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 80)
	data = append(data, portBuf...)

	r, w, out := newNegotiateIO(data)
	req, err := negotiate(r, w)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if req.version != 5 || req.cmd != cmdConnect {
		t.Fatalf("version/cmd = %d/%v, want 5/connect", req.version, req.cmd)
	}
	if req.kind != addrIPv4 || req.ip.String() != "1.2.3.4" || req.port != 80 {
		t.Errorf("unexpected request: %+v", req)
	}

	// The method-selection reply must already have been flushed.
	if got := out.Bytes(); len(got) != 2 || got[0] != 0x05 || got[1] != 0x00 {
		t.Errorf("method reply = %v, want [5 0]", got)
	}
}

func TestNegotiateSOCKS5ConnectDomain(t *testing.T) {
	var data []byte
	data = append(data, 0x05, 0x01, 0x00)
	domain := "example.com"
	data = append(data, 0x05, 0x01, 0x00, 0x03, byte(len(domain)))
	data = append(data, domain...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 443)
	data = append(data, portBuf...)

	r, w, _ := newNegotiateIO(data)
	req, err := negotiate(r, w)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if req.kind != addrHostname || req.host != domain || req.port != 443 {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestNegotiateSOCKS5Resolve(t *testing.T) {
	var data []byte
	data = append(data, 0x05, 0x01, 0x00)
	domain := "example.com"
	data = append(data, 0x05, 0xF0, 0x00, 0x03, byte(len(domain)))
	data = append(data, domain...)
	data = append(data, 0x00, 0x00)

	r, w, _ := newNegotiateIO(data)
	req, err := negotiate(r, w)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if req.cmd != cmdResolve || req.host != domain {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestNegotiateUnsupportedVersion(t *testing.T) {
	r, w, _ := newNegotiateIO([]byte{0x06, 0x00})
	_, err := negotiate(r, w)
	if err == nil {
		t.Fatal("expected error for unsupported version byte")
	}
	if _, ok := err.(errUnsupportedVersion); !ok {
		t.Errorf("error type = %T, want errUnsupportedVersion", err)
	}
}

func TestWriteSOCKS4Reply(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeSOCKS4Reply(w, socks4Granted, net.IPv4(9, 8, 7, 6), 1234); err != nil {
		t.Fatalf("writeSOCKS4Reply: %v", err)
	}
	got := buf.Bytes()
	want := []byte{0x00, socks4Granted, 0x04, 0xD2, 9, 8, 7, 6}
	if !bytes.Equal(got, want) {
		t.Errorf("reply = %v, want %v", got, want)
	}
}

func TestWriteSOCKS5ReplyIPv4(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeSOCKS5Reply(w, socks5Succeeded, net.IPv4(9, 8, 7, 6), 1234); err != nil {
		t.Fatalf("writeSOCKS5Reply: %v", err)
	}
	got := buf.Bytes()
	want := []byte{0x05, 0x00, 0x00, 0x01, 9, 8, 7, 6, 0x04, 0xD2}
	if !bytes.Equal(got, want) {
		t.Errorf("reply = %v, want %v", got, want)
	}
}

// --- server-level tests ----------------------------------------------------

func TestNewServer(t *testing.T) {
	manager := circuit.NewManager()
	log := logger.NewDefault()

	server := NewServer("127.0.0.1:0", manager, log)
	if server.logger == nil {
		t.Error("Server logger is nil")
	}
	if server.circuitMgr == nil {
		t.Error("Server circuit manager is nil")
	}

	server2 := NewServer("127.0.0.1:0", manager, nil)
	if server2.logger == nil {
		t.Error("Server should create default logger when nil is passed")
	}
}

func startTestServer(t *testing.T) (*Server, string, context.CancelFunc) {
	t.Helper()
	manager := circuit.NewManager()
	log := logger.NewDefault()
	server := NewServer("127.0.0.1:0", manager, log)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		server.mu.Lock()
		ln := server.listener
		server.mu.Unlock()
		if ln != nil {
			return server, ln.Addr().String(), cancel
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start listening in time")
	return nil, "", cancel
}

func TestServerStartShutdown(t *testing.T) {
	manager := circuit.NewManager()
	log := logger.NewDefault()
	server := NewServer("127.0.0.1:0", manager, log)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Server returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not stop in time")
	}
}

func TestSOCKS5Handshake(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	response := make([]byte, 2)
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if response[0] != 0x05 || response[1] != 0x00 {
		t.Errorf("handshake response = %v, want [5 0]", response)
	}
}

// With no circuits attached to the manager, a CONNECT must fail closed
// rather than claim success.
func TestSOCKS5ConnectNoCircuitFailsClosed(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	io.ReadFull(conn, resp)

	request := []byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x05 {
		t.Errorf("reply version = %d, want 5", reply[0])
	}
	if reply[1] == 0x00 {
		t.Error("expected a failure reply with no circuits attached, got success")
	}
}

func TestSOCKS4ConnectNoCircuitFailsClosed(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	request := []byte{0x04, 0x01, 0x00, 0x50, 1, 2, 3, 4, 0x00}
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] == socks4Granted {
		t.Error("expected a rejected reply with no circuits attached, got granted")
	}
}

// A byte that is neither a SOCKS4 nor SOCKS5 version must close the
// connection without a reply.
func TestUnsupportedVersionClosesConnection(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x06, 0x01, 0x00})
	time.Sleep(100 * time.Millisecond)

	buf := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed for an unsupported version byte")
	}
}

func TestSOCKS5ConcurrentConnections(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	done := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		go func() {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				done <- false
				return
			}
			defer conn.Close()

			conn.Write([]byte{0x05, 0x01, 0x00})
			resp := make([]byte, 2)
			io.ReadFull(conn, resp)
			done <- resp[0] == 0x05 && resp[1] == 0x00
		}()
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 5; i++ {
		select {
		case ok := <-done:
			if !ok {
				t.Error("one connection failed its handshake")
			}
		case <-timeout:
			t.Fatal("test timed out")
		}
	}
}

func TestServerShutdownWithActiveConnections(t *testing.T) {
	server, addr, cancel := startTestServer(t)
	_ = server

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cancel()
	time.Sleep(200 * time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 10)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed after shutdown")
	}
}
