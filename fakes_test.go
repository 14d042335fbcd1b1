package gxbridge

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const waitTimeout = 5 * time.Second

// fakePort is an in-memory serial device. Bytes sent to rx are returned by
// Read and bytes written to the port are sent to tx.
type fakePort struct {
	rx     chan []byte
	tx     chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writeErr error
}

func newFakePort() *fakePort {
	return &fakePort{
		rx:     make(chan []byte, 16),
		tx:     make(chan []byte, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(b, data), nil
	case err := <-p.fail:
		return 0, err
	case <-p.closed:
		return 0, os.ErrClosed
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	err := p.writeErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	case p.tx <- bytes.Clone(b):
		return len(b), nil
	}
}

func (p *fakePort) Close() error {
	p.once.Do(func() {
		close(p.closed)
	})
	return nil
}

func (p *fakePort) setWriteErr(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// expectWrite waits for the next write to the port.
func (p *fakePort) expectWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-p.tx:
		return data
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a serial write")
		return nil
	}
}

func (p *fakePort) expectNoWrite(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-p.tx:
		t.Fatalf("unexpected serial write % X", data)
	case <-time.After(d):
	}
}

// fakeSerial opens fakePorts. The first failOpens opens fail.
type fakeSerial struct {
	mu        sync.Mutex
	failOpens int
	opened    []lineSettings
	ports     chan *fakePort
}

func newFakeSerial(failOpens int) *fakeSerial {
	return &fakeSerial{failOpens: failOpens, ports: make(chan *fakePort, 16)}
}

func (f *fakeSerial) open(line lineSettings) (serialPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, line)
	if f.failOpens > 0 {
		f.failOpens--
		return nil, errors.New("no such device")
	}
	p := newFakePort()
	f.ports <- p
	return p, nil
}

func (f *fakeSerial) openCalls() []lineSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lineSettings(nil), f.opened...)
}

// nextPort waits until the bridge opens a port.
func (f *fakeSerial) nextPort(t *testing.T) *fakePort {
	t.Helper()
	select {
	case p := <-f.ports:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the serial port to open")
		return nil
	}
}

// testSettings returns settings with short timeouts and no retry delay.
func testSettings(port int) Settings {
	s := DefaultSettings()
	s.SerialDevice = "/dev/ttyFAKE0"
	s.TCPHost = "127.0.0.1"
	s.TCPPort = port
	s.ConnectTimeout = time.Second
	s.IdleTimeout = 100 * time.Millisecond
	s.ReconnectBackoff = BackoffSettings{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
	}
	return s
}

// newTestBridge creates a bridge that opens fake serial ports.
func newTestBridge(t *testing.T, settings Settings, serial *fakeSerial) *GXBridge {
	t.Helper()
	b := NewGXBridge(settings)
	b.SetLogger(zaptest.NewLogger(t))
	if serial != nil {
		b.serial.open = serial.open
	}
	return b
}

// runBridge runs the bridge until the test ends.
func runBridge(t *testing.T, b *GXBridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(waitTimeout):
			t.Error("Run did not return after cancel")
		}
	})
}

// listen starts a loopback TCP server and returns its port.
func listen(t *testing.T) (*net.TCPListener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
	})
	return ln.(*net.TCPListener), ln.Addr().(*net.TCPAddr).Port
}

func accept(t *testing.T, ln *net.TCPListener) net.Conn {
	t.Helper()
	if err := ln.SetDeadline(time.Now().Add(waitTimeout)); err != nil {
		t.Fatal(err)
	}
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// waitFor polls cond until it is true.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// staticResolver returns fixed addresses after failing the first fails
// lookups.
type staticResolver struct {
	mu    sync.Mutex
	fails int
	calls int
	addrs []string
}

func (r *staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails > 0 {
		r.fails--
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return r.addrs, nil
}

func (r *staticResolver) lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
