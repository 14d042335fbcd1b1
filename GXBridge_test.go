package gxbridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/text/language"
)

// startBridge runs a bridge against a loopback TCP server and fake serial
// ports and waits until both endpoints are up.
func startBridge(t *testing.T, mutate func(*Settings)) (*GXBridge, net.Conn, *fakePort, *fakeSerial) {
	t.Helper()
	ln, port := listen(t)
	settings := testSettings(port)
	if mutate != nil {
		mutate(&settings)
	}
	serial := newFakeSerial(0)
	b := newTestBridge(t, settings, serial)
	runBridge(t, b)

	p := serial.nextPort(t)
	conn := accept(t, ln)
	waitFor(t, "endpoints up", func() bool {
		return b.serial.isOpen() && b.TCPState() == TCPConnected
	})
	return b, conn, p, serial
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(waitTimeout)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read from bridge: %v", err)
	}
	return buf
}

func TestBridgeFlushesPendingAfterIdleTimeout(t *testing.T) {
	b, conn, p, _ := startBridge(t, nil)

	if _, err := conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatal(err)
	}
	if got := p.expectWrite(t); !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("serial got % X, want 01 02 03", got)
	}
	waitFor(t, "empty pending queue", func() bool {
		s := b.Statistics()
		return s.PendingPayloads == 0 && s.SerialBytesSent == 3
	})
	if got := b.Statistics().IdleFlushes; got != 1 {
		t.Fatalf("IdleFlushes = %d, want 1", got)
	}
}

func TestBridgeRelaysSerialDataImmediately(t *testing.T) {
	b, conn, p, _ := startBridge(t, func(s *Settings) {
		s.IdleTimeout = time.Hour
	})

	start := time.Now()
	p.rx <- []byte{0xAA, 0xBB}
	if got := readN(t, conn, 2); !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Fatalf("tcp got % X, want AA BB", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("relay took %v", elapsed)
	}
	waitFor(t, "tcp byte counter", func() bool { return b.Statistics().TCPBytesSent == 2 })
	if got := b.Statistics().IdleFlushes; got != 0 {
		t.Fatalf("IdleFlushes = %d, want 0", got)
	}
}

func TestBridgeRoundTripIsByteExact(t *testing.T) {
	_, conn, p, _ := startBridge(t, func(s *Settings) {
		s.IdleTimeout = 50 * time.Millisecond
		s.PendingCapacity = 64
	})

	want := make([]byte, 256)
	for i := range want {
		want[i] = byte(i)
	}
	if _, err := conn.Write(want); err != nil {
		t.Fatal(err)
	}
	var got []byte
	for len(got) < len(want) {
		got = append(got, p.expectWrite(t)...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("serial got % X, want % X", got, want)
	}
}

func TestBridgeSerialTrafficPostponesFlush(t *testing.T) {
	b, conn, p, _ := startBridge(t, func(s *Settings) {
		s.IdleTimeout = 150 * time.Millisecond
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.rx <- []byte{0x55}
			}
		}
	}()

	time.Sleep(60 * time.Millisecond)
	if _, err := conn.Write([]byte("cmd")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending payload", func() bool { return b.Statistics().PendingPayloads == 1 })
	p.expectNoWrite(t, 600*time.Millisecond)
	close(stop)
	wg.Wait()

	if got := p.expectWrite(t); string(got) != "cmd" {
		t.Fatalf("serial got %q, want cmd", got)
	}
}

func TestBridgeRetriesPayloadOnReopenedPort(t *testing.T) {
	b, conn, first, serial := startBridge(t, nil)
	first.setWriteErr(errors.New("write failed"))

	if _, err := conn.Write([]byte("cmd")); err != nil {
		t.Fatal(err)
	}
	second := serial.nextPort(t)
	if got := second.expectWrite(t); string(got) != "cmd" {
		t.Fatalf("serial got %q, want cmd", got)
	}
	if !first.isClosed() {
		t.Fatal("port with the failed write was not closed")
	}
	s := b.Statistics()
	if s.SerialWriteErrors != 1 {
		t.Fatalf("SerialWriteErrors = %d, want 1", s.SerialWriteErrors)
	}
	if s.DroppedPayloads != 0 {
		t.Fatalf("DroppedPayloads = %d, want 0", s.DroppedPayloads)
	}
}

// newCoordinator returns a bridge whose serial endpoint has port p open
// without running any goroutines.
func newCoordinator(t *testing.T, mutate func(*Settings)) (*GXBridge, *fakePort) {
	t.Helper()
	settings := testSettings(4059)
	if mutate != nil {
		mutate(&settings)
	}
	b := newTestBridge(t, settings, nil)
	p := newFakePort()
	b.serial.port = p
	return b, p
}

func TestIdleTimeoutWritesOnlyLatestPayload(t *testing.T) {
	b, p := newCoordinator(t, nil)

	b.onTCPData([]byte("A"))
	b.onTCPData([]byte("B"))
	b.onSerialIdleTimeout()

	if got := p.expectWrite(t); string(got) != "B" {
		t.Fatalf("serial got %q, want B", got)
	}
	if len(p.tx) != 0 {
		t.Fatalf("%d extra serial writes", len(p.tx))
	}
	s := b.Statistics()
	if s.DroppedPayloads != 1 || s.PendingPayloads != 0 || s.IdleFlushes != 1 {
		t.Fatalf("statistics = %+v", s)
	}
}

func TestIdleTimeoutWithoutPendingIsNoop(t *testing.T) {
	b, p := newCoordinator(t, nil)
	before := b.Statistics()

	b.onSerialIdleTimeout()
	b.onSerialIdleTimeout()

	if len(p.tx) != 0 {
		t.Fatal("idle timeout wrote to serial with nothing pending")
	}
	if after := b.Statistics(); after != before {
		t.Fatalf("statistics changed: %+v -> %+v", before, after)
	}
	if b.pending.Len() != 0 {
		t.Fatal("pending queue changed")
	}
}

func TestIdleTimeoutKeepsPayloadWhilePortClosed(t *testing.T) {
	b, _ := newCoordinator(t, nil)
	b.serial.port = nil

	b.onTCPData([]byte("A"))
	b.onSerialIdleTimeout()

	if b.pending.Len() != 1 {
		t.Fatalf("pending = %d, want 1", b.pending.Len())
	}
	if got := b.Statistics().IdleFlushes; got != 0 {
		t.Fatalf("IdleFlushes = %d, want 0", got)
	}
}

func TestImmediateWrite(t *testing.T) {
	b, p := newCoordinator(t, func(s *Settings) {
		s.ImmediateWrite = true
	})

	b.onTCPData([]byte("now"))
	if len(p.tx) != 1 {
		t.Fatalf("serial writes = %d, want 1", len(p.tx))
	}
	if got := <-p.tx; string(got) != "now" {
		t.Fatalf("serial got %q, want now", got)
	}
	if b.pending.Len() != 0 {
		t.Fatalf("pending = %d, want 0", b.pending.Len())
	}
}

func TestSerialWriteFailureKeepsPayloadPending(t *testing.T) {
	b, p := newCoordinator(t, func(s *Settings) {
		s.PendingCapacity = 2
	})
	var reported []error
	b.SetOnError(func(_ *GXBridge, err error) {
		reported = append(reported, err)
	})
	p.setWriteErr(errors.New("write failed"))

	b.onTCPData([]byte("A"))
	b.onTCPData([]byte("B"))
	b.onSerialIdleTimeout()

	if b.pending.Len() != 2 {
		t.Fatalf("pending = %d, want 2", b.pending.Len())
	}
	if !p.isClosed() {
		t.Fatal("port was not closed after the failed write")
	}
	if len(reported) != 1 {
		t.Fatalf("reported %d errors, want 1", len(reported))
	}
	if got := b.Statistics().SerialWriteErrors; got != 1 {
		t.Fatalf("SerialWriteErrors = %d, want 1", got)
	}

	reopened := newFakePort()
	b.serial.port = reopened
	b.onSerialIdleTimeout()
	if got := reopened.expectWrite(t); string(got) != "A" {
		t.Fatalf("first write %q, want A", got)
	}
	if got := reopened.expectWrite(t); string(got) != "B" {
		t.Fatalf("second write %q, want B", got)
	}
}

func TestTCPWriteFailureDropsConnection(t *testing.T) {
	b, _ := newCoordinator(t, nil)
	local, remote := net.Pipe()
	b.tcp.attach(local)
	_ = remote.Close()

	b.onSerialData([]byte{0x01})

	if got := b.Statistics().TCPWriteErrors; got != 1 {
		t.Fatalf("TCPWriteErrors = %d, want 1", got)
	}
	if _, err := local.Read(make([]byte, 1)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("Read after drop = %v, want io.ErrClosedPipe", err)
	}
}

func TestSerialDataWithoutConnectionIsDiscarded(t *testing.T) {
	b, _ := newCoordinator(t, nil)
	b.onSerialData([]byte{0x01, 0x02})
	s := b.Statistics()
	if s.TCPWriteErrors != 1 || s.TCPBytesSent != 0 || s.SerialBytesReceived != 2 {
		t.Fatalf("statistics = %+v", s)
	}
}

// recordTraces collects the trace messages emitted by b.
func recordTraces(b *GXBridge) *[]string {
	var traces []string
	b.SetOnTrace(func(_ *GXBridge, _ gxcommon.TraceTypes, msg string) {
		traces = append(traces, msg)
	})
	return &traces
}

// relayBothWays moves one payload in each direction through the coordinator.
func relayBothWays(t *testing.T, b *GXBridge) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	go func() {
		_, _ = io.Copy(io.Discard, remote)
	}()
	b.tcp.attach(local)

	b.onTCPData([]byte{0x0A, 0xFF})
	b.onSerialIdleTimeout()
	b.onSerialData([]byte{0x01})
}

func TestTraceIsOffByDefault(t *testing.T) {
	b, _ := newCoordinator(t, nil)
	traces := recordTraces(b)
	relayBothWays(t, b)
	b.tracef(gxcommon.TraceTypesInfo, "msg.connected_to", "127.0.0.1:4059")
	if len(*traces) != 0 {
		t.Fatalf("traces with tracing off: %q", *traces)
	}
}

func TestTraceLevels(t *testing.T) {
	const info = "Connected to 127.0.0.1:4059"
	dumps := []string{
		"TCP received 2 bytes: 0A FF",
		"RS485 sent 2 bytes: 0A FF",
		"RS485 received 1 bytes: 01",
		"TCP sent 1 bytes: 01",
	}
	tests := []struct {
		level gxcommon.TraceLevel
		want  []string
	}{
		{gxcommon.TraceLevelOff, nil},
		{gxcommon.TraceLevelError, nil},
		{gxcommon.TraceLevelWarning, nil},
		{gxcommon.TraceLevelInfo, []string{info}},
		{gxcommon.TraceLevelVerbose, append([]string{info}, dumps...)},
	}
	for _, test := range tests {
		t.Run(test.level.String(), func(t *testing.T) {
			b, _ := newCoordinator(t, nil)
			b.SetTrace(test.level)
			traces := recordTraces(b)

			b.tracef(gxcommon.TraceTypesInfo, "msg.connected_to", "127.0.0.1:4059")
			relayBothWays(t, b)

			if strings.Join(*traces, "|") != strings.Join(test.want, "|") {
				t.Fatalf("traces = %q, want %q", *traces, test.want)
			}
		})
	}
}

func TestTraceLevelOf(t *testing.T) {
	tests := map[gxcommon.TraceTypes]gxcommon.TraceLevel{
		gxcommon.TraceTypesError:    gxcommon.TraceLevelError,
		gxcommon.TraceTypesWarning:  gxcommon.TraceLevelWarning,
		gxcommon.TraceTypesInfo:     gxcommon.TraceLevelInfo,
		gxcommon.TraceTypesSent:     gxcommon.TraceLevelVerbose,
		gxcommon.TraceTypesReceived: gxcommon.TraceLevelVerbose,
	}
	for traceType, want := range tests {
		if got := traceLevelOf(traceType); got != want {
			t.Errorf("traceLevelOf(%v) = %v, want %v", traceType, got, want)
		}
	}
}

func TestRunRejectsInvalidSettings(t *testing.T) {
	b := NewGXBridge(DefaultSettings())
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without serial device and host")
	}
	if b.IsRunning() {
		t.Fatal("bridge reports running after a failed Run")
	}
}

func TestRunRejectsSecondRun(t *testing.T) {
	b := newTestBridge(t, testSettings(4059), newFakeSerial(0))
	b.running.Store(true)
	err := b.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("Run = %v, want already running error", err)
	}
}

func TestLocalizedValidation(t *testing.T) {
	b := NewGXBridge(DefaultSettings())
	b.Localize(language.German)
	err := b.Validate()
	if err == nil || !strings.Contains(err.Error(), "Kein serieller Port") {
		t.Fatalf("Validate = %v, want German message", err)
	}
}

func TestResetStatistics(t *testing.T) {
	b, _ := newCoordinator(t, nil)
	b.onTCPData([]byte("A"))
	b.ResetStatistics()
	s := b.Statistics()
	if s.TCPBytesReceived != 0 {
		t.Fatalf("TCPBytesReceived = %d, want 0", s.TCPBytesReceived)
	}
	if s.PendingPayloads != 1 {
		t.Fatalf("PendingPayloads = %d, want 1", s.PendingPayloads)
	}
}

func TestHexString(t *testing.T) {
	tests := map[string][]byte{
		"":         nil,
		"01 AB 00": {0x01, 0xAB, 0x00},
		"FF":       {0xFF},
	}
	for want, data := range tests {
		if got := hexString(data); got != want {
			t.Errorf("hexString(%v) = %q, want %q", data, got, want)
		}
	}
}

func TestBridgeString(t *testing.T) {
	b := NewGXBridge(testSettings(4059))
	if got := b.String(); !strings.HasPrefix(got, "127.0.0.1:4059 <-> /dev/ttyFAKE0") {
		t.Fatalf("String() = %q", got)
	}
}
