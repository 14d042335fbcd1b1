package gxbridge

// --------------------------------------------------------------------------
//
//	Gurux Ltd
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) Gurux Ltd
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of Gurux Device Framework.
//
// Gurux Device Framework is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// Gurux Device Framework is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information of Gurux products: https://www.gurux.org
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt
// ---------------------------------------------------------------------------

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gurux/gxcommon-go"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// TraceHandler is called with a localized trace message.
type TraceHandler func(b *GXBridge, traceType gxcommon.TraceTypes, message string)

// ErrorHandler is called when an endpoint fails.
type ErrorHandler func(b *GXBridge, err error)

// TCPStateHandler is called when the TCP connection state changes.
type TCPStateHandler func(b *GXBridge, state TCPState)

// SerialStateHandler is called when the serial port state changes.
type SerialStateHandler func(b *GXBridge, state gxcommon.MediaState)

// GXBridge relays bytes between one TCP connection and one serial line.
//
// Bytes received from the serial line are written to TCP at once. Bytes
// received from TCP are kept pending until the serial line has been silent
// for the idle timeout and are then written to the serial line.
type GXBridge struct {
	settings Settings

	mu         sync.RWMutex
	log        *zap.Logger
	traceLevel gxcommon.TraceLevel
	// Printer for localized messages.
	p *message.Printer

	onTrace       TraceHandler
	onErr         ErrorHandler
	onTCPState    TCPStateHandler
	onSerialState SerialStateHandler

	tcp        *tcpEndpoint
	serial     *serialEndpoint
	tcpData    chan []byte
	serialData chan []byte

	// pending is owned by the coordinator goroutine.
	pending *pendingQueue
	stats   statistics
	running atomic.Bool
}

// NewGXBridge creates a bridge with the given settings. The settings are
// validated by Run.
func NewGXBridge(settings Settings) *GXBridge {
	b := &GXBridge{
		settings:   settings,
		log:        zap.NewNop(),
		traceLevel: settings.TraceLevel,
		tcpData:    make(chan []byte),
		serialData: make(chan []byte),
		pending:    newPendingQueue(settings.PendingCapacity, settings.OverflowPolicy),
	}
	b.Localize(language.AmericanEnglish)
	b.tcp = &tcpEndpoint{
		owner:          b,
		host:           settings.TCPHost,
		port:           settings.TCPPort,
		connectTimeout: settings.ConnectTimeout,
		writeTimeout:   settings.WriteTimeout,
		bufferSize:     settings.ReadBufferSize,
		backoff:        newBackoff(settings.ReconnectBackoff),
		resolver:       net.DefaultResolver,
		dial:           (&net.Dialer{}).DialContext,
		data:           b.tcpData,
	}
	b.serial = &serialEndpoint{
		owner:      b,
		line:       settings.line(),
		bufferSize: settings.ReadBufferSize,
		backoff:    newBackoff(settings.ReconnectBackoff),
		open:       opener(settings.SerialDriver),
		data:       b.serialData,
		state:      gxcommon.MediaStateClosed,
	}
	return b
}

// Run starts both endpoints and relays data until ctx is canceled. It
// returns nil after a cancel and an error only if the settings are invalid
// or the bridge is already running.
func (b *GXBridge) Run(ctx context.Context) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if !b.running.CompareAndSwap(false, true) {
		return errors.New(b.printer().Sprintf("msg.already_running"))
	}
	defer b.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.logger().Info("bridge started",
		zap.String("addr", b.tcp.address()),
		zap.Stringer("serial", b.serial.line),
		zap.Duration("idle_timeout", b.settings.IdleTimeout))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.tcp.run(ctx)
	}()
	go func() {
		defer wg.Done()
		b.serial.run(ctx)
	}()
	b.loop(ctx)
	cancel()
	wg.Wait()
	b.logger().Info("bridge stopped")
	return nil
}

// loop is the coordinator. Every event is handled here so the pending queue
// is never shared between goroutines.
//
// The idle timer races the serial read. A received chunk re-arms the timer,
// and Reset guarantees that an expiry from the previous cycle is not
// delivered afterwards.
func (b *GXBridge) loop(ctx context.Context) {
	idle := time.NewTimer(b.settings.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.tcpData:
			b.onTCPData(data)
		case data := <-b.serialData:
			idle.Reset(b.settings.IdleTimeout)
			b.onSerialData(data)
		case <-idle.C:
			b.onSerialIdleTimeout()
			idle.Reset(b.settings.IdleTimeout)
		}
	}
}

// onTCPData queues a payload received from TCP.
func (b *GXBridge) onTCPData(data []byte) {
	b.stats.tcpBytesReceived.Add(uint64(len(data)))
	b.traceData(gxcommon.TraceTypesReceived, "msg.tcp_received", data)
	if b.pending.Push(data) {
		b.stats.droppedPayloads.Add(1)
		b.logger().Warn("pending tcp payload dropped",
			zap.String("policy", string(b.pending.policy)),
			zap.Int("capacity", b.pending.capacity))
	}
	b.stats.pendingPayloads.Store(uint64(b.pending.Len()))
	if b.settings.ImmediateWrite {
		b.flush()
	}
}

// onSerialData relays a chunk received from the serial line to TCP.
func (b *GXBridge) onSerialData(data []byte) {
	b.stats.serialBytesReceived.Add(uint64(len(data)))
	b.traceData(gxcommon.TraceTypesReceived, "msg.serial_received", data)
	if err := b.tcp.Write(data); err != nil {
		b.stats.tcpWriteErrors.Add(1)
		if errors.Is(err, errNotConnected) {
			b.logger().Warn("tcp not connected, serial data discarded", zap.Int("bytes", len(data)))
			return
		}
		b.logger().Error("tcp write failed", zap.Int("bytes", len(data)), zap.Error(err))
		b.errorf(fmt.Errorf("tcp write: %w", err))
		b.tcp.drop()
		return
	}
	b.stats.tcpBytesSent.Add(uint64(len(data)))
	b.traceData(gxcommon.TraceTypesSent, "msg.tcp_sent", data)
}

// onSerialIdleTimeout writes the pending payloads to the serial line. It
// does nothing when nothing is pending.
func (b *GXBridge) onSerialIdleTimeout() {
	if b.pending.Len() == 0 {
		return
	}
	if !b.serial.isOpen() {
		b.logger().Debug("serial port not open, keeping pending tcp data", zap.Int("payloads", b.pending.Len()))
		return
	}
	b.logger().Warn("no serial data received, writing pending tcp data", zap.Int("payloads", b.pending.Len()))
	b.stats.idleFlushes.Add(1)
	b.flush()
}

// flush writes the pending payloads in arrival order. Payloads that could
// not be written stay pending and the port is reopened.
func (b *GXBridge) flush() {
	if b.pending.Len() == 0 || !b.serial.isOpen() {
		return
	}
	items := b.pending.Drain()
	for i, data := range items {
		if err := b.serial.Write(data); err != nil {
			b.stats.serialWriteErrors.Add(1)
			if n := b.pending.Requeue(items[i:]); n != 0 {
				b.stats.droppedPayloads.Add(uint64(n))
			}
			b.logger().Error("serial write failed", zap.Int("bytes", len(data)), zap.Error(err))
			b.errorf(fmt.Errorf("serial write: %w", err))
			b.serial.drop()
			break
		}
		b.stats.serialBytesSent.Add(uint64(len(data)))
		b.traceData(gxcommon.TraceTypesSent, "msg.serial_sent", data)
	}
	b.stats.pendingPayloads.Store(uint64(b.pending.Len()))
}

// Validate checks the settings.
func (b *GXBridge) Validate() error {
	return b.settings.validate(b.printer())
}

// Settings returns the settings the bridge was created with.
func (b *GXBridge) Settings() Settings {
	return b.settings
}

// Statistics returns a snapshot of the counters.
func (b *GXBridge) Statistics() Statistics {
	return b.stats.snapshot()
}

// ResetStatistics zeroes the counters. The pending gauge is kept.
func (b *GXBridge) ResetStatistics() {
	b.stats.reset()
}

// TCPState returns the TCP connection state.
func (b *GXBridge) TCPState() TCPState {
	return b.tcp.State()
}

// SerialState returns the serial port state.
func (b *GXBridge) SerialState() gxcommon.MediaState {
	return b.serial.State()
}

// IsRunning reports whether Run is active.
func (b *GXBridge) IsRunning() bool {
	return b.running.Load()
}

// String returns the bridged endpoints.
func (b *GXBridge) String() string {
	return fmt.Sprintf("%s <-> %s", b.tcp.address(), b.serial.line)
}

// SetLogger sets the logger. A nil logger disables logging.
func (b *GXBridge) SetLogger(value *zap.Logger) {
	if value == nil {
		value = zap.NewNop()
	}
	b.mu.Lock()
	b.log = value
	b.mu.Unlock()
}

func (b *GXBridge) logger() *zap.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log
}

// GetTrace returns the trace level.
func (b *GXBridge) GetTrace() gxcommon.TraceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.traceLevel
}

// SetTrace sets the trace level.
func (b *GXBridge) SetTrace(traceLevel gxcommon.TraceLevel) {
	b.mu.Lock()
	b.traceLevel = traceLevel
	b.mu.Unlock()
}

// SetOnTrace sets the trace handler.
func (b *GXBridge) SetOnTrace(value TraceHandler) {
	b.mu.Lock()
	b.onTrace = value
	b.mu.Unlock()
}

// SetOnError sets the error handler.
func (b *GXBridge) SetOnError(value ErrorHandler) {
	b.mu.Lock()
	b.onErr = value
	b.mu.Unlock()
}

// SetOnTCPStateChange sets the TCP state handler.
func (b *GXBridge) SetOnTCPStateChange(value TCPStateHandler) {
	b.mu.Lock()
	b.onTCPState = value
	b.mu.Unlock()
}

// SetOnSerialStateChange sets the serial state handler.
func (b *GXBridge) SetOnSerialStateChange(value SerialStateHandler) {
	b.mu.Lock()
	b.onSerialState = value
	b.mu.Unlock()
}

// Localize messages for the specified language.
// No errors is returned if language is not supported.
func (b *GXBridge) Localize(language language.Tag) {
	b.mu.Lock()
	b.p = message.NewPrinter(language)
	b.mu.Unlock()
}

func (b *GXBridge) printer() *message.Printer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.p
}

// traceEnabled returns the trace handler if traceType passes the trace level.
func (b *GXBridge) traceEnabled(traceType gxcommon.TraceTypes) (TraceHandler, *message.Printer) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.onTrace == nil || b.traceLevel < traceLevelOf(traceType) {
		return nil, nil
	}
	return b.onTrace, b.p
}

// traceLevelOf returns the lowest trace level that emits traceType.
func traceLevelOf(traceType gxcommon.TraceTypes) gxcommon.TraceLevel {
	switch traceType {
	case gxcommon.TraceTypesError:
		return gxcommon.TraceLevelError
	case gxcommon.TraceTypesWarning:
		return gxcommon.TraceLevelWarning
	case gxcommon.TraceTypesInfo:
		return gxcommon.TraceLevelInfo
	}
	return gxcommon.TraceLevelVerbose
}

func (b *GXBridge) tracef(traceType gxcommon.TraceTypes, key string, a ...any) {
	if cb, p := b.traceEnabled(traceType); cb != nil {
		cb(b, traceType, p.Sprintf(key, a...))
	}
}

// traceData emits a hex dump of data.
func (b *GXBridge) traceData(traceType gxcommon.TraceTypes, key string, data []byte) {
	if cb, p := b.traceEnabled(traceType); cb != nil {
		cb(b, traceType, p.Sprintf(key, len(data), hexString(data)))
	}
}

func (b *GXBridge) errorf(err error) {
	b.mu.RLock()
	cb := b.onErr
	b.mu.RUnlock()
	if cb != nil {
		cb(b, err)
	}
}

func (b *GXBridge) tcpStateChanged(state TCPState) {
	b.mu.RLock()
	cb := b.onTCPState
	b.mu.RUnlock()
	if cb != nil {
		cb(b, state)
	}
}

func (b *GXBridge) serialStateChanged(state gxcommon.MediaState) {
	b.mu.RLock()
	cb := b.onSerialState
	b.mu.RUnlock()
	if cb != nil {
		cb(b, state)
	}
}

// hexString renders data as space separated upper case hex bytes.
func hexString(data []byte) string {
	return fmt.Sprintf("% X", data)
}

//nolint:errcheck
func init() {
	// --- English (default) ---
	message.SetString(language.AmericanEnglish, "msg.tcp_received", "TCP received %d bytes: %s")
	message.SetString(language.AmericanEnglish, "msg.tcp_sent", "TCP sent %d bytes: %s")
	message.SetString(language.AmericanEnglish, "msg.serial_received", "RS485 received %d bytes: %s")
	message.SetString(language.AmericanEnglish, "msg.serial_sent", "RS485 sent %d bytes: %s")
	message.SetString(language.AmericanEnglish, "msg.connecting_to", "Connecting to %s timeout %d ms")
	message.SetString(language.AmericanEnglish, "msg.connected_to", "Connected to %s")
	message.SetString(language.AmericanEnglish, "msg.connection_closed", "Connection closed to %s")
	message.SetString(language.AmericanEnglish, "msg.opening_port", "Opening serial port %s")
	message.SetString(language.AmericanEnglish, "msg.already_running", "Bridge is already running.")
	message.SetString(language.AmericanEnglish, "msg.no_serial_port_selected", "No serial port selected. Please select a serial port.")
	message.SetString(language.AmericanEnglish, "msg.no_host_selected", "No TCP host selected. Please select a host.")
	message.SetString(language.AmericanEnglish, "msg.invalid_port", "Invalid TCP port %d.")
	message.SetString(language.AmericanEnglish, "msg.invalid_baud_rate", "Invalid baud rate %d.")
	message.SetString(language.AmericanEnglish, "msg.invalid_data_bits", "Invalid data bits %d. Data bits must be 5 to 8.")
	message.SetString(language.AmericanEnglish, "msg.invalid_stop_bits", "Invalid stop bits. Stop bits must be 1 or 2.")
	message.SetString(language.AmericanEnglish, "msg.invalid_driver", "Unknown serial driver %q.")
	message.SetString(language.AmericanEnglish, "msg.invalid_timeout", "Invalid %s.")
	message.SetString(language.AmericanEnglish, "msg.invalid_buffer_size", "Invalid read buffer size %d.")
	message.SetString(language.AmericanEnglish, "msg.invalid_capacity", "Invalid pending capacity %d.")
	message.SetString(language.AmericanEnglish, "msg.invalid_overflow_policy", "Unknown overflow policy %q.")
	message.SetString(language.AmericanEnglish, "msg.invalid_backoff", "Invalid reconnect backoff: initial %v max %v multiplier %v jitter %v.")

	// --- German (de) ---
	message.SetString(language.German, "msg.tcp_received", "TCP empfangen %d Bytes: %s")
	message.SetString(language.German, "msg.tcp_sent", "TCP gesendet %d Bytes: %s")
	message.SetString(language.German, "msg.serial_received", "RS485 empfangen %d Bytes: %s")
	message.SetString(language.German, "msg.serial_sent", "RS485 gesendet %d Bytes: %s")
	message.SetString(language.German, "msg.connecting_to", "Verbinde mit %s timeout %d ms")
	message.SetString(language.German, "msg.connected_to", "Verbunden mit %s")
	message.SetString(language.German, "msg.connection_closed", "Verbindung zu %s wurde geschlossen")
	message.SetString(language.German, "msg.opening_port", "Serieller Port %s wird geöffnet")
	message.SetString(language.German, "msg.already_running", "Die Brücke läuft bereits.")
	message.SetString(language.German, "msg.no_serial_port_selected", "Kein serieller Port ausgewählt. Bitte wählen Sie einen seriellen Port aus.")
	message.SetString(language.German, "msg.no_host_selected", "Kein TCP-Host ausgewählt. Bitte wählen Sie einen Host aus.")
	message.SetString(language.German, "msg.invalid_port", "Ungültiger TCP-Port %d.")
	message.SetString(language.German, "msg.invalid_baud_rate", "Ungültige Baudrate %d.")
	message.SetString(language.German, "msg.invalid_data_bits", "Ungültige Datenbits %d. Datenbits müssen 5 bis 8 sein.")
	message.SetString(language.German, "msg.invalid_stop_bits", "Ungültige Stoppbits. Stoppbits müssen 1 oder 2 sein.")
	message.SetString(language.German, "msg.invalid_driver", "Unbekannter serieller Treiber %q.")
	message.SetString(language.German, "msg.invalid_timeout", "Ungültiger Wert für %s.")
	message.SetString(language.German, "msg.invalid_buffer_size", "Ungültige Puffergröße %d.")
	message.SetString(language.German, "msg.invalid_capacity", "Ungültige Warteschlangengröße %d.")
	message.SetString(language.German, "msg.invalid_overflow_policy", "Unbekannte Überlaufstrategie %q.")
	message.SetString(language.German, "msg.invalid_backoff", "Ungültige Wiederholungsverzögerung: initial %v max %v multiplier %v jitter %v.")

	// --- Finnish (fi) ---
	message.SetString(language.Finnish, "msg.tcp_received", "TCP vastaanotti %d tavua: %s")
	message.SetString(language.Finnish, "msg.tcp_sent", "TCP lähetti %d tavua: %s")
	message.SetString(language.Finnish, "msg.serial_received", "RS485 vastaanotti %d tavua: %s")
	message.SetString(language.Finnish, "msg.serial_sent", "RS485 lähetti %d tavua: %s")
	message.SetString(language.Finnish, "msg.connecting_to", "Yhdistetään kohteeseen %s timeout %d ms")
	message.SetString(language.Finnish, "msg.connected_to", "Yhdistetty kohteeseen %s")
	message.SetString(language.Finnish, "msg.connection_closed", "Yhteys suljettu kohteeseen %s")
	message.SetString(language.Finnish, "msg.opening_port", "Avataan sarjaportti %s")
	message.SetString(language.Finnish, "msg.already_running", "Silta on jo käynnissä.")
	message.SetString(language.Finnish, "msg.no_serial_port_selected", "Sarjaporttia ei ole valittu. Valitse sarjaportti.")
	message.SetString(language.Finnish, "msg.no_host_selected", "TCP-palvelinta ei ole valittu. Valitse palvelin.")
	message.SetString(language.Finnish, "msg.invalid_port", "Virheellinen TCP-portti %d.")
	message.SetString(language.Finnish, "msg.invalid_baud_rate", "Virheellinen nopeus %d.")
	message.SetString(language.Finnish, "msg.invalid_data_bits", "Virheellinen databittien määrä %d. Sallitut arvot ovat 5-8.")
	message.SetString(language.Finnish, "msg.invalid_stop_bits", "Virheelliset stop-bitit. Sallitut arvot ovat 1 ja 2.")
	message.SetString(language.Finnish, "msg.invalid_driver", "Tuntematon sarjaporttiajuri %q.")
	message.SetString(language.Finnish, "msg.invalid_timeout", "Virheellinen %s.")
	message.SetString(language.Finnish, "msg.invalid_buffer_size", "Virheellinen puskurin koko %d.")
	message.SetString(language.Finnish, "msg.invalid_capacity", "Virheellinen jonon koko %d.")
	message.SetString(language.Finnish, "msg.invalid_overflow_policy", "Tuntematon ylivuotokäytäntö %q.")
	message.SetString(language.Finnish, "msg.invalid_backoff", "Virheellinen uudelleenyritysviive: initial %v max %v multiplier %v jitter %v.")
}
