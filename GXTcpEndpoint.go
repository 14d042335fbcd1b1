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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Gurux/gxcommon-go"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// TCPState is the state of the TCP connection.
type TCPState int32

const (
	// TCPDisconnected means there is no connection and no attempt running.
	TCPDisconnected TCPState = iota
	// TCPResolving means the host name is being resolved.
	TCPResolving
	// TCPConnecting means a connect is in flight.
	TCPConnecting
	// TCPConnected means the connection is established.
	TCPConnected
)

func (s TCPState) String() string {
	switch s {
	case TCPDisconnected:
		return "Disconnected"
	case TCPResolving:
		return "Resolving"
	case TCPConnecting:
		return "Connecting"
	case TCPConnected:
		return "Connected"
	}
	return "TCPState(" + strconv.Itoa(int(s)) + ")"
}

type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var (
	errConnectTimeout = errors.New("connect timeout")
	errNotConnected   = errors.New("tcp connection is not established")
)

// tcpEndpoint keeps one outbound TCP connection up. Only its own goroutine
// connects, so there is never more than one attempt in flight.
type tcpEndpoint struct {
	owner          *GXBridge
	host           string
	port           int
	connectTimeout time.Duration
	writeTimeout   time.Duration
	bufferSize     int
	backoff        *backoff
	resolver       resolver
	dial           func(ctx context.Context, network, address string) (net.Conn, error)
	data           chan<- []byte

	state atomic.Int32
	mu    sync.Mutex
	conn  net.Conn
}

func (t *tcpEndpoint) address() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t *tcpEndpoint) run(ctx context.Context) {
	defer t.setState(TCPDisconnected)
	log := t.owner.logger().With(zap.String("addr", t.address()))
	for ctx.Err() == nil {
		log.Info("connecting to tcp server", zap.Duration("timeout", t.connectTimeout))
		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.setState(TCPDisconnected)
			delay := t.backoff.Next()
			msg := "tcp connect failed"
			if errors.Is(err, errConnectTimeout) {
				msg = "tcp connect timed out"
			}
			log.Error(msg, zap.Duration("retry_in", delay), zap.Error(err))
			t.owner.errorf(err)
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}
		t.backoff.Reset()
		t.attach(conn)
		t.owner.stats.tcpConnects.Add(1)
		t.setState(TCPConnected)
		log.Info("connected to tcp server", zap.String("remote", conn.RemoteAddr().String()))
		t.owner.tracef(gxcommon.TraceTypesInfo, "msg.connected_to", t.address())

		err = t.readLoop(ctx, conn)
		t.detach(conn)
		t.setState(TCPDisconnected)
		t.owner.tracef(gxcommon.TraceTypesInfo, "msg.connection_closed", t.address())
		if ctx.Err() != nil {
			return
		}
		if isExpectedCloseError(err) {
			log.Info("tcp connection closed, reconnecting", zap.Error(err))
		} else {
			log.Error("tcp read failed", zap.Error(err))
			t.owner.errorf(fmt.Errorf("tcp read: %w", err))
		}
	}
}

// connect resolves the host and dials the resolved addresses in order. The
// whole attempt is bounded by the connect timeout.
func (t *tcpEndpoint) connect(ctx context.Context) (net.Conn, error) {
	attempt, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	t.setState(TCPResolving)
	t.owner.tracef(gxcommon.TraceTypesInfo, "msg.connecting_to", t.address(), t.connectTimeout.Milliseconds())
	addrs, err := t.resolver.LookupHost(attempt, t.host)
	if err != nil {
		return nil, attemptError(ctx, attempt, "resolve "+t.host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", t.host)
	}

	t.setState(TCPConnecting)
	for _, addr := range addrs {
		var conn net.Conn
		conn, err = t.dial(attempt, "tcp", net.JoinHostPort(addr, strconv.Itoa(t.port)))
		if err == nil {
			return conn, nil
		}
		if attempt.Err() != nil {
			break
		}
	}
	return nil, attemptError(ctx, attempt, "connect "+t.address(), err)
}

// attemptError reports errConnectTimeout when the attempt deadline expired
// while the parent context is still alive.
func attemptError(parent, attempt context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, errConnectTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// readLoop delivers received chunks until the read fails. Canceling ctx
// closes the connection.
func (t *tcpEndpoint) readLoop(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	buf := make([]byte, t.bufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case t.data <- bytes.Clone(buf[:n]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
}

// Write writes data to the connection.
func (t *tcpEndpoint) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	if t.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(data)
	return err
}

func (t *tcpEndpoint) attach(conn net.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *tcpEndpoint) detach(conn net.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// drop closes the connection. The read loop fails and a new connection is
// made.
func (t *tcpEndpoint) drop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *tcpEndpoint) setState(state TCPState) {
	if TCPState(t.state.Swap(int32(state))) != state {
		t.owner.tcpStateChanged(state)
	}
}

// State returns the current connection state.
func (t *tcpEndpoint) State() TCPState {
	return TCPState(t.state.Load())
}

// isExpectedCloseError reports whether err is the normal result of the
// peer or this side closing the connection or the port.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PortClosed
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
