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
	"sync"

	"github.com/Gurux/gxcommon-go"
	"go.uber.org/zap"
)

// serialPort is an open serial device. Close must be safe to call more than
// once and must unblock a pending Read.
type serialPort interface {
	io.ReadWriteCloser
}

// lineSettings are applied every time the device is opened.
type lineSettings struct {
	device   string
	baudRate gxcommon.BaudRate
	dataBits int
	parity   gxcommon.Parity
	stopBits gxcommon.StopBits
}

func (l lineSettings) String() string {
	return fmt.Sprintf("%s %d %d %s %s", l.device, int(l.baudRate), l.dataBits, l.parity, l.stopBits)
}

var errPortClosed = errors.New("serial port is not open")

// serialEndpoint owns the serial device. It opens the device, reads it until
// an error and opens it again.
type serialEndpoint struct {
	owner      *GXBridge
	line       lineSettings
	bufferSize int
	backoff    *backoff
	open       openFunc
	data       chan<- []byte

	mu    sync.Mutex
	port  serialPort
	state gxcommon.MediaState
}

func (s *serialEndpoint) run(ctx context.Context) {
	log := s.owner.logger().With(zap.String("device", s.line.device))
	for ctx.Err() == nil {
		p, err := s.openPort()
		if err != nil {
			delay := s.backoff.Next()
			log.Error("serial open failed", zap.Duration("retry_in", delay), zap.Error(err))
			s.owner.errorf(err)
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}
		s.backoff.Reset()
		log.Info("serial port opened", zap.Stringer("line", s.line))

		err = s.readLoop(ctx, p)
		s.closePort(p)
		if ctx.Err() != nil {
			return
		}
		if isExpectedCloseError(err) {
			log.Info("serial port closed, reopening", zap.Error(err))
		} else {
			log.Error("serial read failed", zap.Error(err))
			s.owner.errorf(fmt.Errorf("serial read: %w", err))
		}
	}
}

func (s *serialEndpoint) openPort() (serialPort, error) {
	s.setState(gxcommon.MediaStateOpening)
	s.owner.tracef(gxcommon.TraceTypesInfo, "msg.opening_port", s.line.device)
	p, err := s.open(s.line)
	if err != nil {
		s.setState(gxcommon.MediaStateClosed)
		return nil, err
	}
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()
	s.owner.stats.serialOpens.Add(1)
	s.setState(gxcommon.MediaStateOpen)
	return p, nil
}

func (s *serialEndpoint) closePort(p serialPort) {
	s.mu.Lock()
	if s.port == p {
		s.port = nil
	}
	s.mu.Unlock()
	s.setState(gxcommon.MediaStateClosing)
	_ = p.Close()
	s.owner.tracef(gxcommon.TraceTypesInfo, "msg.connection_closed", s.line.device)
	s.setState(gxcommon.MediaStateClosed)
}

// readLoop delivers received chunks until the read fails. Canceling ctx
// closes the port.
func (s *serialEndpoint) readLoop(ctx context.Context, p serialPort) error {
	stop := context.AfterFunc(ctx, func() {
		_ = p.Close()
	})
	defer stop()

	buf := make([]byte, s.bufferSize)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			select {
			case s.data <- bytes.Clone(buf[:n]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
}

// Write writes data to the open port.
func (s *serialEndpoint) Write(data []byte) error {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return errPortClosed
	}
	n, err := p.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (s *serialEndpoint) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// drop closes the open port. The read loop fails and the port is reopened.
func (s *serialEndpoint) drop() {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

func (s *serialEndpoint) setState(state gxcommon.MediaState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.owner.serialStateChanged(state)
}

// State returns the current port state.
func (s *serialEndpoint) State() gxcommon.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
