//go:build linux || darwin

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
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/unix"
)

// cmspar selects mark or space parity when PARENB is set.
const cmspar = 0x40000000

// port is a serial device opened with termios. Reads and writes wait in
// poll on the device and on a wake pipe so Close can interrupt them.
type port struct {
	fd    int
	wakeR int
	wakeW int

	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

func openNativePort(line lineSettings) (serialPort, error) {
	fd, err := unix.Open(line.device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", line.device, err)
	}
	t, err := getTermios(fd)
	if err == nil {
		err = configureTermios(t, line)
	}
	if err == nil {
		err = setTermios(fd, t)
	}
	if err == nil {
		err = flushInput(fd)
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	pipe := make([]int, 2)
	if err := unix.Pipe(pipe); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	_ = unix.SetNonblock(pipe[0], true)
	_ = unix.SetNonblock(pipe[1], true)
	return &port{fd: fd, wakeR: pipe[0], wakeW: pipe[1]}, nil
}

// configureTermios puts the line to raw mode and applies the line settings.
func configureTermios(t *unix.Termios, line lineSettings) error {
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := setSpeed(t, int(line.baudRate)); err != nil {
		return err
	}

	t.Cflag &^= unix.CSIZE
	switch line.dataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	default:
		return errors.New("invalid databits (must be 5..8)")
	}

	switch line.stopBits {
	case gxcommon.StopBitsOne:
		t.Cflag &^= unix.CSTOPB
	case gxcommon.StopBitsTwo:
		t.Cflag |= unix.CSTOPB
	default:
		return errors.New("invalid stopbits (must be 1 or 2)")
	}

	t.Iflag &^= unix.INPCK | unix.ISTRIP
	t.Cflag &^= unix.PARENB | unix.PARODD
	if hasCMSPAR {
		t.Cflag &^= cmspar
	}
	switch line.parity {
	case gxcommon.ParityNone:
	case gxcommon.ParityEven:
		t.Cflag |= unix.PARENB
	case gxcommon.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case gxcommon.ParityMark:
		if !hasCMSPAR {
			return errors.New("mark parity requested but CMSPAR not supported")
		}
		t.Cflag |= unix.PARENB | cmspar | unix.PARODD
	case gxcommon.ParitySpace:
		if !hasCMSPAR {
			return errors.New("space parity requested but CMSPAR not supported")
		}
		t.Cflag |= unix.PARENB | cmspar
	default:
		return errors.New("invalid parity")
	}

	t.Iflag &^= unix.IXON | unix.IXOFF
	t.Cflag &^= unix.CRTSCTS
	return nil
}

// Read waits until the device has data and reads what is available.
func (p *port) Read(b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	for {
		if p.closed.Load() {
			return 0, os.ErrClosed
		}
		pfds := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.wakeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("poll failed: %w", err)
		}
		if pfds[1].Revents != 0 {
			return 0, os.ErrClosed
		}
		ev := pfds[0].Revents
		if ev&unix.POLLIN == 0 {
			if ev&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				return 0, fmt.Errorf("serial device error (revents %#x)", ev)
			}
			continue
		}
		n, err := unix.Read(p.fd, b)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			continue
		case err != nil:
			return 0, fmt.Errorf("read failed: %w", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes all of b.
func (p *port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	written := 0
	for written < len(b) {
		if p.closed.Load() {
			return written, os.ErrClosed
		}
		n, err := unix.Write(p.fd, b[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == unix.EAGAIN:
			pfds := []unix.PollFd{
				{Fd: int32(p.fd), Events: unix.POLLOUT},
				{Fd: int32(p.wakeR), Events: unix.POLLIN},
			}
			if _, err := unix.Poll(pfds, -1); err != nil && err != unix.EINTR {
				return written, fmt.Errorf("poll failed: %w", err)
			}
		case err == unix.EINTR:
		case err != nil:
			return written, fmt.Errorf("write failed: %w", err)
		}
	}
	return written, nil
}

// Close wakes blocked readers and writers and releases the device. It is
// safe to call more than once.
func (p *port) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		_, _ = unix.Write(p.wakeW, []byte{0})
		p.readMu.Lock()
		p.writeMu.Lock()
		err = unix.Close(p.fd)
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
		p.writeMu.Unlock()
		p.readMu.Unlock()
	})
	return err
}
