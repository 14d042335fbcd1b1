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
	"fmt"
	"sync"

	"github.com/Gurux/gxcommon-go"
	"go.bug.st/serial"
)

// SerialDriver selects how the serial device is opened.
type SerialDriver string

const (
	// DriverNative opens the device with the termios (Linux, macOS) or DCB
	// (Windows) handler of this package.
	DriverNative SerialDriver = "native"
	// DriverPortable opens the device with go.bug.st/serial.
	DriverPortable SerialDriver = "portable"
)

// openFunc opens and configures a serial device.
type openFunc func(line lineSettings) (serialPort, error)

func opener(driver SerialDriver) openFunc {
	if driver == DriverPortable {
		return openPortablePort
	}
	return openNativePort
}

// GetPortNames returns the serial ports found by the given driver.
func GetPortNames(driver SerialDriver) ([]string, error) {
	if driver == DriverPortable {
		return serial.GetPortsList()
	}
	return getPortNames()
}

// portablePort makes Close of a go.bug.st/serial port idempotent.
type portablePort struct {
	serial.Port
	once sync.Once
	err  error
}

func (p *portablePort) Close() error {
	p.once.Do(func() {
		p.err = p.Port.Close()
	})
	return p.err
}

func openPortablePort(line lineSettings) (serialPort, error) {
	mode := &serial.Mode{
		BaudRate: int(line.baudRate),
		DataBits: line.dataBits,
	}
	switch line.parity {
	case gxcommon.ParityNone:
		mode.Parity = serial.NoParity
	case gxcommon.ParityOdd:
		mode.Parity = serial.OddParity
	case gxcommon.ParityEven:
		mode.Parity = serial.EvenParity
	case gxcommon.ParityMark:
		mode.Parity = serial.MarkParity
	case gxcommon.ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("parity %v: %w", line.parity, gxcommon.ErrInvalidArgument)
	}
	switch line.stopBits {
	case gxcommon.StopBitsOne:
		mode.StopBits = serial.OneStopBit
	case gxcommon.StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("stop bits %v: %w", line.stopBits, gxcommon.ErrInvalidArgument)
	}

	p, err := serial.Open(line.device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", line.device, err)
	}
	if err := p.SetReadTimeout(serial.NoTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	_ = p.ResetInputBuffer()
	return &portablePort{Port: p}, nil
}
