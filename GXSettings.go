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
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// OverflowPolicy tells what the pending queue does when a TCP payload
// arrives and the queue is already full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued payload. With capacity 1 a new
	// payload replaces the unflushed one.
	DropOldest OverflowPolicy = "drop-oldest"
	// DropNewest keeps the queued payloads and discards the new one.
	DropNewest OverflowPolicy = "drop-newest"
)

// Settings holds the bridge configuration. It is fixed when the bridge is
// created.
type Settings struct {
	// SerialDevice is the serial port, e.g. /dev/ttyUSB0 or COM3.
	SerialDevice string
	// BaudRate is the serial line speed.
	BaudRate gxcommon.BaudRate
	// DataBits is the character size, 5 to 8.
	DataBits int
	// Parity is the serial parity.
	Parity gxcommon.Parity
	// StopBits is the amount of stop bits.
	StopBits gxcommon.StopBits
	// SerialDriver selects how the serial device is opened.
	SerialDriver SerialDriver

	// TCPHost is the host name or IP address of the TCP server.
	TCPHost string
	// TCPPort is the TCP server port.
	TCPPort int
	// ConnectTimeout bounds one resolve and connect attempt.
	ConnectTimeout time.Duration
	// WriteTimeout is the TCP write deadline. Zero disables it.
	WriteTimeout time.Duration

	// IdleTimeout is how long the serial line may stay silent before the
	// pending TCP data is written to it.
	IdleTimeout time.Duration
	// ReadBufferSize is the maximum chunk read from either side at once.
	ReadBufferSize int
	// PendingCapacity is the amount of TCP payloads kept until they are
	// written to the serial line.
	PendingCapacity int
	// OverflowPolicy is applied when the pending queue is full.
	OverflowPolicy OverflowPolicy
	// ImmediateWrite writes TCP payloads to the serial line as soon as they
	// are received instead of waiting for the idle timeout.
	ImmediateWrite bool

	// ReconnectBackoff controls the delay between failed TCP connect and
	// serial open attempts.
	ReconnectBackoff BackoffSettings

	// TraceLevel selects which trace events are emitted.
	TraceLevel gxcommon.TraceLevel
}

// DefaultSettings returns settings with the default values. SerialDevice,
// TCPHost and TCPPort must still be set.
func DefaultSettings() Settings {
	return Settings{
		BaudRate:        gxcommon.BaudRate(9600),
		DataBits:        8,
		Parity:          gxcommon.ParityNone,
		StopBits:        gxcommon.StopBitsOne,
		SerialDriver:    DriverNative,
		ConnectTimeout:  5 * time.Second,
		IdleTimeout:     5 * time.Second,
		ReadBufferSize:  1024,
		PendingCapacity: 1,
		OverflowPolicy:  DropOldest,
		ReconnectBackoff: BackoffSettings{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

// settingsFile is the YAML form of Settings. Serial line values are kept as
// strings so they can be parsed with the gxcommon parsers.
type settingsFile struct {
	SerialDevice     string          `yaml:"serial_device"`
	BaudRate         int             `yaml:"baud_rate"`
	DataBits         int             `yaml:"data_bits"`
	Parity           string          `yaml:"parity"`
	StopBits         string          `yaml:"stop_bits"`
	SerialDriver     string          `yaml:"serial_driver"`
	TCPHost          string          `yaml:"tcp_host"`
	TCPPort          int             `yaml:"tcp_port"`
	ConnectTimeout   time.Duration   `yaml:"connect_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	IdleTimeout      time.Duration   `yaml:"idle_timeout"`
	ReadBufferSize   int             `yaml:"read_buffer_size"`
	PendingCapacity  int             `yaml:"pending_capacity"`
	OverflowPolicy   string          `yaml:"overflow_policy"`
	ImmediateWrite   bool            `yaml:"immediate_write"`
	ReconnectBackoff BackoffSettings `yaml:"reconnect_backoff"`
	Trace            string          `yaml:"trace"`
}

// LoadSettings reads settings from a YAML file. Keys missing from the file
// keep their default values. Unknown keys are an error.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings parses YAML settings on top of DefaultSettings.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	f := settingsFile{
		BaudRate:         int(s.BaudRate),
		DataBits:         s.DataBits,
		SerialDriver:     string(s.SerialDriver),
		ConnectTimeout:   s.ConnectTimeout,
		IdleTimeout:      s.IdleTimeout,
		ReadBufferSize:   s.ReadBufferSize,
		PendingCapacity:  s.PendingCapacity,
		OverflowPolicy:   string(s.OverflowPolicy),
		ReconnectBackoff: s.ReconnectBackoff,
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}

	s.SerialDevice = f.SerialDevice
	s.BaudRate = gxcommon.BaudRate(f.BaudRate)
	s.DataBits = f.DataBits
	s.SerialDriver = SerialDriver(f.SerialDriver)
	s.TCPHost = f.TCPHost
	s.TCPPort = f.TCPPort
	s.ConnectTimeout = f.ConnectTimeout
	s.WriteTimeout = f.WriteTimeout
	s.IdleTimeout = f.IdleTimeout
	s.ReadBufferSize = f.ReadBufferSize
	s.PendingCapacity = f.PendingCapacity
	s.OverflowPolicy = OverflowPolicy(f.OverflowPolicy)
	s.ImmediateWrite = f.ImmediateWrite
	s.ReconnectBackoff = f.ReconnectBackoff

	var err error
	if f.Parity != "" {
		if s.Parity, err = gxcommon.ParityParse(f.Parity); err != nil {
			return Settings{}, fmt.Errorf("parse settings: parity %q: %w", f.Parity, err)
		}
	}
	if f.StopBits != "" {
		if s.StopBits, err = ParseStopBits(f.StopBits); err != nil {
			return Settings{}, fmt.Errorf("parse settings: stop_bits %q: %w", f.StopBits, err)
		}
	}
	if f.Trace != "" {
		if s.TraceLevel, err = gxcommon.TraceLevelParse(f.Trace); err != nil {
			return Settings{}, fmt.Errorf("parse settings: trace %q: %w", f.Trace, err)
		}
	}
	return s, nil
}

// ParseStopBits accepts "1" and "2" in addition to the names understood by
// gxcommon.StopBitsParse.
func ParseStopBits(value string) (gxcommon.StopBits, error) {
	switch strings.TrimSpace(value) {
	case "1":
		return gxcommon.StopBitsOne, nil
	case "2":
		return gxcommon.StopBitsTwo, nil
	}
	return gxcommon.StopBitsParse(value)
}

// Validate checks that the settings can be used to run a bridge.
func (s *Settings) Validate() error {
	return s.validate(message.NewPrinter(language.AmericanEnglish))
}

func (s *Settings) validate(p *message.Printer) error {
	switch {
	case strings.TrimSpace(s.SerialDevice) == "":
		return errors.New(p.Sprintf("msg.no_serial_port_selected"))
	case strings.TrimSpace(s.TCPHost) == "":
		return errors.New(p.Sprintf("msg.no_host_selected"))
	case s.TCPPort < 1 || s.TCPPort > 65535:
		return errors.New(p.Sprintf("msg.invalid_port", s.TCPPort))
	case s.BaudRate <= 0:
		return errors.New(p.Sprintf("msg.invalid_baud_rate", int(s.BaudRate)))
	case s.DataBits < 5 || s.DataBits > 8:
		return errors.New(p.Sprintf("msg.invalid_data_bits", s.DataBits))
	case s.StopBits != gxcommon.StopBitsOne && s.StopBits != gxcommon.StopBitsTwo:
		return errors.New(p.Sprintf("msg.invalid_stop_bits"))
	case s.SerialDriver != DriverNative && s.SerialDriver != DriverPortable:
		return errors.New(p.Sprintf("msg.invalid_driver", string(s.SerialDriver)))
	case s.ConnectTimeout <= 0:
		return errors.New(p.Sprintf("msg.invalid_timeout", "connect_timeout"))
	case s.IdleTimeout <= 0:
		return errors.New(p.Sprintf("msg.invalid_timeout", "idle_timeout"))
	case s.WriteTimeout < 0:
		return errors.New(p.Sprintf("msg.invalid_timeout", "write_timeout"))
	case s.ReadBufferSize <= 0:
		return errors.New(p.Sprintf("msg.invalid_buffer_size", s.ReadBufferSize))
	case s.PendingCapacity <= 0:
		return errors.New(p.Sprintf("msg.invalid_capacity", s.PendingCapacity))
	case s.OverflowPolicy != DropOldest && s.OverflowPolicy != DropNewest:
		return errors.New(p.Sprintf("msg.invalid_overflow_policy", string(s.OverflowPolicy)))
	}
	return s.ReconnectBackoff.validate(p)
}

// line returns the serial line parameters.
func (s Settings) line() lineSettings {
	return lineSettings{
		device:   s.SerialDevice,
		baudRate: s.BaudRate,
		dataBits: s.DataBits,
		parity:   s.Parity,
		stopBits: s.StopBits,
	}
}
