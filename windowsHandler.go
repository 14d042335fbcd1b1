//go:build windows

package gxbridge

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

type port struct {
	h       windows.Handle
	ovRead  windows.Overlapped
	ovWrite windows.Overlapped
	closing windows.Handle

	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

func (p *port) isOpen() bool {
	return p != nil && p.h != 0 && p.h != windows.InvalidHandle
}

// getPortNames retrieves the list of available serial port names on a Windows system by querying the registry.
func getPortNames() ([]string, error) {
	const path = `HARDWARE\DEVICEMAP\SERIALCOMM`

	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() {
		_ = key.Close()
	}()

	valueNames, err := key.ReadValueNames(-1)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, name := range valueNames {
		port, _, err := key.GetStringValue(name)
		if err == nil {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

const (
	dcbFBinary         = 1 << 0
	dcbFParity         = 1 << 1
	dcbFErrorChar      = 1 << 10
	dcbFNull           = 1 << 11
	dcbFAbortOnError   = 1 << 14
	dcbFDtrControlMask = 0x3 << 4  // bits 4-5
	dcbFRtsControlMask = 0x3 << 12 // bits 12-13
)

// XON/XOFF control characters
const (
	xon  byte = 0x11
	xoff byte = 0x13
)

const maxDWORD = ^uint32(0)

// RTS/DTR control values (DCB 2-bit fields)
const (
	rtsControlDisable uint32 = 0
	dtrControlDisable uint32 = 0
)

func setFlag(d *windows.DCB, flag uint32, on bool) {
	if on {
		d.Flags |= flag
	} else {
		d.Flags &^= flag
	}
}

func setRtsControl(d *windows.DCB, val uint32) {
	d.Flags &^= dcbFRtsControlMask
	d.Flags |= (val & 0x3) << 12
}

func setDtrControl(d *windows.DCB, val uint32) {
	d.Flags &^= dcbFDtrControlMask
	d.Flags |= (val & 0x3) << 4
}

// toDCBParity maps parity to the NOPARITY..SPACEPARITY values of the DCB.
func toDCBParity(value gxcommon.Parity) (byte, error) {
	switch value {
	case gxcommon.ParityNone:
		return 0, nil
	case gxcommon.ParityOdd:
		return 1, nil
	case gxcommon.ParityEven:
		return 2, nil
	case gxcommon.ParityMark:
		return 3, nil
	case gxcommon.ParitySpace:
		return 4, nil
	}
	return 0, gxcommon.ErrInvalidArgument
}

func (p *port) updateSettings(line lineSettings) error {
	var d windows.DCB
	d.DCBlength = uint32(unsafe.Sizeof(d))
	if err := windows.GetCommState(p.h, &d); err != nil {
		return fmt.Errorf("GetCommState failed: %w", err)
	}

	parity, err := toDCBParity(line.parity)
	if err != nil {
		return err
	}
	d.BaudRate = uint32(line.baudRate)
	d.ByteSize = byte(line.dataBits)
	d.Parity = parity

	switch line.stopBits {
	case gxcommon.StopBitsOne:
		d.StopBits = 0 // ONESTOPBIT
	case gxcommon.StopBitsTwo:
		d.StopBits = 2 // TWOSTOPBITS
	default:
		return gxcommon.ErrInvalidArgument
	}
	setFlag(&d, dcbFParity, d.Parity != 0)
	setFlag(&d, dcbFBinary, true)
	setFlag(&d, dcbFNull, false)
	setFlag(&d, dcbFErrorChar, false)
	setFlag(&d, dcbFAbortOnError, false)
	d.XonChar = xon
	d.XoffChar = xoff
	setRtsControl(&d, rtsControlDisable)
	setDtrControl(&d, dtrControlDisable)
	if err := windows.SetCommState(p.h, &d); err != nil {
		return fmt.Errorf("SetCommState failed: %w", err)
	}

	// ReadFile returns as soon as at least one byte is available.
	timeouts := windows.CommTimeouts{
		ReadIntervalTimeout:        maxDWORD,
		ReadTotalTimeoutMultiplier: maxDWORD,
		ReadTotalTimeoutConstant:   maxDWORD - 1,
	}
	if err := windows.SetCommTimeouts(p.h, &timeouts); err != nil {
		return fmt.Errorf("SetCommTimeouts failed: %w", err)
	}
	return nil
}

func openNativePort(line lineSettings) (serialPort, error) {
	if strings.TrimSpace(line.device) == "" {
		return nil, errors.New("invalid serial port name")
	}

	p := &port{}
	closing, err := windows.CreateEvent(nil, 1, 0, nil) // manual-reset
	if err != nil {
		return nil, fmt.Errorf("CreateEvent(closing) failed: %w", err)
	}
	p.closing = closing

	path := `\\.\` + line.device
	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(path),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to open port %q: %w", line.device, err)
	}
	p.h = h

	er, err := windows.CreateEvent(nil, 0, 0, nil) // auto-reset
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("CreateEvent(read) failed: %w", err)
	}
	p.ovRead.HEvent = er

	ew, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("CreateEvent(write) failed: %w", err)
	}
	p.ovWrite.HEvent = ew

	if err := p.updateSettings(line); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to update serial port settings: %w", err)
	}

	if err := windows.PurgeComm(p.h,
		windows.PURGE_TXCLEAR|windows.PURGE_TXABORT|windows.PURGE_RXCLEAR|windows.PURGE_RXABORT,
	); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("PurgeComm failed: %w", err)
	}
	return p, nil
}

// Read waits until at least one byte is available.
func (p *port) Read(b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	for {
		if p.closed.Load() || !p.isOpen() {
			return 0, os.ErrClosed
		}
		var n uint32
		_ = windows.ResetEvent(p.ovRead.HEvent)
		err := windows.ReadFile(p.h, b, &n, &p.ovRead)
		if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
			if p.closed.Load() {
				return 0, os.ErrClosed
			}
			return 0, fmt.Errorf("read failed: %w", err)
		}
		if errors.Is(err, windows.ERROR_IO_PENDING) {
			handles := []windows.Handle{p.closing, p.ovRead.HEvent}
			idx, werr := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
			if werr != nil {
				return 0, fmt.Errorf("read wait failed: %w", werr)
			}
			if idx == windows.WAIT_OBJECT_0 {
				_ = windows.CancelIoEx(p.h, &p.ovRead)
				_ = windows.GetOverlappedResult(p.h, &p.ovRead, &n, true)
				return 0, os.ErrClosed
			}
			if gerr := windows.GetOverlappedResult(p.h, &p.ovRead, &n, true); gerr != nil {
				if errors.Is(gerr, windows.ERROR_OPERATION_ABORTED) && p.closed.Load() {
					return 0, os.ErrClosed
				}
				return 0, fmt.Errorf("read failed: %w", gerr)
			}
		}
		if n != 0 {
			return int(n), nil
		}
	}
}

// Write writes all of b.
func (p *port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Load() || !p.isOpen() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	var n uint32
	_ = windows.ResetEvent(p.ovWrite.HEvent)
	err := windows.WriteFile(p.h, b, &n, &p.ovWrite)
	if err == nil {
		return int(n), nil
	}
	if !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	handles := []windows.Handle{p.closing, p.ovWrite.HEvent}
	idx, werr := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
	if werr != nil {
		return 0, fmt.Errorf("write wait failed: %w", werr)
	}
	if idx == windows.WAIT_OBJECT_0 {
		_ = windows.CancelIoEx(p.h, &p.ovWrite)
		_ = windows.GetOverlappedResult(p.h, &p.ovWrite, &n, true)
		return int(n), os.ErrClosed
	}
	if gerr := windows.GetOverlappedResult(p.h, &p.ovWrite, &n, true); gerr != nil {
		return int(n), fmt.Errorf("write failed: %w", gerr)
	}
	return int(n), nil
}

// Close signals pending reads and writes and releases the handles. It is
// safe to call more than once.
func (p *port) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		if p.closing != 0 {
			_ = windows.SetEvent(p.closing)
		}
		if p.isOpen() {
			_ = windows.CancelIoEx(p.h, nil)
		}
		p.readMu.Lock()
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		defer p.readMu.Unlock()

		if p.ovRead.HEvent != 0 {
			_ = windows.CloseHandle(p.ovRead.HEvent)
			p.ovRead.HEvent = 0
		}
		if p.ovWrite.HEvent != 0 {
			_ = windows.CloseHandle(p.ovWrite.HEvent)
			p.ovWrite.HEvent = 0
		}
		if p.h != 0 {
			_ = windows.CloseHandle(p.h)
			p.h = 0
		}
		if p.closing != 0 {
			_ = windows.CloseHandle(p.closing)
			p.closing = 0
		}
	})
	return nil
}
