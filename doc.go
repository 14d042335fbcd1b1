// Package gxbridge bridges one outbound TCP client connection to one RS485
// serial line.
//
// Bytes received from the serial line are written to the TCP connection at
// once. Bytes received from TCP are kept pending until the serial line has
// been silent for the idle timeout and are then written to the serial line.
// The TCP connection is re-established and the serial port is reopened
// whenever they fail.
//
// Features
//
//   - Configurable serial settings (device, baud rate, data bits, parity, stop bits)
//   - Native termios/DCB serial handlers or go.bug.st/serial
//   - Connect timeout and exponential reconnect backoff with jitter
//   - Bounded pending queue with a drop-oldest or drop-newest policy
//   - Tracing: hex dumps of sent and received bytes, filtered by trace level.
//   - Events: Trace, Error and TCP and serial state callbacks.
//   - Structured logging with zap and YAML settings files.
//
// # Construction
//
// Use NewGXBridge with Settings. DefaultSettings returns the defaults and
// LoadSettings reads them from a YAML file.
//
// Example
//
//	settings := gxbridge.DefaultSettings()
//	settings.SerialDevice = "/dev/ttyUSB0"
//	settings.TCPHost = "192.168.1.32"
//	settings.TCPPort = 8899
//
//	bridge := gxbridge.NewGXBridge(settings)
//	bridge.SetLogger(logger)
//	bridge.SetOnError(func(b *gxbridge.GXBridge, err error) {
//	    // log/handle error
//	})
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := bridge.Run(ctx); err != nil {
//	    // invalid settings
//	}
//
// # Pending data
//
// With the default pending capacity of 1 a new TCP payload replaces the one
// that has not been written yet. Every discarded payload is counted in
// Statistics.DroppedPayloads.
//
// # Errors
//
// Endpoint failures are logged and routed to the Error handler; they never
// stop the bridge. A failed TCP write closes the connection and a failed
// serial write closes the port, which makes the endpoint reconnect or reopen.
//
// # Notes
//
// The zero value of GXBridge is not ready for use; always construct via NewGXBridge.
// Long-running work in event handlers should be offloaded to a separate
// goroutine to avoid blocking I/O paths.
package gxbridge
