// Command gxbridge relays bytes between a TCP server and an RS485 serial
// line until it is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gurux/gxbridge-go"
	"github.com/Gurux/gxcommon-go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := newFlagSet()
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	configPath, _ := flagSet.GetString("config")
	lang, _ := flagSet.GetString("lang")
	verbose, _ := flagSet.GetBool("verbose")
	if listPorts, _ := flagSet.GetBool("list-ports"); listPorts {
		driver, _ := flagSet.GetString("driver")
		ports, err := gxbridge.GetPortNames(gxbridge.SerialDriver(driver))
		if err != nil {
			return fmt.Errorf("list ports: %w", err)
		}
		for _, name := range ports {
			fmt.Println(name)
		}
		return nil
	}

	settings := gxbridge.DefaultSettings()
	if configPath != "" {
		var err error
		if settings, err = gxbridge.LoadSettings(configPath); err != nil {
			return err
		}
	}
	if err := applyFlags(flagSet, &settings); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("invalid --lang %q: %w", lang, err)
	}
	logger, err := newLogger(verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	bridge := gxbridge.NewGXBridge(settings)
	bridge.Localize(tag)
	bridge.SetLogger(logger)
	bridge.SetOnTrace(func(_ *gxbridge.GXBridge, _ gxcommon.TraceTypes, message string) {
		logger.Info(message)
	})
	bridge.SetOnTCPStateChange(func(_ *gxbridge.GXBridge, state gxbridge.TCPState) {
		logger.Debug("tcp state", zap.Stringer("state", state))
	})
	bridge.SetOnSerialStateChange(func(_ *gxbridge.GXBridge, state gxcommon.MediaState) {
		logger.Debug("serial state", zap.Stringer("state", state))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := bridge.Statistics()
	logger.Info("statistics",
		zap.Uint64("tcp_bytes_received", stats.TCPBytesReceived),
		zap.Uint64("tcp_bytes_sent", stats.TCPBytesSent),
		zap.Uint64("serial_bytes_received", stats.SerialBytesReceived),
		zap.Uint64("serial_bytes_sent", stats.SerialBytesSent),
		zap.Uint64("dropped_payloads", stats.DroppedPayloads))
	return nil
}

func newFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("gxbridge", pflag.ContinueOnError)
	flagSet.StringP("config", "c", "", "YAML settings file")
	flagSet.StringP("serial", "s", "", "serial device, e.g. /dev/ttyUSB0 or COM3")
	flagSet.IntP("baud", "b", 9600, "serial baud rate")
	flagSet.String("host", "", "TCP server host name or IP address")
	flagSet.IntP("port", "p", 0, "TCP server port")
	flagSet.Duration("connect-timeout", 0, "TCP connect timeout (default 5s)")
	flagSet.Duration("idle-timeout", 0, "serial idle timeout before pending TCP data is written (default 5s)")
	flagSet.String("driver", string(gxbridge.DriverNative), "serial driver: native or portable")
	flagSet.String("trace", "", "trace level for hex dumps, e.g. Verbose")
	flagSet.String("lang", "en-US", "language of trace and error messages")
	flagSet.BoolP("verbose", "v", false, "enable debug logging")
	flagSet.Bool("list-ports", false, "list serial ports and exit")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

// applyFlags overrides the settings with the flags given on the command line.
func applyFlags(flagSet *pflag.FlagSet, settings *gxbridge.Settings) error {
	if flagSet.Changed("serial") {
		settings.SerialDevice, _ = flagSet.GetString("serial")
	}
	if flagSet.Changed("baud") {
		baud, _ := flagSet.GetInt("baud")
		settings.BaudRate = gxcommon.BaudRate(baud)
	}
	if flagSet.Changed("host") {
		settings.TCPHost, _ = flagSet.GetString("host")
	}
	if flagSet.Changed("port") {
		settings.TCPPort, _ = flagSet.GetInt("port")
	}
	if flagSet.Changed("connect-timeout") {
		settings.ConnectTimeout, _ = flagSet.GetDuration("connect-timeout")
	}
	if flagSet.Changed("idle-timeout") {
		settings.IdleTimeout, _ = flagSet.GetDuration("idle-timeout")
	}
	if flagSet.Changed("driver") {
		driver, _ := flagSet.GetString("driver")
		settings.SerialDriver = gxbridge.SerialDriver(driver)
	}
	if flagSet.Changed("trace") {
		value, _ := flagSet.GetString("trace")
		level, err := gxcommon.TraceLevelParse(value)
		if err != nil {
			return fmt.Errorf("invalid --trace %q: %w", value, err)
		}
		settings.TraceLevel = level
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProductionConfig().Build()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `gxbridge - Bridge a TCP server to an RS485 serial line

Data received from the serial line is sent to the TCP server at once. Data
received from the TCP server is written to the serial line after the line
has been idle for the idle timeout.

Usage:
  gxbridge [flags]

Examples:
  gxbridge --serial /dev/ttyUSB0 --baud 9600 --host 192.168.1.32 --port 8899
  gxbridge --config bridge.yaml --verbose
  gxbridge --list-ports

Flags:
%s`, flagSet.FlagUsages())
}
