// wsbridge relays byte streams between TCP and WebSocket peers.
//
// In ws_to_tcp mode it accepts WebSocket clients on the bind address and
// connects each one to a TCP destination. In tcp_to_ws mode it accepts TCP
// clients and connects each one to a WebSocket destination URL. Each TCP read
// is forwarded as one binary WebSocket message, and each binary message is
// written to TCP verbatim.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	chshare "github.com/sammck-go/wsbridge/share"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var (
		verbosity         int
		proxy             bool
		proxyHeaderName   string
		configFile        string
		bufferSize        int
		handshakeTimeout  time.Duration
		closeDrainTimeout time.Duration
		metricsAddr       string
		acceptRate        float64
		acceptBurst       int
		showVersion       bool
	)

	flagSet := pflag.NewFlagSet("wsbridge", pflag.ContinueOnError)
	flagSet.CountVarP(&verbosity, "verbose", "v", "raise log verbosity (repeat up to 4 times for trace)")
	flagSet.BoolVar(&proxy, "proxy", false, "report the originating client address to the TCP destination with a PROXY protocol header (ws_to_tcp only)")
	flagSet.StringVar(&proxyHeaderName, "proxy-header-name", chshare.DefaultProxyHeaderName, "request header carrying the originating client address")
	flagSet.StringVar(&configFile, "config", "", "YAML config file providing defaults for these flags")
	flagSet.IntVar(&bufferSize, "buffer-size", chshare.DefaultReadBufferSize, "largest TCP read forwarded as one WebSocket message")
	flagSet.DurationVar(&handshakeTimeout, "handshake-timeout", chshare.DefaultHandshakeTimeout, "limit on WebSocket handshakes and TCP dials")
	flagSet.DurationVar(&closeDrainTimeout, "close-drain-timeout", 0, "limit on waiting for a close acknowledgement after a failed dial (0 waits for the peer)")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this ip:port")
	flagSet.Float64Var(&acceptRate, "accept-rate", 0, "connections per second accepted from one client IP (0 is unlimited)")
	flagSet.IntVar(&acceptBurst, "accept-burst", 1, "burst size for --accept-rate")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wsbridge [flags] <ws_to_tcp|tcp_to_ws> <bind-ip:port> <destination>\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(chshare.BuildVersion)
		return nil
	}

	config := chshare.DefaultConfig()
	if configFile != "" {
		if err := config.LoadConfigFile(configFile); err != nil {
			return err
		}
	}

	args := flagSet.Args()
	switch {
	case len(args) == 3:
		mode, err := chshare.ParseMode(args[0])
		if err != nil {
			return err
		}
		config.Mode = mode
		config.BindAddress = args[1]
		config.Destination = args[2]
	case len(args) == 0 && configFile != "":
		// mode, bind and destination all come from the config file
	default:
		flagSet.Usage()
		return fmt.Errorf("expected 3 arguments, got %d", len(args))
	}

	// Flags given explicitly on the command line override the config file
	if configFile == "" || flagSet.Changed("verbose") {
		logLevel, err := chshare.VerbosityToLogLevel(verbosity)
		if err != nil {
			return err
		}
		config.LogLevel = logLevel
	}
	if configFile == "" || flagSet.Changed("proxy") {
		config.Proxy = proxy
	}
	if configFile == "" || flagSet.Changed("proxy-header-name") {
		config.ProxyHeaderName = proxyHeaderName
	}
	if configFile == "" || flagSet.Changed("buffer-size") {
		config.ReadBufferSize = bufferSize
	}
	if configFile == "" || flagSet.Changed("handshake-timeout") {
		config.HandshakeTimeout = handshakeTimeout
	}
	if configFile == "" || flagSet.Changed("close-drain-timeout") {
		config.CloseDrainTimeout = closeDrainTimeout
	}
	if configFile == "" || flagSet.Changed("metrics-addr") {
		config.MetricsAddress = metricsAddr
	}
	if configFile == "" || flagSet.Changed("accept-rate") {
		config.AcceptRate = acceptRate
	}
	if configFile == "" || flagSet.Changed("accept-burst") {
		config.AcceptBurst = acceptBurst
	}

	if err := config.Validate(); err != nil {
		return err
	}

	logger := chshare.NewLogger("wsbridge", config.LogLevel)
	server, err := chshare.NewServer(config, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = server.Run(ctx)
	if ctx.Err() != nil {
		logger.ILogf("Interrupted; exiting")
		return nil
	}
	// The accept loop is meant to run forever
	if err == nil {
		err = fmt.Errorf("server stopped unexpectedly")
	}
	logger.ELogf("Server exited: %s", err)
	return err
}
