// Command rtictl connects to an RTI broker from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mbocsi/gorti/client"
	"github.com/mbocsi/gorti/discovery"
	"github.com/prometheus/client_golang/prometheus"
)

const usage = `usage: rtictl [flags] <command> [args]

commands:
  listen <channel>...         print messages published on channels
  publish <channel> <text>    publish a text message
  call <method> [json]        invoke a remote procedure and print the result
  measure <id> <value>...     record measure values
  peers                       print the clients on the network
  serve                       expose the client over HTTP and MCP
  broker                      run a local broker and advertise it over mDNS
`

type options struct {
	configPath string
	url        string
	app        string
	federation string
	discover   bool
	timeout    time.Duration
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file")
	flag.StringVar(&opts.url, "url", "", "broker websocket URL")
	flag.StringVar(&opts.app, "app", "rtictl", "application name announced to peers")
	flag.StringVar(&opts.federation, "federation", "", "federation to join")
	flag.BoolVar(&opts.discover, "discover", false, "find the broker with mDNS when no URL is set")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect timeout")
	flag.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// stdout is reserved for command output and the MCP stream
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(opts.logLevel)})
	slog.SetDefault(slog.New(handler))

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "listen":
		err = runListen(ctx, opts, args)
	case "publish":
		err = runPublish(ctx, opts, args)
	case "call":
		err = runCall(ctx, opts, args)
	case "measure":
		err = runMeasure(ctx, opts, args)
	case "peers":
		err = runPeers(ctx, opts, args)
	case "serve":
		err = runServe(ctx, opts, args)
	case "broker":
		err = runBroker(ctx, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig layers the config file, RTI_* environment variables and flags, in that order.
func loadConfig(ctx context.Context, opts options) (client.Config, error) {
	var cfg client.Config
	if opts.configPath != "" {
		var err error
		if cfg, err = client.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if opts.url != "" {
		cfg.URL = opts.url
	}
	if opts.federation != "" {
		cfg.Federation = opts.federation
	}
	if cfg.Application == "" {
		cfg.Application = opts.app
	}

	if cfg.URL == "" && opts.discover {
		svc, err := discovery.Lookup(ctx, discovery.DefaultTimeout)
		if err != nil {
			return cfg, err
		}
		cfg.URL = svc.URL()
	}
	return cfg, nil
}

// connect builds a client from opts and waits for it to authenticate.
func connect(ctx context.Context, opts options, reg prometheus.Registerer, configure func(*client.Config)) (*client.Client, error) {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	cfg.Registry = reg
	if configure != nil {
		configure(&cfg)
	}

	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	c.Events.Error.Listen(func(e client.ErrorEvent) {
		slog.Warn("RTI error", "source", e.Source, "error", e.Err)
	})
	if err := c.Connect(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := c.WaitUntilConnected(waitCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to %s: %w", c.URL(), err)
	}
	slog.Info("Connected", "url", c.URL(), "client_id", c.ClientID(), "broker_version", c.BrokerVersion())
	return c, nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
