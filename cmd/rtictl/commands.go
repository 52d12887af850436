package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mbocsi/gorti/brokertest"
	"github.com/mbocsi/gorti/client"
	"github.com/mbocsi/gorti/discovery"
	"github.com/mbocsi/gorti/mcp"
	"github.com/mbocsi/gorti/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func runListen(ctx context.Context, opts options, args []string) error {
	if len(args) == 0 {
		return errors.New("listen needs at least one channel")
	}
	c, err := connect(ctx, opts, nil, func(cfg *client.Config) { cfg.Incognito = true })
	if err != nil {
		return err
	}
	defer c.Close()

	for _, channel := range args {
		if _, err := c.SubscribeText(channel, func(content string) {
			fmt.Printf("%s\t%s\n", channel, content)
		}); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func runPublish(ctx context.Context, opts options, args []string) error {
	if len(args) < 2 {
		return errors.New("publish needs a channel and a message")
	}
	c, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.PublishText(args[0], joinArgs(args[1:])); err != nil {
		return err
	}
	return flush(ctx, c, opts.timeout)
}

func runCall(ctx context.Context, opts options, args []string) error {
	if len(args) == 0 {
		return errors.New("call needs a method")
	}
	var payload any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(joinArgs(args[1:])), &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}
	}

	c, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	result, err := c.Call(callCtx, args[0], payload)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func runMeasure(ctx context.Context, opts options, args []string) error {
	if len(args) < 2 {
		return errors.New("measure needs an id and at least one value")
	}
	values := make([]float64, 0, len(args)-1)
	for _, arg := range args[1:] {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", arg, err)
		}
		values = append(values, v)
	}

	c, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, v := range values {
		c.Measure(args[0], v)
	}
	c.FlushMeasures()
	return flush(ctx, c, opts.timeout)
}

func flush(ctx context.Context, c *client.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Flush(ctx)
}

func runPeers(ctx context.Context, opts options, args []string) error {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	wait := fs.Duration("wait", time.Second, "how long to listen for announcements")
	app := fs.String("application", "", "only print clients of this application")
	fs.Parse(args)

	c, err := connect(ctx, opts, nil, func(cfg *client.Config) { cfg.Incognito = true })
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.RequestClients(); err != nil {
		return err
	}

	select {
	case <-time.After(*wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	peers := c.KnownClients()
	if *app != "" {
		peers = c.ClientsByApplication(*app)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(peers)
}

func runServe(ctx context.Context, opts options, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "HTTP listen address")
	withMCP := fs.Bool("mcp", false, "serve MCP on stdin/stdout")
	fs.Parse(args)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := connect(ctx, opts, reg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	srv := &http.Server{
		Addr:    *addr,
		Handler: web.New(c, reg, slog.Default()).Routes(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting web server", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if *withMCP {
		g.Go(func() error {
			return mcp.NewServer(c, client.LibraryVersion, slog.Default()).Run()
		})
	}
	return g.Wait()
}

func runBroker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	addr := fs.String("addr", ":8000", "listen address")
	name := fs.String("name", "rtictl", "mDNS instance name")
	version := fs.String("version", client.LibraryVersion, "broker version announced to clients")
	advertise := fs.Bool("advertise", true, "advertise the broker over mDNS")
	fs.Parse(args)

	b := brokertest.New()
	b.Version = *version
	b.HeartbeatInterval = 10 * time.Second
	defer b.DropConnections()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: b.Routes()}

	if *advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		ad, err := discovery.Advertise(*name, port, "/")
		if err != nil {
			ln.Close()
			return err
		}
		defer ad.Shutdown()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting broker", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
