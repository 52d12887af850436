// Package discovery finds RTI brokers on the local network with mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service brokers advertise.
const ServiceType = "_rti._tcp"

const DefaultTimeout = 5 * time.Second

var ErrNotFound = errors.New("no RTI broker found")

// Service is a discovered broker.
type Service struct {
	Name    string
	Address string
	Port    int
	// Path is the websocket path, from the path= TXT record. Defaults to "/".
	Path   string
	Secure bool
	TXT    []string
}

// URL is the websocket URL of the broker.
func (s Service) URL() string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, net.JoinHostPort(s.Address, strconv.Itoa(s.Port)), strings.TrimPrefix(s.Path, "/"))
}

// Lookup returns the first broker that answers within timeout.
func Lookup(ctx context.Context, timeout time.Duration) (*Service, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	entries := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() {
		defer close(entries)
		errCh <- mdns.Query(params)
	}()

	// the query keeps running until its timeout, so drain whatever it still finds
	defer func() {
		go func() {
			for range entries {
			}
		}()
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := <-errCh; err != nil {
					return nil, fmt.Errorf("mDNS query failed: %w", err)
				}
				return nil, fmt.Errorf("%w within %s", ErrNotFound, timeout)
			}
			svc, err := fromEntry(entry)
			if err != nil {
				slog.Debug("Ignoring mDNS entry", "name", entry.Name, "error", err)
				continue
			}
			slog.Info("Discovered RTI broker", "service_name", svc.Name, "url", svc.URL())
			return svc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func fromEntry(entry *mdns.ServiceEntry) (*Service, error) {
	if entry == nil {
		return nil, errors.New("empty entry")
	}
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, errors.New("no valid address found for service")
	}

	svc := &Service{
		Name:    entry.Name,
		Address: address,
		Port:    entry.Port,
		Path:    "/",
		TXT:     entry.InfoFields,
	}
	for _, field := range entry.InfoFields {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "path":
			svc.Path = value
		case "tls":
			svc.Secure = value == "true" || value == "1"
		}
	}
	return svc, nil
}

// Advertisement answers mDNS queries for a broker until shut down.
type Advertisement struct {
	server *mdns.Server
}

// Advertise announces a broker listening on port with the given websocket path.
func Advertise(instance string, port int, path string) (*Advertisement, error) {
	// nil ips lets mdns resolve the host's own addresses
	svc, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, []string{"path=" + path})
	if err != nil {
		return nil, fmt.Errorf("failed to describe mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	slog.Info("Advertising RTI broker", "instance", instance, "port", port, "service", ServiceType)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() error {
	return a.server.Shutdown()
}
