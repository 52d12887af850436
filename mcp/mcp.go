// Package mcp exposes a connected RTI client to MCP hosts as a set of tools.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/gorti/proto"
)

// Runtime is the part of the client the tools drive. *client.Client satisfies it.
type Runtime interface {
	ClientID() string
	Application() string
	Federation() string
	URL() string
	Connected() bool
	BrokerVersion() string
	State() proto.RuntimeState
	SetState(state proto.RuntimeState)

	KnownClients() []proto.Client
	ClientsByApplication(application string) []proto.Client
	KnownChannels() []proto.Channel
	UsedChannels() []proto.ChannelUse
	KnownMeasures() []proto.Measure
	Subscriptions() []string

	PublishText(channel, text string) error
	PublishJSON(channel string, v any) error
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

type Server struct {
	Server *server.MCPServer
	rt     Runtime
	log    *slog.Logger
}

func NewServer(rt Runtime, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Server: server.NewMCPServer("RTI Client", version, server.WithToolCapabilities(false)),
		rt:     rt,
		log:    logger.With("component", "mcp"),
	}
	s.registerCatalogTools()
	s.registerMessagingTools()
	s.registerRuntimeTools()
	return s
}

// Run serves MCP over stdin/stdout until the host closes the stream.
func (s *Server) Run() error {
	s.log.Info("Started stdio MCP server", "client_id", s.rt.ClientID())
	defer func() {
		s.log.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
