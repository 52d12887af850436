package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/gorti/correlator"
	"github.com/mbocsi/gorti/proto"
)

const defaultCallTimeout = 10 * time.Second

func (s *Server) registerCatalogTools() {
	listClients := mcp.NewTool("list_clients",
		mcp.WithDescription("List the clients currently known on the RTI network"),
		mcp.WithString("application",
			mcp.Description("Only return clients of this application"),
		),
	)
	s.Server.AddTool(listClients, s.handleListClients)

	listChannels := mcp.NewTool("list_channels",
		mcp.WithDescription("List the channels announced on the network and the ones this client uses"),
	)
	s.Server.AddTool(listChannels, s.handleListChannels)

	listMeasures := mcp.NewTool("list_measures",
		mcp.WithDescription("List the measures announced on the network"),
	)
	s.Server.AddTool(listMeasures, s.handleListMeasures)
}

func (s *Server) registerMessagingTools() {
	publish := mcp.NewTool("publish",
		mcp.WithDescription("Publish a message on a channel"),
		mcp.WithString("channel",
			mcp.Required(),
			mcp.Description("Channel name, without the federation prefix"),
		),
		mcp.WithString("text",
			mcp.Description("Text content to publish"),
		),
		mcp.WithObject("payload",
			mcp.Description("JSON content to publish instead of text"),
		),
	)
	s.Server.AddTool(publish, s.handlePublish)

	call := mcp.NewTool("call",
		mcp.WithDescription("Invoke a remote procedure and wait for its result"),
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("Remote procedure name"),
		),
		mcp.WithObject("payload",
			mcp.Description("Arguments passed to the procedure"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Timeout in seconds"),
		),
	)
	s.Server.AddTool(call, s.handleCall)
}

func (s *Server) registerRuntimeTools() {
	status := mcp.NewTool("get_status",
		mcp.WithDescription("Get the connection status and runtime state of this client"),
	)
	s.Server.AddTool(status, s.handleGetStatus)

	states := make([]string, 0, 14)
	for _, st := range []proto.RuntimeState{
		proto.StateInitial, proto.StateLoading, proto.StateReady, proto.StateRunning,
		proto.StatePlayback, proto.StatePaused, proto.StatePlaybackPaused, proto.StateEnd,
		proto.StatePlaybackEnd, proto.StateStopping, proto.StateStopped,
		proto.StatePlaybackStopped, proto.StateShuttingDown,
	} {
		states = append(states, string(st))
	}
	setState := mcp.NewTool("set_state",
		mcp.WithDescription("Change the runtime state this client announces"),
		mcp.WithString("state",
			mcp.Required(),
			mcp.Enum(states...),
		),
	)
	s.Server.AddTool(setState, s.handleSetState)
}

func (s *Server) handleListClients(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clients := s.rt.KnownClients()
	if app := request.GetString("application", ""); app != "" {
		clients = s.rt.ClientsByApplication(app)
	}
	return jsonResult(map[string]any{
		"clients": clients,
		"count":   len(clients),
	})
}

func (s *Server) handleListChannels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"known":         s.rt.KnownChannels(),
		"used":          s.rt.UsedChannels(),
		"subscriptions": s.rt.Subscriptions(),
	})
}

func (s *Server) handleListMeasures(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"measures": s.rt.KnownMeasures()})
}

func (s *Server) handlePublish(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, err := request.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError("channel is required and must be a string"), nil
	}

	if payload, ok := argument(request, "payload"); ok {
		err = s.rt.PublishJSON(channel, payload)
	} else {
		err = s.rt.PublishText(channel, request.GetString("text", ""))
	}
	if err != nil {
		s.log.Warn("Publish from MCP failed", "channel", channel, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to publish: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Published on %s", channel)), nil
}

func (s *Server) handleCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	method, err := request.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError("method is required and must be a string"), nil
	}
	payload, _ := argument(request, "payload")

	timeout := defaultCallTimeout
	if secs := request.GetFloat("timeout", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.rt.Call(ctx, method, payload)
	if err != nil {
		var remote *correlator.RemoteError
		if errors.As(err, &remote) {
			return mcp.NewToolResultError(fmt.Sprintf("Remote error from %s: %s", method, remote.Payload)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Call failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"client_id":      s.rt.ClientID(),
		"application":    s.rt.Application(),
		"federation":     s.rt.Federation(),
		"url":            s.rt.URL(),
		"connected":      s.rt.Connected(),
		"broker_version": s.rt.BrokerVersion(),
		"state":          s.rt.State(),
		"peers":          len(s.rt.KnownClients()),
	})
}

func (s *Server) handleSetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := request.RequireString("state")
	if err != nil {
		return mcp.NewToolResultError("state is required and must be a string"), nil
	}
	s.rt.SetState(proto.RuntimeState(state))
	return mcp.NewToolResultText(fmt.Sprintf("State set to %s", state)), nil
}

func argument(request mcp.CallToolRequest, name string) (any, bool) {
	args, ok := request.GetRawArguments().(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := args[name]
	return v, ok && v != nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
