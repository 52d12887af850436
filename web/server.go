// Package web serves a JSON view of a client's connection and catalogs over HTTP.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/gorti/proto"
	"github.com/mbocsi/gorti/router"
	"github.com/mbocsi/gorti/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the client the server reports on. *client.Client satisfies it.
type Source interface {
	ClientID() string
	Application() string
	Federation() string
	URL() string
	Connected() bool
	ConnectionState() transport.State
	BrokerVersion() string
	LastHeartbeat() time.Time
	State() proto.RuntimeState

	KnownClients() []proto.Client
	KnownClient(id string) (proto.Client, bool)
	KnownChannels() []proto.Channel
	UsedChannels() []proto.ChannelUse
	KnownMeasures() []proto.Measure
	UsedMeasures() []proto.Measure
	Subscriptions() []string

	PublishText(channel, text string) error
	SubscribeText(channel string, handler func(content string)) (*router.Subscription, error)
	Unsubscribe(sub *router.Subscription) bool
}

type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	log      *slog.Logger

	mu      sync.Mutex
	streams int
}

// New builds a server. gatherer may be nil, in which case /metrics is not served.
func New(src Source, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{src: src, gatherer: gatherer, log: logger.With("component", "web")}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.HandleHome)
	r.Get("/healthz", s.HandleHealth)
	r.Get("/status", s.HandleStatus)
	r.Get("/clients", s.HandleClients)
	r.Get("/clients/{id}", s.HandleClientDetail)
	r.Get("/channels", s.HandleChannels)
	r.Get("/measures", s.HandleMeasures)
	r.Get("/events", s.HandleChannelEvents)
	r.Post("/api/messages", s.HandleSendMessage)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) HandleHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/status", http.StatusMovedPermanently)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.src.Connected() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"connected": s.src.Connected()})
}

type Status struct {
	ClientID      string             `json:"clientId"`
	Application   string             `json:"application"`
	Federation    string             `json:"federation,omitempty"`
	URL           string             `json:"url"`
	Connection    string             `json:"connection"`
	State         proto.RuntimeState `json:"state"`
	BrokerVersion string             `json:"brokerVersion,omitempty"`
	LastHeartbeat *time.Time         `json:"lastHeartbeat,omitempty"`
	Peers         int                `json:"peers"`
	Streams       int                `json:"streams"`
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		ClientID:      s.src.ClientID(),
		Application:   s.src.Application(),
		Federation:    s.src.Federation(),
		URL:           s.src.URL(),
		Connection:    s.src.ConnectionState().String(),
		State:         s.src.State(),
		BrokerVersion: s.src.BrokerVersion(),
		Peers:         len(s.src.KnownClients()),
	}
	if hb := s.src.LastHeartbeat(); !hb.IsZero() {
		st.LastHeartbeat = &hb
	}
	s.mu.Lock()
	st.Streams = s.streams
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) HandleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.src.KnownClients()
	if app := r.URL.Query().Get("application"); app != "" {
		filtered := clients[:0]
		for _, c := range clients {
			if c.Application == app {
				filtered = append(filtered, c)
			}
		}
		clients = filtered
	}
	writeJSON(w, http.StatusOK, nonNil(clients))
}

func (s *Server) HandleClientDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, ok := s.src.KnownClient(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) HandleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"known":         nonNil(s.src.KnownChannels()),
		"used":          nonNil(s.src.UsedChannels()),
		"subscriptions": nonNil(s.src.Subscriptions()),
	})
}

func (s *Server) HandleMeasures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"known": nonNil(s.src.KnownMeasures()),
		"used":  nonNil(s.src.UsedMeasures()),
	})
}

// HandleSendMessage publishes a text message on behalf of the HTTP caller.
func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.src.PublishText(req.Channel, req.Content); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Message sent to %s", req.Channel)
}

// HandleChannelEvents streams publications on ?channel= as Server-Sent Events
// until the caller goes away.
func (s *Server) HandleChannelEvents(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Error("Streaming unsupported", "channel", channel)
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	messages := make(chan string, 64)
	sub, err := s.src.SubscribeText(channel, func(content string) {
		select {
		case messages <- content:
		default:
			s.log.Warn("SSE stream too slow, message dropped", "channel", channel)
		}
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	defer s.src.Unsubscribe(sub)

	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streams--
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", channel)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case content := <-messages:
			// SSE data lines cannot carry raw newlines
			for _, line := range strings.Split(content, "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	s.log.Warn("Request failed", "error", err)
	switch {
	case errors.Is(err, proto.ErrInvalidChannel):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, router.ErrNotConnected), errors.Is(err, transport.ErrQueueFull), errors.Is(err, transport.ErrDisconnecting):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write JSON response", "error", err)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
